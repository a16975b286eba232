// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package router implements the provider routing algorithm: given a set
// of candidate backends with priorities, capabilities, and independent
// circuit breakers, pick the one a task should run against.
package router

import (
	"sort"
	"sync"

	"github.com/agentctl/controlplane/pkg/backend"
	"github.com/agentctl/controlplane/pkg/breaker"
	"github.com/agentctl/controlplane/pkg/cperrors"
)

// Candidate is one routable backend, supplied at construction.
type Candidate struct {
	ProviderID   string
	Backend      backend.Backend
	Priority     int
	Capabilities backend.Capabilities
	Breaker      *breaker.Breaker
}

// Router selects a backend for a task from a fixed candidate set.
type Router struct {
	mu         sync.RWMutex
	candidates map[string]Candidate
}

// New builds a Router over the given candidates.
func New(candidates []Candidate) *Router {
	r := &Router{candidates: make(map[string]Candidate, len(candidates))}
	for _, c := range candidates {
		r.candidates[c.ProviderID] = c
	}
	return r
}

// Route implements the algorithm from spec §4.6:
//  1. candidate set = backends supporting task.instruction.goalType and
//     satisfying maxContextTokens >= task.constraints.maxTokens
//  2. if preferredID is in the set and its breaker allows, pick it
//  3. otherwise sort by (circuitAllowed desc, priority asc, providerId asc)
//     and return the first
//  4. if none remain, fail with NoBackendAvailable
//
// Eligibility scoring uses Breaker.WouldAllow, not Breaker.Allow: scoring
// every candidate must not itself flip an OPEN breaker to HALF_OPEN and
// burn its one probe slot on a backend that doesn't end up selected. Allow
// is called exactly once, on the candidate actually returned.
func (r *Router) Route(task backend.Task, preferredID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type scored struct {
		id             string
		priority       int
		circuitAllowed bool
		breaker        *breaker.Breaker
	}
	var eligible []scored

	for id, c := range r.candidates {
		if !c.Capabilities.Supports(task.Instruction.GoalType) {
			continue
		}
		if task.Constraints.MaxTokens > 0 && c.Capabilities.MaxContextTokens < task.Constraints.MaxTokens {
			continue
		}
		eligible = append(eligible, scored{id: id, priority: c.Priority, circuitAllowed: c.Breaker.WouldAllow(), breaker: c.Breaker})
	}

	if len(eligible) == 0 {
		return "", cperrors.ErrNoBackendAvailable
	}

	if preferredID != "" {
		for _, e := range eligible {
			if e.id == preferredID && e.circuitAllowed {
				e.breaker.Allow()
				return e.id, nil
			}
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.circuitAllowed != b.circuitAllowed {
			return a.circuitAllowed // true (allowed) sorts first
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.id < b.id
	})

	chosen := eligible[0]
	if chosen.circuitAllowed {
		chosen.breaker.Allow()
	}
	return chosen.id, nil
}

// RecordOutcome delegates to the named candidate's breaker.
func (r *Router) RecordOutcome(providerID string, success bool, classification cperrors.Classification) {
	r.mu.RLock()
	c, ok := r.candidates[providerID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.Breaker.RecordOutcome(success, classification)
}

// CircuitStates returns a snapshot of every candidate's breaker state for
// observability endpoints.
func (r *Router) CircuitStates() map[string]breaker.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]breaker.State, len(r.candidates))
	for id, c := range r.candidates {
		out[id] = c.Breaker.GetState()
	}
	return out
}
