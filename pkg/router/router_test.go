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

package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/controlplane/pkg/backend"
	"github.com/agentctl/controlplane/pkg/breaker"
	"github.com/agentctl/controlplane/pkg/cperrors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time   { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func caps() backend.Capabilities {
	return backend.Capabilities{MaxContextTokens: 100000}
}

func TestRouter_CircuitBreakerFailover(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	primaryBreaker := breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: 30 * time.Second}, breaker.WithClock(clock.now))
	fallbackBreaker := breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: 30 * time.Second}, breaker.WithClock(clock.now))

	r := New([]Candidate{
		{ProviderID: "primary", Priority: 1, Capabilities: caps(), Breaker: primaryBreaker},
		{ProviderID: "fallback", Priority: 2, Capabilities: caps(), Breaker: fallbackBreaker},
	})

	task := backend.Task{}

	id, err := r.Route(task, "")
	require.NoError(t, err)
	assert.Equal(t, "primary", id, "lower priority number wins while both are closed")

	r.RecordOutcome("primary", false, cperrors.Transient)
	assert.Equal(t, breaker.Open, primaryBreaker.GetState())

	id, err = r.Route(task, "")
	require.NoError(t, err)
	assert.Equal(t, "fallback", id, "primary open must fail over to fallback")

	clock.advance(31 * time.Second)

	id, err = r.Route(task, "")
	require.NoError(t, err)
	assert.Equal(t, "primary", id, "after cooldown primary is eligible again and outranks fallback by priority")
}

func TestRouter_ScoringDoesNotBurnHalfOpenProbeOfUnselectedCandidate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	primaryBreaker := breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: 10 * time.Second}, breaker.WithClock(clock.now))
	fallbackBreaker := breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: 10 * time.Second}, breaker.WithClock(clock.now))

	r := New([]Candidate{
		{ProviderID: "primary", Priority: 1, Capabilities: caps(), Breaker: primaryBreaker},
		{ProviderID: "fallback", Priority: 2, Capabilities: caps(), Breaker: fallbackBreaker},
	})

	primaryBreaker.RecordOutcome(false, cperrors.Transient)
	require.Equal(t, breaker.Open, primaryBreaker.GetState())
	clock.advance(11 * time.Second)

	// Routing repeatedly must not flip primary into HALF_OPEN and strand it
	// there merely because it was scored and then outranked/unused.
	for i := 0; i < 3; i++ {
		id, err := r.Route(backend.Task{}, "fallback")
		require.NoError(t, err)
		assert.Equal(t, "fallback", id)
	}
	assert.Equal(t, breaker.Open, primaryBreaker.GetState(), "scoring alone must not mutate an unselected breaker's state")

	id, err := r.Route(backend.Task{}, "")
	require.NoError(t, err)
	assert.Equal(t, "primary", id, "once actually selected, primary's single probe admits it")
	assert.Equal(t, breaker.HalfOpen, primaryBreaker.GetState())
}

func TestRouter_NoEligibleCandidatesReturnsNoBackendAvailable(t *testing.T) {
	r := New([]Candidate{
		{ProviderID: "small", Priority: 1, Capabilities: backend.Capabilities{MaxContextTokens: 1000}, Breaker: breaker.New(breaker.Config{})},
	})

	_, err := r.Route(backend.Task{Constraints: backend.Constraints{MaxTokens: 5000}}, "")
	assert.ErrorIs(t, err, cperrors.ErrNoBackendAvailable)
}

func TestRouter_GoalTypeFiltering(t *testing.T) {
	r := New([]Candidate{
		{ProviderID: "coder", Priority: 1, Capabilities: backend.Capabilities{MaxContextTokens: 100000, SupportedGoalTypes: []string{"code"}}, Breaker: breaker.New(breaker.Config{})},
		{ProviderID: "generalist", Priority: 2, Capabilities: caps(), Breaker: breaker.New(breaker.Config{})},
	})

	id, err := r.Route(backend.Task{Instruction: backend.Instruction{GoalType: "chat"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "generalist", id, "coder's SupportedGoalTypes excludes chat")
}
