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

package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentctl/controlplane/pkg/backend"
	"github.com/agentctl/controlplane/pkg/breaker"
	"github.com/agentctl/controlplane/pkg/cperrors"
)

// Router is the thin interface the BackendRegistry delegates routing to
// when one is configured. pkg/router.Router satisfies it.
type Router interface {
	Route(task backend.Task, preferredID string) (string, error)
	RecordOutcome(providerID string, success bool, classification cperrors.Classification)
	CircuitStates() map[string]breaker.State
}

// Entry is one registered backend plus its routing metadata.
type Entry struct {
	ProviderID   string
	Backend      backend.Backend
	Priority     int
	Capabilities backend.Capabilities
	Breaker      *breaker.Breaker
}

// BackendRegistry is the thin owner of backends described in spec §4.7: it
// starts/stops backends, holds one breaker per backend, and optionally
// delegates routing decisions to a Router. Entry storage is delegated to
// BaseRegistry[*Entry]; BackendRegistry itself only adds the backend
// start/stop lifecycle and router delegation BaseRegistry knows nothing
// about.
type BackendRegistry struct {
	entries *BaseRegistry[*Entry]

	mu     sync.RWMutex
	router Router
}

// NewBackendRegistry builds an empty registry. SetRouter may be called
// later to enable routeTask's delegation path.
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{entries: NewBaseRegistry[*Entry]()}
}

// SetRouter installs (or clears, with nil) the router routeTask delegates
// to.
func (r *BackendRegistry) SetRouter(router Router) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.router = router
}

// BreakerConfig is re-exported so callers don't need to import pkg/breaker
// directly just to register a backend.
type BreakerConfig = breaker.Config

// Register starts the backend, captures its capabilities, and creates its
// breaker. priority 0 is treated as the lowest-numbered (most preferred)
// default. Re-registering an already-registered providerID replaces its
// entry rather than failing, since BaseRegistry.Register itself rejects
// duplicates.
func (r *BackendRegistry) Register(ctx context.Context, providerID string, b backend.Backend, config map[string]any, priority int, breakerCfg BreakerConfig) error {
	if err := b.Start(ctx, config); err != nil {
		return fmt.Errorf("start backend %s: %w", providerID, err)
	}

	entry := &Entry{
		ProviderID:   providerID,
		Backend:      b,
		Priority:     priority,
		Capabilities: b.Capabilities(),
		Breaker:      breaker.New(breakerCfg),
	}

	_ = r.entries.Remove(providerID)
	if err := r.entries.Register(providerID, entry); err != nil {
		return fmt.Errorf("register backend %s: %w", providerID, err)
	}
	return nil
}

// Unregister stops and removes a backend. A no-op if absent.
func (r *BackendRegistry) Unregister(ctx context.Context, providerID string) error {
	entry, ok := r.entries.Get(providerID)
	if !ok {
		return nil
	}
	_ = r.entries.Remove(providerID)
	return entry.Backend.Stop(ctx)
}

// Entries returns a snapshot of all registered entries.
func (r *BackendRegistry) Entries() []*Entry {
	return r.entries.List()
}

// Get returns a single entry by provider id.
func (r *BackendRegistry) Get(providerID string) (*Entry, bool) {
	return r.entries.Get(providerID)
}

// RouteTask delegates to the configured Router if any, otherwise falls
// back to returning preferredID directly (or the sole registered backend
// if there is exactly one and no preference was given).
func (r *BackendRegistry) RouteTask(task backend.Task, preferredID string) (*Entry, error) {
	r.mu.RLock()
	router := r.router
	r.mu.RUnlock()

	if router != nil {
		id, err := router.Route(task, preferredID)
		if err != nil {
			return nil, err
		}
		entry, ok := r.Get(id)
		if !ok {
			return nil, cperrors.ErrNoBackendAvailable
		}
		return entry, nil
	}

	if preferredID != "" {
		entry, ok := r.Get(preferredID)
		if !ok {
			return nil, cperrors.ErrNoBackendAvailable
		}
		return entry, nil
	}

	entries := r.Entries()
	if len(entries) == 1 {
		return entries[0], nil
	}
	return nil, cperrors.ErrNoBackendAvailable
}

// StopAll stops every backend and clears breakers and the router.
func (r *BackendRegistry) StopAll(ctx context.Context) error {
	entries := r.entries.List()
	r.entries.Clear()

	r.mu.Lock()
	r.router = nil
	r.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.Backend.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop backend %s: %w", e.ProviderID, err)
		}
	}
	return firstErr
}
