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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/controlplane/pkg/backend"
	"github.com/agentctl/controlplane/pkg/breaker"
	"github.com/agentctl/controlplane/pkg/cperrors"
)

type fakeBackend struct {
	id       string
	started  bool
	stopped  bool
	caps     backend.Capabilities
	startErr error
}

func (f *fakeBackend) BackendID() string { return f.id }
func (f *fakeBackend) Start(ctx context.Context, config map[string]any) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}
func (f *fakeBackend) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}
func (f *fakeBackend) HealthCheck(ctx context.Context) (backend.Health, error) {
	return backend.Health{Status: backend.Healthy}, nil
}
func (f *fakeBackend) Capabilities() backend.Capabilities { return f.caps }
func (f *fakeBackend) ExecuteTask(ctx context.Context, task backend.Task) (backend.Handle, error) {
	return nil, nil
}

func TestBackendRegistry_RegisterStartsBackendAndCapturesCapabilities(t *testing.T) {
	r := NewBackendRegistry()
	b := &fakeBackend{id: "primary", caps: backend.Capabilities{MaxContextTokens: 50000}}

	err := r.Register(context.Background(), "primary", b, map[string]any{"apiKey": "x"}, 1, BreakerConfig{})
	require.NoError(t, err)
	assert.True(t, b.started)

	entry, ok := r.Get("primary")
	require.True(t, ok)
	assert.Equal(t, 50000, entry.Capabilities.MaxContextTokens)
	assert.NotNil(t, entry.Breaker)
}

func TestBackendRegistry_RegisterPropagatesStartError(t *testing.T) {
	r := NewBackendRegistry()
	b := &fakeBackend{id: "broken", startErr: cperrors.ErrConfigurationInvalid}

	err := r.Register(context.Background(), "broken", b, nil, 1, BreakerConfig{})
	assert.Error(t, err)
	_, ok := r.Get("broken")
	assert.False(t, ok, "a backend that fails to start must not be registered")
}

func TestBackendRegistry_UnregisterStopsAndRemoves(t *testing.T) {
	r := NewBackendRegistry()
	b := &fakeBackend{id: "primary"}
	require.NoError(t, r.Register(context.Background(), "primary", b, nil, 1, BreakerConfig{}))

	err := r.Unregister(context.Background(), "primary")
	require.NoError(t, err)
	assert.True(t, b.stopped)

	_, ok := r.Get("primary")
	assert.False(t, ok)
}

func TestBackendRegistry_UnregisterAbsentIsNoOp(t *testing.T) {
	r := NewBackendRegistry()
	err := r.Unregister(context.Background(), "ghost")
	assert.NoError(t, err)
}

func TestBackendRegistry_RouteTaskWithoutRouterFallsBackToSoleEntry(t *testing.T) {
	r := NewBackendRegistry()
	b := &fakeBackend{id: "only"}
	require.NoError(t, r.Register(context.Background(), "only", b, nil, 1, BreakerConfig{}))

	entry, err := r.RouteTask(backend.Task{}, "")
	require.NoError(t, err)
	assert.Equal(t, "only", entry.ProviderID)
}

func TestBackendRegistry_RouteTaskWithoutRouterAndMultipleEntriesRequiresPreference(t *testing.T) {
	r := NewBackendRegistry()
	require.NoError(t, r.Register(context.Background(), "a", &fakeBackend{id: "a"}, nil, 1, BreakerConfig{}))
	require.NoError(t, r.Register(context.Background(), "b", &fakeBackend{id: "b"}, nil, 2, BreakerConfig{}))

	_, err := r.RouteTask(backend.Task{}, "")
	assert.ErrorIs(t, err, cperrors.ErrNoBackendAvailable)

	entry, err := r.RouteTask(backend.Task{}, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", entry.ProviderID)
}

type stubRouter struct {
	routeID  string
	routeErr error
}

func (s *stubRouter) Route(task backend.Task, preferredID string) (string, error) {
	return s.routeID, s.routeErr
}
func (s *stubRouter) RecordOutcome(providerID string, success bool, classification cperrors.Classification) {
}
func (s *stubRouter) CircuitStates() map[string]breaker.State { return nil }

func TestBackendRegistry_RouteTaskDelegatesToRouter(t *testing.T) {
	r := NewBackendRegistry()
	require.NoError(t, r.Register(context.Background(), "a", &fakeBackend{id: "a"}, nil, 1, BreakerConfig{}))
	require.NoError(t, r.Register(context.Background(), "b", &fakeBackend{id: "b"}, nil, 2, BreakerConfig{}))
	r.SetRouter(&stubRouter{routeID: "b"})

	entry, err := r.RouteTask(backend.Task{}, "")
	require.NoError(t, err)
	assert.Equal(t, "b", entry.ProviderID)
}

func TestBackendRegistry_RouteTaskSurfacesRouterError(t *testing.T) {
	r := NewBackendRegistry()
	require.NoError(t, r.Register(context.Background(), "a", &fakeBackend{id: "a"}, nil, 1, BreakerConfig{}))
	r.SetRouter(&stubRouter{routeErr: cperrors.ErrNoBackendAvailable})

	_, err := r.RouteTask(backend.Task{}, "")
	assert.ErrorIs(t, err, cperrors.ErrNoBackendAvailable)
}

func TestBackendRegistry_StopAllStopsEveryBackendAndClearsState(t *testing.T) {
	r := NewBackendRegistry()
	a := &fakeBackend{id: "a"}
	b := &fakeBackend{id: "b"}
	require.NoError(t, r.Register(context.Background(), "a", a, nil, 1, BreakerConfig{}))
	require.NoError(t, r.Register(context.Background(), "b", b, nil, 2, BreakerConfig{}))

	err := r.StopAll(context.Background())
	require.NoError(t, err)
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
	assert.Empty(t, r.Entries())
}
