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

package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentctl/controlplane/pkg/cperrors"
	"github.com/agentctl/controlplane/pkg/deploy"
	"github.com/agentctl/controlplane/pkg/heartbeat"
	"github.com/agentctl/controlplane/pkg/store"
)

// Heartbeat is one liveness signal reported by a running agent.
type Heartbeat struct {
	AgentID   string
	Timestamp time.Time
}

// Manager is the per-agent coordinator described in spec §4.4. It owns the
// map of currently-managed agents, the heartbeat receiver and crash-loop
// detector, a deployer capability, a database port, and the transition
// callback every agent's machine reports to.
type Manager struct {
	mu       sync.Mutex
	contexts map[string]*AgentRuntimeContext

	heartbeats *heartbeat.Monitor
	deployer   deploy.Deployer
	db         store.DatabasePort
	notify     TransitionFunc
	now        func() time.Time
}

// NewManager builds a Manager. notify may be nil if nothing needs to
// observe transitions (tests, or a manager running before the SSE/DB
// sinks are wired up).
func NewManager(db store.DatabasePort, deployer deploy.Deployer, monitor *heartbeat.Monitor, notify TransitionFunc) *Manager {
	return &Manager{
		contexts:   make(map[string]*AgentRuntimeContext),
		heartbeats: monitor,
		deployer:   deployer,
		db:         db,
		notify:     notify,
		now:        time.Now,
	}
}

// WithClock overrides the manager's time source, for deterministic tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// ActiveAgentCount is the number of agents whose current state is
// non-terminal (I2).
func (m *Manager) ActiveAgentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

func (m *Manager) getContext(agentID string) (*AgentRuntimeContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.contexts[agentID]
	return rc, ok
}

func (m *Manager) removeContext(agentID string) {
	m.mu.Lock()
	delete(m.contexts, agentID)
	m.mu.Unlock()
	m.heartbeats.Forget(agentID)
}

// GetAgentState returns the current state of a managed agent, or false if
// the agent has no context (never booted, or already torn down).
func (m *Manager) GetAgentState(agentID string) (State, bool) {
	rc, ok := m.getContext(agentID)
	if !ok {
		return "", false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.Machine.State(), true
}

// Boot creates a runtime context for agentID bound to jobID and hydrates it
// from the persisted job/agent rows. See bootOrRecover for the shared path
// with Recover.
func (m *Manager) Boot(ctx context.Context, agentID, jobID string) (*AgentRuntimeContext, error) {
	return m.bootOrRecover(ctx, agentID, jobID, nil)
}

// Recover is Boot admitted only once the crash-loop cooldown has elapsed,
// additionally requiring the reloaded checkpoint's attempt counter to have
// advanced past previousAttempt (the database side is responsible for the
// increment; this only verifies it happened).
func (m *Manager) Recover(ctx context.Context, agentID, jobID string, previousAttempt int) (*AgentRuntimeContext, error) {
	return m.bootOrRecover(ctx, agentID, jobID, &previousAttempt)
}

func (m *Manager) bootOrRecover(ctx context.Context, agentID, jobID string, minPreviousAttempt *int) (*AgentRuntimeContext, error) {
	if m.heartbeats.IsInCooldown(agentID) {
		return nil, cperrors.ErrInCooldown
	}

	m.mu.Lock()
	if _, exists := m.contexts[agentID]; exists {
		m.mu.Unlock()
		return nil, cperrors.ErrAlreadyManaged
	}
	rc := newRuntimeContext(agentID, m.notify, m.now)
	rc.JobID = jobID
	m.contexts[agentID] = rc
	m.mu.Unlock()

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := rc.Machine.Transition(Hydrating, "boot"); err != nil {
		m.removeContext(agentID)
		return nil, err
	}

	job, err := m.db.GetJob(ctx, jobID)
	if err != nil {
		rc.Machine.Transition(Terminated, "hydration failed: "+err.Error())
		m.removeContext(agentID)
		return nil, cperrors.ErrJobNotFound
	}
	if _, err := m.db.GetAgent(ctx, agentID); err != nil {
		rc.Machine.Transition(Terminated, "hydration failed: "+err.Error())
		m.removeContext(agentID)
		return nil, fmt.Errorf("hydrate agent %s: %w", agentID, err)
	}
	if minPreviousAttempt != nil && job.Attempt < *minPreviousAttempt+1 {
		rc.Machine.Transition(Terminated, "stale checkpoint attempt")
		m.removeContext(agentID)
		return nil, cperrors.NewValidationError("attempt", "reloaded checkpoint attempt did not advance past the previous attempt")
	}
	rc.Attempt = job.Attempt

	if err := rc.Machine.Transition(Ready, "hydrated"); err != nil {
		m.removeContext(agentID)
		return nil, err
	}
	return rc, nil
}

// Run requires READY, transitions to EXECUTING, and seeds a heartbeat so
// the agent isn't immediately flagged unhealthy by the monitor.
func (m *Manager) Run(ctx context.Context, agentID, jobID string) error {
	rc, ok := m.getContext(agentID)
	if !ok {
		return cperrors.ErrNotManagedOrNotDrainable
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := rc.Machine.Transition(Executing, "run"); err != nil {
		return err
	}
	m.heartbeats.RecordHeartbeat(agentID)
	return nil
}

// Drain requires EXECUTING or READY. It transitions through DRAINING to
// TERMINATED, invokes the deployer, and removes the context.
func (m *Manager) Drain(ctx context.Context, agentID, reason string) error {
	rc, ok := m.getContext(agentID)
	if !ok {
		return cperrors.ErrNotManagedOrNotDrainable
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	state := rc.Machine.State()
	if state != Ready && state != Executing {
		return cperrors.ErrNotManagedOrNotDrainable
	}
	if err := rc.Machine.Transition(Draining, reason); err != nil {
		return err
	}
	m.deleteWorkspace(ctx, agentID)
	if err := rc.Machine.Transition(Terminated, reason); err != nil {
		return err
	}
	m.removeContext(agentID)
	return nil
}

// Terminate drains unconditionally from any non-terminal state, walking
// whatever legal edges reach TERMINATED from the agent's current state.
func (m *Manager) Terminate(ctx context.Context, agentID, reason string) error {
	rc, ok := m.getContext(agentID)
	if !ok {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.Machine.IsTerminal() {
		m.removeContext(agentID)
		return nil
	}
	m.deleteWorkspace(ctx, agentID)
	if err := gracefulTerminate(rc.Machine, reason); err != nil {
		return err
	}
	m.removeContext(agentID)
	return nil
}

// ScaleToZero is idempotent and only effective when the agent is READY; an
// EXECUTING agent is left running (see DESIGN.md's drain/scaleToZero
// matrix decision).
func (m *Manager) ScaleToZero(ctx context.Context, agentID string) error {
	rc, ok := m.getContext(agentID)
	if !ok {
		return nil
	}
	rc.mu.Lock()
	if rc.Machine.State() != Ready {
		rc.mu.Unlock()
		return nil
	}
	rc.mu.Unlock()
	return m.Drain(ctx, agentID, "scale-to-zero")
}

// Crash records a crash-loop entry and forces the agent straight to
// TERMINATED from whatever state it was in, removing its context. It does
// not invoke the deployer: an abrupt failure gives no guarantee the
// workspace is in a state the deployer can cleanly tear down, so cleanup
// is left to the next boot/recover cycle.
func (m *Manager) Crash(ctx context.Context, agentID string, cause error) error {
	m.heartbeats.RecordCrash(agentID)

	rc, ok := m.getContext(agentID)
	if !ok {
		return nil
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	reason := "crash"
	if cause != nil {
		reason = "crash: " + cause.Error()
	}
	if err := crashTerminate(rc.Machine, reason); err != nil {
		return err
	}
	m.removeContext(agentID)
	return nil
}

// Pause and Resume toggle a job-level flag in storage without moving the
// lifecycle state; an EXECUTING agent stays EXECUTING. They report whether
// the underlying row was actually changed.
func (m *Manager) Pause(ctx context.Context, agentID string) (bool, error) {
	return m.setPause(ctx, agentID, true)
}

func (m *Manager) Resume(ctx context.Context, agentID string) (bool, error) {
	return m.setPause(ctx, agentID, false)
}

func (m *Manager) setPause(ctx context.Context, agentID string, paused bool) (bool, error) {
	rc, ok := m.getContext(agentID)
	if !ok {
		return false, cperrors.ErrNotManagedOrNotDrainable
	}
	rc.mu.Lock()
	jobID := rc.JobID
	rc.mu.Unlock()
	return m.db.SetJobPause(ctx, jobID, paused)
}

// HandleHeartbeat records a liveness signal from a running agent.
func (m *Manager) HandleHeartbeat(h Heartbeat) {
	m.heartbeats.RecordHeartbeat(h.AgentID)
}

// Shutdown stops monitoring every currently-managed agent. It does not
// terminate their contexts; callers that want a clean shutdown should
// drain/terminate agents first.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	agentIDs := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		agentIDs = append(agentIDs, id)
	}
	m.mu.Unlock()

	for _, id := range agentIDs {
		m.heartbeats.StopMonitoring(id)
	}
}

func (m *Manager) deleteWorkspace(ctx context.Context, agentID string) {
	if m.deployer == nil {
		return
	}
	if err := m.deployer.DeleteAgent(ctx, agentID); err != nil {
		slog.Warn("failed to delete agent workspace", "agent_id", agentID, "error", err)
	}
}

// gracefulTerminate walks the legal edges from the machine's current state
// to TERMINATED by way of DRAINING wherever the table allows it, matching
// the "unconditional drain" semantics of Terminate.
func gracefulTerminate(m *Machine, reason string) error {
	for {
		switch m.State() {
		case Terminated:
			return nil
		case Booting:
			if err := m.Transition(Hydrating, reason); err != nil {
				return err
			}
		case Hydrating:
			if err := m.Transition(Terminated, reason); err != nil {
				return err
			}
		case Ready, Executing:
			if err := m.Transition(Draining, reason); err != nil {
				return err
			}
		case Draining:
			if err := m.Transition(Terminated, reason); err != nil {
				return err
			}
		}
	}
}

// crashTerminate walks the legal edges from the machine's current state to
// TERMINATED as directly as the table allows, preferring the documented
// EXECUTING->TERMINATED "abrupt failure" edge over routing through
// DRAINING.
func crashTerminate(m *Machine, reason string) error {
	for {
		switch m.State() {
		case Terminated:
			return nil
		case Booting:
			if err := m.Transition(Hydrating, reason); err != nil {
				return err
			}
		case Hydrating, Executing:
			if err := m.Transition(Terminated, reason); err != nil {
				return err
			}
		case Ready:
			if err := m.Transition(Draining, reason); err != nil {
				return err
			}
		case Draining:
			if err := m.Transition(Terminated, reason); err != nil {
				return err
			}
		}
	}
}
