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

// Package lifecycle owns the per-agent state machine and the manager that
// coordinates boot, hydration, execution, draining, and termination.
package lifecycle

import (
	"sync"
	"time"

	"github.com/agentctl/controlplane/pkg/cperrors"
)

// State is one node of the agent lifecycle.
type State string

const (
	Booting    State = "BOOTING"
	Hydrating  State = "HYDRATING"
	Ready      State = "READY"
	Executing  State = "EXECUTING"
	Draining   State = "DRAINING"
	Terminated State = "TERMINATED"
)

// transitions is the only table of legal moves; any pair not listed here
// fails with ErrInvalidTransition.
var transitions = map[State]map[State]bool{
	Booting:   {Hydrating: true},
	Hydrating: {Ready: true, Terminated: true},
	Ready:     {Executing: true, Draining: true},
	Executing: {Draining: true, Terminated: true},
	Draining:  {Terminated: true},
}

// TransitionEvent is emitted after every successful transition, fanned out
// to whatever subscriber the manager was built with (the SSE manager, a DB
// writer, both).
type TransitionEvent struct {
	AgentID string
	From    State
	To      State
	Reason  string
	At      time.Time
}

// TransitionFunc receives every transition emitted by any agent's machine.
type TransitionFunc func(TransitionEvent)

// Machine is one agent's state machine. Each method holds the machine's own
// mutex; AgentRuntimeContext additionally serializes multi-step sequences.
type Machine struct {
	mu      sync.Mutex
	agentID string
	state   State
	now     func() time.Time
	notify  TransitionFunc
}

// NewMachine starts a machine in BOOTING.
func NewMachine(agentID string, notify TransitionFunc, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{agentID: agentID, state: Booting, now: now, notify: notify}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to `to`, failing with ErrInvalidTransition
// if the move is not in the table. On success it emits a TransitionEvent
// to the configured subscriber, if any.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	from := m.state
	allowed := transitions[from][to]
	if !allowed {
		m.mu.Unlock()
		return cperrors.ErrInvalidTransition
	}
	m.state = to
	at := m.now()
	notify := m.notify
	agentID := m.agentID
	m.mu.Unlock()

	if notify != nil {
		notify(TransitionEvent{AgentID: agentID, From: from, To: to, Reason: reason, At: at})
	}
	return nil
}

// IsTerminal reports whether the current state has no outbound
// transitions (I1's "closure of the transition table").
func (m *Machine) IsTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Terminated
}
