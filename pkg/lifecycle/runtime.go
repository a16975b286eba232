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
	"sync"
	"time"
)

// AgentRuntimeContext is the in-memory record of one currently-managed
// agent: its state machine plus the job it is bound to. All mutating
// operations on a context go through its mu, so two calls racing on the
// same agent observe each other's effects rather than interleaving —
// transitions across different agents remain independent.
type AgentRuntimeContext struct {
	mu sync.Mutex

	AgentID string
	JobID   string
	Attempt int
	Machine *Machine
}

func newRuntimeContext(agentID string, notify TransitionFunc, now func() time.Time) *AgentRuntimeContext {
	return &AgentRuntimeContext{
		AgentID: agentID,
		Machine: NewMachine(agentID, notify, now),
	}
}
