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

// Package deploy defines the narrow capability port the lifecycle manager
// uses to materialize and tear down an agent's workspace runtime. The real
// deployer (a workspace pod scheduler) lives outside this repository; only
// the port and an in-process fake implementation live here.
package deploy

import "context"

// WorkspaceSpec describes the runtime an agent needs deployed.
type WorkspaceSpec struct {
	AgentID string
	Image   string
	Env     map[string]string
}

// WorkspaceHandle identifies a deployed workspace runtime.
type WorkspaceHandle struct {
	AgentID     string
	WorkspaceID string
}

// Deployer materializes and removes the external runtime backing an agent.
type Deployer interface {
	DeployAgent(ctx context.Context, agentID string, spec WorkspaceSpec) (WorkspaceHandle, error)
	DeleteAgent(ctx context.Context, agentID string) error
}

// FakeDeployer is an in-process Deployer that tracks deployed agents in
// memory without materializing anything real. It backs boot/drain in tests
// and in any deployment where the external workspace scheduler is not
// wired up.
type FakeDeployer struct {
	deployed map[string]WorkspaceHandle
}

// NewFakeDeployer builds an empty FakeDeployer.
func NewFakeDeployer() *FakeDeployer {
	return &FakeDeployer{deployed: make(map[string]WorkspaceHandle)}
}

func (f *FakeDeployer) DeployAgent(ctx context.Context, agentID string, spec WorkspaceSpec) (WorkspaceHandle, error) {
	h := WorkspaceHandle{AgentID: agentID, WorkspaceID: "fake-" + agentID}
	f.deployed[agentID] = h
	return h, nil
}

func (f *FakeDeployer) DeleteAgent(ctx context.Context, agentID string) error {
	delete(f.deployed, agentID)
	return nil
}

// IsDeployed reports whether agentID currently has a fake workspace, for
// assertions in tests.
func (f *FakeDeployer) IsDeployed(agentID string) bool {
	_, ok := f.deployed[agentID]
	return ok
}
