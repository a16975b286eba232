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

// Package backend defines the polymorphic execution backend contract:
// every LLM provider the control plane can route a task to implements
// Backend, exposing the same start/stop/health/capabilities/executeTask
// surface regardless of its wire protocol.
package backend

import (
	"context"
	"time"

	"github.com/agentctl/controlplane/pkg/cperrors"
)

// HealthState classifies a backend's current reachability.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

// Health is the result of a backend's healthCheck.
type Health struct {
	Status    HealthState
	LatencyMs int64
	Details   string
}

// Capabilities describes what a backend supports, used by the provider
// router's candidate filtering.
type Capabilities struct {
	SupportsStreaming       bool
	SupportsFileEdit        bool
	SupportsShellExecution  bool
	ReportsTokenUsage       bool
	SupportsCancellation    bool
	SupportedGoalTypes      []string
	MaxContextTokens        int
}

// Supports reports whether goalType is among the backend's supported goal
// types; an empty list is treated as "supports everything" so a minimal
// backend stub doesn't have to enumerate goal types it doesn't care about.
func (c Capabilities) Supports(goalType string) bool {
	if len(c.SupportedGoalTypes) == 0 {
		return true
	}
	for _, g := range c.SupportedGoalTypes {
		if g == goalType {
			return true
		}
	}
	return false
}

// Instruction is the prompt half of a task: what the backend should do.
type Instruction struct {
	Prompt   string
	GoalType string
}

// TaskContext carries the ambient information a backend needs beyond the
// bare instruction.
type TaskContext struct {
	WorkspacePath string
	SystemPrompt  string
	Memories      []string
	RelevantFiles []string
	Env           map[string]string
}

// Constraints bounds how a task may execute.
type Constraints struct {
	Timeout       time.Duration
	MaxTokens     int
	Model         string
	AllowedTools  []string
	DeniedTools   []string
	MaxTurns      int
	NetworkAccess bool
	ShellAccess   bool
}

// Task is the immutable unit of work handed to a backend.
type Task struct {
	ID          string
	JobID       string
	AgentID     string
	Instruction Instruction
	Context     TaskContext
	Constraints Constraints
}

// OutputEventType tags the variant carried by an OutputEvent.
type OutputEventType string

const (
	EventText       OutputEventType = "text"
	EventToolUse    OutputEventType = "tool_use"
	EventToolResult OutputEventType = "tool_result"
	EventUsage      OutputEventType = "usage"
	EventComplete   OutputEventType = "complete"
)

// TokenUsage accumulates input/output token counts across all turns of a
// task's execution.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Add accumulates u2 into u, satisfying the usage-additivity invariant:
// the final usage event must equal the sum across all turns.
func (u *TokenUsage) Add(u2 TokenUsage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// ResultStatus is the terminal outcome of a task execution.
type ResultStatus string

const (
	StatusCompleted ResultStatus = "completed"
	StatusFailed    ResultStatus = "failed"
	StatusCancelled ResultStatus = "cancelled"
)

// Result is the final outcome returned by a Handle once its stream ends.
type Result struct {
	Status     ResultStatus
	ExitCode   int
	Summary    string
	Stdout     string
	TokenUsage TokenUsage
	Error      *cperrors.TransientError
}

// OutputEvent is a single item in a task's output stream. Exactly one
// Complete-typed event, carrying the terminal Result, ends the stream.
type OutputEvent struct {
	Type       OutputEventType
	Text       string
	ToolCallID string
	ToolName   string
	ToolArgs   map[string]any
	ToolOutput string
	ToolError  bool
	Usage      TokenUsage
	Result     *Result
}

// Handle is the live handle to one in-flight (or completed) task
// execution, returned by Backend.ExecuteTask.
type Handle interface {
	TaskID() string
	// Events returns the output stream. It is closed after exactly one
	// EventComplete has been sent.
	Events() <-chan OutputEvent
	// Cancel requests cooperative cancellation; idempotent.
	Cancel(reason string)
	// Result blocks until the stream ends and returns the terminal
	// result, or ctx's error if ctx is cancelled first.
	Result(ctx context.Context) (Result, error)
}

// Backend is the polymorphic execution contract every provider
// implements.
type Backend interface {
	BackendID() string
	Start(ctx context.Context, config map[string]any) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) (Health, error)
	Capabilities() Capabilities
	ExecuteTask(ctx context.Context, task Task) (Handle, error)
}
