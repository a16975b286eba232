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

// Package agentloop implements the bounded tool-calling loop shared by
// every LLM-driven backend: stream a turn, run any requested tools,
// repeat until the LLM stops asking for tools or maxTurns is reached.
package agentloop

import (
	"context"
	"fmt"

	"github.com/agentctl/controlplane/pkg/backend"
	"github.com/agentctl/controlplane/pkg/cperrors"
	"github.com/agentctl/controlplane/pkg/tool"
)

// Role is a conversation turn's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation a backend sends to the LLM.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []tool.Call // set on assistant messages that requested tools
	ToolCallID string      // set on tool-role messages (the result being reported)
}

// ChunkType tags a streamed turn delta.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkUsage    ChunkType = "usage"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// Chunk is one item of a single LLM turn's stream.
type Chunk struct {
	Type     ChunkType
	Text     string
	ToolCall *tool.Call
	Usage    backend.TokenUsage
	Err      error
}

// LLMClient is the minimal surface a concrete backend's provider client
// must expose for the loop to drive it; it hides the wire protocol
// (Anthropic/OpenAI-style SSE, etc.) behind one streaming call per turn.
type LLMClient interface {
	StreamTurn(ctx context.Context, conversation []Message, tools []ToolDefinition) (<-chan Chunk, error)
}

// ToolDefinition is the wire-agnostic shape a backend's request builder
// turns a tool.Tool into.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func toDefinition(t tool.Tool) ToolDefinition {
	return ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()}
}

// Run drives the bounded tool-calling loop for a single task and reports
// results through h. It returns once the loop has finished and h.Finish
// has been called; it never returns an error itself (all failures are
// reported through the Result).
func Run(ctx context.Context, llm LLMClient, registry *tool.Registry, task backend.Task, h *backend.StreamHandle) {
	maxTurns := task.Constraints.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	pred := toolPredicate(task.Constraints.AllowedTools, task.Constraints.DeniedTools)

	conversation := []Message{
		{Role: RoleSystem, Content: task.Context.SystemPrompt},
		{Role: RoleUser, Content: task.Instruction.Prompt},
	}

	// Per contract: an empty allowedTools means the LLM request carries no
	// tools parameter at all, not "all registered tools."
	var defs []ToolDefinition
	if len(task.Constraints.AllowedTools) > 0 {
		for _, t := range registry.List(pred) {
			defs = append(defs, toDefinition(t))
		}
	}

	var total backend.TokenUsage
	var transcript string
	turns := 0

	for turn := 1; turn <= maxTurns; turn++ {
		select {
		case <-ctx.Done():
			h.Finish(backend.Result{
				Status:  backend.StatusCancelled,
				Summary: "cancelled: " + ctx.Err().Error(),
			})
			return
		default:
		}

		chunks, err := llm.StreamTurn(ctx, conversation, defs)
		if err != nil {
			h.Finish(backend.Result{
				Status:  backend.StatusFailed,
				Summary: err.Error(),
				Error:   cperrors.NewTransientError(cperrors.Transient, err.Error(), err),
			})
			return
		}

		var turnText string
		var requested []tool.Call
		var streamErr error

	drain:
		for {
			select {
			case <-ctx.Done():
				h.Finish(backend.Result{
					Status:  backend.StatusCancelled,
					Summary: "cancelled: " + ctx.Err().Error(),
				})
				return
			case c, ok := <-chunks:
				if !ok {
					break drain
				}
				switch c.Type {
				case ChunkText:
					turnText += c.Text
					h.Emit(ctx, backend.OutputEvent{Type: backend.EventText, Text: c.Text})
				case ChunkToolCall:
					if c.ToolCall != nil {
						requested = append(requested, *c.ToolCall)
					}
				case ChunkUsage:
					total.Add(c.Usage)
				case ChunkError:
					streamErr = c.Err
				case ChunkDone:
					// no-op, loop exits via channel close
				}
			}
		}

		if streamErr != nil {
			h.Finish(backend.Result{
				Status:     backend.StatusFailed,
				Summary:    streamErr.Error(),
				TokenUsage: total,
				Error:      cperrors.NewTransientError(cperrors.Transient, streamErr.Error(), streamErr),
			})
			return
		}

		transcript += turnText
		turns = turn
		conversation = append(conversation, Message{Role: RoleAssistant, Content: turnText, ToolCalls: requested})

		if len(requested) == 0 || turn >= maxTurns {
			break
		}

		for _, call := range requested {
			h.Emit(ctx, backend.OutputEvent{
				Type:       backend.EventToolUse,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				ToolArgs:   call.Args,
			})

			t, ok := registry.Lookup(call.Name, pred)
			var output string
			var isErr bool
			if !ok {
				output = tool.ErrUnknownTool(call.Name)
				isErr = true
			} else {
				out, callErr := t.Call(ctx, call.Args)
				if callErr != nil {
					output = callErr.Error()
					isErr = true
				} else {
					output = out
				}
			}

			h.Emit(ctx, backend.OutputEvent{
				Type:       backend.EventToolResult,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				ToolOutput: output,
				ToolError:  isErr,
			})

			conversation = append(conversation, Message{
				Role:       RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}

	h.Emit(ctx, backend.OutputEvent{Type: backend.EventUsage, Usage: total})
	h.Finish(backend.Result{
		Status:     backend.StatusCompleted,
		Summary:    fmt.Sprintf("completed after %d turn(s)", turns),
		Stdout:     transcript,
		TokenUsage: total,
	})
}

func toolPredicate(allowed, denied []string) tool.Predicate {
	var preds []tool.Predicate
	if len(allowed) > 0 {
		preds = append(preds, tool.Named(allowed))
	}
	if len(denied) > 0 {
		preds = append(preds, tool.Not(tool.Named(denied)))
	}
	if len(preds) == 0 {
		return tool.AllowAll()
	}
	return tool.And(preds...)
}
