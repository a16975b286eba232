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

// Package anthropic implements an execution Backend against Anthropic's
// Messages API, driving the agentic loop over its SSE event stream.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentctl/controlplane/pkg/agentloop"
	"github.com/agentctl/controlplane/pkg/backend"
	"github.com/agentctl/controlplane/pkg/cperrors"
	"github.com/agentctl/controlplane/pkg/httpclient"
	"github.com/agentctl/controlplane/pkg/tool"
)

const defaultHost = "https://api.anthropic.com"

// Backend implements backend.Backend for Anthropic's Messages API.
type Backend struct {
	mu       sync.RWMutex
	id       string
	registry *tool.Registry
	http     *httpclient.Client
	apiKey   string
	host     string
	model    string
	started  bool
}

// New builds an unstarted Anthropic backend. registry is the tool
// registry shared with the agentic loop.
func New(id string, registry *tool.Registry) *Backend {
	return &Backend{id: id, registry: registry}
}

func (b *Backend) BackendID() string { return b.id }

// Start validates configuration and wires the retrying HTTP client. The
// apiKey config field is required; a missing credential fails with a
// ConfigurationInvalid-classified error.
func (b *Backend) Start(ctx context.Context, config map[string]any) error {
	apiKey, _ := config["apiKey"].(string)
	if apiKey == "" {
		return cperrors.NewTransientError(cperrors.Configuration, "apiKey is required", cperrors.ErrConfigurationInvalid)
	}
	host, _ := config["host"].(string)
	if host == "" {
		host = defaultHost
	}
	model, _ := config["model"].(string)
	if model == "" {
		model = "claude-sonnet-4-5"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.apiKey = apiKey
	b.host = host
	b.model = model
	b.http = httpclient.New(httpclient.WithMaxRetries(3))
	b.started = true
	return nil
}

func (b *Backend) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
	return nil
}

func (b *Backend) HealthCheck(ctx context.Context) (backend.Health, error) {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		return backend.Health{Status: backend.Unhealthy, Details: "not started"}, nil
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.host+"/v1/models", nil)
	if err != nil {
		return backend.Health{Status: backend.Unhealthy, Details: err.Error()}, nil
	}
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	resp, err := b.http.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return backend.Health{Status: backend.Degraded, LatencyMs: latency, Details: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return backend.Health{Status: backend.Degraded, LatencyMs: latency, Details: fmt.Sprintf("HTTP %d", resp.StatusCode)}, nil
	}
	return backend.Health{Status: backend.Healthy, LatencyMs: latency}, nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		SupportsStreaming:    true,
		ReportsTokenUsage:    true,
		SupportsCancellation: true,
		SupportedGoalTypes:   nil, // nil means "all", this backend isn't goal-restricted
		MaxContextTokens:     200_000,
	}
}

func (b *Backend) ExecuteTask(ctx context.Context, task backend.Task) (backend.Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	if task.Constraints.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, task.Constraints.Timeout)
	}
	h := backend.NewStreamHandle(task.ID, cancel, 64)
	client := &streamClient{b: b}
	go func() {
		defer cancel()
		agentloop.Run(runCtx, client, b.registry, task, h)
	}()
	return h, nil
}

// streamClient adapts Backend to agentloop.LLMClient, translating one
// loop "turn" into one Anthropic Messages API streaming call.
type streamClient struct {
	b *Backend
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string              `json:"model"`
	Messages    []anthropicMessage  `json:"messages"`
	System      string              `json:"system,omitempty"`
	MaxTokens   int                 `json:"max_tokens"`
	Stream      bool                `json:"stream"`
	Tools       []anthropicTool     `json:"tools,omitempty"`
}

func (c *streamClient) StreamTurn(ctx context.Context, conv []agentloop.Message, tools []agentloop.ToolDefinition) (<-chan agentloop.Chunk, error) {
	req := anthropicRequest{Model: c.b.model, MaxTokens: 4096, Stream: true}
	for _, m := range conv {
		switch m.Role {
		case agentloop.RoleSystem:
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
		case agentloop.RoleUser:
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: []any{map[string]any{"type": "text", "text": m.Content}}})
		case agentloop.RoleAssistant:
			content := []any{}
			if m.Content != "" {
				content = append(content, map[string]any{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				content = append(content, map[string]any{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Args})
			}
			req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: content})
		case agentloop.RoleTool:
			req.Messages = append(req.Messages, anthropicMessage{Role: "user", Content: []any{
				map[string]any{"type": "tool_result", "tool_use_id": m.ToolCallID, "content": m.Content},
			}})
		}
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.b.host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.b.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.b.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("anthropic request failed with status %d", resp.StatusCode)
	}

	out := make(chan agentloop.Chunk, 32)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		if err := streamSSE(resp.Body, out); err != nil {
			out <- agentloop.Chunk{Type: agentloop.ChunkError, Err: err}
		}
	}()
	return out, nil
}

type contentBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
}

type streamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *contentBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
		InputTokens  int `json:"input_tokens"`
	} `json:"usage"`
}

// streamSSE parses Anthropic's "data: "-prefixed SSE lines into loop
// chunks, accumulating fragmented tool_use JSON the way the teacher's
// Anthropic streaming client does.
func streamSSE(body io.Reader, out chan<- agentloop.Chunk) error {
	toolCalls := make(map[int]*tool.Call)
	toolJSON := make(map[int]string)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode anthropic stream event: %w", err)
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				toolCalls[ev.Index] = &tool.Call{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name, Args: map[string]any{}}
				toolJSON[ev.Index] = ""
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			if ev.Delta.Text != "" {
				out <- agentloop.Chunk{Type: agentloop.ChunkText, Text: ev.Delta.Text}
			}
			if ev.Delta.Type == "input_json_delta" && ev.Delta.PartialJSON != "" {
				toolJSON[ev.Index] += ev.Delta.PartialJSON
			}
		case "content_block_stop":
			if tc, ok := toolCalls[ev.Index]; ok {
				if raw := toolJSON[ev.Index]; raw != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(raw), &args); err == nil {
						tc.Args = args
					}
				}
				out <- agentloop.Chunk{Type: agentloop.ChunkToolCall, ToolCall: tc}
			}
		case "message_delta":
			if ev.Usage != nil {
				out <- agentloop.Chunk{Type: agentloop.ChunkUsage, Usage: backend.TokenUsage{OutputTokens: ev.Usage.OutputTokens, InputTokens: ev.Usage.InputTokens}}
			}
		case "message_stop":
			out <- agentloop.Chunk{Type: agentloop.ChunkDone}
			return nil
		}
	}
	return scanner.Err()
}
