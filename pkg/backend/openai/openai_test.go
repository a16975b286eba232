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

package openai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/controlplane/pkg/agentloop"
)

func TestStreamSSE_TextUsageAndDone(t *testing.T) {
	raw := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hel"},"finish_reason":null}]}`,
		`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`,
		`data: [DONE]`,
		``,
	}, "\n")

	out := make(chan agentloop.Chunk, 16)
	err := streamSSE(strings.NewReader(raw), out)
	require.NoError(t, err)
	close(out)

	var text string
	var sawDone bool
	var input, output int
	for c := range out {
		switch c.Type {
		case agentloop.ChunkText:
			text += c.Text
		case agentloop.ChunkUsage:
			input, output = c.Usage.InputTokens, c.Usage.OutputTokens
		case agentloop.ChunkDone:
			sawDone = true
		}
	}
	assert.Equal(t, "hello", text)
	assert.True(t, sawDone)
	assert.Equal(t, 7, input)
	assert.Equal(t, 3, output)
}

func TestStreamSSE_ToolCallArgumentAccumulation(t *testing.T) {
	raw := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"echo","arguments":"{\"text\""}}]},"finish_reason":null}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":":\"hi\"}"}}]},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	out := make(chan agentloop.Chunk, 16)
	err := streamSSE(strings.NewReader(raw), out)
	require.NoError(t, err)
	close(out)

	var found bool
	for c := range out {
		if c.Type == agentloop.ChunkToolCall {
			found = true
			assert.Equal(t, "echo", c.ToolCall.Name)
			assert.Equal(t, "hi", c.ToolCall.Args["text"])
		}
	}
	assert.True(t, found)
}
