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

package anthropic

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/controlplane/pkg/agentloop"
)

func TestStreamSSE_TextAndToolUse(t *testing.T) {
	raw := strings.Join([]string{
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"echo"}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"text\""}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":":\"hi\"}"}}`,
		`data: {"type":"content_block_stop","index":1}`,
		`data: {"type":"message_delta","delta":{},"usage":{"output_tokens":12}}`,
		`data: {"type":"message_stop"}`,
		``,
	}, "\n")

	out := make(chan agentloop.Chunk, 16)
	err := streamSSE(strings.NewReader(raw), out)
	require.NoError(t, err)
	close(out)

	var text string
	var sawToolCall, sawDone bool
	var usage int
	for c := range out {
		switch c.Type {
		case agentloop.ChunkText:
			text += c.Text
		case agentloop.ChunkToolCall:
			sawToolCall = true
			require.NotNil(t, c.ToolCall)
			assert.Equal(t, "echo", c.ToolCall.Name)
			assert.Equal(t, "hi", c.ToolCall.Args["text"])
		case agentloop.ChunkUsage:
			usage = c.Usage.OutputTokens
		case agentloop.ChunkDone:
			sawDone = true
		}
	}
	assert.Equal(t, "hello", text)
	assert.True(t, sawToolCall)
	assert.True(t, sawDone)
	assert.Equal(t, 12, usage)
}
