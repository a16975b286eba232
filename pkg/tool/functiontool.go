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

package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// FunctionConfig names a tool built from a typed Go function.
type FunctionConfig struct {
	Name        string
	Description string
}

// functionTool adapts a typed function to the Tool interface, generating
// its schema from Args' struct tags rather than requiring a hand-written
// JSON schema literal.
type functionTool[Args any] struct {
	cfg    FunctionConfig
	fn     func(context.Context, Args) (string, error)
	schema map[string]any
}

// NewFunction builds a Tool from a typed function, generating its JSON
// schema from Args' `json`/`jsonschema` struct tags.
//
// Example:
//
//	type EchoArgs struct {
//	    Text string `json:"text" jsonschema:"required,description=Text to echo"`
//	}
//	t, err := tool.NewFunction(tool.FunctionConfig{Name: "echo", Description: "Echoes text back"},
//	    func(ctx context.Context, a EchoArgs) (string, error) { return a.Text, nil })
func NewFunction[Args any](cfg FunctionConfig, fn func(context.Context, Args) (string, error)) (Tool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool: name is required")
	}
	if cfg.Description == "" {
		return nil, fmt.Errorf("tool: description is required")
	}
	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("tool: generate schema for %s: %w", cfg.Name, err)
	}
	return &functionTool[Args]{cfg: cfg, fn: fn, schema: schema}, nil
}

func (t *functionTool[Args]) Name() string             { return t.cfg.Name }
func (t *functionTool[Args]) Description() string       { return t.cfg.Description }
func (t *functionTool[Args]) Schema() map[string]any    { return t.schema }

func (t *functionTool[Args]) Call(ctx context.Context, raw map[string]any) (string, error) {
	var args Args
	if err := mapstructure.Decode(raw, &args); err != nil {
		return "", fmt.Errorf("tool %s: decode args: %w", t.cfg.Name, err)
	}
	return t.fn(ctx, args)
}

// generateSchema reflects a JSON schema from Args' struct tags, trimmed to
// the flat {type, properties, required} shape LLM tool-calling APIs expect.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var full map[string]any
	if err := json.Unmarshal(data, &full); err != nil {
		return nil, err
	}
	delete(full, "$schema")
	delete(full, "$id")

	if full["type"] != "object" {
		return full, nil
	}
	result := map[string]any{
		"type":       "object",
		"properties": full["properties"],
	}
	if required, ok := full["required"]; ok {
		result["required"] = required
	}
	if additional, ok := full["additionalProperties"]; ok {
		result["additionalProperties"] = additional
	}
	return result, nil
}
