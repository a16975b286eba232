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

package config

import "fmt"

// BackendConfig registers one execution backend (pkg/backend.Backend) with
// the provider registry/router.
//
// Example:
//
//	backends:
//	  - id: anthropic-primary
//	    provider: anthropic
//	    api_key: ${ANTHROPIC_API_KEY}
//	    priority: 0
//	  - id: openai-fallback
//	    provider: openai
//	    api_key: ${OPENAI_API_KEY}
//	    priority: 1
type BackendConfig struct {
	// ID is the provider ID the registry and router refer to this backend
	// by. Required, must be unique among configured backends.
	ID string `yaml:"id,omitempty"`

	// Provider selects the concrete implementation: "anthropic" or "openai".
	Provider string `yaml:"provider,omitempty"`

	// APIKey authenticates against the provider's API. Required.
	APIKey string `yaml:"api_key,omitempty"`

	// Host overrides the provider's default API host, for proxies and
	// compatible self-hosted endpoints.
	Host string `yaml:"host,omitempty"`

	// Model is the default model the backend drives its agentic loop
	// with.
	Model string `yaml:"model,omitempty"`

	// Priority orders candidates within the router; lower is preferred.
	// Default 0.
	Priority int `yaml:"priority,omitempty"`
}

// Validate checks the BackendConfig for errors.
func (c *BackendConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Provider != "anthropic" && c.Provider != "openai" {
		return fmt.Errorf("provider must be \"anthropic\" or \"openai\", got %q", c.Provider)
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	return nil
}

// ToStartConfig builds the config map pkg/backend.Backend.Start expects.
func (c *BackendConfig) ToStartConfig() map[string]any {
	return map[string]any{
		"apiKey": c.APIKey,
		"host":   c.Host,
		"model":  c.Model,
	}
}
