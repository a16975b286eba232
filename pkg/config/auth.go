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

import (
	"fmt"
	"time"
)

// AuthConfig configures JWT-based authentication for the server.
//
// Authentication is disabled by default. When enabled, all endpoints
// except the health checks (/healthz, /readyz) require a valid JWT token.
//
// Example configuration:
//
//	server:
//	  auth:
//	    enabled: true
//	    jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	    issuer: "https://auth.example.com"
//	    audience: "hector-api"
//
// The JWT token should be passed in the Authorization header:
//
//	Authorization: Bearer <token>
type AuthConfig struct {
	// Enabled controls whether authentication is required.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// JWKSURL is the URL to fetch JSON Web Key Set from.
	// Required when Enabled is true.
	// Example: "https://auth.example.com/.well-known/jwks.json"
	JWKSURL string `yaml:"jwks_url,omitempty"`

	// Issuer is the expected token issuer (iss claim).
	// Required when Enabled is true.
	// Example: "https://auth.example.com"
	Issuer string `yaml:"issuer,omitempty"`

	// Audience is the expected token audience (aud claim).
	// Required when Enabled is true.
	// Example: "hector-api"
	Audience string `yaml:"audience,omitempty"`

	// RefreshInterval is how often to refresh the JWKS.
	// Default: 15m
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`

	// ExcludedPaths are paths that don't require authentication.
	// Default: ["/healthz", "/readyz"]
	ExcludedPaths []string `yaml:"excluded_paths,omitempty"`

	// RequireAuth when true returns 401 for missing tokens.
	// When false, unauthenticated requests proceed but without user context.
	// Default: true (when Enabled is true)
	RequireAuth *bool `yaml:"require_auth,omitempty"`
}

// SetDefaults applies default values to AuthConfig.
func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}

	if len(c.ExcludedPaths) == 0 {
		c.ExcludedPaths = []string{
			"/healthz",
			"/readyz",
		}
	}

	if c.RequireAuth == nil && c.Enabled {
		requireAuth := true
		c.RequireAuth = &requireAuth
	}
}

// Validate checks the AuthConfig for errors.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil // No validation needed when disabled
	}

	if c.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required when auth is enabled")
	}

	if c.Issuer == "" {
		return fmt.Errorf("auth.issuer is required when auth is enabled")
	}

	if c.Audience == "" {
		return fmt.Errorf("auth.audience is required when auth is enabled")
	}

	if c.RefreshInterval < time.Minute {
		return fmt.Errorf("auth.refresh_interval must be at least 1 minute")
	}

	return nil
}

// IsEnabled returns true if authentication is configured and enabled.
func (c *AuthConfig) IsEnabled() bool {
	return c != nil && c.Enabled && c.JWKSURL != "" && c.Issuer != "" && c.Audience != ""
}

// IsRequireAuth returns whether authentication is mandatory.
func (c *AuthConfig) IsRequireAuth() bool {
	if c.RequireAuth == nil {
		return c.Enabled // Default to requiring auth when enabled
	}
	return *c.RequireAuth
}

