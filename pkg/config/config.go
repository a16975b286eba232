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

// Package config loads the control plane's configuration: the HTTP surface,
// its backing database, auth, observability, heartbeat thresholds, and
// approval defaults.
//
// Example config:
//
//	server:
//	  port: 8080
//	  auth:
//	    enabled: true
//	    jwks_url: ${AUTH_JWKS_URL}
//	database:
//	  driver: postgres
//	  host: localhost
//	  database: controlplane
//	heartbeat:
//	  poll_interval: 10s
//	  missed_threshold: 3
//	approval:
//	  default_ttl: 24h
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	// Server configures the HTTP surface.
	Server ServerConfig `yaml:"server,omitempty"`

	// Database is the control plane's backing store.
	Database DatabaseConfig `yaml:"database,omitempty"`

	// Logger configures logging behavior.
	Logger *LoggerConfig `yaml:"logger,omitempty"`

	// Heartbeat configures crash-loop detection thresholds (pkg/heartbeat).
	Heartbeat HeartbeatConfig `yaml:"heartbeat,omitempty"`

	// Approval configures default approval-gate behavior (pkg/approval).
	Approval ApprovalConfig `yaml:"approval,omitempty"`

	// Backends registers execution backends with the provider registry.
	// A deployment with none configured boots with an empty registry;
	// routes that need one return ErrNoBackendAvailable.
	Backends []BackendConfig `yaml:"backends,omitempty"`
}

// HeartbeatConfig configures pkg/heartbeat.Monitor.
type HeartbeatConfig struct {
	// PollInterval is how often the monitor checks for missed heartbeats.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// MissedThreshold is how many consecutive missed heartbeats mark an
	// agent UNHEALTHY.
	MissedThreshold int `yaml:"missed_threshold,omitempty"`

	// WarningThreshold is how many consecutive missed heartbeats mark an
	// agent WARNING, before it reaches MissedThreshold.
	WarningThreshold int `yaml:"warning_threshold,omitempty"`
}

// SetDefaults applies default values.
func (c *HeartbeatConfig) SetDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.WarningThreshold == 0 {
		c.WarningThreshold = 2
	}
	if c.MissedThreshold == 0 {
		c.MissedThreshold = 3
	}
}

// Validate checks the heartbeat configuration.
func (c *HeartbeatConfig) Validate() error {
	if c.MissedThreshold <= c.WarningThreshold {
		return fmt.Errorf("missed_threshold (%d) must be greater than warning_threshold (%d)", c.MissedThreshold, c.WarningThreshold)
	}
	return nil
}

// ApprovalConfig configures pkg/approval.Service defaults.
type ApprovalConfig struct {
	// DefaultTTL is how long a request stays PENDING when a caller does not
	// specify one.
	DefaultTTL time.Duration `yaml:"default_ttl,omitempty"`
}

// SetDefaults applies default values.
func (c *ApprovalConfig) SetDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 24 * time.Hour
	}
}

// SetDefaults applies default values to the whole config tree. A config
// with no database section at all gets a local sqlite store, so the
// control plane can start with zero configuration.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	if c.Database.Driver == "" && c.Database.Database == "" {
		c.Database = *DefaultDatabaseConfig("sqlite")
	}
	c.Database.SetDefaults()
	c.Heartbeat.SetDefaults()
	c.Approval.SetDefaults()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if c.Logger != nil {
		if err := c.Logger.Validate(); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	seen := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		if err := c.Backends[i].Validate(); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
		if seen[c.Backends[i].ID] {
			return fmt.Errorf("backends[%d]: duplicate id %q", i, c.Backends[i].ID)
		}
		seen[c.Backends[i].ID] = true
	}
	return nil
}

// BoolPtr returns a pointer to b, for optional yaml bool fields that
// distinguish "unset" from "explicitly false".
func BoolPtr(b bool) *bool { return &b }

// BoolValue dereferences an optional bool field, falling back to def when
// the field was never set.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
