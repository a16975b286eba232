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

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/agentctl/controlplane/pkg/config"
	"github.com/agentctl/controlplane/pkg/store"
)

// loadConfig loads configuration from path, or falls back to an all-defaults
// zero-config when path is empty, so "controlplaned serve" with no flags
// boots against a local SQLite file.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid default configuration: %w", err)
		}
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	cfg, _, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	slog.Info("loaded configuration", "path", path)
	return cfg, nil
}

// dialectFor maps a DatabaseConfig's normalized driver name to the
// pkg/store Dialect constant. DriverName() and Dialect() normalize "sqlite"
// in opposite directions (DriverName -> "sqlite3" for sql.Open, Dialect ->
// "sqlite" for query building), so this switch is the one place that
// reconciles pkg/config's naming with pkg/store's.
func dialectFor(cfg *config.DatabaseConfig) (store.Dialect, error) {
	switch cfg.DriverName() {
	case "postgres":
		return store.Postgres, nil
	case "mysql":
		return store.MySQL, nil
	case "sqlite3":
		return store.SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// openDatabase resolves pool, dialect, and the SQLite base directory (which
// DBPool.Get/sql.Open does not create on its own) for cfg.
func openDatabase(pool *config.DBPool, cfg *config.DatabaseConfig) (*sql.DB, store.Dialect, error) {
	if cfg.DriverName() == "sqlite3" {
		if dir := filepath.Dir(cfg.Database); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, "", fmt.Errorf("create sqlite directory %s: %w", dir, err)
			}
		}
	}

	db, err := pool.Get(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}

	dialect, err := dialectFor(cfg)
	if err != nil {
		return nil, "", err
	}
	return db, dialect, nil
}
