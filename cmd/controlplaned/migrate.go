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
	"fmt"
	"log/slog"

	"github.com/agentctl/controlplane/pkg/config"
	"github.com/agentctl/controlplane/pkg/store"
)

// MigrateCmd creates or updates the database schema. Safe to run repeatedly:
// every statement it issues is IF NOT EXISTS.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}

	pool := config.NewDBPool()
	defer pool.Close()

	db, dialect, err := openDatabase(pool, &cfg.Database)
	if err != nil {
		return err
	}

	if err := store.Migrate(ctx, db, dialect); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	slog.Info("migration complete", "driver", cfg.Database.Driver, "database", cfg.Database.Database)
	fmt.Println("migration complete")
	return nil
}
