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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migrate creates the agent, job, approval_request and approval_audit
// tables (and their indexes) if they do not already exist. It is safe to
// call on every process start: every statement is IF NOT EXISTS, so a
// populated database is left untouched.
//
// Table and index statements run one at a time rather than as a single
// multi-statement string, since SQLite's driver does not support executing
// more than one statement per Exec call.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// schemaStatements returns the ordered list of DDL statements for dialect.
// Column types are chosen to be valid in all three dialects wherever
// possible (VARCHAR/TEXT/TIMESTAMP/BOOLEAN); only the auto-increment
// approval_audit primary key and the agent upsert path need a real
// per-dialect branch.
func schemaStatements(dialect Dialect) []string {
	auditIDColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	switch dialect {
	case Postgres:
		auditIDColumn = "id BIGSERIAL PRIMARY KEY"
	case MySQL:
		auditIDColumn = "id BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS agent (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    slug VARCHAR(255) NOT NULL,
    role VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL,
    backend_config TEXT,
    channel_permissions TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_slug ON agent(slug)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_status ON agent(status)`,

		`CREATE TABLE IF NOT EXISTS job (
    id VARCHAR(255) PRIMARY KEY,
    agent_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    payload TEXT,
    result TEXT,
    checkpoint TEXT,
    checkpoint_crc VARCHAR(64),
    error TEXT,
    attempt INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 0,
    timeout_seconds INTEGER NOT NULL DEFAULT 0,
    paused BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    heartbeat_at TIMESTAMP,
    approval_expires_at TIMESTAMP
)`,
		`CREATE INDEX IF NOT EXISTS idx_job_agent_id ON job(agent_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_status ON job(status)`,

		`CREATE TABLE IF NOT EXISTS approval_request (
    id VARCHAR(255) PRIMARY KEY,
    job_id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    action_type VARCHAR(128) NOT NULL,
    action_summary TEXT NOT NULL,
    action_detail TEXT,
    status VARCHAR(32) NOT NULL,
    token_hash VARCHAR(128) NOT NULL,
    requested_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    decided_at TIMESTAMP,
    decided_by VARCHAR(255)
)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_request_job_id ON approval_request(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_request_status_expires ON approval_request(status, expires_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_request_token_hash ON approval_request(token_hash)`,

		`CREATE TABLE IF NOT EXISTS approval_audit (
    ` + auditIDColumn + `,
    approval_request_id VARCHAR(255) NOT NULL,
    job_id VARCHAR(255) NOT NULL,
    event_type VARCHAR(64) NOT NULL,
    actor_user_id VARCHAR(255),
    actor_channel VARCHAR(64),
    details TEXT,
    created_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_audit_request_id ON approval_audit(approval_request_id, created_at)`,
	}
}
