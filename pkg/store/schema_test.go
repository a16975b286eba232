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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openMigratedSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	require.NoError(t, Migrate(context.Background(), db, SQLite))
	return db
}

func TestMigrate_IsIdempotent(t *testing.T) {
	db := openMigratedSQLite(t)
	require.NoError(t, Migrate(context.Background(), db, SQLite))
}

func TestMigrate_SQLStoreAgentRoundTrip(t *testing.T) {
	db := openMigratedSQLite(t)
	s := NewSQLStore(db, SQLite)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertAgent(ctx, &Agent{
		ID: "a1", Name: "agent one", Slug: "agent-one", Role: "reviewer",
		Status: AgentActive, CreatedAt: now, UpdatedAt: now,
	}))

	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "agent one", a.Name)

	// UpsertAgent on an existing id updates in place rather than erroring,
	// exercising the SQLite ON CONFLICT DO UPDATE path specifically.
	require.NoError(t, s.UpsertAgent(ctx, &Agent{
		ID: "a1", Name: "agent one renamed", Slug: "agent-one", Role: "reviewer",
		Status: AgentActive, CreatedAt: now, UpdatedAt: now,
	}))
	a, err = s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, "agent one renamed", a.Name)
}

func TestMigrate_SQLStoreApprovalAuditAutoIncrements(t *testing.T) {
	db := openMigratedSQLite(t)
	s := NewSQLStore(db, SQLite)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.InsertApprovalRequest(ctx, &ApprovalRequest{
		ID: "r1", JobID: "j1", AgentID: "a1", ActionType: "deploy",
		ActionSummary: "deploy to prod", Status: ApprovalPending,
		TokenHash: "hash1", RequestedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, s.AppendApprovalAudit(ctx, &ApprovalAudit{
		ApprovalRequestID: "r1", JobID: "j1", EventType: "requested", CreatedAt: now,
	}))
	require.NoError(t, s.AppendApprovalAudit(ctx, &ApprovalAudit{
		ApprovalRequestID: "r1", JobID: "j1", EventType: "approved", CreatedAt: now,
	}))

	entries, err := s.ListApprovalAudit(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Less(t, entries[0].ID, entries[1].ID)
}
