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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/agentctl/controlplane/pkg/cperrors"
)

// Dialect names the SQL driver a SQLStore talks to, so it can build the
// right placeholder style ($1 for postgres, ? for mysql/sqlite3).
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite3"
)

// SQLStore is a database/sql-backed DatabasePort. One instance owns one
// *sql.DB; SQLite callers are expected to have already constrained it to a
// single connection (it only supports one writer at a time).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an already-open *sql.DB. It does not create the pool
// itself so callers can share one pool across multiple ports.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// placeholder returns the nth (1-indexed) bind parameter in this store's
// dialect.
func (s *SQLStore) placeholder(n int) string {
	if s.dialect == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, name, slug, role, status, backend_config, channel_permissions, created_at, updated_at
		 FROM agent WHERE id = %s AND status != 'DELETED'`, s.placeholder(1)), agentID)

	var a Agent
	var backendConfig, channelPerms []byte
	if err := row.Scan(&a.ID, &a.Name, &a.Slug, &a.Role, &a.Status, &backendConfig, &channelPerms, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, cperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	a.BackendConfig = backendConfig
	a.ChannelPermissions = channelPerms
	return &a, nil
}

func (s *SQLStore) UpsertAgent(ctx context.Context, a *Agent) error {
	var query string
	switch s.dialect {
	case Postgres:
		query = `INSERT INTO agent (id, name, slug, role, status, backend_config, channel_permissions, created_at, updated_at)
		         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		         ON CONFLICT (id) DO UPDATE SET name=$2, slug=$3, role=$4, status=$5, backend_config=$6, channel_permissions=$7, updated_at=$9`
	case SQLite:
		query = `INSERT INTO agent (id, name, slug, role, status, backend_config, channel_permissions, created_at, updated_at)
		         VALUES (?,?,?,?,?,?,?,?,?)
		         ON CONFLICT (id) DO UPDATE SET name=excluded.name, slug=excluded.slug, role=excluded.role, status=excluded.status,
		         backend_config=excluded.backend_config, channel_permissions=excluded.channel_permissions, updated_at=excluded.updated_at`
	default:
		query = `INSERT INTO agent (id, name, slug, role, status, backend_config, channel_permissions, created_at, updated_at)
		         VALUES (?,?,?,?,?,?,?,?,?)
		         ON DUPLICATE KEY UPDATE name=VALUES(name), slug=VALUES(slug), role=VALUES(role), status=VALUES(status),
		         backend_config=VALUES(backend_config), channel_permissions=VALUES(channel_permissions), updated_at=VALUES(updated_at)`
	}
	_, err := s.db.ExecContext(ctx, query, a.ID, a.Name, a.Slug, a.Role, a.Status, a.BackendConfig, a.ChannelPermissions, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLStore) SoftDeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE agent SET status='DELETED' WHERE id = %s`, s.placeholder(1)), agentID)
	if err != nil {
		return fmt.Errorf("soft delete agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cperrors.ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListAgents(ctx context.Context, limit, offset int) ([]*Agent, error) {
	limit, offset = sqlPageBounds(limit, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, name, slug, role, status, backend_config, channel_permissions, created_at, updated_at
		 FROM agent WHERE status != 'DELETED' ORDER BY created_at ASC LIMIT %s OFFSET %s`,
		s.placeholder(1), s.placeholder(2)), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var a Agent
		var backendConfig, channelPerms []byte
		if err := rows.Scan(&a.ID, &a.Name, &a.Slug, &a.Role, &a.Status, &backendConfig, &channelPerms, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		a.BackendConfig, a.ChannelPermissions = backendConfig, channelPerms
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, agent_id, session_id, status, priority, payload, result, checkpoint, checkpoint_crc,
		        error, attempt, max_attempts, timeout_seconds, paused, created_at, updated_at, heartbeat_at, approval_expires_at
		 FROM job WHERE id = %s`, s.placeholder(1)), jobID)

	var j Job
	var payload, result, checkpoint, jobErr []byte
	if err := row.Scan(&j.ID, &j.AgentID, &j.SessionID, &j.Status, &j.Priority, &payload, &result, &checkpoint,
		&j.CheckpointCRC, &jobErr, &j.Attempt, &j.MaxAttempts, &j.TimeoutSeconds, &j.Paused,
		&j.CreatedAt, &j.UpdatedAt, &j.HeartbeatAt, &j.ApprovalExpires); err != nil {
		if err == sql.ErrNoRows {
			return nil, cperrors.ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	j.Payload, j.Result, j.Checkpoint, j.Error = payload, result, checkpoint, jobErr
	return &j, nil
}

func (s *SQLStore) InsertJob(ctx context.Context, j *Job) error {
	query := fmt.Sprintf(`INSERT INTO job
		(id, agent_id, session_id, status, priority, payload, checkpoint, checkpoint_crc, attempt, max_attempts, timeout_seconds, paused, created_at, updated_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10),
		s.placeholder(11), s.placeholder(12), s.placeholder(13), s.placeholder(14))
	_, err := s.db.ExecContext(ctx, query, j.ID, j.AgentID, j.SessionID, j.Status, j.Priority, j.Payload,
		j.Checkpoint, j.CheckpointCRC, j.Attempt, j.MaxAttempts, j.TimeoutSeconds, j.Paused, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	return nil
}

func (s *SQLStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE job SET status = %s, updated_at = %s WHERE id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3)), status, time.Now(), jobID)
	if err != nil {
		return fmt.Errorf("update job status %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cperrors.ErrJobNotFound
	}
	return nil
}

func (s *SQLStore) UpdateJobCheckpoint(ctx context.Context, jobID string, checkpoint json.RawMessage, crc string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE job SET checkpoint = %s, checkpoint_crc = %s WHERE id = %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3)), []byte(checkpoint), crc, jobID)
	if err != nil {
		return fmt.Errorf("update job checkpoint %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cperrors.ErrJobNotFound
	}
	return nil
}

func (s *SQLStore) SetJobPause(ctx context.Context, jobID string, paused bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE job SET paused = %s WHERE id = %s AND paused != %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3)), paused, jobID, paused)
	if err != nil {
		return false, fmt.Errorf("set job pause %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLStore) IncrementJobAttempt(ctx context.Context, jobID string) (int, error) {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE job SET attempt = attempt + 1 WHERE id = %s`, s.placeholder(1)), jobID); err != nil {
		return 0, fmt.Errorf("increment job attempt %s: %w", jobID, err)
	}
	var attempt int
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT attempt FROM job WHERE id = %s`, s.placeholder(1)), jobID)
	if err := row.Scan(&attempt); err != nil {
		return 0, fmt.Errorf("read back job attempt %s: %w", jobID, err)
	}
	return attempt, nil
}

func (s *SQLStore) ListJobsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Job, error) {
	limit, offset = sqlPageBounds(limit, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, agent_id, session_id, status, priority, payload, result, checkpoint, checkpoint_crc,
		        error, attempt, max_attempts, timeout_seconds, paused, created_at, updated_at, heartbeat_at, approval_expires_at
		 FROM job WHERE agent_id = %s ORDER BY created_at DESC LIMIT %s OFFSET %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3)), agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs for agent %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var j Job
		var payload, result, checkpoint, jobErr []byte
		if err := rows.Scan(&j.ID, &j.AgentID, &j.SessionID, &j.Status, &j.Priority, &payload, &result, &checkpoint,
			&j.CheckpointCRC, &jobErr, &j.Attempt, &j.MaxAttempts, &j.TimeoutSeconds, &j.Paused,
			&j.CreatedAt, &j.UpdatedAt, &j.HeartbeatAt, &j.ApprovalExpires); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		j.Payload, j.Result, j.Checkpoint, j.Error = payload, result, checkpoint, jobErr
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertApprovalRequest(ctx context.Context, r *ApprovalRequest) error {
	query := fmt.Sprintf(`INSERT INTO approval_request
		(id, job_id, agent_id, action_type, action_summary, action_detail, status, token_hash, requested_at, expires_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10))
	_, err := s.db.ExecContext(ctx, query, r.ID, r.JobID, r.AgentID, r.ActionType, r.ActionSummary,
		r.ActionDetail, r.Status, r.TokenHash, r.RequestedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert approval request %s: %w", r.ID, err)
	}
	return nil
}

// DecideApprovalRequest implements spec §6.3's transactional precondition:
// UPDATE ... WHERE status='PENDING' AND expires_at > now(). ok=false with
// no error means the precondition failed (already decided or expired).
func (s *SQLStore) DecideApprovalRequest(ctx context.Context, requestID string, decision ApprovalStatus, decidedBy string, now time.Time) (bool, error) {
	query := fmt.Sprintf(`UPDATE approval_request SET status = %s, decided_at = %s, decided_by = %s
		WHERE id = %s AND status = 'PENDING' AND expires_at > %s`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5))
	res, err := s.db.ExecContext(ctx, query, decision, now, decidedBy, requestID, now)
	if err != nil {
		return false, fmt.Errorf("decide approval request %s: %w", requestID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireApprovalRequests selects every PENDING-and-overdue row and flips it
// to EXPIRED inside one transaction, so the returned rows are exactly the
// ones the UPDATE touched (not a second, possibly-divergent read).
func (s *SQLStore) ExpireApprovalRequests(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire approval requests: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT id, job_id, agent_id, action_type, action_summary, action_detail,
		status, token_hash, requested_at, expires_at, decided_at, decided_by FROM approval_request
		WHERE status='PENDING' AND expires_at <= %s`, s.placeholder(1)), now)
	if err != nil {
		return nil, fmt.Errorf("select expiring approval requests: %w", err)
	}
	var expired []*ApprovalRequest
	for rows.Next() {
		var r ApprovalRequest
		var detail []byte
		var decidedAt sql.NullTime
		var decidedBy sql.NullString
		if err := rows.Scan(&r.ID, &r.JobID, &r.AgentID, &r.ActionType, &r.ActionSummary, &detail,
			&r.Status, &r.TokenHash, &r.RequestedAt, &r.ExpiresAt, &decidedAt, &decidedBy); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expiring approval request row: %w", err)
		}
		r.ActionDetail = detail
		if decidedAt.Valid {
			r.DecidedAt = decidedAt.Time
		}
		if decidedBy.Valid {
			r.DecidedBy = decidedBy.String
		}
		expired = append(expired, &r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("scan expiring approval requests: %w", err)
	}
	rows.Close()

	if len(expired) > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE approval_request SET status='EXPIRED' WHERE status='PENDING' AND expires_at <= %s`,
			s.placeholder(1)), now); err != nil {
			return nil, fmt.Errorf("expire approval requests: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire approval requests: %w", err)
	}

	for _, r := range expired {
		r.Status = ApprovalExpired
	}
	return expired, nil
}

func (s *SQLStore) ListApprovalRequests(ctx context.Context, limit, offset int) ([]*ApprovalRequest, error) {
	limit, offset = sqlPageBounds(limit, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, job_id, agent_id, action_type, action_summary, action_detail,
		status, token_hash, requested_at, expires_at, decided_at, decided_by FROM approval_request
		ORDER BY requested_at DESC LIMIT %s OFFSET %s`, s.placeholder(1), s.placeholder(2)), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		var r ApprovalRequest
		var detail []byte
		var decidedAt sql.NullTime
		var decidedBy sql.NullString
		if err := rows.Scan(&r.ID, &r.JobID, &r.AgentID, &r.ActionType, &r.ActionSummary, &detail,
			&r.Status, &r.TokenHash, &r.RequestedAt, &r.ExpiresAt, &decidedAt, &decidedBy); err != nil {
			return nil, fmt.Errorf("scan approval request row: %w", err)
		}
		r.ActionDetail = detail
		if decidedAt.Valid {
			r.DecidedAt = decidedAt.Time
		}
		if decidedBy.Valid {
			r.DecidedBy = decidedBy.String
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetApprovalRequest(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	return s.scanApprovalRequest(ctx, fmt.Sprintf(`SELECT id, job_id, agent_id, action_type, action_summary, action_detail,
		status, token_hash, requested_at, expires_at, decided_at, decided_by FROM approval_request WHERE id = %s`, s.placeholder(1)), requestID)
}

func (s *SQLStore) GetApprovalRequestByTokenHash(ctx context.Context, tokenHash string) (*ApprovalRequest, error) {
	return s.scanApprovalRequest(ctx, fmt.Sprintf(`SELECT id, job_id, agent_id, action_type, action_summary, action_detail,
		status, token_hash, requested_at, expires_at, decided_at, decided_by FROM approval_request WHERE token_hash = %s AND status = 'PENDING'`, s.placeholder(1)), tokenHash)
}

func (s *SQLStore) scanApprovalRequest(ctx context.Context, query, arg string) (*ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var r ApprovalRequest
	var detail []byte
	var decidedAt sql.NullTime
	var decidedBy sql.NullString
	if err := row.Scan(&r.ID, &r.JobID, &r.AgentID, &r.ActionType, &r.ActionSummary, &detail,
		&r.Status, &r.TokenHash, &r.RequestedAt, &r.ExpiresAt, &decidedAt, &decidedBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, cperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan approval request: %w", err)
	}
	r.ActionDetail = detail
	if decidedAt.Valid {
		r.DecidedAt = decidedAt.Time
	}
	if decidedBy.Valid {
		r.DecidedBy = decidedBy.String
	}
	return &r, nil
}

func (s *SQLStore) ListApprovalAudit(ctx context.Context, requestID string) ([]*ApprovalAudit, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, approval_request_id, job_id, event_type, actor_user_id, actor_channel, details, created_at
		FROM approval_audit WHERE approval_request_id = %s ORDER BY created_at ASC, id ASC`, s.placeholder(1)), requestID)
	if err != nil {
		return nil, fmt.Errorf("list approval audit %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []*ApprovalAudit
	for rows.Next() {
		var e ApprovalAudit
		var details []byte
		if err := rows.Scan(&e.ID, &e.ApprovalRequestID, &e.JobID, &e.EventType, &e.ActorUserID, &e.ActorChannel, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval audit row: %w", err)
		}
		e.Details = details
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendApprovalAudit(ctx context.Context, entry *ApprovalAudit) error {
	query := fmt.Sprintf(`INSERT INTO approval_audit (approval_request_id, job_id, event_type, actor_user_id, actor_channel, details, created_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5), s.placeholder(6), s.placeholder(7))
	_, err := s.db.ExecContext(ctx, query, entry.ApprovalRequestID, entry.JobID, entry.EventType, entry.ActorUserID, entry.ActorChannel, entry.Details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append approval audit: %w", err)
	}
	return nil
}

// sqlPageBounds normalizes limit/offset for a LIMIT/OFFSET clause: a
// non-positive limit becomes a generous default rather than an unbounded
// scan, and a negative offset is clamped to zero.
func sqlPageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

var _ DatabasePort = (*SQLStore)(nil)
