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

// Package store defines the DatabasePort the core packages persist
// through: entity-shaped methods over the tables named in spec §3/§6.3,
// rather than a raw SQL passthrough, so pkg/lifecycle and pkg/approval
// never see a driver or a query string.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Lookups against a missing or soft-deleted agent or approval-request row
// return cperrors.ErrNotFound; job lookups return cperrors.ErrJobNotFound.
// pkg/httpapi maps both sentinels to a 404 problem+json response.

// AgentStatus is the persisted status of an agent row, independent of its
// in-memory lifecycle state (an agent can be ACTIVE in storage while its
// runtime context is currently absent).
type AgentStatus string

const (
	AgentActive   AgentStatus = "ACTIVE"
	AgentDisabled AgentStatus = "DISABLED"
	AgentDeleted  AgentStatus = "DELETED"
)

// Agent is the persisted row backing an agent identity.
type Agent struct {
	ID                 string
	Name               string
	Slug               string
	Role               string
	Status             AgentStatus
	BackendConfig      json.RawMessage
	ChannelPermissions json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobStatus is the persisted status of a job row.
type JobStatus string

const (
	JobQueued    JobStatus = "QUEUED"
	JobRunning   JobStatus = "RUNNING"
	JobPaused    JobStatus = "PAUSED"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Job is the persisted row a lifecycle boot/recover hydrates from.
type Job struct {
	ID               string
	AgentID          string
	SessionID        string
	Status           JobStatus
	Priority         int
	Payload          json.RawMessage
	Result           json.RawMessage
	Checkpoint       json.RawMessage
	CheckpointCRC    string
	Error            json.RawMessage
	Attempt          int
	MaxAttempts      int
	TimeoutSeconds   int
	Paused           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	HeartbeatAt      time.Time
	ApprovalExpires  time.Time
}

// ApprovalStatus is the persisted status of an approval_request row.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// ApprovalRequest is the persisted row backing one human-in-the-loop gate.
type ApprovalRequest struct {
	ID            string
	JobID         string
	AgentID       string
	ActionType    string
	ActionSummary string
	ActionDetail  json.RawMessage
	Status        ApprovalStatus
	TokenHash     string
	RequestedAt   time.Time
	ExpiresAt     time.Time
	DecidedAt     time.Time
	DecidedBy     string
}

// ApprovalAudit is one append-only entry in an approval request's trail.
type ApprovalAudit struct {
	ID                int64
	ApprovalRequestID string
	JobID             string
	EventType         string
	ActorUserID       string
	ActorChannel      string
	Details           json.RawMessage
	CreatedAt         time.Time
}

// DatabasePort is the transactional key/value + query surface spec.md §1
// reduces the relational datastore to. Implementations must make decide-
// style mutations conditional (WHERE status='PENDING' AND expires_at >
// now()) so the approval single-decision invariant holds under
// concurrent callers without an application-level lock.
type DatabasePort interface {
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	UpsertAgent(ctx context.Context, a *Agent) error
	SoftDeleteAgent(ctx context.Context, agentID string) error
	// ListAgents returns non-deleted agents ordered by creation time, for
	// the GET /agents pagination contract in spec §6.1.
	ListAgents(ctx context.Context, limit, offset int) ([]*Agent, error)

	GetJob(ctx context.Context, jobID string) (*Job, error)
	InsertJob(ctx context.Context, j *Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error
	UpdateJobCheckpoint(ctx context.Context, jobID string, checkpoint json.RawMessage, crc string) error
	SetJobPause(ctx context.Context, jobID string, paused bool) (bool, error)
	IncrementJobAttempt(ctx context.Context, jobID string) (int, error)
	// ListJobsByAgent returns agentID's jobs newest-first, for GET
	// /agents/:id/jobs.
	ListJobsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Job, error)

	InsertApprovalRequest(ctx context.Context, r *ApprovalRequest) error
	// ListApprovalRequests returns requests newest-first, for GET
	// /approvals.
	ListApprovalRequests(ctx context.Context, limit, offset int) ([]*ApprovalRequest, error)
	// DecideApprovalRequest mutates status atomically, conditional on the
	// row currently being PENDING and unexpired as of now. ok is false
	// (with no error) when the precondition failed, so the caller can
	// distinguish AlreadyDecided/Expired from a real storage error.
	DecideApprovalRequest(ctx context.Context, requestID string, decision ApprovalStatus, decidedBy string, now time.Time) (ok bool, err error)
	// ExpireApprovalRequests marks every PENDING request with expiresAt <=
	// now as EXPIRED and returns the rows it expired (with Status already
	// updated to ApprovalExpired), so callers can audit/notify per request.
	ExpireApprovalRequests(ctx context.Context, now time.Time) ([]*ApprovalRequest, error)
	GetApprovalRequest(ctx context.Context, requestID string) (*ApprovalRequest, error)
	GetApprovalRequestByTokenHash(ctx context.Context, tokenHash string) (*ApprovalRequest, error)
	ListApprovalAudit(ctx context.Context, requestID string) ([]*ApprovalAudit, error)
	AppendApprovalAudit(ctx context.Context, entry *ApprovalAudit) error
}
