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

// Package approval implements the single-decision human-in-the-loop gate:
// create a request, decide it (directly or by a one-shot bearer token),
// let stale requests self-expire, and keep an append-only audit trail.
package approval

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentctl/controlplane/pkg/cperrors"
	"github.com/agentctl/controlplane/pkg/store"
)

// DefaultTTL is how long a request stays PENDING when the caller does not
// specify one.
const DefaultTTL = 24 * time.Hour

// CreateRequestInput describes a new approval gate.
type CreateRequestInput struct {
	AgentID       string
	JobID         string
	ActionType    string
	ActionSummary string
	ActionDetail  json.RawMessage
	TTL           time.Duration
}

// CreateRequestResult is returned once, at creation: the plaintext token is
// never stored and never retrievable again.
type CreateRequestResult struct {
	ApprovalRequestID string
	PlaintextToken    string
	ExpiresAt         time.Time
}

// Decision is an operator's verdict on a pending request.
type Decision string

const (
	Approved Decision = "APPROVED"
	Rejected Decision = "REJECTED"
)

// DecideInput carries everything about who decided and how, except the
// approval request id or token, which the caller passes separately.
// DecidedBy must come from the authenticated principal; callers must never
// populate it from request-body content.
type DecideInput struct {
	DecidedBy string
	Reason    string
	Channel   string
	Actor     json.RawMessage
}

// Service implements the approval gate described above, persisting through
// a DatabasePort and optionally fanning audit events out to a broadcaster
// (the SSE hub).
type Service struct {
	db     store.DatabasePort
	notify func(agentID, eventType string, payload any)
	now    func() time.Time
	newID  func() string
}

// NewService builds a Service. notify may be nil if nothing needs to
// observe approval events live.
func NewService(db store.DatabasePort, notify func(agentID, eventType string, payload any)) *Service {
	return &Service{db: db, notify: notify, now: time.Now, newID: newRequestID}
}

// WithClock overrides the service's time source, for deterministic tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDSource overrides how request ids are generated, for deterministic
// tests.
func (s *Service) WithIDSource(f func() string) *Service {
	s.newID = f
	return s
}

func newRequestID() string {
	return randomHex(16)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("approval: reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateRequest generates a one-shot bearer token, stores only its hash,
// and opens the request in PENDING with expiresAt = now + ttl (ttl
// defaults to DefaultTTL when zero).
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (CreateRequestResult, error) {
	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	token := randomHex(32)

	req := &store.ApprovalRequest{
		ID:            s.newID(),
		JobID:         in.JobID,
		AgentID:       in.AgentID,
		ActionType:    in.ActionType,
		ActionSummary: in.ActionSummary,
		ActionDetail:  in.ActionDetail,
		Status:        store.ApprovalPending,
		TokenHash:     hashToken(token),
		RequestedAt:   now,
		ExpiresAt:     now.Add(ttl),
	}
	if err := s.db.InsertApprovalRequest(ctx, req); err != nil {
		return CreateRequestResult{}, fmt.Errorf("insert approval request: %w", err)
	}

	s.appendAudit(ctx, req.ID, req.JobID, "requested", "", "", nil, now)
	s.emit(req.AgentID, "approval_requested", req)

	return CreateRequestResult{
		ApprovalRequestID: req.ID,
		PlaintextToken:    token,
		ExpiresAt:         req.ExpiresAt,
	}, nil
}

// Decide resolves a pending request by id. It requires the request to
// currently be PENDING and unexpired; anything else fails with
// AlreadyDecided or Expired without mutating the row.
func (s *Service) Decide(ctx context.Context, requestID string, decision Decision, in DecideInput) error {
	return s.decide(ctx, requestID, decision, in)
}

// DecideByToken is Decide by the plaintext token instead of the request id.
// The token is single-use: a successful decision invalidates its hash, so
// no further lookup by that token succeeds.
func (s *Service) DecideByToken(ctx context.Context, token string, decision Decision, in DecideInput) error {
	req, err := s.db.GetApprovalRequestByTokenHash(ctx, hashToken(token))
	if err != nil {
		return fmt.Errorf("look up approval request by token: %w", err)
	}
	return s.decide(ctx, req.ID, decision, in)
}

func (s *Service) decide(ctx context.Context, requestID string, decision Decision, in DecideInput) error {
	req, err := s.db.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("look up approval request: %w", err)
	}

	now := s.now()
	switch {
	case req.Status != store.ApprovalPending:
		return cperrors.ErrAlreadyDecided
	case !now.Before(req.ExpiresAt):
		return cperrors.ErrExpired
	}

	ok, err := s.db.DecideApprovalRequest(ctx, requestID, store.ApprovalStatus(decision), in.DecidedBy, now)
	if err != nil {
		return fmt.Errorf("decide approval request: %w", err)
	}
	if !ok {
		// Lost a race with another decider or expireStaleRequests between
		// the read above and the conditional write.
		refreshed, gerr := s.db.GetApprovalRequest(ctx, requestID)
		if gerr == nil && refreshed.Status == store.ApprovalExpired {
			return cperrors.ErrExpired
		}
		return cperrors.ErrAlreadyDecided
	}

	eventType := "approved"
	if decision == Rejected {
		eventType = "rejected"
	}
	s.appendAudit(ctx, requestID, req.JobID, eventType, in.DecidedBy, in.Channel, in.Actor, now)
	s.emit(req.AgentID, "approval_"+eventType, req)
	return nil
}

// ExpireStaleRequests marks every PENDING request with expiresAt <= now as
// EXPIRED, writes an audit entry for each, and returns how many it expired.
// Intended to run on a periodic timer.
func (s *Service) ExpireStaleRequests(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.db.ExpireApprovalRequests(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expire approval requests: %w", err)
	}
	for _, req := range expired {
		s.appendAudit(ctx, req.ID, req.JobID, "expired", "", "", nil, now)
		s.emit(req.AgentID, "approval_expired", req)
	}
	return len(expired), nil
}

// GetAuditTrail returns requestID's append-only audit entries in creation
// order.
func (s *Service) GetAuditTrail(ctx context.Context, requestID string) ([]*store.ApprovalAudit, error) {
	return s.db.ListApprovalAudit(ctx, requestID)
}

func (s *Service) appendAudit(ctx context.Context, requestID, jobID, eventType, actorUserID, actorChannel string, details json.RawMessage, at time.Time) {
	entry := &store.ApprovalAudit{
		ApprovalRequestID: requestID,
		JobID:             jobID,
		EventType:         eventType,
		ActorUserID:       actorUserID,
		ActorChannel:      actorChannel,
		Details:           details,
		CreatedAt:         at,
	}
	if err := s.db.AppendApprovalAudit(ctx, entry); err != nil {
		// Audit persistence failing must never block the decision that
		// already landed; the error is discarded and not reported.
		_ = err
	}
}

func (s *Service) emit(agentID, eventType string, payload any) {
	if s.notify != nil {
		s.notify(agentID, eventType, payload)
	}
}
