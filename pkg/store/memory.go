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
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/agentctl/controlplane/pkg/cperrors"
)

// MemoryStore is an in-memory DatabasePort, mirroring the teacher's pattern
// of narrow in-process fakes standing in for a real backing store in unit
// tests rather than a mocking framework.
type MemoryStore struct {
	mu sync.Mutex

	agents    map[string]*Agent
	jobs      map[string]*Job
	approvals map[string]*ApprovalRequest
	byToken   map[string]string // tokenHash -> approvalRequestID
	audit     map[string][]*ApprovalAudit
	auditSeq  int64
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[string]*Agent),
		jobs:      make(map[string]*Job),
		approvals: make(map[string]*ApprovalRequest),
		byToken:   make(map[string]string),
		audit:     make(map[string][]*ApprovalAudit),
	}
}

func (m *MemoryStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok || a.Status == AgentDeleted {
		return nil, cperrors.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpsertAgent(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemoryStore) SoftDeleteAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return cperrors.ErrNotFound
	}
	a.Status = AgentDeleted
	return nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, limit, offset int) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if a.Status == AgentDeleted {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, limit, offset), nil
}

func (m *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, cperrors.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) InsertJob(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return cperrors.ErrJobNotFound
	}
	j.Status = status
	return nil
}

func (m *MemoryStore) UpdateJobCheckpoint(ctx context.Context, jobID string, checkpoint json.RawMessage, crc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return cperrors.ErrJobNotFound
	}
	j.Checkpoint = checkpoint
	j.CheckpointCRC = crc
	return nil
}

func (m *MemoryStore) SetJobPause(ctx context.Context, jobID string, paused bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, cperrors.ErrJobNotFound
	}
	if j.Paused == paused {
		return false, nil
	}
	j.Paused = paused
	return true, nil
}

func (m *MemoryStore) IncrementJobAttempt(ctx context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return 0, cperrors.ErrJobNotFound
	}
	j.Attempt++
	return j.Attempt, nil
}

func (m *MemoryStore) ListJobsByAgent(ctx context.Context, agentID string, limit, offset int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Job, 0)
	for _, j := range m.jobs {
		if j.AgentID != agentID {
			continue
		}
		cp := *j
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, limit, offset), nil
}

func (m *MemoryStore) InsertApprovalRequest(ctx context.Context, r *ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.approvals[r.ID] = &cp
	if r.TokenHash != "" {
		m.byToken[r.TokenHash] = r.ID
	}
	return nil
}

func (m *MemoryStore) ListApprovalRequests(ctx context.Context, limit, offset int) ([]*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*ApprovalRequest, 0, len(m.approvals))
	for _, r := range m.approvals {
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RequestedAt.After(all[j].RequestedAt) })
	return paginate(all, limit, offset), nil
}

func (m *MemoryStore) DecideApprovalRequest(ctx context.Context, requestID string, decision ApprovalStatus, decidedBy string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.approvals[requestID]
	if !ok {
		return false, cperrors.ErrNotFound
	}
	if r.Status != ApprovalPending || !now.Before(r.ExpiresAt) {
		return false, nil
	}
	r.Status = decision
	r.DecidedAt = now
	r.DecidedBy = decidedBy
	if r.TokenHash != "" {
		delete(m.byToken, r.TokenHash)
	}
	return true, nil
}

func (m *MemoryStore) ExpireApprovalRequests(ctx context.Context, now time.Time) ([]*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*ApprovalRequest
	for _, r := range m.approvals {
		if r.Status == ApprovalPending && !now.Before(r.ExpiresAt) {
			r.Status = ApprovalExpired
			if r.TokenHash != "" {
				delete(m.byToken, r.TokenHash)
			}
			cp := *r
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}

func (m *MemoryStore) GetApprovalRequest(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.approvals[requestID]
	if !ok {
		return nil, cperrors.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetApprovalRequestByTokenHash(ctx context.Context, tokenHash string) (*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[tokenHash]
	if !ok {
		return nil, cperrors.ErrNotFound
	}
	r := m.approvals[id]
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListApprovalAudit(ctx context.Context, requestID string) ([]*ApprovalAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.audit[requestID]
	out := make([]*ApprovalAudit, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *MemoryStore) AppendApprovalAudit(ctx context.Context, entry *ApprovalAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	cp := *entry
	cp.ID = m.auditSeq
	m.audit[entry.ApprovalRequestID] = append(m.audit[entry.ApprovalRequestID], &cp)
	return nil
}

func paginate[T any](all []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []T{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

var _ DatabasePort = (*MemoryStore)(nil)
