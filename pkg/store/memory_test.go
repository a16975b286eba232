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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/controlplane/pkg/cperrors"
)

func TestMemoryStore_AgentLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &Agent{ID: "a1", Name: "agent one", Status: AgentActive}))

	a, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "agent one", a.Name)

	require.NoError(t, s.SoftDeleteAgent(ctx, "a1"))
	_, err = s.GetAgent(ctx, "a1")
	assert.ErrorIs(t, err, cperrors.ErrNotFound)
}

func TestMemoryStore_JobPauseIsIdempotentAboutReturningUpdated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertJob(ctx, &Job{ID: "j1", AgentID: "a1", Status: JobRunning}))

	updated, err := s.SetJobPause(ctx, "j1", true)
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = s.SetJobPause(ctx, "j1", true)
	require.NoError(t, err)
	assert.False(t, updated, "setting the same pause state twice reports no change")

	j, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, j.Paused)
}

func TestMemoryStore_IncrementJobAttempt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertJob(ctx, &Job{ID: "j1", Attempt: 0}))

	n, err := s.IncrementJobAttempt(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.IncrementJobAttempt(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryStore_DecideApprovalRequestIsConditional(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1000, 0)

	require.NoError(t, s.InsertApprovalRequest(ctx, &ApprovalRequest{
		ID: "r1", Status: ApprovalPending, ExpiresAt: now.Add(time.Hour), TokenHash: "hash1",
	}))

	ok, err := s.DecideApprovalRequest(ctx, "r1", ApprovalApproved, "user-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DecideApprovalRequest(ctx, "r1", ApprovalRejected, "user-2", now)
	require.NoError(t, err)
	assert.False(t, ok, "a second decision on an already-decided request must not succeed")

	r, err := s.GetApprovalRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, r.Status)
	assert.Equal(t, "user-1", r.DecidedBy)

	_, err = s.GetApprovalRequestByTokenHash(ctx, "hash1")
	assert.ErrorIs(t, err, cperrors.ErrNotFound, "token must be invalidated after a successful decision")
}

func TestMemoryStore_DecideApprovalRequestRejectsExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	requestedAt := time.Unix(0, 0)

	require.NoError(t, s.InsertApprovalRequest(ctx, &ApprovalRequest{
		ID: "r1", Status: ApprovalPending, ExpiresAt: requestedAt.Add(time.Minute),
	}))

	ok, err := s.DecideApprovalRequest(ctx, "r1", ApprovalApproved, "user-1", requestedAt.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ExpireApprovalRequests(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.InsertApprovalRequest(ctx, &ApprovalRequest{ID: "r1", Status: ApprovalPending, ExpiresAt: time.Unix(100, 0)}))
	require.NoError(t, s.InsertApprovalRequest(ctx, &ApprovalRequest{ID: "r2", Status: ApprovalPending, ExpiresAt: time.Unix(900, 0)}))

	expired, err := s.ExpireApprovalRequests(ctx, time.Unix(500, 0))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "r1", expired[0].ID)
	assert.Equal(t, ApprovalExpired, expired[0].Status)

	r1, _ := s.GetApprovalRequest(ctx, "r1")
	assert.Equal(t, ApprovalExpired, r1.Status)
	r2, _ := s.GetApprovalRequest(ctx, "r2")
	assert.Equal(t, ApprovalPending, r2.Status)
}

func TestMemoryStore_AuditTrailAppendOnlyAndOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AppendApprovalAudit(ctx, &ApprovalAudit{ApprovalRequestID: "r1", EventType: "requested"}))
	require.NoError(t, s.AppendApprovalAudit(ctx, &ApprovalAudit{ApprovalRequestID: "r1", EventType: "decided"}))

	entries, err := s.ListApprovalAudit(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "requested", entries[0].EventType)
	assert.Equal(t, "decided", entries[1].EventType)
	assert.Less(t, entries[0].ID, entries[1].ID)
}
