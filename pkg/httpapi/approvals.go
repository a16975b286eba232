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

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentctl/controlplane/pkg/approval"
	"github.com/agentctl/controlplane/pkg/auth"
	"github.com/agentctl/controlplane/pkg/sse"
)

type createApprovalRequest struct {
	ActionType    string          `json:"actionType"`
	ActionSummary string          `json:"actionSummary"`
	ActionDetail  json.RawMessage `json:"actionDetail"`
	TTLSeconds    int             `json:"ttlSeconds"`
}

func (deps Dependencies) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := deps.DB.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Malformed Request Body", err.Error())
		return
	}
	var ttl time.Duration
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	res, err := deps.Approvals.CreateRequest(r.Context(), approval.CreateRequestInput{
		AgentID:       job.AgentID,
		JobID:         jobID,
		ActionType:    req.ActionType,
		ActionSummary: req.ActionSummary,
		ActionDetail:  req.ActionDetail,
		TTL:           ttl,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type decideRequest struct {
	// DecidedBy, if present in the body, is ignored: the decider identity
	// always comes from the authenticated principal (spec §6.1).
	DecidedBy string          `json:"decidedBy,omitempty"`
	Decision  approval.Decision `json:"decision"`
	Reason    string          `json:"reason"`
	Channel   string          `json:"channel"`
}

func (deps Dependencies) decideInputFromRequest(r *http.Request, req decideRequest) approval.DecideInput {
	claims := auth.GetClaims(r)
	decidedBy := ""
	if claims != nil {
		decidedBy = claims.Subject
	}
	return approval.DecideInput{
		DecidedBy: decidedBy,
		Reason:    req.Reason,
		Channel:   req.Channel,
	}
}

func (deps Dependencies) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Malformed Request Body", err.Error())
		return
	}
	if err := deps.Approvals.Decide(r.Context(), requestID, req.Decision, deps.decideInputFromRequest(r, req)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type decideByTokenRequest struct {
	Token    string            `json:"token"`
	Decision approval.Decision `json:"decision"`
	Reason   string            `json:"reason"`
	Channel  string            `json:"channel"`
}

func (deps Dependencies) handleDecideApprovalByToken(w http.ResponseWriter, r *http.Request) {
	var req decideByTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Malformed Request Body", err.Error())
		return
	}
	in := deps.decideInputFromRequest(r, decideRequest{Reason: req.Reason, Channel: req.Channel})
	if err := deps.Approvals.DecideByToken(r.Context(), req.Token, req.Decision, in); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (deps Dependencies) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	reqs, err := deps.DB.ListApprovalRequests(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (deps Dependencies) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := deps.DB.GetApprovalRequest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (deps Dependencies) handleGetApprovalAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trail, err := deps.Approvals.GetAuditTrail(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

// handleApprovalStream serves one agent's live event stream over SSE. The
// caller names the agent via ?agentId=; the hub fans lifecycle, approval,
// and opaque browser:* events out per agent (spec §6.2), not globally.
func (deps Dependencies) handleApprovalStream(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		writeProblem(w, http.StatusBadRequest, "Missing agentId", "agentId query parameter is required")
		return
	}
	writer, ok := w.(sse.Writer)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming Unsupported", "response writer does not support flushing")
		return
	}

	var lastEventID int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		lastEventID, _ = strconv.ParseInt(raw, 10, 64)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writer.Flush()

	if err := deps.SSE.Connect(agentID, lastEventID, writer, r.Context().Done()); err != nil {
		// The connection already ended; nothing more can be written to w.
		return
	}
}
