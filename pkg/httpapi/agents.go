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

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentctl/controlplane/pkg/store"
)

func paginationParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return
}

func (deps Dependencies) handleListAgents(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)
	agents, err := deps.DB.ListAgents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type createAgentRequest struct {
	Name               string          `json:"name"`
	Slug               string          `json:"slug"`
	Role               string          `json:"role"`
	BackendConfig      json.RawMessage `json:"backendConfig"`
	ChannelPermissions json.RawMessage `json:"channelPermissions"`
}

func (deps Dependencies) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Malformed Request Body", err.Error())
		return
	}
	now := deps.Now()
	a := &store.Agent{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		Slug:               req.Slug,
		Role:               req.Role,
		Status:             store.AgentActive,
		BackendConfig:      req.BackendConfig,
		ChannelPermissions: req.ChannelPermissions,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := deps.DB.UpsertAgent(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// agentDetail bundles an agent with its most recently created job, matching
// the "detail + latest job" contract in spec §6.1.
type agentDetail struct {
	*store.Agent
	LatestJob *store.Job `json:"latestJob,omitempty"`
}

func (deps Dependencies) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	a, err := deps.DB.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := agentDetail{Agent: a}
	if jobs, err := deps.DB.ListJobsByAgent(r.Context(), agentID, 1, 0); err == nil && len(jobs) > 0 {
		detail.LatestJob = jobs[0]
	}
	writeJSON(w, http.StatusOK, detail)
}

type updateAgentRequest struct {
	Name               string          `json:"name"`
	Slug               string          `json:"slug"`
	Role               string          `json:"role"`
	Status             store.AgentStatus `json:"status"`
	BackendConfig      json.RawMessage `json:"backendConfig"`
	ChannelPermissions json.RawMessage `json:"channelPermissions"`
}

func (deps Dependencies) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	existing, err := deps.DB.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Malformed Request Body", err.Error())
		return
	}
	existing.Name = req.Name
	existing.Slug = req.Slug
	existing.Role = req.Role
	if req.Status != "" {
		existing.Status = req.Status
	}
	existing.BackendConfig = req.BackendConfig
	existing.ChannelPermissions = req.ChannelPermissions
	existing.UpdatedAt = deps.Now()

	if err := deps.DB.UpsertAgent(r.Context(), existing); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (deps Dependencies) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	if err := deps.DB.SoftDeleteAgent(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (deps Dependencies) handlePauseAgent(w http.ResponseWriter, r *http.Request) {
	deps.setPause(w, r, true)
}

func (deps Dependencies) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	deps.setPause(w, r, false)
}

func (deps Dependencies) setPause(w http.ResponseWriter, r *http.Request, paused bool) {
	agentID := chi.URLParam(r, "id")
	var changed bool
	var err error
	if paused {
		changed, err = deps.Lifecycle.Pause(r.Context(), agentID)
	} else {
		changed, err = deps.Lifecycle.Resume(r.Context(), agentID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (deps Dependencies) handleListJobs(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	limit, offset := paginationParams(r)
	jobs, err := deps.DB.ListJobsByAgent(r.Context(), agentID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	SessionID      string          `json:"sessionId"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	MaxAttempts    int             `json:"maxAttempts"`
	TimeoutSeconds int             `json:"timeoutSeconds"`
}

// handleCreateJob persists a new job row in QUEUED status. Scheduling it
// onto a runtime context (lifecycle.Manager.Boot/Run) is the job of the
// dispatcher this package does not own — spec §1 explicitly scopes a
// persistent distributed scheduler out of the core.
func (deps Dependencies) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	agent, err := deps.DB.GetAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	if agent.Status != store.AgentActive {
		writeProblem(w, http.StatusConflict, "Agent Not Active", "jobs can only be created against an ACTIVE agent")
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Malformed Request Body", err.Error())
		return
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 600
	}

	now := deps.Now()
	job := &store.Job{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		SessionID:      req.SessionID,
		Status:         store.JobQueued,
		Priority:       req.Priority,
		Payload:        req.Payload,
		Attempt:        0,
		MaxAttempts:    maxAttempts,
		TimeoutSeconds: timeout,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := deps.DB.InsertJob(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}
