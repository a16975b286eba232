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

// Package httpapi is the external HTTP surface described in spec §6: it
// translates each route to exactly one core operation call (lifecycle
// manager, approval service, backend registry, SSE hub) and does no
// business logic of its own.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/agentctl/controlplane/pkg/approval"
	"github.com/agentctl/controlplane/pkg/auth"
	"github.com/agentctl/controlplane/pkg/lifecycle"
	"github.com/agentctl/controlplane/pkg/observability"
	"github.com/agentctl/controlplane/pkg/registry"
	"github.com/agentctl/controlplane/pkg/sse"
	"github.com/agentctl/controlplane/pkg/store"
)

const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleApprover = "approver"
)

var anyAuthenticatedRole = []string{RoleViewer, RoleOperator, RoleApprover}

// Dependencies are the core collaborators every route delegates to. None of
// them are owned by this package; callers (cmd/controlplaned) build and
// wire them.
type Dependencies struct {
	DB        store.DatabasePort
	Lifecycle *lifecycle.Manager
	Approvals *approval.Service
	SSE       *sse.Hub
	Backends  *registry.BackendRegistry
	Auth      *auth.JWTValidator
	Obs       *observability.Manager

	// CORSOrigins configures allowed origins; a nil/empty slice falls back
	// to go-chi/cors's permissive development default of "*".
	CORSOrigins []string
	// Now is overridable for deterministic tests.
	Now func() time.Time
}

// NewRouter builds the chi router for the whole HTTP surface. Middleware
// order mirrors the teacher's server/http.go: observability (outermost),
// then logging, then CORS, then auth, then routes.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()

	if deps.Obs != nil {
		r.Use(observability.HTTPMiddleware(deps.Obs.Tracer(), deps.Obs.Metrics()))
	}
	r.Use(loggingMiddleware)
	r.Use(corsMiddleware(deps.CORSOrigins))

	// Public, unauthenticated.
	r.Get("/healthz", handleLiveness)
	r.Get("/readyz", handleReadiness(deps))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(deps.Auth))

		r.With(requireAnyRole()).Get("/agents", deps.handleListAgents)
		r.With(requireRole(RoleOperator)).Post("/agents", deps.handleCreateAgent)
		r.With(requireAnyRole()).Get("/agents/{id}", deps.handleGetAgent)
		r.With(requireRole(RoleOperator)).Put("/agents/{id}", deps.handleUpdateAgent)
		r.With(requireRole(RoleOperator)).Delete("/agents/{id}", deps.handleDeleteAgent)
		r.With(requireRole(RoleOperator)).Post("/agents/{id}/pause", deps.handlePauseAgent)
		r.With(requireRole(RoleOperator)).Post("/agents/{id}/resume", deps.handleResumeAgent)
		r.With(requireAnyRole()).Get("/agents/{id}/jobs", deps.handleListJobs)
		r.With(requireRole(RoleOperator)).Post("/agents/{id}/jobs", deps.handleCreateJob)

		r.With(requireRole(RoleOperator)).Post("/jobs/{jobId}/approval", deps.handleCreateApproval)

		r.With(requireRole(RoleApprover)).Post("/approval/{id}/decide", deps.handleDecideApproval)
		r.With(requireRole(RoleApprover)).Post("/approval/token/decide", deps.handleDecideApprovalByToken)
		r.With(requireAnyRole()).Get("/approvals", deps.handleListApprovals)
		r.With(requireAnyRole()).Get("/approvals/{id}", deps.handleGetApproval)
		r.With(requireAnyRole()).Get("/approvals/{id}/audit", deps.handleGetApprovalAudit)
		r.With(requireAnyRole()).Get("/approvals/stream", deps.handleApprovalStream)

		r.With(requireAnyRole()).Get("/health/backends", deps.handleBackendHealth)
	})

	return r
}

// authMiddleware validates bearer tokens via v when auth is configured. A
// nil v means this deployment runs without authentication: requests reach
// the route with no claims attached, and requireRole/requireAnyRole reject
// them same as an unauthenticated request would, since every routable
// action here is role-gated.
func authMiddleware(v *auth.JWTValidator) func(http.Handler) http.Handler {
	if v == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return v.HTTPMiddleware
}

func requireAnyRole() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := auth.GetClaims(r)
			if claims == nil || !claims.HasAnyRole(anyAuthenticatedRole...) {
				writeProblem(w, http.StatusForbidden, "Forbidden", "request carries no recognized role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := auth.GetClaims(r)
			if claims == nil || !claims.HasRole(role) {
				writeProblem(w, http.StatusForbidden, "Forbidden", "this action requires the "+role+" role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	})
}
