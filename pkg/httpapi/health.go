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
)

func handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

// handleReadiness reports ready whenever a database port is configured; it
// does not query the database, nor reach any backend (that is
// /health/backends).
func handleReadiness(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if deps.DB == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready","reason":"no database configured"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// backendHealthEntry is one row of the /health/backends response.
type backendHealthEntry struct {
	ProviderID   string `json:"providerId"`
	BreakerState string `json:"breakerState"`
	Priority     int    `json:"priority"`
}

// handleBackendHealth reports per-backend health and breaker state, as
// named in spec §6.1.
func (deps Dependencies) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	if deps.Backends == nil {
		writeJSON(w, http.StatusOK, []backendHealthEntry{})
		return
	}
	entries := deps.Backends.Entries()
	out := make([]backendHealthEntry, 0, len(entries))
	for _, e := range entries {
		state := "UNKNOWN"
		if e.Breaker != nil {
			state = string(e.Breaker.GetState())
		}
		out = append(out, backendHealthEntry{
			ProviderID:   e.ProviderID,
			BreakerState: state,
			Priority:     e.Priority,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
