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
	"errors"
	"log/slog"
	"net/http"

	"github.com/agentctl/controlplane/pkg/cperrors"
)

// Problem is an RFC 7807 application/problem+json body. No ecosystem
// library in the reference pack implements this format; every example
// that speaks it (kubernaut's gateway/contextapi services) hand-rolls the
// same four fields over encoding/json, so this does too.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const problemTypeBase = "https://controlplane.dev/problems/"

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	p := Problem{
		Type:   problemTypeBase + slugify(title),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Warn("failed to encode problem response", "error", err)
	}
}

func slugify(title string) string {
	out := make([]byte, 0, len(title))
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out = append(out, byte(r))
		case r >= 'A' && r <= 'Z':
			out = append(out, byte(r-'A'+'a'))
		case r == ' ' || r == '_':
			out = append(out, '-')
		}
	}
	return string(out)
}

// writeError maps a core-package error to the RFC 7807 response table in
// spec §7: InvalidTransition/AlreadyDecided/QueueOverflow -> 409,
// NotFound/JobNotFound -> 404, ConfigurationInvalid -> 400, Expired -> 409,
// anything else -> 500 without leaking the underlying message.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cperrors.ErrNotFound), errors.Is(err, cperrors.ErrJobNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, cperrors.ErrInvalidTransition):
		writeProblem(w, http.StatusConflict, "Invalid Lifecycle Transition", err.Error())
	case errors.Is(err, cperrors.ErrAlreadyDecided):
		writeProblem(w, http.StatusConflict, "Already Decided", err.Error())
	case errors.Is(err, cperrors.ErrExpired):
		writeProblem(w, http.StatusConflict, "Approval Request Expired", err.Error())
	case errors.Is(err, cperrors.ErrAlreadyManaged):
		writeProblem(w, http.StatusConflict, "Agent Already Managed", err.Error())
	case errors.Is(err, cperrors.ErrInCooldown):
		writeProblem(w, http.StatusConflict, "Agent In Cooldown", err.Error())
	case errors.Is(err, cperrors.ErrNotManagedOrNotDrainable):
		writeProblem(w, http.StatusConflict, "Agent Not Drainable", err.Error())
	case errors.Is(err, cperrors.ErrQueueOverflow):
		writeProblem(w, http.StatusConflict, "Queue Overflow", err.Error())
	case errors.Is(err, cperrors.ErrConfigurationInvalid):
		writeProblem(w, http.StatusBadRequest, "Configuration Invalid", err.Error())
	case errors.Is(err, cperrors.ErrNoBackendAvailable), errors.Is(err, cperrors.ErrBreakerOpen):
		writeProblem(w, http.StatusServiceUnavailable, "No Backend Available", err.Error())
	default:
		var ve *cperrors.ValidationError
		if errors.As(err, &ve) {
			writeProblem(w, http.StatusBadRequest, "Validation Error", ve.Error())
			return
		}
		slog.Error("unhandled httpapi error", "error", err)
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "")
	}
}
