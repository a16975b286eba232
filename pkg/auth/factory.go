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

package auth

import (
	"fmt"

	"github.com/agentctl/controlplane/pkg/config"
)

// NewValidatorFromConfig builds a JWTValidator from the server's auth
// section. Returns a nil validator, nil error when auth is not enabled:
// callers wire Dependencies.Auth directly from this, and a nil validator
// means this deployment runs with authentication off.
func NewValidatorFromConfig(cfg *config.AuthConfig) (*JWTValidator, error) {
	if cfg == nil || !cfg.IsEnabled() {
		return nil, nil
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid auth config: %w", err)
	}

	validator, err := NewJWTValidator(cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT validator: %w", err)
	}
	return validator, nil
}
