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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentctl/controlplane/pkg/approval"
	"github.com/agentctl/controlplane/pkg/auth"
	"github.com/agentctl/controlplane/pkg/backend"
	"github.com/agentctl/controlplane/pkg/backend/anthropic"
	"github.com/agentctl/controlplane/pkg/backend/openai"
	"github.com/agentctl/controlplane/pkg/breaker"
	"github.com/agentctl/controlplane/pkg/config"
	"github.com/agentctl/controlplane/pkg/deploy"
	"github.com/agentctl/controlplane/pkg/heartbeat"
	"github.com/agentctl/controlplane/pkg/httpapi"
	"github.com/agentctl/controlplane/pkg/lifecycle"
	"github.com/agentctl/controlplane/pkg/observability"
	"github.com/agentctl/controlplane/pkg/registry"
	"github.com/agentctl/controlplane/pkg/router"
	"github.com/agentctl/controlplane/pkg/sse"
	"github.com/agentctl/controlplane/pkg/store"
	"github.com/agentctl/controlplane/pkg/tool"
)

// ServeCmd starts the control plane HTTP server.
type ServeCmd struct {
	Port int `help:"Override the configured HTTP port."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	cfg, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	pool := config.NewDBPool()
	defer pool.Close()

	db, dialect, err := openDatabase(pool, &cfg.Database)
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx, db, dialect); err != nil {
		return fmt.Errorf("migrate on startup: %w", err)
	}
	dbPort := store.NewSQLStore(db, dialect)

	obs, err := observability.NewManager(ctx, cfg.Server.Observability)
	if err != nil {
		return fmt.Errorf("create observability manager: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("observability shutdown error", "error", err)
		}
	}()

	validator, err := auth.NewValidatorFromConfig(cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("create auth validator: %w", err)
	}
	if validator != nil {
		defer validator.Close()
	}

	backends, err := buildBackendRegistry(ctx, cfg.Backends)
	if err != nil {
		return err
	}
	defer backends.StopAll(context.Background())

	sseHub := sse.NewHub()
	sseHub.StartHeartbeat()
	defer sseHub.Shutdown()

	approvals := approval.NewService(dbPort, func(agentID, eventType string, payload any) {
		sseHub.Broadcast(agentID, eventType, payload)
	})

	deployer := deploy.NewFakeDeployer()
	monitor := heartbeat.New()
	lifecycleMgr := lifecycle.NewManager(dbPort, deployer, monitor, func(ev lifecycle.TransitionEvent) {
		sseHub.Broadcast(ev.AgentID, "state_transition", ev)
	})
	defer lifecycleMgr.Shutdown()

	deps := httpapi.Dependencies{
		DB:          dbPort,
		Lifecycle:   lifecycleMgr,
		Approvals:   approvals,
		SSE:         sseHub,
		Backends:    backends,
		Auth:        validator,
		Obs:         obs,
		CORSOrigins: cfg.Server.CORS.AllowedOrigins,
	}

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.NewRouter(deps))
	if obs.MetricsEnabled() {
		mux.Handle(obs.MetricsEndpoint(), obs.MetricsHandler())
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	fmt.Printf("\ncontrol plane ready on http://%s\n", cfg.Server.Address())
	fmt.Printf("   agents:      http://%s/agents\n", cfg.Server.Address())
	fmt.Printf("   approvals:   http://%s/approvals\n", cfg.Server.Address())
	fmt.Printf("   health:      http://%s/healthz\n", cfg.Server.Address())
	if obs.MetricsEnabled() {
		fmt.Printf("   metrics:     http://%s%s\n", cfg.Server.Address(), obs.MetricsEndpoint())
	}
	fmt.Println("\npress Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP shutdown error: %w", err)
		}
		return nil
	}
}

// buildBackendRegistry starts every configured backend, registers its
// breaker, and wires a pkg/router.Router over the resulting candidate set
// once all backends are up. An empty Backends list boots with a registry
// that always returns ErrNoBackendAvailable, which is a valid deployment
// (a control plane whose agents are all backed by out-of-process executors).
func buildBackendRegistry(ctx context.Context, cfgs []config.BackendConfig) (*registry.BackendRegistry, error) {
	reg := registry.NewBackendRegistry()
	toolRegistry := tool.NewRegistry()

	for _, bc := range cfgs {
		var b backend.Backend
		switch bc.Provider {
		case "anthropic":
			b = anthropic.New(bc.ID, toolRegistry)
		case "openai":
			b = openai.New(bc.ID, toolRegistry)
		default:
			return nil, fmt.Errorf("backend %s: unsupported provider %q", bc.ID, bc.Provider)
		}

		if err := reg.Register(ctx, bc.ID, b, bc.ToStartConfig(), bc.Priority, breaker.Config{}); err != nil {
			return nil, fmt.Errorf("register backend %s: %w", bc.ID, err)
		}
	}

	if len(cfgs) == 0 {
		return reg, nil
	}

	candidates := make([]router.Candidate, 0, len(reg.Entries()))
	for _, e := range reg.Entries() {
		candidates = append(candidates, router.Candidate{
			ProviderID:   e.ProviderID,
			Backend:      e.Backend,
			Priority:     e.Priority,
			Capabilities: e.Capabilities,
			Breaker:      e.Breaker,
		})
	}
	reg.SetRouter(router.New(candidates))

	return reg, nil
}
