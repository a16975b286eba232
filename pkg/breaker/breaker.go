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

// Package breaker implements a per-backend sliding-window circuit breaker
// with CLOSED/OPEN/HALF_OPEN states. One breaker guards one backend; there
// is no global state shared across instances.
package breaker

import (
	"sync"
	"time"

	"github.com/agentctl/controlplane/pkg/cperrors"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

// Config tunes a single breaker instance. Zero-value fields are replaced
// by their defaults in New.
type Config struct {
	// FailureThreshold is the number of classified failures within Window
	// that trips CLOSED to OPEN. Default 5.
	FailureThreshold int
	// Window is the sliding-window length outcomes are retained for.
	// Default 60s.
	Window time.Duration
	// Cooldown is how long OPEN is held before the next call is admitted
	// as a HALF_OPEN probe. Default 30s.
	Cooldown time.Duration
	// CountsAsFailure reports whether a classification counts toward the
	// window. Defaults to counting only cperrors.Transient.
	CountsAsFailure func(cperrors.Classification) bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.Window <= 0 {
		out.Window = 60 * time.Second
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 30 * time.Second
	}
	if out.CountsAsFailure == nil {
		out.CountsAsFailure = func(c cperrors.Classification) bool {
			return c == cperrors.Transient
		}
	}
	return out
}

type outcome struct {
	at      time.Time
	success bool
}

// Stats is a point-in-time snapshot for observability endpoints.
type Stats struct {
	State              State
	WindowFailureCount int
	WindowTotalCalls   int
	OpenedAt           time.Time
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	openedAt time.Time
	window   []outcome
	now      func() time.Time
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

// WithClock overrides the breaker's time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New builds a Breaker starting in CLOSED.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   cfg.withDefaults(),
		state: Closed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed, advancing OPEN to HALF_OPEN
// exactly once the cooldown has elapsed. In CLOSED it always returns true.
// In OPEN it returns false until now >= openedAt+cooldown, at which point
// it transitions to HALF_OPEN and admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		// A probe is already in flight; further callers wait for its
		// outcome rather than piling on.
		return false
	case Open:
		now := b.now()
		if !now.Before(b.openedAt.Add(b.cfg.Cooldown)) {
			b.state = HalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// WouldAllow reports whether a call would currently be admitted, without
// the OPEN->HALF_OPEN state transition Allow performs. Callers that need
// to rank or filter several breakers before committing to one (e.g. the
// provider router scoring candidates) must use WouldAllow for that
// read-only pass and reserve Allow for the candidate actually selected,
// so evaluating candidates that are not chosen never consumes the single
// HALF_OPEN probe slot of an unrelated backend.
func (b *Breaker) WouldAllow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return false
	case Open:
		return !b.now().Before(b.openedAt.Add(b.cfg.Cooldown))
	default:
		return false
	}
}

// RecordOutcome feeds a call result back into the breaker. classification
// is ignored for successes; for failures it decides whether the outcome
// counts toward the window at all.
func (b *Breaker) RecordOutcome(success bool, classification cperrors.Classification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case HalfOpen:
		if success {
			b.state = Closed
			b.window = nil
			return
		}
		b.state = Open
		b.openedAt = now
		b.window = nil
		return
	case Open:
		// Outcomes arriving while OPEN (e.g. a stray in-flight call) don't
		// reopen or extend the cooldown; Allow already gates admission.
		return
	}

	// CLOSED: only count failures that classify as countable; successes
	// are recorded too so windowTotalCalls reflects real traffic.
	if success || b.cfg.CountsAsFailure(classification) {
		b.window = append(b.window, outcome{at: now, success: success})
	}
	b.pruneLocked(now)

	if b.failureCountLocked() >= b.cfg.FailureThreshold {
		b.state = Open
		b.openedAt = now
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.window = append([]outcome(nil), b.window[i:]...)
	}
}

func (b *Breaker) failureCountLocked() int {
	n := 0
	for _, o := range b.window {
		if !o.success {
			n++
		}
	}
	return n
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetStats returns a snapshot of window counters and state.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return Stats{
		State:              b.state,
		WindowFailureCount: b.failureCountLocked(),
		WindowTotalCalls:   len(b.window),
		OpenedAt:           b.openedAt,
	}
}
