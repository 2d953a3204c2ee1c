// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package leader coordinates per-runbook ticks across scheduler replicas.
// Unlike a cluster-wide leader election, there is no single leader here:
// any replica may process any runbook, as long as no two replicas process
// the same runbook at the same time. Gate wraps a store.Locker (normally
// the postgres backend's session-scoped advisory lock) to provide that
// single-flight guarantee per runbook ID.
package leader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/owenmpls/runbookd/internal/store"
)

// Gate serializes tick processing per runbook across scheduler replicas.
// When the configured store does not implement store.Locker (sqlite, a
// single-process backend), WithRunbook degrades to an in-process no-op
// lock: there is only one process to serialize against. The memory store
// does implement Locker, with an in-process per-runbook lock.
type Gate struct {
	locker store.Locker
	logger *slog.Logger
}

// NewGate builds a Gate over the given store. If store does not implement
// store.Locker, every WithRunbook call acquires successfully and runs the
// callback immediately.
func NewGate(s store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	locker, _ := s.(store.Locker)
	return &Gate{locker: locker, logger: logger.With(slog.String("component", "leader"))}
}

// ErrNotAcquired is returned by WithRunbook when another replica currently
// holds the lock for runbookID.
var ErrNotAcquired = fmt.Errorf("runbook lock not acquired")

// WithRunbook runs fn while holding the per-runbook lock for runbookID. If
// the lock is already held elsewhere, it returns ErrNotAcquired without
// calling fn — the caller should treat this as "skip this tick, try the
// next one", not as a fatal error.
func (g *Gate) WithRunbook(ctx context.Context, runbookID int64, fn func(ctx context.Context) error) error {
	if g.locker == nil {
		return fn(ctx)
	}

	acquired, release, err := g.locker.TryLock(ctx, runbookID)
	if err != nil {
		return fmt.Errorf("acquire lock for runbook %d: %w", runbookID, err)
	}
	if !acquired {
		g.logger.Debug("runbook lock held elsewhere, skipping tick", slog.Int64("runbook_id", runbookID))
		return ErrNotAcquired
	}
	defer release()

	return fn(ctx)
}
