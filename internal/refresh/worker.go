// Package refresh keeps the profile cache warm by re-fetching from the
// profile service in the background.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Fetcher is the part of profile.Store the worker drives.
type Fetcher interface {
	FetchMyProfile(ctx context.Context) error
	FetchAllProfiles(ctx context.Context) error
}

// Worker fetches the current agent's profile and all profiles once on start,
// then again every interval.
type Worker struct {
	store    Fetcher
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. An interval <= 0 means a single pass.
func NewWorker(store Fetcher, interval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Run refreshes until ctx is cancelled. Failed passes are logged and retried
// at the next tick.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		if err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("profile refresh incomplete", "error", err)
		} else {
			w.logger.Debug("profiles refreshed", "took", time.Since(start))
		}

		if w.interval <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// RunOnce fetches my profile and all profiles concurrently. Both calls run
// to completion; the first error is returned.
func (w *Worker) RunOnce(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		if err := w.store.FetchMyProfile(ctx); err != nil {
			return fmt.Errorf("fetching my profile: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := w.store.FetchAllProfiles(ctx); err != nil {
			return fmt.Errorf("fetching all profiles: %w", err)
		}
		return nil
	})
	return g.Wait()
}
