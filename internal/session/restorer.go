package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRestoreGrace bounds the wait for store rehydration.
const DefaultRestoreGrace = 100 * time.Millisecond

// IdentityFetcher validates a token against GET /auth/me.
type IdentityFetcher interface {
	Me(ctx context.Context, token string) (Identity, error)
}

// RestorerConfig collects Restorer dependencies.
type RestorerConfig struct {
	Store    *Store
	Storage  Storage
	Fetcher  IdentityFetcher
	Grace    time.Duration
	Logger   *slog.Logger
	Observer Observer
}

// Restorer re-establishes a persisted session once per workspace boot.
type Restorer struct {
	store    *Store
	storage  Storage
	fetcher  IdentityFetcher
	grace    time.Duration
	logger   *slog.Logger
	observer Observer

	restoring atomic.Bool
	once      sync.Once
	done      chan struct{}
	outcome   RestoreOutcome
}

// NewRestorer builds a Restorer in the restoring state.
func NewRestorer(cfg RestorerConfig) *Restorer {
	r := &Restorer{
		store:    cfg.Store,
		storage:  cfg.Storage,
		fetcher:  cfg.Fetcher,
		grace:    cfg.Grace,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		done:     make(chan struct{}),
	}
	if r.grace <= 0 {
		r.grace = DefaultRestoreGrace
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.observer == nil {
		r.observer = nopObserver{}
	}
	r.restoring.Store(true)
	return r
}

// Restoring reports whether restoration has not yet completed.
func (r *Restorer) Restoring() bool {
	return r.restoring.Load()
}

// Done is closed exactly once when restoration completes.
func (r *Restorer) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until restoration completes or ctx ends.
func (r *Restorer) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run performs restoration. Only the first call does any work; later
// calls wait for it and return the same outcome.
func (r *Restorer) Run(ctx context.Context) RestoreOutcome {
	r.once.Do(func() {
		defer func() {
			r.restoring.Store(false)
			close(r.done)
		}()
		r.outcome = r.restore(ctx)
		r.observer.Restored(r.outcome)
		r.logger.Debug("session restored", slog.String("outcome", string(r.outcome)))
	})
	<-r.done
	return r.outcome
}

func (r *Restorer) restore(ctx context.Context) RestoreOutcome {
	timer := time.NewTimer(r.grace)
	select {
	case <-r.store.Hydrated():
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()

	token, rev := r.store.tokenAt()
	if token == "" && r.storage != nil {
		fallback, err := ReadDurableToken(ctx, r.storage)
		if err != nil {
			r.logger.Warn("session restore fallback read", slog.Any("error", err))
		}
		token = fallback
	}
	if token == "" {
		if !r.store.LogoutIfUnchanged(ctx, rev) {
			return RestoreSuperseded
		}
		return RestoreAnonymous
	}

	// A sign-in or sign-out while /auth/me is pending wins over the result.
	user, err := r.fetcher.Me(ctx, token)
	if err != nil && ctx.Err() != nil {
		// The workspace shut down; durable credentials stay for the next boot.
		return RestoreSuperseded
	}
	if err != nil {
		if !r.store.LogoutIfUnchanged(ctx, rev) {
			r.logger.Info("session restore superseded", slog.Any("error", err))
			return RestoreSuperseded
		}
		r.logger.Info("session restore rejected", slog.Any("error", err))
		return RestoreRejected
	}
	applied, err := r.store.LoginIfUnchanged(ctx, rev, token, user)
	if err != nil {
		r.logger.Warn("session restore persist", slog.Any("error", err))
	}
	if !applied {
		r.logger.Info("session restore superseded")
		return RestoreSuperseded
	}
	return RestoreValidated
}
