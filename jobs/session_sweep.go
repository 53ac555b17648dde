package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/bugbridge/dashboard/internal/jobs"
	"github.com/bugbridge/dashboard/internal/session"
)

const (
	defaultSweepGrace = 24 * time.Hour
	sweepScanCount    = 200
)

// SessionSweeper deletes durable workspace state that can no longer be
// restored: blobs that fail to decode, anonymous blobs and blobs whose
// token expired more than Grace ago.
type SessionSweeper struct {
	redis   *redis.Client
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	grace   time.Duration
	now     func() time.Time
}

// SweeperConfig groups SessionSweeper dependencies.
type SweeperConfig struct {
	Redis   *redis.Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Grace   time.Duration
	Now     func() time.Time
}

// NewSessionSweeper constructs a SessionSweeper.
func NewSessionSweeper(cfg SweeperConfig) (*SessionSweeper, error) {
	if cfg.Redis == nil {
		return nil, errors.New("jobs: redis client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultSweepGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SessionSweeper{redis: cfg.Redis, logger: cfg.Logger, metrics: cfg.Metrics, grace: cfg.Grace, now: cfg.Now}, nil
}

// ProcessTask implements asynq.Handler.
func (s *SessionSweeper) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload SessionSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}
	run := s.metrics.Track(TaskSessionSweep)
	_, err := s.Sweep(ctx, payload)
	return run.End(err)
}

// Sweep scans every workspace blob and removes the stale ones. It returns
// the number of workspaces removed.
func (s *SessionSweeper) Sweep(ctx context.Context, payload SessionSweepPayload) (int, error) {
	grace := payload.Grace
	if grace <= 0 {
		grace = s.grace
	}
	cutoff := s.now().Add(-grace)

	removed, scanned := 0, 0
	iter := s.redis.Scan(ctx, 0, session.StoragePattern(), sweepScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.redis.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("jobs: read %s: %w", key, err)
		}
		scanned++
		reason := staleReason(raw, cutoff)
		if reason == "" {
			continue
		}
		prefix := strings.TrimSuffix(key, session.StorageKey)
		if err := s.redis.Del(ctx, prefix+session.StorageKey, prefix+session.TokenKey).Err(); err != nil {
			return removed, fmt.Errorf("jobs: delete %s: %w", prefix, err)
		}
		s.logger.Debug("session swept", slog.String("key", prefix), slog.String("reason", reason))
		s.metrics.Swept(reason)
		removed++
		if payload.Limit > 0 && removed >= payload.Limit {
			break
		}
	}
	s.metrics.Scanned(scanned)
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("jobs: scan sessions: %w", err)
	}
	if removed > 0 {
		s.logger.Info("session sweep finished", slog.Int("removed", removed))
	}
	return removed, nil
}

func staleReason(raw string, cutoff time.Time) string {
	state, err := session.DecodeState(raw)
	if err != nil {
		return jobmetrics.SweepCorrupt
	}
	if !state.IsAuthenticated || state.Token == "" {
		return jobmetrics.SweepAnonymous
	}
	exp, err := session.Expiry(state.Token)
	if err != nil {
		// Opaque tokens are left for the API to judge on the next restore.
		return ""
	}
	if exp.Before(cutoff) {
		return jobmetrics.SweepExpired
	}
	return ""
}
