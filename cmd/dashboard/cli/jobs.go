package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bugbridge/dashboard/jobs"
)

// JobsCLI backs the `dashboard jobs` subcommand.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI connects to the queue at redisAddr.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &JobsCLI{client: jobs.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	return errors.Join(errs...)
}

// Trigger enqueues the named task now.
func (c *JobsCLI) Trigger(ctx context.Context, name string, grace time.Duration) (*asynq.TaskInfo, error) {
	if name != jobs.TaskSessionSweep {
		return nil, fmt.Errorf("jobs cli: unsupported job %q", name)
	}
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	info, err := c.client.EnqueueSessionSweep(ctx, jobs.SessionSweepPayload{Grace: grace})
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, fmt.Errorf("jobs cli: a sweep was enqueued less than a minute ago: %w", err)
	}
	return info, err
}

// InspectQueue reports the default queue.
func (c *JobsCLI) InspectQueue(_ context.Context) (jobs.QueueStats, error) {
	if c == nil || c.inspector == nil {
		return jobs.QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	return jobs.ReadQueueStats(c.inspector, jobs.QueueDefault)
}

// PrintStats writes a one-line summary of stats.
func PrintStats(w io.Writer, stats jobs.QueueStats) {
	state := "running"
	if stats.Paused {
		state = "paused"
	}
	fmt.Fprintf(w, "queue=%s state=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
		stats.Queue, state, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
}
