package jobs

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// sweepUniqueFor stops repeated manual triggers from stacking sweeps.
const sweepUniqueFor = time.Minute

// Client enqueues tasks.
type Client struct {
	client *asynq.Client
}

// NewClient constructs a Client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueSessionSweep enqueues an immediate sweep. A second request within
// a minute is rejected with asynq.ErrDuplicateTask.
func (c *Client) EnqueueSessionSweep(ctx context.Context, payload SessionSweepPayload) (*asynq.TaskInfo, error) {
	task, err := NewSessionSweepTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.Unique(sweepUniqueFor))
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
