package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSessionSweep removes durable sessions whose token expired long ago.
	TaskSessionSweep = "session:sweep"
)

// SessionSweepPayload tunes one sweep run. Zero values fall back to the
// sweeper's configuration.
type SessionSweepPayload struct {
	Grace time.Duration `json:"grace,omitempty"`
	Limit int           `json:"limit,omitempty"`
}

// NewSessionSweepTask constructs an Asynq task.
func NewSessionSweepTask(payload SessionSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionSweep, data, asynq.Queue(QueueDefault), asynq.MaxRetry(1), asynq.Timeout(2*time.Minute)), nil
}
