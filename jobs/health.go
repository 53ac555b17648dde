package jobs

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/bugbridge/dashboard/internal/platform/httpx"
)

// QueueInspector is the part of *asynq.Inspector used for queue stats.
type QueueInspector interface {
	Queues() ([]string, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// QueueStats summarises one queue.
type QueueStats struct {
	Queue     string `json:"queue"`
	Paused    bool   `json:"paused"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// ReadQueueStats fetches the stats of queue. A queue that has never held a
// task is reported empty.
func ReadQueueStats(inspector QueueInspector, queue string) (QueueStats, error) {
	stats := QueueStats{Queue: queue}
	queues, err := inspector.Queues()
	if err != nil {
		return stats, err
	}
	if !slices.Contains(queues, queue) {
		return stats, nil
	}
	info, err := inspector.GetQueueInfo(queue)
	if err != nil {
		return stats, err
	}
	if info != nil {
		stats.Paused = info.Paused
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// Handler serves job observability endpoints.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler constructs a Handler. A nil inspector reports an empty queue.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	h := &Handler{logger: logger}
	if inspector != nil {
		h.inspector = inspector
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	if h.inspector == nil {
		httpx.JSON(w, http.StatusOK, QueueStats{Queue: QueueDefault})
		return
	}
	stats, err := ReadQueueStats(h.inspector, QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "the job queue could not be inspected")
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}
