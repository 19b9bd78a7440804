package ingest

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the ingestion API.
type Handler struct {
	queue *Queue
}

func NewHandler(queue *Queue) *Handler {
	return &Handler{queue: queue}
}

// RegisterRoutes registers the ingestion routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/ingest", h.Ingest)
	e.GET("/stats/queue", h.QueueStats)
	e.GET("/dead-letters", h.DeadLetters)
}

type ingestResponse struct {
	Status        string `json:"status"`
	ID            string `json:"id,omitempty"`
	ResourceType  string `json:"resourceType,omitempty"`
	ContentLength int    `json:"contentLength,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Ingest accepts a resource submission, validates it, and enqueues it.
// The acknowledgement does not await processing; failures after
// acceptance surface only through the dead-letter log and stats.
func (h *Handler) Ingest(c echo.Context) error {
	var sub Submission
	if err := c.Bind(&sub); err != nil {
		return c.JSON(http.StatusBadRequest, ingestResponse{Status: "rejected", Reason: err.Error()})
	}
	if err := sub.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, ingestResponse{Status: "rejected", Reason: err.Error()})
	}

	if err := h.queue.Enqueue(sub); err != nil {
		if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueClosed) {
			return c.JSON(http.StatusServiceUnavailable, ingestResponse{Status: "rejected", Reason: "queue_full"})
		}
		return c.JSON(http.StatusInternalServerError, ingestResponse{Status: "rejected", Reason: err.Error()})
	}

	return c.JSON(http.StatusAccepted, ingestResponse{
		Status:        "accepted",
		ID:            sub.ResourceID,
		ResourceType:  sub.ResourceType,
		ContentLength: len(sub.Content),
	})
}

// QueueStats reports queue depth and terminal counters.
func (h *Handler) QueueStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.queue.Stats())
}

// DeadLetters returns the most recent dead-letter records.
func (h *Handler) DeadLetters(c echo.Context) error {
	limit := 100
	records, err := h.queue.journal.DeadLetters(limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []*DeadLetter{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"dead_letters": records,
		"count":        len(records),
	})
}
