package api

import (
	"errors"
	"net/http"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/app"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/imagequeue"
)

// QueueHandler exposes the image upload queue.
type QueueHandler struct {
	App *app.App
}

type queueResponse struct {
	Counts imagequeue.Counts        `json:"counts"`
	Items  []imagequeue.QueuedImage `json:"items"`
}

// Get handles GET /api/queue.
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	q := h.App.Queue()
	items := q.Items()
	if items == nil {
		items = []imagequeue.QueuedImage{}
	}
	jsonResponse(w, http.StatusOK, queueResponse{Counts: q.Status(), Items: items})
}

// Retry handles POST /api/queue/retry. Uploads continue in the background.
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	n, err := h.App.Queue().RetryFailed(r.Context())
	if err != nil {
		queueError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]int{"retried": n})
}

// Clear handles POST /api/queue/clear.
func (h *QueueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.App.Queue().ClearFailed(r.Context())
	if err != nil {
		queueError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]int{"removed": n})
}

func queueError(w http.ResponseWriter, err error) {
	if errors.Is(err, imagequeue.ErrNotInitialized) {
		jsonError(w, http.StatusConflict, "uploads are off for this workspace")
		return
	}
	serviceError(w, err)
}
