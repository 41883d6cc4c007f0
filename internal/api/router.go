// Package api serves the active workspace over a small local JSON API: the
// session, the image queue, inventory and projects. Records are encoded in
// the same row shape the hosted backend stores.
package api

import (
	"log/slog"
	"net/http"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/app"
)

// NewRouter creates the API router with all endpoints registered.
func NewRouter(a *app.App, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()

	sessionHandler := &SessionHandler{App: a}
	queueHandler := &QueueHandler{App: a}
	inventoryHandler := &InventoryHandler{App: a}
	projectsHandler := &ProjectsHandler{App: a}

	mux.HandleFunc("GET /api/session", sessionHandler.Get)

	mux.HandleFunc("GET /api/queue", queueHandler.Get)
	mux.HandleFunc("POST /api/queue/retry", queueHandler.Retry)
	mux.HandleFunc("POST /api/queue/clear", queueHandler.Clear)

	mux.HandleFunc("GET /api/inventory", inventoryHandler.List)
	mux.HandleFunc("POST /api/inventory", inventoryHandler.Create)
	mux.HandleFunc("GET /api/inventory/{id}", inventoryHandler.Get)
	mux.HandleFunc("POST /api/inventory/{id}/quantity", inventoryHandler.AdjustQuantity)
	mux.HandleFunc("PUT /api/inventory/{id}/projects", inventoryHandler.SetProjects)
	mux.HandleFunc("DELETE /api/inventory/{id}", inventoryHandler.Delete)

	mux.HandleFunc("GET /api/projects", projectsHandler.List)
	mux.HandleFunc("POST /api/projects", projectsHandler.Create)
	mux.HandleFunc("GET /api/projects/{id}", projectsHandler.Get)
	mux.HandleFunc("PUT /api/projects/{id}/materials", projectsHandler.SetMaterials)
	mux.HandleFunc("POST /api/projects/{id}/journal", projectsHandler.AddJournalEntry)
	mux.HandleFunc("DELETE /api/projects/{id}/journal/{entry}", projectsHandler.RemoveJournalEntry)
	mux.HandleFunc("POST /api/projects/{id}/start", projectsHandler.Start)
	mux.HandleFunc("POST /api/projects/{id}/stop", projectsHandler.Stop)
	mux.HandleFunc("DELETE /api/projects/{id}", projectsHandler.Delete)
	mux.HandleFunc("GET /api/journey", projectsHandler.Journey)

	return LoggingMiddleware(log)(RequireSession(a.Bridge())(mux))
}

// workspace returns the active workspace, or writes 503 when there is none.
func workspace(w http.ResponseWriter, a *app.App) (*app.Workspace, bool) {
	ws := a.Workspace()
	if ws == nil {
		jsonError(w, http.StatusServiceUnavailable, "no active workspace")
		return nil, false
	}
	return ws, true
}
