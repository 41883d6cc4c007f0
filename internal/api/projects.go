package api

import (
	"net/http"
	"time"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/app"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/mapper"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

// ProjectsHandler handles project, journal and journey endpoints.
type ProjectsHandler struct {
	App *app.App
}

type materialsRequest struct {
	YarnIDs []string `json:"yarn_ids"`
	HookIDs []string `json:"hook_ids"`
}

type journalRequest struct {
	Date  time.Time `json:"date"`
	Notes string    `json:"notes"`
}

func projectRows(projects []model.Project, userID string) []*mapper.ProjectRow {
	rows := make([]*mapper.ProjectRow, 0, len(projects))
	for i := range projects {
		rows = append(rows, mapper.ProjectToRow(&projects[i], userID))
	}
	return rows
}

// List handles GET /api/projects. The optional status query parameter
// filters the list.
func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	status := model.ProjectStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		jsonError(w, http.StatusBadRequest, "unknown status")
		return
	}
	jsonResponse(w, http.StatusOK, projectRows(ws.Projects.List(status), ws.UserID))
}

// Get handles GET /api/projects/{id}.
func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	p, found := ws.Projects.Get(r.PathValue("id"))
	if !found {
		jsonError(w, http.StatusNotFound, "project not found")
		return
	}
	jsonResponse(w, http.StatusOK, mapper.ProjectToRow(&p, ws.UserID))
}

// Create handles POST /api/projects. The body is a project row; id and
// timestamps are assigned by the store.
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	var row mapper.ProjectRow
	if err := decodeJSON(r, &row); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p := mapper.ProjectToDomain(&row)
	p.ID = ""
	p.DeletedAt = nil
	added, err := ws.Projects.Add(r.Context(), p)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, mapper.ProjectToRow(&added, ws.UserID))
}

// SetMaterials handles PUT /api/projects/{id}/materials.
func (h *ProjectsHandler) SetMaterials(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	var req materialsRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, err := ws.Projects.SetMaterials(r.Context(), r.PathValue("id"), req.YarnIDs, req.HookIDs)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, mapper.ProjectToRow(&p, ws.UserID))
}

// AddJournalEntry handles POST /api/projects/{id}/journal. A missing date
// means now.
func (h *ProjectsHandler) AddJournalEntry(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	var req journalRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, err := ws.Projects.AddJournalEntry(r.Context(), r.PathValue("id"), req.Date, req.Notes)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, entry)
}

// RemoveJournalEntry handles DELETE /api/projects/{id}/journal/{entry}.
func (h *ProjectsHandler) RemoveJournalEntry(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	if err := ws.Projects.RemoveJournalEntry(r.Context(), r.PathValue("id"), r.PathValue("entry")); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start handles POST /api/projects/{id}/start.
func (h *ProjectsHandler) Start(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	p, err := ws.Projects.StartWorking(r.Context(), r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, mapper.ProjectToRow(&p, ws.UserID))
}

// Stop handles POST /api/projects/{id}/stop.
func (h *ProjectsHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	p, err := ws.Projects.StopWorking(r.Context(), r.PathValue("id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, mapper.ProjectToRow(&p, ws.UserID))
}

// Delete handles DELETE /api/projects/{id}.
func (h *ProjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	if err := ws.Projects.Delete(r.Context(), r.PathValue("id")); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Journey handles GET /api/journey.
func (h *ProjectsHandler) Journey(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, ws.Projects.Journey())
}
