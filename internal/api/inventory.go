package api

import (
	"net/http"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/app"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/mapper"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

// InventoryHandler handles inventory endpoints.
type InventoryHandler struct {
	App *app.App
}

type quantityRequest struct {
	Delta int `json:"delta"`
}

type projectsRequest struct {
	ProjectIDs []string `json:"project_ids"`
}

func inventoryRows(items []model.InventoryItem, userID string) []*mapper.InventoryRow {
	rows := make([]*mapper.InventoryRow, 0, len(items))
	for i := range items {
		rows = append(rows, mapper.InventoryToRow(&items[i], userID))
	}
	return rows
}

// List handles GET /api/inventory. The optional category query parameter
// filters the list.
func (h *InventoryHandler) List(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	category := model.Category(r.URL.Query().Get("category"))
	if category != "" && !category.Valid() {
		jsonError(w, http.StatusBadRequest, "unknown category")
		return
	}
	jsonResponse(w, http.StatusOK, inventoryRows(ws.Inventory.List(category), ws.UserID))
}

// Get handles GET /api/inventory/{id}.
func (h *InventoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	item, found := ws.Inventory.Get(r.PathValue("id"))
	if !found {
		jsonError(w, http.StatusNotFound, "item not found")
		return
	}
	jsonResponse(w, http.StatusOK, mapper.InventoryToRow(&item, ws.UserID))
}

// Create handles POST /api/inventory. The body is an inventory row; id and
// timestamps are assigned by the store.
func (h *InventoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	var row mapper.InventoryRow
	if err := decodeJSON(r, &row); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item := mapper.InventoryToDomain(&row)
	item.ID = ""
	item.DeletedAt = nil
	added, err := ws.Inventory.Add(r.Context(), item)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, mapper.InventoryToRow(&added, ws.UserID))
}

// AdjustQuantity handles POST /api/inventory/{id}/quantity.
func (h *InventoryHandler) AdjustQuantity(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	var req quantityRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Delta == 0 {
		jsonError(w, http.StatusBadRequest, "delta must not be zero")
		return
	}

	item, err := ws.Inventory.UpdateQuantity(r.Context(), r.PathValue("id"), req.Delta)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, mapper.InventoryToRow(&item, ws.UserID))
}

// SetProjects handles PUT /api/inventory/{id}/projects.
func (h *InventoryHandler) SetProjects(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	var req projectsRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := ws.Inventory.SetProjects(r.Context(), r.PathValue("id"), req.ProjectIDs)
	if err != nil {
		serviceError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, mapper.InventoryToRow(&item, ws.UserID))
}

// Delete handles DELETE /api/inventory/{id}.
func (h *InventoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ws, ok := workspace(w, h.App)
	if !ok {
		return
	}
	if err := ws.Inventory.Delete(r.Context(), r.PathValue("id")); err != nil {
		serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

