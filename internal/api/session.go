package api

import (
	"net/http"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/app"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/store"
)

// SessionHandler reports who is signed in and which stores are active.
type SessionHandler struct {
	App *app.App
}

type sessionResponse struct {
	State   auth.State  `json:"state"`
	User    *model.User `json:"user"`
	UserID  string      `json:"user_id,omitempty"`
	Tier    store.Tier  `json:"tier,omitempty"`
	Uploads bool        `json:"uploads"`
}

// Get handles GET /api/session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{State: h.App.Bridge().State(), User: h.App.Bridge().User()}
	if ws := h.App.Workspace(); ws != nil {
		resp.UserID = ws.UserID
		resp.Tier = ws.Tier
		resp.Uploads = ws.Uploads
	}
	jsonResponse(w, http.StatusOK, resp)
}
