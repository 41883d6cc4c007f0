package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/app"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth/localauth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/db"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/mapper"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/metrics"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/projects"
)

func setupTestServer(t *testing.T) (*httptest.Server, *app.App, *localauth.Provider) {
	t.Helper()
	database := db.NewTestDB(t)
	storage := kv.NewSQLite(database)
	provider, err := localauth.New(database, storage, "test-secret", nil)
	if err != nil {
		t.Fatalf("localauth.New: %v", err)
	}

	a, err := app.New(app.Deps{KV: storage, Provider: provider, Profiles: provider})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	if _, err := a.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	server := httptest.NewServer(NewRouter(a, nil))
	t.Cleanup(func() {
		server.Close()
		a.Close()
	})
	return server, a, provider
}

func doRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var bodyReader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

func decodeItem(t *testing.T, resp *http.Response) model.InventoryItem {
	t.Helper()
	row := decode[mapper.InventoryRow](t, resp)
	return mapper.InventoryToDomain(&row)
}

func TestSessionAsGuest(t *testing.T) {
	server, _, _ := setupTestServer(t)
	counter := metrics.APIRequestsTotal.WithLabelValues("GET", "200")
	before := testutil.ToFloat64(counter)

	resp := doRequest(t, "GET", server.URL+"/api/session", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	s := decode[sessionResponse](t, resp)
	if s.User != nil || s.UserID != app.GuestUserID || s.Tier != "local" || s.Uploads {
		t.Errorf("unexpected guest session: %+v", s)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("counted %v requests, want 1", got)
	}
}

func TestRequireSessionAfterLogin(t *testing.T) {
	server, a, provider := setupTestServer(t)
	ctx := context.Background()

	if _, err := provider.SignUp(ctx, "knitter@example.com", "long-enough", nil); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if err := provider.SignOut(ctx); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if _, err := a.Login(ctx, "knitter@example.com", "long-enough"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	resp := doRequest(t, "GET", server.URL+"/api/session", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp = doRequest(t, "GET", server.URL+"/api/session", "not-the-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong token, got %d", resp.StatusCode)
	}

	resp = doRequest(t, "GET", server.URL+"/api/session", a.Bridge().Session().AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with session token, got %d", resp.StatusCode)
	}
	s := decode[sessionResponse](t, resp)
	if s.User == nil || s.User.Email != "knitter@example.com" || s.UserID != s.User.ID {
		t.Errorf("unexpected session: %+v", s)
	}
}

func TestInventoryAPIFlow(t *testing.T) {
	server, _, _ := setupTestServer(t)

	resp := doRequest(t, "POST", server.URL+"/api/inventory", "", map[string]any{
		"name":     "Merino DK",
		"category": "yarn",
		"quantity": 3,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decodeItem(t, resp)
	if created.ID == "" || created.Unit != "skein" {
		t.Errorf("unexpected item: %+v", created)
	}

	resp = doRequest(t, "POST", server.URL+"/api/inventory", "", map[string]any{"category": "yarn"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", resp.StatusCode)
	}

	resp = doRequest(t, "POST", server.URL+"/api/inventory/"+created.ID+"/quantity", "", map[string]int{"delta": -5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if row := decode[mapper.InventoryRow](t, resp); row.Quantity != 0 {
		t.Errorf("quantity = %d, want 0", row.Quantity)
	}

	resp = doRequest(t, "GET", server.URL+"/api/inventory", "", nil)
	if rows := decode[[]mapper.InventoryRow](t, resp); len(rows) != 1 {
		t.Errorf("expected 1 item, got %d", len(rows))
	}
	resp = doRequest(t, "GET", server.URL+"/api/inventory?category=hook", "", nil)
	if rows := decode[[]mapper.InventoryRow](t, resp); len(rows) != 0 {
		t.Errorf("expected no hooks, got %d", len(rows))
	}
	resp = doRequest(t, "GET", server.URL+"/api/inventory?category=needles", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown category, got %d", resp.StatusCode)
	}

	resp = doRequest(t, "DELETE", server.URL+"/api/inventory/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = doRequest(t, "GET", server.URL+"/api/inventory/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
	resp = doRequest(t, "DELETE", server.URL+"/api/inventory/"+created.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 deleting twice, got %d", resp.StatusCode)
	}
}

func TestProjectsAPIFlow(t *testing.T) {
	server, _, _ := setupTestServer(t)

	resp := doRequest(t, "POST", server.URL+"/api/inventory", "", map[string]any{
		"name": "Cotton 4ply", "category": "yarn", "quantity": 2,
	})
	yarn := decode[mapper.InventoryRow](t, resp)

	resp = doRequest(t, "POST", server.URL+"/api/projects", "", map[string]any{"title": "Granny square blanket"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	project := decode[mapper.ProjectRow](t, resp)
	if project.Status != string(model.StatusToDo) {
		t.Errorf("status = %q, want to-do", project.Status)
	}

	resp = doRequest(t, "PUT", server.URL+"/api/projects/"+project.ID+"/materials", "", map[string]any{
		"yarn_ids": []string{yarn.ID},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = doRequest(t, "GET", server.URL+"/api/inventory/"+yarn.ID, "", nil)
	item := decodeItem(t, resp)
	if !slices.Equal(item.UsedInProjects, []string{project.ID}) {
		t.Errorf("used in projects = %v, want [%s]", item.UsedInProjects, project.ID)
	}

	resp = doRequest(t, "POST", server.URL+"/api/projects/"+project.ID+"/start", "", nil)
	started := decode[mapper.ProjectRow](t, resp)
	if !started.IsCurrentlyWorkingOn || started.Status != string(model.StatusInProgress) {
		t.Errorf("after start: working=%v status=%q", started.IsCurrentlyWorkingOn, started.Status)
	}

	resp = doRequest(t, "POST", server.URL+"/api/projects/"+project.ID+"/journal", "", map[string]string{"notes": "Finished row 12"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	entry := decode[model.WorkProgressEntry](t, resp)
	resp = doRequest(t, "POST", server.URL+"/api/projects/"+project.ID+"/journal", "", map[string]string{"notes": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty notes, got %d", resp.StatusCode)
	}

	resp = doRequest(t, "GET", server.URL+"/api/journey", "", nil)
	j := decode[projects.Journey](t, resp)
	if j.Total != 1 || j.CurrentlyOn != 1 || j.JournalEntries != 1 || j.YarnsUsed != 1 {
		t.Errorf("unexpected journey: %+v", j)
	}

	resp = doRequest(t, "DELETE", server.URL+"/api/projects/"+project.ID+"/journal/"+entry.ID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	resp = doRequest(t, "DELETE", server.URL+"/api/projects/"+project.ID+"/journal/"+entry.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for removed entry, got %d", resp.StatusCode)
	}

	resp = doRequest(t, "POST", server.URL+"/api/projects/"+project.ID+"/stop", "", nil)
	if stopped := decode[mapper.ProjectRow](t, resp); stopped.IsCurrentlyWorkingOn {
		t.Error("project still being worked on after stop")
	}

	resp = doRequest(t, "DELETE", server.URL+"/api/projects/"+project.ID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = doRequest(t, "GET", server.URL+"/api/inventory/"+yarn.ID, "", nil)
	item = decodeItem(t, resp)
	if len(item.UsedInProjects) != 0 {
		t.Errorf("deleted project still linked: %v", item.UsedInProjects)
	}

	resp = doRequest(t, "GET", server.URL+"/api/projects?status=knitting", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", resp.StatusCode)
	}
}

func TestQueueWithoutUploads(t *testing.T) {
	server, _, _ := setupTestServer(t)

	resp := doRequest(t, "GET", server.URL+"/api/queue", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	q := decode[queueResponse](t, resp)
	if q.Counts.Total != 0 || q.Items == nil {
		t.Errorf("unexpected queue: %+v", q)
	}

	resp = doRequest(t, "POST", server.URL+"/api/queue/retry", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}
}

func TestNoActiveWorkspace(t *testing.T) {
	server, a, _ := setupTestServer(t)
	if err := a.Deactivate(context.Background()); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}

	resp := doRequest(t, "GET", server.URL+"/api/projects", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}
