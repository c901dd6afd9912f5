package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("crewline"))
	e.Now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestEpicLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/epics", map[string]any{
		"title":       "Billing revamp",
		"description": "Rework invoicing",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create epic status %d: %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal epic: %v", err)
	}
	if created.Status != domain.StatusBacklog {
		t.Fatalf("status = %s, want backlog", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/transition", map[string]any{
		"to":      domain.StatusReady,
		"version": created.Version,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var moved domain.WorkItem
	_ = json.Unmarshal(data, &moved)
	if moved.Status != domain.StatusReady {
		t.Fatalf("status = %s, want ready", moved.Status)
	}

	// a second transition with the stale version must conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/transition", map[string]any{
		"to":      domain.StatusInProgress,
		"version": created.Version,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get item status %d: %s", res.StatusCode, string(data))
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/epics", map[string]any{"title": "Epic"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create epic: %d %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/transition", map[string]any{
		"to": domain.StatusMerged,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("backlog -> merged status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("error code = %s, want invalid_transition", envelope.Error.Code)
	}
}

func TestHostHookDedup(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/epics", map[string]any{"title": "Epic"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create epic: %d %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	_ = json.Unmarshal(data, &created)

	hook := map[string]any{"kind": "comment", "subject_id": created.ID, "payload": map[string]any{"body": "lgtm"}}
	headers := map[string]string{"X-Crewline-Delivery": "d-1"}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/hooks/host", hook, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("hook status %d: %s", res.StatusCode, string(data))
	}
	var first HookAcceptedResponse
	_ = json.Unmarshal(data, &first)
	if first.Duplicate {
		t.Fatal("first delivery flagged duplicate")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/hooks/host", hook, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("replayed hook status %d: %s", res.StatusCode, string(data))
	}
	var second HookAcceptedResponse
	_ = json.Unmarshal(data, &second)
	if !second.Duplicate {
		t.Fatal("replayed delivery not flagged duplicate")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/hooks/host", map[string]any{"kind": "meteor_strike"}, map[string]string{"X-Crewline-Delivery": "d-2"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed hook status %d: %s", res.StatusCode, string(data))
	}
}

func TestReviewSummaryEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/epics", map[string]any{"title": "Epic"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create epic: %d %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+created.ID+"/reviews", map[string]any{
		"reviewer_role": domain.RoleQA,
		"decision":      domain.DecisionApprove,
		"reasoning":     "covered by tests",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit review status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+created.ID+"/reviews", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review summary status %d: %s", res.StatusCode, string(data))
	}
	var summary ReviewSummaryResponse
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if len(summary.Responses) != 1 || summary.Responses[0].ReviewerRole != domain.RoleQA {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{APIKey: "sekret"})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d, want 401", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d, want 200", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{"X-Api-Key": "sekret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d, want 401", res.StatusCode)
	}
}
