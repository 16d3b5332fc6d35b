package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"promptstash/internal/models"
	"promptstash/internal/queue"
	"promptstash/internal/registry"
)

type mockSessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*models.ImportSession
	nextID   int
}

func newMockRegistry() *mockSessionRegistry {
	return &mockSessionRegistry{sessions: make(map[string]*models.ImportSession)}
}

func (m *mockSessionRegistry) Create(_ context.Context, userID string, platform models.Platform, file models.FileDescriptor) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("sess-%d", m.nextID)
	m.sessions[id] = &models.ImportSession{
		ID:        id,
		UserID:    userID,
		Platform:  platform,
		Status:    models.StatusPending,
		File:      file,
		StartedAt: time.Now().UTC(),
	}
	return id, nil
}

func (m *mockSessionRegistry) AttachFile(_ context.Context, sessionID, userID, blobURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return registry.ErrNotFound
	}
	if session.UserID != userID {
		return registry.ErrForbidden
	}
	if session.Status != models.StatusPending {
		return registry.ErrConflict
	}
	session.Status = models.StatusProcessing
	session.File.BlobURL = blobURL
	return nil
}

func (m *mockSessionRegistry) Get(_ context.Context, sessionID string) (*models.ImportSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	copied := *session
	return &copied, nil
}

func (m *mockSessionRegistry) ListByUser(_ context.Context, userID string) ([]*models.ImportSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ImportSession
	for _, session := range m.sessions {
		if session.UserID == userID {
			copied := *session
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *mockSessionRegistry) put(session *models.ImportSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
}

// mockProgressReader replays a fixed sequence of snapshots; the last entry
// repeats once the sequence is exhausted.
type mockProgressReader struct {
	mu    sync.Mutex
	reads []*models.ProgressSnapshot
	errs  []error
	idx   int
}

func (m *mockProgressReader) Read(_ context.Context, _ string) (*models.ProgressSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > m.idx && m.errs[m.idx] != nil {
		err := m.errs[m.idx]
		m.idx++
		return nil, err
	}
	if len(m.reads) == 0 {
		m.idx++
		return nil, nil
	}
	i := m.idx
	if i >= len(m.reads) {
		i = len(m.reads) - 1
	}
	m.idx++
	return m.reads[i], nil
}

type mockPublisher struct {
	mu    sync.Mutex
	items []models.WorkItem
	err   error
}

func (m *mockPublisher) Publish(_ context.Context, item models.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.items = append(m.items, item)
	return nil
}

type testEnv struct {
	router    *gin.Engine
	registry  *mockSessionRegistry
	progress  *mockProgressReader
	publisher *mockPublisher
}

func newTestEnv(t *testing.T, workerInvoke queue.Handler) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{
		registry:  newMockRegistry(),
		progress:  &mockProgressReader{},
		publisher: &mockPublisher{},
	}
	handler := NewHandler(env.registry, env.progress, env.publisher, workerInvoke, t.TempDir(), 5*time.Millisecond)
	env.router = gin.New()
	handler.RegisterRoutes(env.router)
	return env
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}

func asUser(userID string) map[string]string {
	return map[string]string{"X-User-ID": userID}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	var events []sseEvent
	for _, chunk := range strings.Split(payload, "\n\n") {
		var evt sseEvent
		for _, line := range strings.Split(strings.TrimSpace(chunk), "\n") {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				evt.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		events = append(events, evt)
	}
	return events
}

func TestCreateImport(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := doJSONRequest(t, env.router, http.MethodPost, "/api/users/u1/imports", map[string]any{
		"platform":  "chatgpt",
		"file_name": "conversations.json",
		"file_size": 1024,
		"mime_type": "application/json",
	}, asUser("u1"))
	assertStatus(t, resp, http.StatusCreated)

	var body struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.SessionID == "" || body.Status != "pending" {
		t.Fatalf("unexpected create response: %s", resp.Body.String())
	}
}

func TestCreateImportRejectsUnknownPlatform(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := doJSONRequest(t, env.router, http.MethodPost, "/api/users/u1/imports", map[string]any{
		"platform":  "copilot",
		"file_name": "x.json",
	}, asUser("u1"))
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestIdentityRequired(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := doJSONRequest(t, env.router, http.MethodGet, "/api/users/u1/imports", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestPathUserMustMatchIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := doJSONRequest(t, env.router, http.MethodGet, "/api/users/u1/imports", nil, asUser("u2"))
	assertStatus(t, resp, http.StatusForbidden)
}

func TestGetImportOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.put(&models.ImportSession{ID: "sess-1", UserID: "u1", Status: models.StatusPending})

	resp := doJSONRequest(t, env.router, http.MethodGet, "/api/users/u1/imports/sess-1", nil, asUser("u1"))
	assertStatus(t, resp, http.StatusOK)

	resp = doJSONRequest(t, env.router, http.MethodGet, "/api/users/u1/imports/missing", nil, asUser("u1"))
	assertStatus(t, resp, http.StatusNotFound)

	// u2's path, u2's identity, but the session belongs to u1.
	resp = doJSONRequest(t, env.router, http.MethodGet, "/api/users/u2/imports/sess-1", nil, asUser("u2"))
	assertStatus(t, resp, http.StatusForbidden)
}

func TestUploadFile(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.put(&models.ImportSession{ID: "sess-1", UserID: "u1", Status: models.StatusPending})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "conversations.json")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(`[{"prompt": "hello"}]`)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/users/u1/imports/sess-1/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusCreated)

	var body struct {
		BlobURL string `json:"blob_url"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if !strings.HasPrefix(body.BlobURL, "file://") || !strings.HasSuffix(body.BlobURL, "conversations.json") {
		t.Fatalf("unexpected blob url %q", body.BlobURL)
	}
}

func TestProcessImportEnqueuesWorkItem(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.put(&models.ImportSession{
		ID: "sess-1", UserID: "u1", Platform: models.PlatformClaude, Status: models.StatusPending,
	})

	resp := doJSONRequest(t, env.router, http.MethodPost, "/api/users/u1/imports/sess-1/process",
		map[string]string{"blob_url": "file:///tmp/u1/sess-1/export.json"}, asUser("u1"))
	assertStatus(t, resp, http.StatusAccepted)

	if len(env.publisher.items) != 1 {
		t.Fatalf("expected 1 work item published, got %d", len(env.publisher.items))
	}
	item := env.publisher.items[0]
	if item.SessionID != "sess-1" || item.UserID != "u1" || item.Platform != models.PlatformClaude {
		t.Fatalf("unexpected work item %+v", item)
	}

	session, _ := env.registry.Get(context.Background(), "sess-1")
	if session.Status != models.StatusProcessing {
		t.Fatalf("expected session processing, got %s", session.Status)
	}

	// Processing again conflicts: the session already left pending.
	resp = doJSONRequest(t, env.router, http.MethodPost, "/api/users/u1/imports/sess-1/process",
		map[string]string{"blob_url": "file:///tmp/other"}, asUser("u1"))
	assertStatus(t, resp, http.StatusConflict)
}

func TestProcessImportQueueUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.put(&models.ImportSession{ID: "sess-1", UserID: "u1", Status: models.StatusPending})
	env.publisher.err = errors.New("queue full")

	resp := doJSONRequest(t, env.router, http.MethodPost, "/api/users/u1/imports/sess-1/process",
		map[string]string{"blob_url": "file:///tmp/x"}, asUser("u1"))
	assertStatus(t, resp, http.StatusServiceUnavailable)
}

func TestListImports(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.put(&models.ImportSession{ID: "sess-1", UserID: "u1"})
	env.registry.put(&models.ImportSession{ID: "sess-2", UserID: "u2"})

	resp := doJSONRequest(t, env.router, http.MethodGet, "/api/users/u1/imports", nil, asUser("u1"))
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Sessions []models.ImportSession `json:"sessions"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if len(body.Sessions) != 1 || body.Sessions[0].ID != "sess-1" {
		t.Fatalf("unexpected sessions %+v", body.Sessions)
	}
}

func TestStreamProgressUntilTerminal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.put(&models.ImportSession{ID: "sess-1", UserID: "u1", Status: models.StatusProcessing})
	env.progress.reads = []*models.ProgressSnapshot{
		{SessionID: "sess-1", Status: models.StatusProcessing, Progress: 25, Message: "Parsing chatgpt export"},
		{SessionID: "sess-1", Status: models.StatusProcessing, Progress: 60, Message: "Imported 30 of 50 prompts"},
		{SessionID: "sess-1", Status: models.StatusCompleted, Progress: 100, Message: "Import complete: 50 prompts imported, 0 failed"},
	}

	resp := doJSONRequest(t, env.router, http.MethodGet, "/api/users/u1/imports/sess-1/progress", nil, asUser("u1"))
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseSSE(t, resp.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 progress events, got %d: %#v", len(events), events)
	}
	last := -1
	for _, evt := range events {
		if evt.Name != "progress" {
			t.Fatalf("unexpected event %q", evt.Name)
		}
		var snapshot models.ProgressSnapshot
		decodeJSON(t, []byte(evt.Data), &snapshot)
		if snapshot.Progress < last {
			t.Fatalf("progress regressed: %d after %d", snapshot.Progress, last)
		}
		last = snapshot.Progress
	}
	var final models.ProgressSnapshot
	decodeJSON(t, []byte(events[len(events)-1].Data), &final)
	if final.Status != models.StatusCompleted || final.Progress != 100 {
		t.Fatalf("stream did not end on terminal snapshot: %+v", final)
	}
}

func TestStreamProgressSynthesizesTerminalAfterExpiry(t *testing.T) {
	env := newTestEnv(t, nil)
	// Snapshot expired from the store; the durable record is completed.
	env.registry.put(&models.ImportSession{
		ID: "sess-1", UserID: "u1", Status: models.StatusCompleted,
		TotalPrompts: 7, ProcessedPrompts: 7,
	})

	resp := doJSONRequest(t, env.router, http.MethodGet, "/api/users/u1/imports/sess-1/progress", nil, asUser("u1"))
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 1 {
		t.Fatalf("expected a single synthesized event, got %d", len(events))
	}
	var snapshot models.ProgressSnapshot
	decodeJSON(t, []byte(events[0].Data), &snapshot)
	if snapshot.Status != models.StatusCompleted || snapshot.Progress != 100 {
		t.Fatalf("unexpected synthesized snapshot %+v", snapshot)
	}
	if !strings.Contains(snapshot.Message, "7 prompts imported") {
		t.Fatalf("expected counts in message, got %q", snapshot.Message)
	}
}

func TestStreamProgressStoreErrorEndsStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registry.put(&models.ImportSession{ID: "sess-1", UserID: "u1", Status: models.StatusProcessing})
	env.progress.errs = []error{errors.New("redis down")}

	resp := doJSONRequest(t, env.router, http.MethodGet, "/api/users/u1/imports/sess-1/progress", nil, asUser("u1"))
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 1 || events[0].Name != "error" {
		t.Fatalf("expected single error event, got %#v", events)
	}
}

func TestInvokeWorkerEndpoint(t *testing.T) {
	var gotAttempt int
	invoke := func(_ context.Context, item models.WorkItem, attempt int) error {
		gotAttempt = attempt
		if item.SessionID == "transient" {
			return queue.Transient(errors.New("blob store down"))
		}
		return nil
	}
	env := newTestEnv(t, invoke)

	req := httptest.NewRequest(http.MethodPost, "/internal/worker/import",
		strings.NewReader(`{"session_id": "s1", "user_id": "u1", "platform": "claude", "blob_url": "file:///x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-Attempt", "2")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusOK)
	if gotAttempt != 2 {
		t.Fatalf("expected attempt 2 passed through, got %d", gotAttempt)
	}

	// Transient failure asks the transport to redeliver via 503.
	req = httptest.NewRequest(http.MethodPost, "/internal/worker/import",
		strings.NewReader(`{"session_id": "transient", "user_id": "u1", "platform": "claude", "blob_url": "file:///x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusServiceUnavailable)
}
