package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/chat-memory/internal/catalog"
	"github.com/suPer8Hu/chat-memory/internal/chatmemory"
	"github.com/suPer8Hu/chat-memory/internal/embedding"
	"github.com/suPer8Hu/chat-memory/internal/httpapi/handlers"
	"github.com/suPer8Hu/chat-memory/internal/jobs"
	"github.com/suPer8Hu/chat-memory/internal/logger"
	"github.com/suPer8Hu/chat-memory/internal/vectorindex"
)

const testDims = 64

type nopPublisher struct{ ids []string }

func (p *nopPublisher) PublishJob(_ context.Context, jobID, _ string) error {
	p.ids = append(p.ids, jobID)
	return nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T, withJobs bool) (*gin.Engine, *nopPublisher) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool := embedding.NewPool(embedding.NewHashEmbedder(testDims), 2)
	idx, err := vectorindex.NewChromemIndex(nil, chatmemory.Schema(chatmemory.PolicyOverwrite, "bot_index", "bot_docs", testDims, "flat"), nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	store, err := chatmemory.New(idx, idx, pool, chatmemory.Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	toolIdx, err := vectorindex.NewChromemIndex(nil, catalog.Schema("bot_tool_index", "bot:data:tool", testDims, "flat"), nil)
	if err != nil {
		t.Fatalf("new tool index: %v", err)
	}

	h := &handlers.Handler{
		Memory:         store,
		Catalog:        catalog.New(toolIdx, toolIdx, pool, nil),
		DefaultAgent:   "bot",
		RequestTimeout: 5 * time.Second,
		Log:            logger.Nop(),
	}

	pub := &nopPublisher{}
	if withJobs {
		db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		repo := jobs.NewRepo(db)
		if err := repo.AutoMigrate(); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
		h.Jobs = jobs.NewService(repo, store, pub, nil)
	}
	return NewRouter(h, logger.Nop()), pub
}

func do(t *testing.T, r http.Handler, method, path string, body any, headers map[string]string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: bad body %q: %v", method, path, w.Body.String(), err)
	}
	return w.Code, env
}

func TestPingAndNoRoute(t *testing.T) {
	r, _ := newTestRouter(t, false)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "rid-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("X-Request-ID") != "rid-1" {
		t.Fatalf("ping: code=%d rid=%q", w.Code, w.Header().Get("X-Request-ID"))
	}

	code, env := do(t, r, http.MethodGet, "/nope", nil, nil)
	if code != http.StatusNotFound || env.Code != 40400 {
		t.Fatalf("no route: code=%d env=%+v", code, env)
	}
}

func TestMemoryRoutes(t *testing.T) {
	r, _ := newTestRouter(t, false)

	save := map[string]any{
		"user_id":    "u1",
		"session_id": "s:1 2",
		"messages": []map[string]string{
			{"role": "user", "text": "where is the forklift"},
			{"role": "assistant", "text": "bay 4"},
		},
	}
	code, env := do(t, r, http.MethodPost, "/api/memory/conversations", save, nil)
	if code != http.StatusOK || env.Code != 0 {
		t.Fatalf("save: code=%d env=%+v", code, env)
	}
	var res chatmemory.SaveResult
	_ = json.Unmarshal(env.Data, &res)
	if len(res.Keys) != 1 || res.Keys[0] != "bot_docs:bot:u1:s:1 2" {
		t.Fatalf("unexpected keys %v", res.Keys)
	}

	code, env = do(t, r, http.MethodGet, "/api/memory/history?user_id=u1&session_id=s:1%202", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("history: code=%d env=%+v", code, env)
	}
	var hist struct {
		History []chatmemory.Turn `json:"history"`
	}
	_ = json.Unmarshal(env.Data, &hist)
	if len(hist.History) != 2 || hist.History[1].Text != "bay 4" {
		t.Fatalf("unexpected history %+v", hist.History)
	}

	code, env = do(t, r, http.MethodGet, "/api/memory/history?user_id=u1&session_id=other", nil, nil)
	if code != http.StatusOK || string(env.Data) != `{"history":[],"session_id":"other"}` {
		t.Fatalf("missing history should be an empty list: code=%d data=%s", code, env.Data)
	}

	code, env = do(t, r, http.MethodPost, "/api/memory/search", map[string]any{"query": "forklift", "user_id": "u1", "k": 2}, nil)
	if code != http.StatusOK {
		t.Fatalf("search: code=%d env=%+v", code, env)
	}
	var found struct {
		Results []chatmemory.ScoredDocument `json:"results"`
	}
	_ = json.Unmarshal(env.Data, &found)
	if len(found.Results) != 1 || found.Results[0].SessionID != "s:1 2" {
		t.Fatalf("unexpected search results %+v", found.Results)
	}

	code, _ = do(t, r, http.MethodGet, "/api/memory/index/stats", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("stats: code=%d", code)
	}

	code, env = do(t, r, http.MethodDelete, "/api/memory/conversations?user_id=u1", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("delete by user: code=%d env=%+v", code, env)
	}
	if string(env.Data) != `{"deleted":1}` {
		t.Fatalf("unexpected delete result %s", env.Data)
	}

	code, env = do(t, r, http.MethodPost, "/api/memory/conversations", "{", nil)
	if code != http.StatusBadRequest || env.Code != 10001 {
		t.Fatalf("bad json: code=%d env=%+v", code, env)
	}

	code, _ = do(t, r, http.MethodDelete, "/api/memory/index", nil, nil)
	if code != http.StatusOK {
		t.Fatalf("drop: code=%d", code)
	}
}

func TestDeleteConversationNeedsFilter(t *testing.T) {
	r, _ := newTestRouter(t, false)
	for _, c := range []struct{ user, session string }{{"u1", "s1"}, {"u2", "s2"}, {"u3", "s3"}} {
		body := map[string]any{
			"user_id":    c.user,
			"session_id": c.session,
			"messages":   []map[string]string{{"role": "user", "text": "hi"}},
		}
		if code, env := do(t, r, http.MethodPost, "/api/memory/conversations", body, nil); code != http.StatusOK {
			t.Fatalf("save: code=%d env=%+v", code, env)
		}
	}

	for _, path := range []string{"/api/memory/conversations", "/api/memory/conversations?agent=&user_id=&session_id="} {
		code, env := do(t, r, http.MethodDelete, path, nil, nil)
		if code != http.StatusBadRequest || env.Code != 10002 {
			t.Fatalf("%s: code=%d env=%+v", path, code, env)
		}
	}

	code, env := do(t, r, http.MethodGet, "/api/memory/conversations", nil, nil)
	var listed struct {
		Conversations []chatmemory.ChatDocument `json:"conversations"`
	}
	_ = json.Unmarshal(env.Data, &listed)
	if code != http.StatusOK || len(listed.Conversations) != 3 {
		t.Fatalf("nothing should be deleted: code=%d data=%s", code, env.Data)
	}
}

func TestAsyncSaveRoutes(t *testing.T) {
	r, pub := newTestRouter(t, true)
	body := map[string]any{
		"session_id": "s1",
		"messages":   []map[string]string{{"role": "user", "text": "hi"}},
	}
	hdr := map[string]string{"Idempotency-Key": "k-1"}

	code, env := do(t, r, http.MethodPost, "/api/memory/conversations/async", body, hdr)
	if code != http.StatusAccepted {
		t.Fatalf("enqueue: code=%d env=%+v", code, env)
	}
	var first struct {
		JobID   string `json:"job_id"`
		Created bool   `json:"created"`
	}
	_ = json.Unmarshal(env.Data, &first)
	if first.JobID == "" || !first.Created {
		t.Fatalf("unexpected enqueue result %s", env.Data)
	}

	_, env = do(t, r, http.MethodPost, "/api/memory/conversations/async", body, hdr)
	var second struct {
		JobID   string `json:"job_id"`
		Created bool   `json:"created"`
	}
	_ = json.Unmarshal(env.Data, &second)
	if second.JobID != first.JobID || second.Created {
		t.Fatalf("repeat key should return the same job: %s", env.Data)
	}
	if len(pub.ids) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.ids))
	}

	code, _ = do(t, r, http.MethodGet, "/api/memory/jobs/"+first.JobID, nil, nil)
	if code != http.StatusOK {
		t.Fatalf("get job: code=%d", code)
	}
	code, env = do(t, r, http.MethodGet, "/api/memory/jobs/missing", nil, nil)
	if code != http.StatusNotFound || env.Code != 40402 {
		t.Fatalf("missing job: code=%d env=%+v", code, env)
	}
}

func TestAsyncDisabledAndCatalog(t *testing.T) {
	r, _ := newTestRouter(t, false)

	code, _ := do(t, r, http.MethodGet, "/api/memory/jobs/x", nil, nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a job service, got %d", code)
	}

	code, env := do(t, r, http.MethodGet, "/api/catalog/items", nil, nil)
	if code != http.StatusOK || string(env.Data) != `{"items":[]}` {
		t.Fatalf("empty catalog: code=%d data=%s", code, env.Data)
	}
}
