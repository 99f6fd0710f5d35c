package chatmemory

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/suPer8Hu/chat-memory/internal/embedding"
	"github.com/suPer8Hu/chat-memory/internal/vectorindex"
)

const testDims = 384

func newIndex(t *testing.T, db *chromem.DB, policy Policy) *vectorindex.ChromemIndex {
	t.Helper()
	idx, err := vectorindex.NewChromemIndex(db, Schema(policy, "bot_index", "bot_docs", testDims, "flat"), nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	return idx
}

func newStore(t *testing.T, policy Policy) (*Store, *vectorindex.ChromemIndex) {
	t.Helper()
	idx := newIndex(t, nil, policy)
	st, err := New(idx, idx, embedding.NewPool(embedding.NewHashEmbedder(testDims), 2), Options{Policy: policy})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st, idx
}

func turns(pairs ...string) []Turn {
	var out []Turn
	for i, p := range pairs {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		out = append(out, Turn{Role: role, Text: p})
	}
	return out
}

func TestStore_SaveSearchDeleteScenario(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, PolicyOverwrite)
	conv := Conversation{Agent: "agentX", UserID: "user1", SessionID: "sess1"}

	res, err := st.Save(ctx, conv, turns("hi", "hello"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Status != "ok" || res.SessionID != "sess1" || len(res.Keys) != 1 || res.Keys[0] != "bot_docs:agentX:user1:sess1" {
		t.Fatalf("unexpected save result %+v", res)
	}

	hits, err := st.Search(ctx, "", conv, 3)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	got := hits[0].Turns
	if len(got) != 2 || got[0].Text != "hi" || got[1].Text != "hello" || got[1].Role != RoleAssistant {
		t.Fatalf("unexpected turns %+v", got)
	}

	n, err := st.Delete(ctx, conv)
	if err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
	n, err = st.Delete(ctx, conv)
	if err != nil || n != 0 {
		t.Fatalf("second delete: n=%d err=%v", n, err)
	}
	hits, err = st.Search(ctx, "", conv, 3)
	if err != nil || len(hits) != 0 {
		t.Fatalf("expected no hits after delete, got %d err=%v", len(hits), err)
	}
	if text, _ := st.LoadLatest(ctx, conv); text != EmptyHistory {
		t.Fatalf("mirror should be gone after delete, got %q", text)
	}
}

func TestStore_OverwriteIsUpsert(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, PolicyOverwrite)
	conv := Conversation{Agent: "a", UserID: "u", SessionID: "s"}

	if _, err := st.Save(ctx, conv, turns("first")); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if _, err := st.Save(ctx, conv, turns("second", "reply")); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	docs, err := st.List(ctx, conv, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected exactly one document, got %d", len(docs))
	}
	want, _ := EncodeTurns(turns("second", "reply"))
	if docs[0].Text != want {
		t.Fatalf("document text = %s, want %s", docs[0].Text, want)
	}
	latest, err := st.LoadLatest(ctx, conv)
	if err != nil || latest != want {
		t.Fatalf("load latest = %q err=%v", latest, err)
	}
}

func TestStore_FilterEscapesTagSpecials(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, PolicyOverwrite)
	target := Conversation{Agent: "a-1", UserID: "u@x.com", SessionID: "s:1 2"}
	others := []Conversation{
		{Agent: "a-1", UserID: "u@x.com", SessionID: "s:1"},
		{Agent: "a-1", UserID: "u@y.com", SessionID: "s:1 2"},
		{Agent: "a", UserID: "u@x.com", SessionID: "s:1 2"},
	}
	for _, c := range append(others, target) {
		if _, err := st.Save(ctx, c, turns("msg for "+c.ID())); err != nil {
			t.Fatalf("save %s: %v", c.ID(), err)
		}
	}

	for _, q := range []string{"", "msg for"} {
		hits, err := st.Search(ctx, q, target, 10)
		if err != nil {
			t.Fatalf("search %q: %v", q, err)
		}
		if len(hits) != 1 {
			t.Fatalf("search %q: expected 1 hit, got %d", q, len(hits))
		}
		if hits[0].Conversation() != target {
			t.Fatalf("search %q: wrong conversation %+v", q, hits[0].Conversation())
		}
	}

	hits, err := st.Search(ctx, "", Conversation{Agent: "a-1"}, 10)
	if err != nil || len(hits) != 3 {
		t.Fatalf("partial filter: expected 3 hits, got %d err=%v", len(hits), err)
	}
}

func TestStore_EmptyHistorySentinel(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, PolicyOverwrite)
	conv := Conversation{Agent: "a", UserID: "nobody", SessionID: "none"}

	text, err := st.LoadLatest(ctx, conv)
	if err != nil || text != "[]" {
		t.Fatalf("expected sentinel, got %q err=%v", text, err)
	}
	text, err = st.LoadLatestVector(ctx, conv)
	if err != nil || text != "[]" {
		t.Fatalf("vector path: expected sentinel, got %q err=%v", text, err)
	}
	h, err := st.History(ctx, conv)
	if err != nil || len(h) != 0 {
		t.Fatalf("expected empty history, got %+v err=%v", h, err)
	}
}

type missingMirror struct{ vectorindex.KeyValue }

func (missingMirror) GetText(context.Context, string) (string, error) {
	return "", vectorindex.ErrNotFound
}

func TestStore_LoadLatestFallsBackToIndex(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, nil, PolicyOverwrite)
	st, err := New(idx, missingMirror{idx}, embedding.NewPool(embedding.NewHashEmbedder(testDims), 1), Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	conv := Conversation{Agent: "a", UserID: "u", SessionID: "s"}
	if _, err := st.Save(ctx, conv, turns("remember me")); err != nil {
		t.Fatalf("save: %v", err)
	}
	text, err := st.LoadLatest(ctx, conv)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !strings.Contains(text, "remember me") {
		t.Fatalf("expected index fallback to find the document, got %q", text)
	}
}

type fixedProvider struct{ dims int }

func (p fixedProvider) Embed(context.Context, string) ([]float32, error) {
	v := make([]float32, p.dims)
	v[0] = 1
	return v, nil
}

func TestStore_DimensionMismatchWritesNothing(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, nil, PolicyOverwrite)
	st, err := New(idx, idx, embedding.NewPool(fixedProvider{dims: 300}, 1), Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	conv := Conversation{Agent: "a", UserID: "u", SessionID: "s"}
	_, err = st.Save(ctx, conv, turns("hi"))
	if !errors.Is(err, vectorindex.ErrDimensionMismatch) || !errors.Is(err, vectorindex.ErrInvalidArgument) {
		t.Fatalf("expected dimension mismatch, got %v", err)
	}
	if _, err := idx.GetText(ctx, "bot_docs:a:u:s"); !errors.Is(err, vectorindex.ErrNotFound) {
		t.Fatalf("nothing should be stored, got %v", err)
	}
	recs, _ := idx.QueryFilter(ctx, vectorindex.FilterQuery{})
	if len(recs) != 0 {
		t.Fatalf("index should be empty, got %d", len(recs))
	}
}

func TestStore_EmbeddingFailureAbortsSave(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, nil, PolicyOverwrite)
	var calls atomic.Int32
	failing := embedding.ProviderFunc(func(context.Context, string) ([]float32, error) {
		calls.Add(1)
		return nil, errors.New("model crashed")
	})
	st, err := New(idx, idx, embedding.NewPool(failing, 1), Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = st.Save(ctx, Conversation{Agent: "a"}, turns("hi"))
	if !errors.Is(err, embedding.ErrEmbeddingFailure) {
		t.Fatalf("expected embedding failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("provider should be called once, got %d", calls.Load())
	}
	if _, err := idx.GetText(ctx, "bot_docs:a::"); !errors.Is(err, vectorindex.ErrNotFound) {
		t.Fatalf("nothing should be stored, got %v", err)
	}
}

func TestStore_EmptyQuerySkipsProvider(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, nil, PolicyOverwrite)
	hash := embedding.NewHashEmbedder(testDims)
	// like ollama, which answers empty input with no embedding
	noEmpty := embedding.ProviderFunc(func(ctx context.Context, text string) ([]float32, error) {
		if text == "" {
			return nil, errors.New("no embedding in response")
		}
		return hash.Embed(ctx, text)
	})
	st, err := New(idx, idx, embedding.NewPool(noEmpty, 1), Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	conv := Conversation{Agent: "agentX", UserID: "user1", SessionID: "sess1"}
	if _, err := st.Save(ctx, conv, turns("hi", "hello")); err != nil {
		t.Fatalf("save: %v", err)
	}

	hits, err := st.Search(ctx, "", conv, 3)
	if err != nil || len(hits) != 1 || hits[0].Distance != 1 {
		t.Fatalf("empty search: hits=%+v err=%v", hits, err)
	}
	n, err := st.Delete(ctx, conv)
	if err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
	n, err = st.Delete(ctx, conv)
	if err != nil || n != 0 {
		t.Fatalf("second delete: n=%d err=%v", n, err)
	}
}

func TestStore_SaveRejectsAmbiguousKeys(t *testing.T) {
	ctx := context.Background()
	st, idx := newStore(t, PolicyOverwrite)
	for _, conv := range []Conversation{
		{Agent: "a:b", UserID: "c", SessionID: "d"},
		{Agent: "a", UserID: "b:c", SessionID: "d"},
	} {
		if _, err := st.Save(ctx, conv, turns("x")); !errors.Is(err, vectorindex.ErrInvalidArgument) {
			t.Fatalf("save %+v: expected invalid argument, got %v", conv, err)
		}
	}
	if _, err := idx.GetText(ctx, "bot_docs:a:b:c:d"); !errors.Is(err, vectorindex.ErrNotFound) {
		t.Fatalf("nothing should be stored, got %v", err)
	}
	// ':' stays legal in the session id, the last key part
	if _, err := st.Save(ctx, Conversation{Agent: "a", UserID: "b", SessionID: "c:d"}, turns("x")); err != nil {
		t.Fatalf("save with ':' in session: %v", err)
	}
}

// blindIndex answers every filter query with nothing, the way a misconfigured
// tag schema does.
type blindIndex struct{ *vectorindex.ChromemIndex }

func (blindIndex) QueryFilter(context.Context, vectorindex.FilterQuery) ([]vectorindex.Record, error) {
	return nil, nil
}

func TestStore_ListFallsBackToScan(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, nil, PolicyOverwrite)
	st, err := New(blindIndex{idx}, idx, embedding.NewPool(embedding.NewHashEmbedder(testDims), 1), Options{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, s := range []string{"s1", "s2"} {
		if _, err := st.Save(ctx, Conversation{Agent: "a", UserID: "u", SessionID: s}, turns("in "+s)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	if _, err := st.Save(ctx, Conversation{Agent: "b", UserID: "u", SessionID: "s1"}, turns("other agent")); err != nil {
		t.Fatalf("save: %v", err)
	}
	idx.PutHash(ctx, "bot_docs:broken", map[string]string{"text": "{not json", "agent": "a", "user_id": "u", "session_id": "s3"})
	idx.PutHash(ctx, "bot_docs:notext", map[string]string{"agent": "a"})

	docs, err := st.List(ctx, Conversation{Agent: "a"}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents from scan, got %d: %+v", len(docs), docs)
	}
	for _, d := range docs {
		if d.Agent != "a" || len(d.Turns) != 1 {
			t.Fatalf("unexpected document %+v", d)
		}
	}
}

func TestStore_PoliciesConflict(t *testing.T) {
	ctx := context.Background()
	db := chromem.NewDB()
	pool := embedding.NewPool(embedding.NewHashEmbedder(testDims), 1)

	over := newIndex(t, db, PolicyOverwrite)
	st, err := New(over, over, pool, Options{Policy: PolicyOverwrite})
	if err != nil {
		t.Fatalf("new overwrite store: %v", err)
	}
	if _, err := st.Save(ctx, Conversation{Agent: "a"}, turns("x")); err != nil {
		t.Fatalf("save: %v", err)
	}

	app := newIndex(t, db, PolicyAppend)
	appStore, err := New(app, app, pool, Options{Policy: PolicyAppend})
	if err != nil {
		t.Fatalf("new append store: %v", err)
	}
	if _, err := appStore.Save(ctx, Conversation{Agent: "a"}, turns("y")); !errors.Is(err, vectorindex.ErrSchemaConflict) {
		t.Fatalf("expected schema conflict, got %v", err)
	}

	if _, err := New(over, over, pool, Options{Policy: PolicyAppend}); !errors.Is(err, vectorindex.ErrSchemaConflict) {
		t.Fatalf("append policy on an overwrite schema should be rejected, got %v", err)
	}
}

func TestStore_AppendPolicy(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t, nil, PolicyAppend)
	frozen := time.UnixMilli(1700000000000)
	st, err := New(idx, idx, embedding.NewPool(embedding.NewHashEmbedder(testDims), 1), Options{
		Policy: PolicyAppend,
		Now:    func() time.Time { return frozen },
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	conv := Conversation{Agent: "a", UserID: "u", SessionID: "s"}

	r1, err := st.Save(ctx, conv, turns("one", "uno"))
	if err != nil {
		t.Fatalf("save 1: %v", err)
	}
	r2, err := st.Save(ctx, conv, turns("two", "dos"))
	if err != nil {
		t.Fatalf("save 2: %v", err)
	}
	if r1.Keys[0] == r2.Keys[0] {
		t.Fatalf("append saves in the same millisecond must not collide: %s", r1.Keys[0])
	}
	if r1.Keys[0] != "bot_docs:a:u:s:1700000000000" || r2.Keys[0] != "bot_docs:a:u:s:1700000000001" {
		t.Fatalf("unexpected keys %v %v", r1.Keys, r2.Keys)
	}

	latest, err := st.LoadLatest(ctx, conv)
	if err != nil || !strings.Contains(latest, "two") {
		t.Fatalf("latest should be the second save, got %q err=%v", latest, err)
	}
	h, err := st.History(ctx, conv)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(h) != 4 || h[0].Text != "one" || h[3].Text != "dos" {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestStore_ClearDropStats(t *testing.T) {
	ctx := context.Background()
	st, _ := newStore(t, PolicyOverwrite)
	conv := Conversation{Agent: "a", UserID: "u", SessionID: "s"}

	stats, err := st.Stats(ctx)
	if err != nil || stats.Exists {
		t.Fatalf("index should not exist before first use: %+v err=%v", stats, err)
	}
	if _, err := st.Save(ctx, conv, turns("hi")); err != nil {
		t.Fatalf("save: %v", err)
	}
	stats, _ = st.Stats(ctx)
	if !stats.Exists || stats.Name != "bot_index" || stats.Prefix != "bot_docs" || stats.Dims != testDims || stats.Policy != PolicyOverwrite {
		t.Fatalf("unexpected stats %+v", stats)
	}

	n, err := st.Clear(ctx)
	if err != nil || n != 1 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}
	if err := st.Drop(ctx); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if err := st.Drop(ctx); err != nil {
		t.Fatalf("dropping a missing index should be a no-op: %v", err)
	}
	stats, _ = st.Stats(ctx)
	if stats.Exists {
		t.Fatalf("index should be gone after drop")
	}
	if _, err := st.Save(ctx, conv, turns("again")); err != nil {
		t.Fatalf("save after drop should recreate the index: %v", err)
	}
}

func TestStore_DeleteRequiresFilter(t *testing.T) {
	st, _ := newStore(t, PolicyOverwrite)
	if _, err := st.Delete(context.Background(), Conversation{}); !errors.Is(err, vectorindex.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyOverwrite, "Overwrite": PolicyOverwrite, " append ": PolicyAppend} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("merge"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
