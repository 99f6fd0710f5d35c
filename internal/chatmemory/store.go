package chatmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/suPer8Hu/chat-memory/internal/embedding"
	"github.com/suPer8Hu/chat-memory/internal/logger"
	"github.com/suPer8Hu/chat-memory/internal/vectorindex"
)

// Policy decides what a repeated save for the same conversation does. A
// deployment must stick to one policy; the two use different index schemas.
type Policy string

const (
	// PolicyOverwrite keeps one document per conversation, replaced on save.
	PolicyOverwrite Policy = "overwrite"
	// PolicyAppend writes a new timestamped document on every save.
	PolicyAppend Policy = "append"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyOverwrite:
		return PolicyOverwrite, nil
	case PolicyAppend:
		return PolicyAppend, nil
	default:
		return "", fmt.Errorf("%w: unknown duplicate policy %q", vectorindex.ErrInvalidArgument, s)
	}
}

// Schema returns the index layout the policy requires.
func Schema(p Policy, name, prefix string, dims int, algorithm string) vectorindex.Schema {
	return vectorindex.ChatSchema(name, prefix, dims, algorithm, p == PolicyAppend)
}

const (
	defaultSearchK = 3
	// enumerateK bounds how many documents a delete or history read touches.
	enumerateK   = 10000
	defaultLimit = 100
)

type Options struct {
	Policy Policy
	Logger *logger.Logger
	// Now is the clock behind append-policy timestamps.
	Now func() time.Time
}

// Store is the conversation-level memory on top of a vector index.
//
// Saves to the same conversation are not serialized: concurrent saves race
// and the last write to complete wins.
type Store struct {
	idx    vectorindex.Index
	kv     vectorindex.KeyValue
	embed  *embedding.Pool
	schema vectorindex.Schema
	policy Policy
	log    *logger.Logger
	clock  *msClock

	// set once the existing index has been checked against our schema
	verified atomic.Bool
}

func New(idx vectorindex.Index, kv vectorindex.KeyValue, pool *embedding.Pool, opts Options) (*Store, error) {
	if idx == nil || kv == nil || pool == nil {
		return nil, errors.New("chatmemory: index, key-value store and embedding pool are required")
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyOverwrite
	}
	schema := idx.Schema()
	_, hasTS := schemaHas(schema, vectorindex.FieldTimestamp)
	if (policy == PolicyAppend) != hasTS {
		return nil, fmt.Errorf("%w: %s policy does not match index %q", vectorindex.ErrSchemaConflict, policy, schema.Name)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		idx:    idx,
		kv:     kv,
		embed:  pool,
		schema: schema,
		policy: policy,
		log:    log.With("component", "chatmemory", "policy", string(policy)),
		clock:  &msClock{now: now},
	}, nil
}

func schemaHas(s vectorindex.Schema, name string) (vectorindex.Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return vectorindex.Field{}, false
}

func (s *Store) Policy() Policy { return s.policy }

// EnsureIndex provisions the index if it is missing. The first time it finds
// an existing index it also verifies the field layout.
func (s *Store) EnsureIndex(ctx context.Context) error {
	exists, err := s.idx.Exists(ctx)
	if err != nil {
		return err
	}
	if exists && s.verified.Load() {
		return nil
	}
	if err := s.idx.Create(ctx, false); err != nil {
		return err
	}
	s.verified.Store(true)
	return nil
}

// Save stores turns for conv. Nothing is written if embedding fails. Agent
// and user id may not contain ':' since they are joined into the key.
func (s *Store) Save(ctx context.Context, conv Conversation, turns []Turn) (*SaveResult, error) {
	if err := conv.validateKeyParts(); err != nil {
		return nil, err
	}
	if err := s.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	blob, err := EncodeTurns(turns)
	if err != nil {
		return nil, fmt.Errorf("encode turns: %w", err)
	}
	vec, err := s.embed.Embed(ctx, blob)
	if err != nil {
		return nil, err
	}

	doc := ChatDocument{
		ID:        conv.ID(),
		Text:      blob,
		Agent:     conv.Agent,
		UserID:    conv.UserID,
		SessionID: conv.SessionID,
		Embedding: vec,
	}
	key := s.schema.Key(doc.ID)
	if s.policy == PolicyAppend {
		doc.Timestamp = s.clock.next()
		doc.ID = doc.ID + ":" + strconv.FormatInt(doc.Timestamp, 10)
		key = s.schema.Key(doc.ID)
	}

	keys, err := s.idx.Load(ctx, []vectorindex.Document{EncodeDocument(doc)}, []string{key})
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", key, err)
	}
	if err := s.kv.SetText(ctx, key, blob); err != nil {
		return nil, fmt.Errorf("mirror %s: %w", key, err)
	}
	s.log.Debug("saved conversation", "key", key, "turns", len(turns))
	return &SaveResult{Keys: keys, Status: "ok", SessionID: conv.SessionID}, nil
}

// Search returns up to k documents closest to query within filter, nearest
// first. Empty filter fields are unbound. An empty query is legal and, with
// a full filter, simply lists the conversation.
func (s *Store) Search(ctx context.Context, query string, filter Conversation, k int) ([]ScoredDocument, error) {
	if k <= 0 {
		k = defaultSearchK
	}
	recs, err := s.query(ctx, query, filter, k)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredDocument, 0, len(recs))
	for _, r := range recs {
		doc, err := DecodeRecord(r.Key, r.Fields)
		if err != nil {
			s.log.Warn("skipping undecodable search hit", "key", r.Key, "error", err)
			continue
		}
		out = append(out, ScoredDocument{ChatDocument: doc, Distance: r.Distance})
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, text string, filter Conversation, k int) ([]vectorindex.Record, error) {
	if err := s.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	f := filter.filter()
	var vec []float32
	if text != "" {
		// providers disagree on empty input, so "" never reaches them
		var err error
		if vec, err = s.embed.Embed(ctx, text); err != nil {
			return nil, err
		}
	}
	if isZeroVector(vec) {
		// a direction-less query has no meaningful distance; answer from the filter
		recs, err := s.idx.QueryFilter(ctx, vectorindex.FilterQuery{Filter: f, Limit: k})
		if err != nil {
			return nil, err
		}
		for i := range recs {
			recs[i].Distance = 1
		}
		return recs, nil
	}
	return s.idx.Query(ctx, vectorindex.VectorQuery{Vector: vec, Filter: f, K: k})
}

func isZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// Delete removes every document matching conv and returns how many were
// removed. It is best-effort: a key that fails to delete is logged and
// skipped. Deleting an already-deleted conversation returns 0.
func (s *Store) Delete(ctx context.Context, conv Conversation) (int, error) {
	if conv.Agent == "" && conv.UserID == "" && conv.SessionID == "" {
		return 0, fmt.Errorf("%w: delete needs at least one of agent, user_id, session_id", vectorindex.ErrInvalidArgument)
	}
	recs, err := s.query(ctx, "", conv, enumerateK)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, r := range recs {
		ok, err := s.idx.DeleteByKey(ctx, r.Key)
		if err != nil {
			s.log.Warn("delete failed", "key", r.Key, "error", err)
			continue
		}
		if ok {
			deleted++
		}
	}
	if deleted > 0 {
		s.log.Info("deleted conversation documents", "count", deleted, "conversation", conv.ID())
	}
	return deleted, nil
}

// LoadLatest returns the stored blob for conv, or EmptyHistory when there is
// none. Backend failures are logged and read as no history; the error is
// non-nil only when ctx is done.
func (s *Store) LoadLatest(ctx context.Context, conv Conversation) (string, error) {
	if err := ctx.Err(); err != nil {
		return EmptyHistory, err
	}
	if err := s.EnsureIndex(ctx); err != nil {
		s.log.Warn("ensure index before load", "error", err)
	}

	if s.policy == PolicyAppend {
		recs, err := s.idx.QueryFilter(ctx, vectorindex.FilterQuery{
			Filter:       conv.filter(),
			ReturnFields: []string{vectorindex.FieldTextBlob},
			Limit:        1,
			SortBy:       vectorindex.FieldTimestamp,
			Desc:         true,
		})
		if err != nil {
			s.log.Warn("load latest", "conversation", conv.ID(), "error", err)
			return EmptyHistory, ctx.Err()
		}
		if len(recs) == 0 || recs[0].Fields[vectorindex.FieldTextBlob] == "" {
			return EmptyHistory, nil
		}
		return recs[0].Fields[vectorindex.FieldTextBlob], nil
	}

	text, err := s.kv.GetText(ctx, s.schema.Key(conv.ID()))
	switch {
	case err == nil && text != "":
		return text, nil
	case err != nil && !errors.Is(err, vectorindex.ErrNotFound):
		s.log.Warn("mirror read failed, trying index", "conversation", conv.ID(), "error", err)
	}
	return s.LoadLatestVector(ctx, conv)
}

// LoadLatestVector reads conv through the index alone: a zero vector query
// restricted by an exact filter on all three fields.
func (s *Store) LoadLatestVector(ctx context.Context, conv Conversation) (string, error) {
	recs, err := s.idx.Query(ctx, vectorindex.VectorQuery{
		Vector:       make([]float32, s.schema.Vector.Dims),
		Filter:       conv.filter(),
		ReturnFields: []string{vectorindex.FieldTextBlob},
		K:            1,
	})
	if err != nil {
		s.log.Warn("vector load", "conversation", conv.ID(), "error", err)
		return EmptyHistory, ctx.Err()
	}
	if len(recs) == 0 || recs[0].Fields[vectorindex.FieldTextBlob] == "" {
		return EmptyHistory, nil
	}
	return recs[0].Fields[vectorindex.FieldTextBlob], nil
}

// History returns the decoded turns of conv, oldest first. Under the append
// policy the turns of every stored document are concatenated.
func (s *Store) History(ctx context.Context, conv Conversation) ([]Turn, error) {
	if s.policy == PolicyOverwrite {
		blob, err := s.LoadLatest(ctx, conv)
		if err != nil {
			return nil, err
		}
		return DecodeTurns(blob)
	}

	if err := s.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	recs, err := s.idx.QueryFilter(ctx, vectorindex.FilterQuery{
		Filter: conv.filter(),
		Limit:  enumerateK,
		SortBy: vectorindex.FieldTimestamp,
	})
	if err != nil {
		return nil, err
	}
	var turns []Turn
	for _, r := range recs {
		doc, err := DecodeRecord(r.Key, r.Fields)
		if err != nil {
			s.log.Warn("skipping undecodable history record", "key", r.Key, "error", err)
			continue
		}
		turns = append(turns, doc.Turns...)
	}
	return turns, nil
}

// List returns documents matching filter. The index is asked first; if it
// returns nothing the key space under the prefix is scanned and filtered
// here, skipping records that do not decode.
func (s *Store) List(ctx context.Context, filter Conversation, limit int) ([]ChatDocument, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if err := s.EnsureIndex(ctx); err != nil {
		return nil, err
	}

	recs, err := s.idx.QueryFilter(ctx, vectorindex.FilterQuery{Filter: filter.filter(), Limit: limit})
	if err != nil {
		s.log.Warn("filter query failed, scanning", "error", err)
	}
	out := make([]ChatDocument, 0, len(recs))
	for _, r := range recs {
		doc, err := DecodeRecord(r.Key, r.Fields)
		if err != nil {
			s.log.Warn("skipping undecodable record", "key", r.Key, "error", err)
			continue
		}
		out = append(out, doc)
	}
	if len(out) > 0 {
		return out, nil
	}
	return s.scan(ctx, filter, limit)
}

func (s *Store) scan(ctx context.Context, filter Conversation, limit int) ([]ChatDocument, error) {
	var out []ChatDocument
	skipped := 0
	err := s.kv.Scan(ctx, s.schema.Prefix+":", func(key string, fields map[string]string) error {
		doc, err := DecodeRecord(key, fields)
		if err != nil {
			skipped++
			s.log.Warn("skipping undecodable record", "key", key, "error", err)
			return nil
		}
		if filter.matches(doc) {
			out = append(out, doc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.schema.Prefix, err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > limit {
		out = out[:limit]
	}
	s.log.Debug("listed by scan", "matched", len(out), "skipped", skipped)
	return out, nil
}

// Clear deletes every document and keeps the index.
func (s *Store) Clear(ctx context.Context) (int, error) {
	if err := s.EnsureIndex(ctx); err != nil {
		return 0, err
	}
	return s.idx.Clear(ctx)
}

// Drop removes the index and all its documents. The next operation
// recreates an empty index.
func (s *Store) Drop(ctx context.Context) error {
	exists, err := s.idx.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := s.idx.Drop(ctx); err != nil {
		return err
	}
	s.verified.Store(false)
	return nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	exists, err := s.idx.Exists(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Exists:    exists,
		Name:      s.schema.Name,
		Prefix:    s.schema.Prefix,
		Policy:    s.policy,
		Dims:      s.schema.Vector.Dims,
		Algorithm: s.schema.Vector.Algorithm,
	}, nil
}

// msClock hands out strictly increasing millisecond timestamps within the
// process, so two appends in the same millisecond still get distinct keys.
type msClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

func (c *msClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}
