package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/suPer8Hu/chat-memory/internal/logger"
)

// ChromemIndex is an embedded, in-process index: chromem-go does the KNN
// work and a hash map mirrors the key space so that keyed reads, mirror
// writes and scans behave like the Redis backend.
//
// A zero query vector has no direction, so such queries are answered from
// the tag filter alone with distance 1.
type ChromemIndex struct {
	db     *chromem.DB
	schema Schema
	log    *logger.Logger

	mu     sync.RWMutex
	col    *chromem.Collection          // nil until Create
	hashes map[string]map[string]string // every key, indexed or not
	docs   map[string]bool              // keys present in col
}

// NewChromemIndex wraps db; a nil db gets a fresh in-memory one.
func NewChromemIndex(db *chromem.DB, schema Schema, log *logger.Logger) (*ChromemIndex, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if db == nil {
		db = chromem.NewDB()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ChromemIndex{
		db:     db,
		schema: schema,
		log:    log.With("index", schema.Name, "backend", "chromem"),
		hashes: make(map[string]map[string]string),
		docs:   make(map[string]bool),
	}, nil
}

func (c *ChromemIndex) Schema() Schema { return c.schema }

func (c *ChromemIndex) Exists(_ context.Context) (bool, error) {
	return c.db.GetCollection(c.schema.Name, noEmbedding) != nil, nil
}

// noEmbedding keeps chromem from falling back to its default remote
// embedding function; vectors are always supplied by the caller.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("%w: vector must be supplied", ErrInvalidArgument)
}

// chromem collections carry no field layout, so the layout each process
// created a collection with is remembered here for conflict checks.
var chromemLayouts sync.Map // chromemLayoutKey -> map[string]string

type chromemLayoutKey struct {
	db   *chromem.DB
	name string
}

func (c *ChromemIndex) Create(_ context.Context, overwrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	layoutKey := chromemLayoutKey{db: c.db, name: c.schema.Name}

	existing := c.db.GetCollection(c.schema.Name, noEmbedding)
	if existing != nil && !overwrite {
		if got, ok := chromemLayouts.Load(layoutKey); ok && !sameAttributes(c.schema.attributeSet(), got.(map[string]string)) {
			return fmt.Errorf("%w: index %q has attributes %v", ErrSchemaConflict, c.schema.Name, got)
		}
		c.col = existing
		return nil
	}
	if existing != nil {
		if err := c.db.DeleteCollection(c.schema.Name); err != nil {
			return fmt.Errorf("drop collection: %w: %w", ErrIndexUnavailable, err)
		}
	}
	col, err := c.db.CreateCollection(c.schema.Name, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("create collection: %w: %w", ErrIndexUnavailable, err)
	}
	chromemLayouts.Store(layoutKey, c.schema.attributeSet())
	c.col = col
	c.docs = make(map[string]bool)

	// documents already under the prefix are picked up, as RediSearch does
	for key, fields := range c.hashes {
		if !strings.HasPrefix(key, c.schema.Prefix+":") {
			continue
		}
		if err := c.indexLocked(key, fields); err != nil {
			c.log.Warn("hash not indexable", "key", key, "error", err)
		}
	}
	c.log.Info("created index", "dims", c.schema.Vector.Dims)
	return nil
}

func (c *ChromemIndex) indexLocked(key string, fields map[string]string) error {
	raw, ok := fields[c.schema.Vector.Name]
	if !ok {
		return fmt.Errorf("%w: no vector field", ErrInvalidArgument)
	}
	vec, err := DecodeVector([]byte(raw))
	if err != nil {
		return err
	}
	if err := checkDims(vec, c.schema.Vector.Dims); err != nil {
		return err
	}
	meta := make(map[string]string, len(c.schema.Fields))
	for _, t := range c.schema.TagFields() {
		if v, ok := fields[t]; ok {
			meta[t] = v
		}
	}
	if isZero(vec) {
		// chromem cannot normalise a zero vector; keep it reachable by filter only
		return nil
	}
	err = c.col.AddDocument(context.Background(), chromem.Document{
		ID:        key,
		Content:   fields[FieldTextBlob],
		Embedding: append([]float32(nil), vec...),
		Metadata:  meta,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	c.docs[key] = true
	return nil
}

func (c *ChromemIndex) Load(ctx context.Context, docs []Document, keys []string) ([]string, error) {
	if err := validateLoad(c.schema, docs, keys); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.col == nil {
		return nil, fmt.Errorf("load %s: %w", c.schema.Name, ErrIndexNotFound)
	}
	for i, d := range docs {
		fields := make(map[string]string, len(d.Fields)+1)
		for k, v := range d.Fields {
			fields[k] = v
		}
		fields[c.schema.Vector.Name] = string(EncodeVector(d.Vector))
		if c.docs[keys[i]] {
			if err := c.col.Delete(ctx, nil, nil, keys[i]); err != nil {
				return keys[:i], fmt.Errorf("replace %s: %w: %w", keys[i], ErrIndexUnavailable, err)
			}
			delete(c.docs, keys[i])
		}
		c.hashes[keys[i]] = fields
		if err := c.indexLocked(keys[i], fields); err != nil {
			return keys[:i], fmt.Errorf("load %s: %w", keys[i], err)
		}
	}
	return append([]string(nil), keys...), nil
}

func (c *ChromemIndex) Query(ctx context.Context, q VectorQuery) ([]Record, error) {
	if err := validateQuery(c.schema, q); err != nil {
		return nil, err
	}
	if isZero(q.Vector) {
		recs, err := c.QueryFilter(ctx, FilterQuery{Filter: q.Filter, ReturnFields: q.ReturnFields, Limit: q.K})
		for i := range recs {
			recs[i].Distance = 1
		}
		return recs, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.col == nil {
		return nil, fmt.Errorf("vector query %s: %w", c.schema.Name, ErrIndexNotFound)
	}
	// chromem rejects nResults above the collection size
	n := q.K
	if count := c.col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := c.col.QueryEmbedding(ctx, q.Vector, n, q.Filter.Map(), nil)
	if err != nil {
		return nil, fmt.Errorf("vector query %s: %w: %w", c.schema.Name, ErrIndexUnavailable, err)
	}
	out := make([]Record, 0, len(results))
	for _, res := range results {
		fields, ok := c.hashes[res.ID]
		if !ok {
			continue
		}
		dist := 1 - float64(res.Similarity)
		if dist < 0 {
			dist = 0
		}
		rec := Record{Key: res.ID, Fields: project(fields, q.ReturnFields, c.schema.Vector.Name), Distance: dist}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func (c *ChromemIndex) QueryFilter(_ context.Context, q FilterQuery) ([]Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.col == nil {
		return nil, fmt.Errorf("filter query %s: %w", c.schema.Name, ErrIndexNotFound)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	keys := c.indexedKeysLocked()
	matched := make([]string, 0, len(keys))
	for _, k := range keys {
		if q.Filter.Matches(c.hashes[k]) {
			matched = append(matched, k)
		}
	}
	if q.SortBy != "" {
		num := func(k string) float64 {
			f, _ := strconv.ParseFloat(c.hashes[k][q.SortBy], 64)
			return f
		}
		sort.SliceStable(matched, func(i, j int) bool {
			if q.Desc {
				return num(matched[i]) > num(matched[j])
			}
			return num(matched[i]) < num(matched[j])
		})
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Record, 0, len(matched))
	for _, k := range matched {
		out = append(out, Record{Key: k, Fields: project(c.hashes[k], q.ReturnFields, c.schema.Vector.Name)})
	}
	return out, nil
}

// indexedKeysLocked lists keys under the prefix that carry a valid vector,
// sorted for a stable order.
func (c *ChromemIndex) indexedKeysLocked() []string {
	keys := make([]string, 0, len(c.hashes))
	for k, fields := range c.hashes {
		if !strings.HasPrefix(k, c.schema.Prefix+":") {
			continue
		}
		if c.docs[k] || hasZeroVector(fields[c.schema.Vector.Name], c.schema.Vector.Dims) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func hasZeroVector(raw string, dims int) bool {
	if raw == "" {
		return false
	}
	vec, err := DecodeVector([]byte(raw))
	return err == nil && len(vec) == dims && isZero(vec)
}

func (c *ChromemIndex) DeleteByKey(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docs[key] && c.col != nil {
		if err := c.col.Delete(ctx, nil, nil, key); err != nil {
			return false, fmt.Errorf("delete %s: %w: %w", key, ErrIndexUnavailable, err)
		}
		delete(c.docs, key)
	}
	if _, ok := c.hashes[key]; !ok {
		return false, nil
	}
	delete(c.hashes, key)
	return true, nil
}

func (c *ChromemIndex) Clear(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.hashes {
		if strings.HasPrefix(k, c.schema.Prefix+":") {
			delete(c.hashes, k)
			n++
		}
	}
	if c.col != nil {
		if err := c.db.DeleteCollection(c.schema.Name); err != nil {
			return n, fmt.Errorf("clear %s: %w: %w", c.schema.Name, ErrIndexUnavailable, err)
		}
		col, err := c.db.CreateCollection(c.schema.Name, nil, noEmbedding)
		if err != nil {
			return n, fmt.Errorf("clear %s: %w: %w", c.schema.Name, ErrIndexUnavailable, err)
		}
		c.col = col
	}
	c.docs = make(map[string]bool)
	c.log.Info("cleared index documents", "count", n)
	return n, nil
}

func (c *ChromemIndex) Drop(ctx context.Context) error {
	c.mu.Lock()
	if c.col == nil {
		c.mu.Unlock()
		return fmt.Errorf("drop %s: %w", c.schema.Name, ErrIndexNotFound)
	}
	c.mu.Unlock()

	if _, err := c.Clear(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.DeleteCollection(c.schema.Name); err != nil {
		return fmt.Errorf("drop %s: %w: %w", c.schema.Name, ErrIndexUnavailable, err)
	}
	c.col = nil
	chromemLayouts.Delete(chromemLayoutKey{db: c.db, name: c.schema.Name})
	c.log.Info("dropped index with documents")
	return nil
}

func (c *ChromemIndex) SetText(_ context.Context, key, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	fields, ok := c.hashes[key]
	if !ok {
		fields = make(map[string]string, 1)
		c.hashes[key] = fields
	}
	fields[FieldTextBlob] = text
	return nil
}

func (c *ChromemIndex) GetText(_ context.Context, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fields, ok := c.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := fields[FieldTextBlob]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// PutHash writes raw fields at key without indexing them, the way a foreign
// writer would. Used to seed catalogs and to reproduce unindexed records.
func (c *ChromemIndex) PutHash(_ context.Context, key string, fields map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	c.hashes[key] = cp
}

func (c *ChromemIndex) Scan(_ context.Context, prefix string, fn func(key string, fields map[string]string) error) error {
	c.mu.RLock()
	keys := make([]string, 0, len(c.hashes))
	snapshot := make(map[string]map[string]string)
	for k, fields := range c.hashes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		cp := make(map[string]string, len(fields))
		for fk, fv := range fields {
			cp[fk] = fv
		}
		keys = append(keys, k)
		snapshot[k] = cp
	}
	c.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}
