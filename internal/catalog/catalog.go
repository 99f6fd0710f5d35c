// Package catalog stores the agent's tool and inventory catalog in the
// vector index, using an extended schema next to the chat documents.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/suPer8Hu/chat-memory/internal/embedding"
	"github.com/suPer8Hu/chat-memory/internal/logger"
	"github.com/suPer8Hu/chat-memory/internal/vectorindex"
)

// Schema is the extended catalog layout.
func Schema(name, prefix string, dims int, algorithm string) vectorindex.Schema {
	s := vectorindex.ChatSchema(name, prefix, dims, algorithm, false)
	s.Fields = []vectorindex.Field{
		{Name: "id", Kind: vectorindex.FieldText},
		{Name: "name", Kind: vectorindex.FieldText},
		{Name: "type", Kind: vectorindex.FieldText},
		{Name: "status", Kind: vectorindex.FieldText},
		{Name: "location", Kind: vectorindex.FieldText},
		{Name: "unit", Kind: vectorindex.FieldText},
		{Name: vectorindex.FieldTextBlob, Kind: vectorindex.FieldText},
		{Name: "quantity", Kind: vectorindex.FieldNumeric},
		{Name: "weight", Kind: vectorindex.FieldNumeric},
		{Name: "dim_length", Kind: vectorindex.FieldNumeric},
		{Name: "dim_width", Kind: vectorindex.FieldNumeric},
		{Name: "dim_height", Kind: vectorindex.FieldNumeric},
		{Name: "created_at", Kind: vectorindex.FieldText},
		{Name: "updated_at", Kind: vectorindex.FieldText},
		{Name: "tags", Kind: vectorindex.FieldTag, Separator: ","},
		{Name: "metadata", Kind: vectorindex.FieldText},
		{Name: "images", Kind: vectorindex.FieldText},
	}
	return s
}

type Catalog struct {
	idx   vectorindex.Index
	kv    vectorindex.KeyValue
	embed *embedding.Pool
	log   *logger.Logger

	// verified is set once an existing index's layout has been checked.
	verified atomic.Bool
}

func New(idx vectorindex.Index, kv vectorindex.KeyValue, pool *embedding.Pool, log *logger.Logger) *Catalog {
	if log == nil {
		log = logger.Nop()
	}
	return &Catalog{idx: idx, kv: kv, embed: pool, log: log.With("component", "catalog")}
}

// Load reads every item under the catalog prefix straight from the key
// space. Records that fail to parse are logged and skipped.
func (c *Catalog) Load(ctx context.Context) ([]Item, error) {
	prefix := c.idx.Schema().Prefix + ":"
	var items []Item
	err := c.kv.Scan(ctx, prefix, func(key string, fields map[string]string) error {
		it, err := decodeItem(fields)
		if err != nil {
			c.log.Warn("skipping catalog record", "key", key, "error", err)
			return nil
		}
		items = append(items, it)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// Upsert embeds and stores items at <prefix>:<id>.
func (c *Catalog) Upsert(ctx context.Context, items []Item) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if err := c.ensureIndex(ctx); err != nil {
		return nil, err
	}
	texts := make([]string, len(items))
	for i, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("%w: item %d has no id", vectorindex.ErrInvalidArgument, i)
		}
		texts[i] = it.Text()
	}
	vecs, err := c.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	schema := c.idx.Schema()
	docs := make([]vectorindex.Document, len(items))
	keys := make([]string, len(items))
	for i, it := range items {
		fields, err := encodeItem(it)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", it.ID, err)
		}
		docs[i] = vectorindex.Document{Fields: fields, Vector: vecs[i]}
		keys[i] = schema.Key(it.ID)
	}
	return c.idx.Load(ctx, docs, keys)
}

// Search finds the k items closest to query.
func (c *Catalog) Search(ctx context.Context, query string, k int) ([]Item, error) {
	if k <= 0 {
		k = 5
	}
	if err := c.ensureIndex(ctx); err != nil {
		return nil, err
	}
	vec, err := c.embed.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	recs, err := c.idx.Query(ctx, vectorindex.VectorQuery{Vector: vec, K: k})
	if err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(recs))
	for _, r := range recs {
		it, err := decodeItem(r.Fields)
		if err != nil {
			c.log.Warn("skipping catalog hit", "key", r.Key, "error", err)
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// ensureIndex provisions the catalog index, and the first time it meets an
// existing one verifies its layout; a stale index is ErrSchemaConflict.
func (c *Catalog) ensureIndex(ctx context.Context) error {
	exists, err := c.idx.Exists(ctx)
	if err != nil {
		return err
	}
	if exists && c.verified.Load() {
		return nil
	}
	if err := c.idx.Create(ctx, false); err != nil {
		return err
	}
	c.verified.Store(true)
	return nil
}
