package vectorindex

import (
	"context"
	"fmt"
	"strings"
)

// Document is one flat record: scalar fields by name plus the vector.
type Document struct {
	Fields map[string]string
	Vector []float32
}

// Record is a query hit. Distance is the cosine distance for vector queries
// and zero for filter-only queries.
type Record struct {
	Key      string
	Fields   map[string]string
	Distance float64
}

type VectorQuery struct {
	Vector       []float32
	Filter       Filter
	ReturnFields []string
	K            int
}

type FilterQuery struct {
	Filter       Filter
	ReturnFields []string
	Limit        int
	// SortBy names a sortable numeric field; empty keeps index order.
	SortBy string
	Desc   bool
}

// Index is a keyed store of tag, text and vector fields with filtered
// similarity search. Callers must provision it (Exists/Create) before use;
// existence is not guaranteed to survive restarts of the backing store.
type Index interface {
	Schema() Schema
	Exists(ctx context.Context) (bool, error)
	Create(ctx context.Context, overwrite bool) error
	// Load upserts docs[i] at keys[i], replacing every stored field.
	Load(ctx context.Context, docs []Document, keys []string) ([]string, error)
	Query(ctx context.Context, q VectorQuery) ([]Record, error)
	QueryFilter(ctx context.Context, q FilterQuery) ([]Record, error)
	DeleteByKey(ctx context.Context, key string) (bool, error)
	// Clear removes all documents and keeps the index.
	Clear(ctx context.Context) (int, error)
	// Drop removes the index and its documents.
	Drop(ctx context.Context) error
}

// KeyValue is the plain hash view of the same key space.
type KeyValue interface {
	SetText(ctx context.Context, key, text string) error
	GetText(ctx context.Context, key string) (string, error)
	// Scan visits every key under prefix with its raw fields. Returning an
	// error from fn stops the scan.
	Scan(ctx context.Context, prefix string, fn func(key string, fields map[string]string) error) error
}

// validateLoad checks a whole batch before anything is written.
func validateLoad(s Schema, docs []Document, keys []string) error {
	if len(docs) != len(keys) {
		return fmt.Errorf("%w: %d documents but %d keys", ErrInvalidArgument, len(docs), len(keys))
	}
	for i, d := range docs {
		if keys[i] == "" {
			return fmt.Errorf("%w: empty key at position %d", ErrInvalidArgument, i)
		}
		for _, f := range s.Fields {
			if f.Kind != FieldTag {
				continue
			}
			v, ok := d.Fields[f.Name]
			if !ok {
				return fmt.Errorf("%w: document %q has no value for tag field %q", ErrInvalidArgument, keys[i], f.Name)
			}
			if f.Exact && strings.Contains(v, ExactTagSeparator) {
				return fmt.Errorf("%w: tag field %q of document %q contains a control separator", ErrInvalidArgument, f.Name, keys[i])
			}
		}
		if err := checkDims(d.Vector, s.Vector.Dims); err != nil {
			return fmt.Errorf("document %q: %w", keys[i], err)
		}
	}
	return nil
}

func validateQuery(s Schema, q VectorQuery) error {
	if q.K <= 0 {
		return fmt.Errorf("%w: k must be positive", ErrInvalidArgument)
	}
	return checkDims(q.Vector, s.Vector.Dims)
}

// project keeps only the requested fields; nil returns everything but the vector.
func project(fields map[string]string, want []string, vectorField string) map[string]string {
	out := make(map[string]string, len(fields))
	if len(want) == 0 {
		for k, v := range fields {
			if k != vectorField {
				out[k] = v
			}
		}
		return out
	}
	for _, k := range want {
		if v, ok := fields[k]; ok {
			out[k] = v
		}
	}
	return out
}
