package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/chat-memory/internal/logger"
)

const scanBatch = 500

// RedisIndex is a RediSearch index over hashes. The client must speak RESP2;
// search replies are only stable there.
type RedisIndex struct {
	rdb    *redis.Client
	schema Schema
	log    *logger.Logger
}

func NewRedisIndex(rdb *redis.Client, schema Schema, log *logger.Logger) (*RedisIndex, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RedisIndex{
		rdb:    rdb,
		schema: schema,
		log:    log.With("index", schema.Name),
	}, nil
}

func (r *RedisIndex) Schema() Schema { return r.schema }

func (r *RedisIndex) Exists(ctx context.Context) (bool, error) {
	names, err := r.rdb.FT_List(ctx).Result()
	if err != nil {
		return false, r.wrap("list indexes", err)
	}
	for _, n := range names {
		if n == r.schema.Name {
			return true, nil
		}
	}
	return false, nil
}

func (r *RedisIndex) Create(ctx context.Context, overwrite bool) error {
	exists, err := r.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		if !overwrite {
			return r.checkCompatible(ctx)
		}
		// keep documents; they are re-indexed under the new definition
		if err := r.rdb.FTDropIndex(ctx, r.schema.Name).Err(); err != nil {
			return r.wrap("drop index", err)
		}
		r.log.Info("dropped index for overwrite")
	}

	err = r.rdb.FTCreate(ctx, r.schema.Name, &redis.FTCreateOptions{
		OnHash: true,
		Prefix: []interface{}{r.schema.Prefix + ":"},
	}, fieldSchemas(r.schema)...).Err()
	if err != nil {
		// lost a race with another process provisioning the same index
		if strings.Contains(strings.ToLower(err.Error()), "index already exists") && !overwrite {
			return r.checkCompatible(ctx)
		}
		return r.wrap("create index", err)
	}
	r.log.Info("created index", "prefix", r.schema.Prefix, "dims", r.schema.Vector.Dims, "algorithm", r.schema.Vector.Algorithm)
	return nil
}

func (r *RedisIndex) checkCompatible(ctx context.Context) error {
	info, err := r.rdb.FTInfo(ctx, r.schema.Name).Result()
	if err != nil {
		return r.wrap("index info", err)
	}
	got := infoAttributes(info.Attributes)
	if !sameAttributes(r.schema.attributeSet(), got) {
		return fmt.Errorf("%w: index %q has attributes %v", ErrSchemaConflict, r.schema.Name, got)
	}
	return nil
}

// infoAttributes reduces FT.INFO attributes to the attributeSet shape.
// go-redis does not report the tag separator, so only case sensitivity is
// compared; an index built with default tag options fails on that alone.
func infoAttributes(attrs []redis.FTAttribute) map[string]string {
	got := make(map[string]string, len(attrs))
	for _, a := range attrs {
		name := a.Attribute
		if name == "" {
			name = a.Identifier
		}
		got[name] = attributeKind(a.Type, strings.EqualFold(a.Type, "TAG") && a.CaseSensitive)
	}
	return got
}

func fieldSchemas(s Schema) []*redis.FieldSchema {
	out := make([]*redis.FieldSchema, 0, len(s.Fields)+1)
	for _, f := range s.Fields {
		fs := &redis.FieldSchema{FieldName: f.Name, Sortable: f.Sortable}
		switch f.Kind {
		case FieldTag:
			fs.FieldType = redis.SearchFieldTypeTag
			fs.Separator = f.Separator
			if f.Exact {
				fs.Separator = ExactTagSeparator
				fs.CaseSensitive = true
			}
		case FieldNumeric:
			fs.FieldType = redis.SearchFieldTypeNumeric
		default:
			fs.FieldType = redis.SearchFieldTypeText
		}
		out = append(out, fs)
	}

	v := s.Vector
	args := &redis.FTVectorArgs{}
	if v.Algorithm == AlgorithmHNSW {
		args.HNSWOptions = &redis.FTHNSWOptions{Type: v.DataType, Dim: v.Dims, DistanceMetric: v.Metric}
	} else {
		args.FlatOptions = &redis.FTFlatOptions{Type: v.DataType, Dim: v.Dims, DistanceMetric: v.Metric}
	}
	out = append(out, &redis.FieldSchema{
		FieldName:  v.Name,
		FieldType:  redis.SearchFieldTypeVector,
		VectorArgs: args,
	})
	return out
}

func (r *RedisIndex) Load(ctx context.Context, docs []Document, keys []string) ([]string, error) {
	if err := validateLoad(r.schema, docs, keys); err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, d := range docs {
			values := make(map[string]interface{}, len(d.Fields)+1)
			for k, v := range d.Fields {
				values[k] = v
			}
			values[r.schema.Vector.Name] = EncodeVector(d.Vector)
			pipe.Del(ctx, keys[i])
			pipe.HSet(ctx, keys[i], values)
		}
		return nil
	})
	if err != nil {
		return nil, r.wrap("load", err)
	}
	return append([]string(nil), keys...), nil
}

func (r *RedisIndex) Query(ctx context.Context, q VectorQuery) ([]Record, error) {
	if err := validateQuery(r.schema, q); err != nil {
		return nil, err
	}
	expr, opts := knnSearch(r.schema.Vector.Name, q)
	res, err := r.rdb.FTSearchWithArgs(ctx, r.schema.Name, expr, opts).Result()
	if err != nil {
		return nil, r.wrap("vector query", err)
	}
	out := make([]Record, 0, len(res.Docs))
	for _, d := range res.Docs {
		dist, _ := strconv.ParseFloat(d.Fields[DistanceField], 64)
		out = append(out, Record{
			Key:      d.ID,
			Fields:   project(d.Fields, q.ReturnFields, r.schema.Vector.Name),
			Distance: dist,
		})
	}
	return out, nil
}

func (r *RedisIndex) QueryFilter(ctx context.Context, q FilterQuery) ([]Record, error) {
	expr, opts := filterSearch(q)
	res, err := r.rdb.FTSearchWithArgs(ctx, r.schema.Name, expr, opts).Result()
	if err != nil {
		return nil, r.wrap("filter query", err)
	}
	out := make([]Record, 0, len(res.Docs))
	for _, d := range res.Docs {
		out = append(out, Record{Key: d.ID, Fields: project(d.Fields, q.ReturnFields, r.schema.Vector.Name)})
	}
	return out, nil
}

// knnSearch builds the FT.SEARCH expression and options for a KNN query,
// e.g. `(@agent:{a})=>[KNN 3 @embedding $vec AS vector_distance]`.
func knnSearch(vectorField string, q VectorQuery) (string, *redis.FTSearchOptions) {
	base := q.Filter.String()
	if !q.Filter.Empty() {
		base = "(" + base + ")"
	}
	expr := fmt.Sprintf("%s=>[KNN %d @%s $vec AS %s]", base, q.K, vectorField, DistanceField)

	opts := &redis.FTSearchOptions{
		SortBy:         []redis.FTSearchSortBy{{FieldName: DistanceField, Asc: true}},
		LimitOffset:    0,
		Limit:          q.K,
		Params:         map[string]interface{}{"vec": EncodeVector(q.Vector)},
		DialectVersion: 2,
	}
	if len(q.ReturnFields) > 0 {
		opts.Return = returns(append(append([]string(nil), q.ReturnFields...), DistanceField))
	}
	return expr, opts
}

func filterSearch(q FilterQuery) (string, *redis.FTSearchOptions) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	opts := &redis.FTSearchOptions{
		LimitOffset:    0,
		Limit:          limit,
		DialectVersion: 2,
	}
	if len(q.ReturnFields) > 0 {
		opts.Return = returns(q.ReturnFields)
	}
	if q.SortBy != "" {
		opts.SortBy = []redis.FTSearchSortBy{{FieldName: q.SortBy, Asc: !q.Desc, Desc: q.Desc}}
	}
	return q.Filter.String(), opts
}

func returns(fields []string) []redis.FTSearchReturn {
	out := make([]redis.FTSearchReturn, 0, len(fields))
	for _, f := range fields {
		out = append(out, redis.FTSearchReturn{FieldName: f})
	}
	return out
}

func (r *RedisIndex) DeleteByKey(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, r.wrap("delete", err)
	}
	return n > 0, nil
}

func (r *RedisIndex) Clear(ctx context.Context) (int, error) {
	total := 0
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.schema.KeyPattern(), scanBatch).Result()
		if err != nil {
			return total, r.wrap("scan", err)
		}
		if len(keys) > 0 {
			n, err := r.rdb.Unlink(ctx, keys...).Result()
			if err != nil {
				return total, r.wrap("unlink", err)
			}
			total += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	r.log.Info("cleared index documents", "count", total)
	return total, nil
}

func (r *RedisIndex) Drop(ctx context.Context) error {
	err := r.rdb.FTDropIndexWithArgs(ctx, r.schema.Name, &redis.FTDropIndexOptions{DeleteDocs: true}).Err()
	if err != nil {
		return r.wrap("drop index", err)
	}
	r.log.Info("dropped index with documents")
	return nil
}

func (r *RedisIndex) wrap(op string, err error) error {
	return wrapRedisErr(op+" "+r.schema.Name, err)
}

func wrapRedisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unknown index name") || strings.Contains(msg, "no such index") {
		return fmt.Errorf("%s: %w: %w", op, ErrIndexNotFound, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIndexUnavailable, err)
}

// RedisKV exposes the plain hash operations over the same keys the index covers.
type RedisKV struct {
	rdb *redis.Client
}

func NewRedisKV(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (k *RedisKV) SetText(ctx context.Context, key, text string) error {
	if err := k.rdb.HSet(ctx, key, FieldTextBlob, text).Err(); err != nil {
		return wrapRedisErr("hset "+key, err)
	}
	return nil
}

func (k *RedisKV) GetText(ctx context.Context, key string) (string, error) {
	v, err := k.rdb.HGet(ctx, key, FieldTextBlob).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrapRedisErr("hget "+key, err)
	}
	return v, nil
}

func (k *RedisKV) Scan(ctx context.Context, prefix string, fn func(key string, fields map[string]string) error) error {
	var cursor uint64
	for {
		keys, next, err := k.rdb.Scan(ctx, cursor, prefix+"*", scanBatch).Result()
		if err != nil {
			return wrapRedisErr("scan "+prefix, err)
		}
		if len(keys) > 0 {
			cmds := make([]*redis.MapStringStringCmd, len(keys))
			_, err := k.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
				for i, key := range keys {
					cmds[i] = p.HGetAll(ctx, key)
				}
				return nil
			})
			var replyErr redis.Error
			if err != nil && !errors.As(err, &replyErr) {
				return wrapRedisErr("hgetall", err)
			}
			if err := visitHashes(keys, cmds, fn); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// visitHashes calls fn for each key whose HGETALL returned fields. Non-hash
// keys (WRONGTYPE) and keys deleted mid-scan are not records.
func visitHashes(keys []string, cmds []*redis.MapStringStringCmd, fn func(key string, fields map[string]string) error) error {
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		if err := fn(keys[i], fields); err != nil {
			return err
		}
	}
	return nil
}
