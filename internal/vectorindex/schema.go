package vectorindex

import (
	"fmt"
	"strings"
)

type FieldKind int

const (
	FieldText FieldKind = iota + 1
	FieldTag
	FieldNumeric
	FieldVector
)

func (k FieldKind) String() string {
	switch k {
	case FieldText:
		return "TEXT"
	case FieldTag:
		return "TAG"
	case FieldNumeric:
		return "NUMERIC"
	case FieldVector:
		return "VECTOR"
	default:
		return "UNKNOWN"
	}
}

const (
	AlgorithmFlat = "flat"
	AlgorithmHNSW = "hnsw"

	MetricCosine = "COSINE"
	TypeFloat32  = "FLOAT32"
)

type Field struct {
	Name     string
	Kind     FieldKind
	Sortable bool
	// Separator applies to TAG fields holding joined lists.
	Separator string
	// Exact marks a single-valued TAG matched case-sensitively and never
	// split. Values may not contain ExactTagSeparator.
	Exact bool
}

// ExactTagSeparator is the separator declared for exact tags. RediSearch
// splits every TAG on some character, so exact tags get one no id uses.
const ExactTagSeparator = "\x1f"

type VectorField struct {
	Name      string
	Dims      int
	Algorithm string
	Metric    string
	DataType  string
}

// Schema is the fixed field layout of one index. Documents live under
// Prefix + ":" + suffix keys.
type Schema struct {
	Name   string
	Prefix string
	Fields []Field
	Vector VectorField
}

// Chat document field names.
const (
	FieldID        = "id"
	FieldTextBlob  = "text"
	FieldAgent     = "agent"
	FieldUserID    = "user_id"
	FieldSessionID = "session_id"
	FieldEmbedding = "embedding"
	FieldTimestamp = "timestamp"

	// DistanceField is the alias KNN scores are returned under.
	DistanceField = "vector_distance"
)

// ChatSchema returns the chat memory layout. withTimestamp adds the sortable
// numeric timestamp used by the append policy, which makes the two policies'
// schemas deliberately incompatible.
func ChatSchema(name, prefix string, dims int, algorithm string, withTimestamp bool) Schema {
	fields := []Field{
		{Name: FieldID, Kind: FieldText},
		{Name: FieldTextBlob, Kind: FieldText},
		{Name: FieldAgent, Kind: FieldTag, Exact: true},
		{Name: FieldUserID, Kind: FieldTag, Exact: true},
		{Name: FieldSessionID, Kind: FieldTag, Exact: true},
	}
	if withTimestamp {
		fields = append(fields, Field{Name: FieldTimestamp, Kind: FieldNumeric, Sortable: true})
	}
	return Schema{
		Name:   name,
		Prefix: strings.TrimRight(prefix, ":"),
		Fields: fields,
		Vector: VectorField{
			Name:      FieldEmbedding,
			Dims:      dims,
			Algorithm: normalizeAlgorithm(algorithm),
			Metric:    MetricCosine,
			DataType:  TypeFloat32,
		},
	}
}

func normalizeAlgorithm(a string) string {
	if strings.EqualFold(strings.TrimSpace(a), AlgorithmHNSW) {
		return AlgorithmHNSW
	}
	return AlgorithmFlat
}

func (s Schema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: index name required", ErrInvalidArgument)
	}
	if strings.TrimSpace(s.Prefix) == "" {
		return fmt.Errorf("%w: key prefix required", ErrInvalidArgument)
	}
	if s.Vector.Name == "" || s.Vector.Dims <= 0 {
		return fmt.Errorf("%w: vector field needs a name and positive dimension", ErrInvalidArgument)
	}
	seen := map[string]bool{s.Vector.Name: true}
	for _, f := range s.Fields {
		if f.Name == "" || seen[f.Name] {
			return fmt.Errorf("%w: duplicate or empty field %q", ErrInvalidArgument, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Key joins the schema prefix with a document suffix.
func (s Schema) Key(suffix string) string {
	return s.Prefix + ":" + suffix
}

// KeyPattern matches every document key of the schema.
func (s Schema) KeyPattern() string {
	return s.Prefix + ":*"
}

func (s Schema) TagFields() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Kind == FieldTag {
			out = append(out, f.Name)
		}
	}
	return out
}

func (s Schema) field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// attributeSet is the comparable shape used to detect schema conflicts.
// Exact tags carry a CASESENSITIVE suffix so an index created with default
// tag options does not pass as compatible.
func (s Schema) attributeSet() map[string]string {
	out := make(map[string]string, len(s.Fields)+1)
	for _, f := range s.Fields {
		out[f.Name] = attributeKind(f.Kind.String(), f.Kind == FieldTag && f.Exact)
	}
	out[s.Vector.Name] = FieldVector.String()
	return out
}

func attributeKind(kind string, caseSensitive bool) string {
	if caseSensitive {
		return kind + " CASESENSITIVE"
	}
	return kind
}

func sameAttributes(want, got map[string]string) bool {
	if len(want) != len(got) {
		return false
	}
	for name, kind := range want {
		if !strings.EqualFold(got[name], kind) {
			return false
		}
	}
	return true
}
