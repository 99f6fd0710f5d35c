package vectorindex

import (
	"strings"
)

// TagClause is one exact-match equality on a tag field.
type TagClause struct {
	Field string
	Value string
}

// Filter is an AND of tag equalities. The zero value matches everything.
type Filter []TagClause

// And appends a clause unless value is empty; an empty tag can never match,
// so empty means "unbound".
func (f Filter) And(field, value string) Filter {
	if value == "" {
		return f
	}
	return append(f, TagClause{Field: field, Value: value})
}

func (f Filter) Empty() bool { return len(f) == 0 }

// String renders the RediSearch expression, e.g. `@agent:{a} @user_id:{u}`.
// Values are escaped; "*" is returned for an empty filter.
func (f Filter) String() string {
	if len(f) == 0 {
		return "*"
	}
	parts := make([]string, 0, len(f))
	for _, c := range f {
		parts = append(parts, "@"+c.Field+":{"+EscapeTag(c.Value)+"}")
	}
	return strings.Join(parts, " ")
}

// Map returns the filter as field->value, for engines that take metadata maps.
func (f Filter) Map() map[string]string {
	if len(f) == 0 {
		return nil
	}
	out := make(map[string]string, len(f))
	for _, c := range f {
		out[c.Field] = c.Value
	}
	return out
}

// Matches evaluates the filter against stored fields.
func (f Filter) Matches(fields map[string]string) bool {
	for _, c := range f {
		v, ok := fields[c.Field]
		if !ok || v != c.Value {
			return false
		}
	}
	return true
}

const tagSpecials = ",.<>{}[]\"':;!@#$%^&*()-+=~/|\\ "

// EscapeTag backslash-escapes every character the query parser treats as
// syntax inside a tag value. Unescaped values make the filter silently match
// nothing (or the wrong documents).
func EscapeTag(v string) string {
	var b strings.Builder
	b.Grow(len(v) + 8)
	for _, r := range v {
		if strings.ContainsRune(tagSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
