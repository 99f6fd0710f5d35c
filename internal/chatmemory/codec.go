package chatmemory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suPer8Hu/chat-memory/internal/vectorindex"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation, flattened to plain text.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// EmptyHistory is what read paths return when a conversation has no stored turns.
const EmptyHistory = "[]"

// DecodeError reports a stored record that could not be parsed. Listing skips
// such records instead of failing.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Key == "" {
		return "decode chat record: " + e.Err.Error()
	}
	return fmt.Sprintf("decode chat record %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type userTurn struct {
	Role string `json:"role"`
	Type string `json:"type"`
	Text string `json:"text"`
}

// assistant content is a part list so it can grow non-text parts later
type assistantTurn struct {
	Role string        `json:"role"`
	Type string        `json:"type"`
	Text []contentPart `json:"text"`
}

// EncodeTurns serializes turns into the stored blob. Turns with roles other
// than user and assistant are dropped. Non-ASCII text is written verbatim.
func EncodeTurns(turns []Turn) (string, error) {
	wire := make([]any, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			wire = append(wire, userTurn{Role: string(RoleUser), Type: "text", Text: t.Text})
		case RoleAssistant:
			wire = append(wire, assistantTurn{
				Role: string(RoleAssistant),
				Type: "text",
				Text: []contentPart{{Type: "text", Text: t.Text}},
			})
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wire); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

type storedTurn struct {
	Role    string          `json:"role"`
	Text    json.RawMessage `json:"text"`
	Content json.RawMessage `json:"content"`
}

// DecodeTurns parses a stored blob. Content given as a part list is joined
// into one string; turns with unknown or missing roles are skipped.
func DecodeTurns(blob string) ([]Turn, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, &DecodeError{Err: errors.New("empty text")}
	}
	var stored []storedTurn
	if err := json.Unmarshal([]byte(blob), &stored); err != nil {
		return nil, &DecodeError{Err: err}
	}
	out := make([]Turn, 0, len(stored))
	for _, st := range stored {
		role := Role(st.Role)
		if role != RoleUser && role != RoleAssistant {
			continue
		}
		raw := st.Text
		if len(raw) == 0 {
			raw = st.Content
		}
		text, err := flattenContent(raw)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}
		out = append(out, Turn{Role: role, Text: text})
	}
	return out, nil
}

func flattenContent(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// EncodeDocument maps a ChatDocument to index fields. Every tag field is
// written, empty when unset.
func EncodeDocument(d ChatDocument) vectorindex.Document {
	fields := map[string]string{
		vectorindex.FieldID:        d.ID,
		vectorindex.FieldTextBlob:  d.Text,
		vectorindex.FieldAgent:     d.Agent,
		vectorindex.FieldUserID:    d.UserID,
		vectorindex.FieldSessionID: d.SessionID,
	}
	if d.Timestamp > 0 {
		fields[vectorindex.FieldTimestamp] = strconv.FormatInt(d.Timestamp, 10)
	}
	return vectorindex.Document{Fields: fields, Vector: d.Embedding}
}

// DecodeRecord rebuilds a ChatDocument from stored fields. The text blob must
// parse; missing tags read as empty.
func DecodeRecord(key string, fields map[string]string) (ChatDocument, error) {
	text, ok := fields[vectorindex.FieldTextBlob]
	if !ok {
		return ChatDocument{}, &DecodeError{Key: key, Err: errors.New("no text field")}
	}
	turns, err := DecodeTurns(text)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			err = de.Err
		}
		return ChatDocument{}, &DecodeError{Key: key, Err: err}
	}
	doc := ChatDocument{
		Key:       key,
		ID:        fields[vectorindex.FieldID],
		Text:      text,
		Agent:     fields[vectorindex.FieldAgent],
		UserID:    fields[vectorindex.FieldUserID],
		SessionID: fields[vectorindex.FieldSessionID],
		Turns:     turns,
	}
	if ts := fields[vectorindex.FieldTimestamp]; ts != "" {
		n, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			return ChatDocument{}, &DecodeError{Key: key, Err: fmt.Errorf("timestamp: %w", err)}
		}
		doc.Timestamp = int64(n)
	}
	return doc, nil
}
