package chatmemory

import (
	"fmt"
	"strings"

	"github.com/suPer8Hu/chat-memory/internal/vectorindex"
)

// Conversation identifies one chat thread. Empty fields are legal and are
// stored as empty tags; in filters an empty field is left unbound.
type Conversation struct {
	Agent     string `json:"agent"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// ID is the logical document id, agent:user_id:session_id.
func (c Conversation) ID() string {
	return c.Agent + ":" + c.UserID + ":" + c.SessionID
}

// validateKeyParts keeps ID unambiguous: with ':' only allowed in the last
// part, ("a:b","c","d") and ("a","b:c","d") cannot share a key.
func (c Conversation) validateKeyParts() error {
	if strings.Contains(c.Agent, ":") {
		return fmt.Errorf("%w: agent %q contains ':'", vectorindex.ErrInvalidArgument, c.Agent)
	}
	if strings.Contains(c.UserID, ":") {
		return fmt.Errorf("%w: user_id %q contains ':'", vectorindex.ErrInvalidArgument, c.UserID)
	}
	return nil
}

func (c Conversation) filter() vectorindex.Filter {
	return vectorindex.Filter{}.
		And(vectorindex.FieldAgent, c.Agent).
		And(vectorindex.FieldUserID, c.UserID).
		And(vectorindex.FieldSessionID, c.SessionID)
}

func (c Conversation) matches(d ChatDocument) bool {
	return (c.Agent == "" || c.Agent == d.Agent) &&
		(c.UserID == "" || c.UserID == d.UserID) &&
		(c.SessionID == "" || c.SessionID == d.SessionID)
}

type ChatDocument struct {
	Key       string    `json:"key"`
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Agent     string    `json:"agent"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Turns     []Turn    `json:"turns,omitempty"`
	Embedding []float32 `json:"-"`
}

func (d ChatDocument) Conversation() Conversation {
	return Conversation{Agent: d.Agent, UserID: d.UserID, SessionID: d.SessionID}
}

type ScoredDocument struct {
	ChatDocument
	Distance float64 `json:"distance"`
}

type SaveResult struct {
	Keys      []string `json:"keys"`
	Status    string   `json:"status"`
	SessionID string   `json:"session_id"`
}

type Stats struct {
	Exists    bool   `json:"exists"`
	Name      string `json:"name"`
	Prefix    string `json:"prefix"`
	Policy    Policy `json:"policy"`
	Dims      int    `json:"dims"`
	Algorithm string `json:"algorithm"`
}
