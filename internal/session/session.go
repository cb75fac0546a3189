package session

import "time"

// Turn roles. The leading system turn, when present, is always the first
// element of a session and survives truncation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single role-tagged message. Immutable once appended.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is an ordered sequence of turns plus metadata. Insertion order is
// conversation order.
type Session struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	SavedAt   time.Time `json:"saved_at,omitzero"`
	Turns     []Turn    `json:"messages"`
}

// New creates a session for the given model. A non-empty system prompt
// becomes the leading system turn.
func New(model, system string) *Session {
	s := &Session{
		Model:     model,
		CreatedAt: time.Now(),
	}
	if system != "" {
		s.Turns = append(s.Turns, Turn{
			Role:      RoleSystem,
			Content:   system,
			Timestamp: s.CreatedAt,
		})
	}
	return s
}

// Append adds a turn to the end of the sequence.
func (s *Session) Append(role, content string) {
	s.Turns = append(s.Turns, Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// Payload returns the turns to send for the next request, truncated to at
// most budget turns. The oldest turns are dropped first, except that a
// leading system turn is preserved while any non-system turn remains
// removable. Budget <= 0 means unlimited. The returned slice is a copy.
func (s *Session) Payload(budget int) []Turn {
	turns := s.Turns
	if budget > 0 && len(turns) > budget {
		if len(turns) > 0 && turns[0].Role == RoleSystem {
			kept := make([]Turn, 0, budget)
			kept = append(kept, turns[0])
			if budget > 1 {
				kept = append(kept, turns[len(turns)-(budget-1):]...)
			}
			out := make([]Turn, len(kept))
			copy(out, kept)
			return out
		}
		turns = turns[len(turns)-budget:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Truncate drops the oldest turns in place until at most budget remain,
// with the same system-turn preservation as Payload.
func (s *Session) Truncate(budget int) {
	s.Turns = s.Payload(budget)
}
