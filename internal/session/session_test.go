package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roles(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Role
	}
	return out
}

func TestNewWithSystemPrompt(t *testing.T) {
	s := New("llama3", "be terse")
	require.Len(t, s.Turns, 1)
	assert.Equal(t, RoleSystem, s.Turns[0].Role)
	assert.Equal(t, "be terse", s.Turns[0].Content)

	s = New("llama3", "")
	assert.Empty(t, s.Turns)
}

func TestAppendPreservesOrder(t *testing.T) {
	s := New("llama3", "")
	s.Append(RoleUser, "first")
	s.Append(RoleAssistant, "second")
	s.Append(RoleUser, "third")

	require.Len(t, s.Turns, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{
		s.Turns[0].Content, s.Turns[1].Content, s.Turns[2].Content,
	})
}

func TestPayloadUnlimited(t *testing.T) {
	s := New("llama3", "sys")
	s.Append(RoleUser, "a")
	s.Append(RoleAssistant, "b")

	got := s.Payload(0)
	assert.Len(t, got, 3)

	// The payload is a copy; mutating it must not touch the session.
	got[0].Content = "mutated"
	assert.Equal(t, "sys", s.Turns[0].Content)
}

func TestPayloadKeepsLeadingSystemTurn(t *testing.T) {
	s := New("llama3", "sys")
	for i := 0; i < 4; i++ {
		s.Append(RoleUser, "q")
		s.Append(RoleAssistant, "a")
	}

	got := s.Payload(3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{RoleSystem, RoleUser, RoleAssistant}, roles(got))
	assert.Equal(t, "sys", got[0].Content)
	// The two newest non-system turns survive.
	assert.Equal(t, s.Turns[len(s.Turns)-2:], got[1:])
}

func TestPayloadBudgetOfOneKeepsOnlySystem(t *testing.T) {
	s := New("llama3", "sys")
	s.Append(RoleUser, "q")
	s.Append(RoleAssistant, "a")

	got := s.Payload(1)
	require.Len(t, got, 1)
	assert.Equal(t, RoleSystem, got[0].Role)
}

func TestPayloadWithoutSystemTurn(t *testing.T) {
	s := New("llama3", "")
	for i := 0; i < 5; i++ {
		s.Append(RoleUser, "q")
	}
	s.Turns[4].Content = "newest"

	got := s.Payload(2)
	require.Len(t, got, 2)
	assert.Equal(t, "newest", got[1].Content)
}

func TestSavedAtOmittedUntilSaved(t *testing.T) {
	s := New("llama3", "")
	s.Append(RoleUser, "hi")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "saved_at",
		"an unsaved session must not carry a zero saved_at")

	s.SavedAt = time.Now()
	data, err = json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), "saved_at")
}

func TestTruncateInPlace(t *testing.T) {
	s := New("llama3", "sys")
	for i := 0; i < 6; i++ {
		s.Append(RoleUser, "q")
	}

	s.Truncate(4)
	require.Len(t, s.Turns, 4)
	assert.Equal(t, RoleSystem, s.Turns[0].Role)

	// Budget larger than the sequence is a no-op.
	s.Truncate(100)
	assert.Len(t, s.Turns, 4)
}
