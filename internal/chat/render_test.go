package chat

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"ask/internal/ollama"
)

func TestStripThink(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"no tags", "plain answer", "plain answer"},
		{"single block", "<think>pondering</think>4", "4"},
		{"block in middle", "a<think>x</think>b", "ab"},
		{"multiple blocks", "<think>x</think>a<think>y</think>b", "ab"},
		{"unterminated block", "answer<think>never closed", "answer"},
		{"surrounding whitespace", "<think>x</think>\n\n4\n", "4"},
		{"only think", "<think>all reasoning</think>", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stripThink(tc.in))
		})
	}
}

func TestRendererInlineThinkTags(t *testing.T) {
	out := &bytes.Buffer{}
	r := newRenderer(out, false)

	// Tags arrive split across fragments, each tag intact within one.
	r.fragment(ollama.Fragment{Content: "<think>let me "})
	r.fragment(ollama.Fragment{Content: "count</think>"})
	r.fragment(ollama.Fragment{Content: "4"})

	s := out.String()
	assert.Contains(t, s, "let me count")
	assert.Contains(t, s, "4")
	assert.False(t, r.inThink)
}

func TestRendererThinkingField(t *testing.T) {
	out := &bytes.Buffer{}
	r := newRenderer(out, false)

	r.fragment(ollama.Fragment{Thinking: "hmm "})
	r.fragment(ollama.Fragment{Thinking: "okay", Content: ""})
	r.fragment(ollama.Fragment{Content: "the answer"})

	assert.Equal(t, "hmm okaythe answer", out.String())
}

func TestRendererReset(t *testing.T) {
	out := &bytes.Buffer{}
	r := newRenderer(out, false)

	r.fragment(ollama.Fragment{Content: "<think>dangling"})
	assert.True(t, r.inThink)
	r.reset()
	assert.False(t, r.inThink)
}
