package chat

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"ask/internal/ollama"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// renderer writes model output and UI chrome to a sink, with thinking
// content dimmed. It tracks <think> tag state across streamed fragments.
type renderer struct {
	out     io.Writer
	banner  *color.Color
	prompt  *color.Color
	notice  *color.Color
	errc    *color.Color
	dim     *color.Color
	inThink bool
}

func newRenderer(out io.Writer, colors bool) *renderer {
	r := &renderer{
		out:    out,
		banner: color.New(color.FgCyan),
		prompt: color.New(color.FgGreen),
		notice: color.New(color.FgYellow),
		errc:   color.New(color.FgRed),
		dim:    color.New(color.Faint),
	}
	if !colors {
		for _, c := range []*color.Color{r.banner, r.prompt, r.notice, r.errc, r.dim} {
			c.DisableColor()
		}
	}
	return r
}

// fragment renders one streamed fragment. Thinking deltas and inline
// <think> blocks are dimmed; everything else goes out verbatim. Tags are
// assumed not to split across fragments, matching how the server chunks
// on token boundaries.
func (r *renderer) fragment(f ollama.Fragment) {
	if f.Thinking != "" {
		r.dim.Fprint(r.out, f.Thinking)
	}
	content := f.Content
	for content != "" {
		if r.inThink {
			i := strings.Index(content, thinkClose)
			if i < 0 {
				r.dim.Fprint(r.out, content)
				return
			}
			r.dim.Fprint(r.out, content[:i])
			fmt.Fprintln(r.out)
			r.inThink = false
			content = content[i+len(thinkClose):]
			continue
		}
		i := strings.Index(content, thinkOpen)
		if i < 0 {
			fmt.Fprint(r.out, content)
			return
		}
		fmt.Fprint(r.out, content[:i])
		r.dim.Fprint(r.out, "💭 ")
		r.inThink = true
		content = content[i+len(thinkOpen):]
	}
}

// reset clears streaming state between requests.
func (r *renderer) reset() {
	r.inThink = false
}

// stripThink removes inline <think>...</think> blocks so the committed
// assistant turn holds only the answer. An unterminated block is dropped
// to its end.
func stripThink(s string) string {
	for {
		start := strings.Index(s, thinkOpen)
		if start < 0 {
			return strings.TrimSpace(s)
		}
		rest := s[start+len(thinkOpen):]
		end := strings.Index(rest, thinkClose)
		if end < 0 {
			return strings.TrimSpace(s[:start])
		}
		s = s[:start] + rest[end+len(thinkClose):]
	}
}
