// Package chat implements the one-shot and interactive front-ends on top
// of the ollama client and the session store.
package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"ask/internal/cache"
	"ask/internal/config"
	"ask/internal/ollama"
	"ask/internal/session"
)

// Chat drives a conversation against the inference endpoint. One request
// is in flight at a time; all state is owned by the foreground loop.
type Chat struct {
	cfg    config.Config
	client *ollama.Client
	store  *session.Store
	cache  *cache.Cache
	sess   *session.Session
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
	render *renderer
}

// New creates a chat over the given dependencies. The response cache may
// be nil, which disables caching.
func New(cfg config.Config, client *ollama.Client, store *session.Store, respCache *cache.Cache, logger *slog.Logger) *Chat {
	c := &Chat{
		cfg:    cfg,
		client: client,
		store:  store,
		cache:  respCache,
		logger: logger,
		in:     os.Stdin,
		out:    os.Stdout,
	}
	c.render = newRenderer(c.out, cfg.Color)
	c.sess = session.New(cfg.Model, cfg.System)
	return c
}

// RunOnce sends a single prompt and prints (or writes) the response.
// Returns an error on connection or protocol failure; the caller maps it
// to a non-zero exit.
func (c *Chat) RunOnce(ctx context.Context, prompt string) error {
	req := ollama.GenerateRequest{
		Model:   c.cfg.Model,
		Prompt:  prompt,
		System:  c.cfg.System,
		Think:   c.cfg.Think,
		Options: c.options(),
	}
	if c.cfg.JSON {
		req.Format = "json"
	}

	// Buffered when writing to a file: the file gets the final response,
	// not a fragment interleaving.
	if c.cfg.Output != "" || !c.cfg.Stream {
		reply, err := c.generateBuffered(ctx, req)
		if err != nil {
			return err
		}
		if c.cfg.Output != "" {
			if err := os.WriteFile(c.cfg.Output, []byte(reply+"\n"), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", c.cfg.Output, err)
			}
			c.render.notice.Fprintf(c.out, "Written to %s\n", c.cfg.Output)
			return nil
		}
		fmt.Fprintln(c.out, reply)
		return nil
	}

	ctx, stop := c.watchInterrupt(ctx)
	defer stop()
	c.render.reset()
	_, err := c.client.GenerateStream(ctx, req, c.render.fragment)
	fmt.Fprintln(c.out)
	return err
}

// generateBuffered answers req through the response cache.
func (c *Chat) generateBuffered(ctx context.Context, req ollama.GenerateRequest) (string, error) {
	turns := []session.Turn{}
	if req.System != "" {
		turns = append(turns, session.Turn{Role: session.RoleSystem, Content: req.System})
	}
	turns = append(turns, session.Turn{Role: session.RoleUser, Content: req.Prompt})
	key := cache.Key(req.Model, req.Format, req.Think, req.Options, turns)

	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			return cached, nil
		}
	}
	resp, err := c.client.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	reply := stripThink(resp.Response)
	if c.cache != nil {
		if err := c.cache.Put(key, reply); err != nil {
			c.logger.Warn("failed to cache response", "error", err)
		}
	}
	return reply, nil
}

// RunInteractive runs the read-eval loop until exit or EOF.
func (c *Chat) RunInteractive(ctx context.Context) error {
	if c.cfg.LoadName != "" {
		if err := c.loadSession(c.cfg.LoadName); err != nil {
			c.render.errc.Fprintf(c.out, "%v\n", err)
			c.logger.Warn("failed to load session, starting fresh", "name", c.cfg.LoadName, "error", err)
		}
	}

	c.render.banner.Fprintf(c.out, "🤖 Interactive chat with %s\n", c.cfg.Model)
	fmt.Fprintln(c.out, "Commands: exit/quit, clear, save [name], load <name>, models, help")
	if c.cfg.JSON {
		c.render.notice.Fprintln(c.out, "📋 JSON mode enabled")
	}
	if c.cfg.Think {
		c.render.notice.Fprintln(c.out, "💭 Thinking mode enabled")
	}
	fmt.Fprintln(c.out, strings.Repeat("-", 50))

	// SIGINT only cancels an in-flight request; at the idle prompt it is
	// swallowed so the loop keeps running either way.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-sig:
		default:
		}
		c.render.prompt.Fprint(c.out, ">>> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out, "\nExiting...")
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		quit, handled := c.handleCommand(ctx, input)
		if quit {
			break
		}
		if handled {
			continue
		}

		if err := c.exchange(ctx, sig, input); err != nil {
			if errors.Is(err, context.Canceled) {
				c.render.notice.Fprintln(c.out, "\n(interrupted)")
				continue
			}
			c.render.errc.Fprintf(c.out, "Error: %v\n", err)
			c.logger.Error("exchange failed", "error", err)
		}
	}
	return scanner.Err()
}

// exchange appends the user turn, sends the conversation, renders the
// reply, and commits the assistant turn. A signal on sig aborts the
// in-flight request, buffered or streaming; on failure or cancellation no
// partial assistant turn is committed.
func (c *Chat) exchange(ctx context.Context, sig <-chan os.Signal, input string) error {
	ctx, cancel := cancelOn(ctx, sig)
	defer cancel()

	c.sess.Append(session.RoleUser, input)

	turns := c.sess.Payload(c.cfg.ContextBudget)
	messages := make([]ollama.Message, len(turns))
	for i, t := range turns {
		messages[i] = ollama.Message{Role: t.Role, Content: t.Content}
	}
	req := ollama.ChatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Think:    c.cfg.Think,
		Options:  c.options(),
	}
	if c.cfg.JSON {
		req.Format = "json"
	}

	var reply string
	if c.cfg.Stream {
		c.render.reset()
		resp, err := c.client.ChatStream(ctx, req, c.render.fragment)
		fmt.Fprintln(c.out)
		if err != nil {
			return err
		}
		reply = stripThink(resp.Message.Content)
	} else {
		key := cache.Key(req.Model, req.Format, req.Think, req.Options, turns)
		if c.cache != nil {
			if cached, ok := c.cache.Get(key); ok {
				fmt.Fprintln(c.out, cached)
				c.sess.Append(session.RoleAssistant, cached)
				return nil
			}
		}
		resp, err := c.client.Chat(ctx, req)
		if err != nil {
			return err
		}
		reply = stripThink(resp.Message.Content)
		fmt.Fprintln(c.out, reply)
		if c.cache != nil {
			if err := c.cache.Put(key, reply); err != nil {
				c.logger.Warn("failed to cache response", "error", err)
			}
		}
	}

	c.sess.Append(session.RoleAssistant, reply)
	return nil
}

// handleCommand dispatches interactive commands. Returns quit to leave the
// loop and handled when the input was a command.
func (c *Chat) handleCommand(ctx context.Context, input string) (quit, handled bool) {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "exit", "quit", "q":
		return true, true

	case "clear":
		c.sess = session.New(c.cfg.Model, c.cfg.System)
		c.render.notice.Fprintln(c.out, "🧹 History cleared.")
		return false, true

	case "save":
		name := ""
		if len(fields) > 1 {
			name = fields[1]
		}
		filename, err := c.store.Save(name, c.sess)
		if err != nil {
			c.render.errc.Fprintf(c.out, "Error: %v\n", err)
			c.logger.Error("failed to save session", "error", err)
			return false, true
		}
		c.render.dim.Fprintf(c.out, "Session saved to %s\n", filename)
		c.logger.Info("session saved", "file", filename, "turns", len(c.sess.Turns))
		return false, true

	case "load":
		if len(fields) < 2 {
			c.render.errc.Fprintln(c.out, "usage: load <name>")
			return false, true
		}
		if err := c.loadSession(fields[1]); err != nil {
			c.render.errc.Fprintf(c.out, "%v\n", err)
		}
		return false, true

	case "models":
		if err := c.listModels(ctx); err != nil {
			c.render.errc.Fprintf(c.out, "Error listing models: %v\n", err)
		}
		return false, true

	case "help":
		fmt.Fprint(c.out, helpText)
		return false, true
	}
	return false, false
}

const helpText = `
Commands:
  exit, quit, q     Exit the chat
  clear             Clear conversation history
  save [name]       Save session to file
  load <name>       Load a previous session
  models            List available models
  help              Show this help

Tips:
  - Use Ctrl+C to cancel a response
  - Pipe input: cat file.txt | ask "summarize"
  - Set default model: export ASK_MODEL=llama3
`

// loadSession replaces the in-memory session; on failure the current
// session is untouched.
func (c *Chat) loadSession(name string) error {
	loaded, err := c.store.Load(name)
	if err != nil {
		return err
	}
	c.sess = loaded
	c.render.prompt.Fprintf(c.out, "Loaded session %q (%d messages)\n", name, len(loaded.Turns))
	c.logger.Info("session loaded", "name", name, "turns", len(loaded.Turns))
	return nil
}

// ListModels prints the locally available models, the default marked.
func (c *Chat) listModels(ctx context.Context) error {
	models, err := c.client.ListModels(ctx)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		fmt.Fprintln(c.out, "No models found. Pull one with: ollama pull <model>")
		return nil
	}
	c.render.banner.Fprintln(c.out, "Available models:")
	fmt.Fprintln(c.out)
	for _, m := range models {
		marker := ""
		if baseName(m.Name) == baseName(c.cfg.Model) {
			marker = " (default)"
		}
		sizeGB := float64(m.Size) / (1024 * 1024 * 1024)
		modified := m.ModifiedAt
		if len(modified) > 10 {
			modified = modified[:10]
		}
		c.render.prompt.Fprintf(c.out, "  %-35s", m.Name)
		fmt.Fprintf(c.out, " %5.1fGB  %s", sizeGB, modified)
		c.render.notice.Fprintln(c.out, marker)
	}
	return nil
}

// ListModels is the --list-models entry point.
func (c *Chat) ListModels(ctx context.Context) error {
	return c.listModels(ctx)
}

func baseName(model string) string {
	name, _, _ := strings.Cut(model, ":")
	return name
}

// options builds the per-request model options, nil when all defaults.
func (c *Chat) options() *ollama.Options {
	if c.cfg.Temperature == 0 && c.cfg.NumCtx == 0 {
		return nil
	}
	return &ollama.Options{Temperature: c.cfg.Temperature, NumCtx: c.cfg.NumCtx}
}

// cancelOn cancels the returned context when a signal arrives on ch, so
// an in-flight request aborts without committing a partial turn.
func cancelOn(ctx context.Context, ch <-chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// watchInterrupt is cancelOn wired to SIGINT for the one-shot path. The
// watcher is removed when stop is called.
func (c *Chat) watchInterrupt(ctx context.Context) (context.Context, context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	ctx, cancel := cancelOn(ctx, ch)
	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
