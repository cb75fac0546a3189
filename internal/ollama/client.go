package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Error taxonomy. ErrConnection covers an unreachable or timed-out
// endpoint; ErrProtocol covers a reachable endpoint whose response is not
// what the chat API promises. Neither triggers a retry; re-invocation is
// the recovery path.
var (
	ErrConnection = errors.New("connection failed")
	ErrProtocol   = errors.New("protocol error")
)

// Fragment is one increment of a streaming response. Content and Thinking
// are both deltas; Thinking is non-empty only in think mode.
type Fragment struct {
	Content  string
	Thinking string
}

// Sink receives fragments as they arrive off the wire.
type Sink func(Fragment)

// Client talks to an ollama-compatible inference endpoint. It holds no
// state beyond its configuration; one request is in flight at a time.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// NewClient returns a client for the endpoint at baseURL. The timeout
// bounds a whole request including streaming reads.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		tracer:     otel.Tracer("ask"),
		meter:      otel.Meter("ask"),
	}
}

// Chat sends the conversation and returns the complete assistant message.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	ctx, span := c.tracer.Start(ctx, "ollama_chat")
	defer span.End()
	start := time.Now()

	req.Stream = false
	resp, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.readErr(ctx, err)
	}
	var out ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode chat response: %v", ErrProtocol, err)
	}

	c.recordRequest(ctx, start, out.PromptEvalCount, out.EvalCount)
	return &out, nil
}

// ChatStream sends the conversation with streaming enabled and yields each
// fragment to sink as it arrives. The returned response carries the
// concatenated message, which equals what Chat would have returned for the
// same request.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, sink Sink) (*ChatResponse, error) {
	ctx, span := c.tracer.Start(ctx, "ollama_chat_stream")
	defer span.End()
	start := time.Now()

	req.Stream = true
	resp, err := c.post(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		content  strings.Builder
		thinking strings.Builder
		final    ChatResponse
	)
	err = c.scanLines(ctx, resp.Body, func(line []byte) (bool, error) {
		var chunk ChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return false, fmt.Errorf("%w: failed to decode stream chunk: %v", ErrProtocol, err)
		}
		if chunk.Message.Content != "" || chunk.Message.Thinking != "" {
			sink(Fragment{Content: chunk.Message.Content, Thinking: chunk.Message.Thinking})
			content.WriteString(chunk.Message.Content)
			thinking.WriteString(chunk.Message.Thinking)
		}
		if chunk.Done {
			final = chunk
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	final.Message.Role = "assistant"
	final.Message.Content = content.String()
	final.Message.Thinking = thinking.String()
	c.recordRequest(ctx, start, final.PromptEvalCount, final.EvalCount)
	return &final, nil
}

// Generate sends a one-shot completion and returns the full response.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	ctx, span := c.tracer.Start(ctx, "ollama_generate")
	defer span.End()
	start := time.Now()

	req.Stream = false
	resp, err := c.post(ctx, "/api/generate", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.readErr(ctx, err)
	}
	var out GenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode generate response: %v", ErrProtocol, err)
	}

	c.recordRequest(ctx, start, out.PromptEvalCount, out.EvalCount)
	return &out, nil
}

// GenerateStream is the streaming variant of Generate.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest, sink Sink) (*GenerateResponse, error) {
	ctx, span := c.tracer.Start(ctx, "ollama_generate_stream")
	defer span.End()
	start := time.Now()

	req.Stream = true
	resp, err := c.post(ctx, "/api/generate", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		content  strings.Builder
		thinking strings.Builder
		final    GenerateResponse
	)
	err = c.scanLines(ctx, resp.Body, func(line []byte) (bool, error) {
		var chunk GenerateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return false, fmt.Errorf("%w: failed to decode stream chunk: %v", ErrProtocol, err)
		}
		if chunk.Response != "" || chunk.Thinking != "" {
			sink(Fragment{Content: chunk.Response, Thinking: chunk.Thinking})
			content.WriteString(chunk.Response)
			thinking.WriteString(chunk.Thinking)
		}
		if chunk.Done {
			final = chunk
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	final.Response = content.String()
	final.Thinking = thinking.String()
	c.recordRequest(ctx, start, final.PromptEvalCount, final.EvalCount)
	return &final, nil
}

// ListModels fetches the locally available models, sorted by name.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, span := c.tracer.Start(ctx, "ollama_list_models")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v (is the server running at %s?)", ErrConnection, err, c.baseURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.readErr(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s - %s", ErrProtocol, resp.Status, strings.TrimSpace(string(body)))
	}
	var tags TagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fmt.Errorf("%w: failed to decode tags response: %v", ErrProtocol, err)
	}
	sort.Slice(tags.Models, func(i, j int) bool { return tags.Models[i].Name < tags.Models[j].Name })
	return tags.Models, nil
}

// post issues the request and maps transport and status failures onto the
// error taxonomy. A non-nil response always has status 200.
func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("request failed", "path", path, "error", err)
		return nil, fmt.Errorf("%w: %v (is the server running at %s?)", ErrConnection, err, c.baseURL)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s - %s", ErrProtocol, resp.Status, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// scanLines feeds each non-empty NDJSON line to fn until fn signals done
// or the body ends.
func (c *Client) scanLines(ctx context.Context, body io.Reader, fn func(line []byte) (bool, error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		done, err := fn(line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return c.readErr(ctx, err)
	}
	// The server closed the stream without a done marker.
	return fmt.Errorf("%w: stream ended before completion", ErrProtocol)
}

// readErr distinguishes a cancelled request from a dropped connection.
func (c *Client) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// recordRequest emits the request-duration histogram and token-usage
// counters for a completed call.
func (c *Client) recordRequest(ctx context.Context, start time.Time, promptTokens, evalTokens int64) {
	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(time.Since(start).Milliseconds()))
	}

	for name, value := range map[string]int64{
		"llm.usage.prompt_eval_count": promptTokens,
		"llm.usage.eval_count":        evalTokens,
	} {
		if value == 0 {
			continue
		}
		counter, err := c.meter.Int64Counter(name, metric.WithDescription("LLM token usage"))
		if err != nil {
			c.logger.Warn("failed to create counter", "name", name, "error", err)
			continue
		}
		counter.Add(ctx, value)
	}
}
