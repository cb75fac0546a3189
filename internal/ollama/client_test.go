package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(url string) *Client {
	return NewClient(url, 5*time.Second, testLogger())
}

// fakeOllama answers /api/chat and /api/generate in both buffered and
// streaming modes, chunking the canned reply word by word.
func fakeOllama(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	chunks := strings.SplitAfter(reply, " ")

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/chat":
			var req ChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if !req.Stream {
				json.NewEncoder(w).Encode(ChatResponse{
					Message:   Message{Role: "assistant", Content: reply},
					Done:      true,
					EvalCount: 7,
				})
				return
			}
			enc := json.NewEncoder(w)
			for _, chunk := range chunks {
				enc.Encode(ChatResponse{Message: Message{Role: "assistant", Content: chunk}})
			}
			enc.Encode(ChatResponse{Done: true, EvalCount: 7})
		case "/api/generate":
			var req GenerateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if !req.Stream {
				json.NewEncoder(w).Encode(GenerateResponse{Response: reply, Done: true})
				return
			}
			enc := json.NewEncoder(w)
			for _, chunk := range chunks {
				enc.Encode(GenerateResponse{Response: chunk})
			}
			enc.Encode(GenerateResponse{Done: true})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestChatBuffered(t *testing.T) {
	srv := fakeOllama(t, "the answer is 4")
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Chat(context.Background(), ChatRequest{
		Model:    "test",
		Messages: []Message{{Role: "user", Content: "2+2?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer is 4", resp.Message.Content)
	assert.EqualValues(t, 7, resp.EvalCount)
}

func TestChatStreamMatchesBuffered(t *testing.T) {
	srv := fakeOllama(t, "streaming and buffered agree")
	defer srv.Close()

	c := newTestClient(srv.URL)
	req := ChatRequest{Model: "test", Messages: []Message{{Role: "user", Content: "hi"}}}

	buffered, err := c.Chat(context.Background(), req)
	require.NoError(t, err)

	var fragments strings.Builder
	streamed, err := c.ChatStream(context.Background(), req, func(f Fragment) {
		fragments.WriteString(f.Content)
	})
	require.NoError(t, err)

	assert.Equal(t, buffered.Message.Content, streamed.Message.Content)
	assert.Equal(t, buffered.Message.Content, fragments.String())
	assert.EqualValues(t, 7, streamed.EvalCount)
}

func TestGenerateStreamMatchesBuffered(t *testing.T) {
	srv := fakeOllama(t, "generate agrees too")
	defer srv.Close()

	c := newTestClient(srv.URL)
	req := GenerateRequest{Model: "test", Prompt: "hi"}

	buffered, err := c.Generate(context.Background(), req)
	require.NoError(t, err)

	var fragments strings.Builder
	streamed, err := c.GenerateStream(context.Background(), req, func(f Fragment) {
		fragments.WriteString(f.Content)
	})
	require.NoError(t, err)

	assert.Equal(t, buffered.Response, streamed.Response)
	assert.Equal(t, buffered.Response, fragments.String())
}

func TestConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // nothing listening anymore

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)

	_, err = c.ListModels(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}

func TestProtocolErrorOnStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "model not found")
}

func TestProtocolErrorOnGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>definitely not ndjson</html>")
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "test"})
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = c.ChatStream(context.Background(), ChatRequest{Model: "test"}, func(Fragment) {})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestStreamTruncatedWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{Message: Message{Content: "partial"}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.ChatStream(context.Background(), ChatRequest{Model: "test"}, func(Fragment) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{Message: Message{Content: "first"}})
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(srv.URL)
	_, err := c.ChatStream(ctx, ChatRequest{Model: "test"}, func(f Fragment) {
		cancel() // abort after the first fragment arrives
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListModelsSorted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(TagsResponse{Models: []ModelInfo{
			{Name: "zephyr:latest", Size: 4},
			{Name: "llama3:latest", Size: 8},
			{Name: "mistral:latest", Size: 4},
		}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, "llama3:latest", models[0].Name)
	assert.Equal(t, "mistral:latest", models[1].Name)
	assert.Equal(t, "zephyr:latest", models[2].Name)
}
