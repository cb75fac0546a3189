package ollama

// Message is one role-tagged message in the chat wire format. Thinking
// carries the model's reasoning trace when think mode is on.
type Message struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

// Options are the per-request model options forwarded verbatim.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// ChatRequest is the request body for the /api/chat endpoint.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Format   string    `json:"format,omitempty"`
	Think    bool      `json:"think,omitempty"`
	Options  *Options  `json:"options,omitempty"`
}

// ChatResponse is one response object from /api/chat. In streaming mode the
// body is a sequence of these, one per line, the last carrying Done and the
// eval counters.
type ChatResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int64   `json:"prompt_eval_count,omitempty"`
	EvalCount       int64   `json:"eval_count,omitempty"`
}

// GenerateRequest is the request body for the /api/generate endpoint.
type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	System  string   `json:"system,omitempty"`
	Stream  bool     `json:"stream"`
	Format  string   `json:"format,omitempty"`
	Think   bool     `json:"think,omitempty"`
	Options *Options `json:"options,omitempty"`
}

// GenerateResponse is one response object from /api/generate.
type GenerateResponse struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Thinking        string `json:"thinking,omitempty"`
	Done            bool   `json:"done"`
	PromptEvalCount int64  `json:"prompt_eval_count,omitempty"`
	EvalCount       int64  `json:"eval_count,omitempty"`
}

// TagsResponse is the response from the /api/tags endpoint.
type TagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes a single locally available model.
type ModelInfo struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}
