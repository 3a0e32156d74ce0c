package domain

import "context"

// ModelRequest is one hosted-model generation call. System carries the fixed
// instruction block; Prompt carries the assembled user/context text.
type ModelRequest struct {
	Model  string
	System string
	Prompt string
}

// Usage reports token accounting as returned by the model API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelResponse is the model's answer to a single request.
type ModelResponse struct {
	Text  string
	Model string
	Usage Usage
}

// ModelProvider generates text from a hosted model API.
type ModelProvider interface {
	// Generate performs one blocking generation call. Failures that reach the
	// caller unwrap to ErrModelCall.
	Generate(ctx context.Context, req ModelRequest) (*ModelResponse, error)

	// Name identifies the provider for logs and breaker naming.
	Name() string
}
