package api

import "encoding/json"

// ChatEnvelope is the subset of an OpenAI-compatible request body the gateway
// inspects. The body itself is forwarded verbatim.
type ChatEnvelope struct {
	// the model to send request to, generally in shape `<provider>/<model>`
	Model string `json:"model" binding:"required"`

	// capped well above any real context window so pricing stays in range
	MaxTokens           *int `json:"max_tokens,omitempty" binding:"omitempty,min=1,max=10000000"`
	MaxCompletionTokens *int `json:"max_completion_tokens,omitempty" binding:"omitempty,min=1,max=10000000"`

	Messages json.RawMessage `json:"messages,omitempty"`
	Prompt   json.RawMessage `json:"prompt,omitempty"`
}

// RequestedCompletionTokens returns the caller's output cap, if any.
func (e *ChatEnvelope) RequestedCompletionTokens() (int, bool) {
	if e.MaxTokens != nil {
		return *e.MaxTokens, true
	}
	if e.MaxCompletionTokens != nil {
		return *e.MaxCompletionTokens, true
	}
	return 0, false
}

// PromptPayload is the serialized input used for the pre-flight estimate.
func (e *ChatEnvelope) PromptPayload() []byte {
	if len(e.Messages) > 0 && string(e.Messages) != "null" {
		return e.Messages
	}
	if len(e.Prompt) > 0 && string(e.Prompt) != "null" {
		return e.Prompt
	}
	return []byte(`""`)
}
