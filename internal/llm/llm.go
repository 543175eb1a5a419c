// Package llm defines the model provider contract and the validated-retry
// caller that every model-backed pipeline stage goes through.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Image is an inline image attached to a message.
type Image struct {
	Data []byte
	MIME string
}

// Message is one conversation turn.
type Message struct {
	Role    string
	Content string
	Images  []Image
}

// Usage counts tokens reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
	}
}

// Request is a single structured-output model call.
type Request struct {
	Model    string
	System   string
	Messages []Message
	// Schema is the JSON schema the object must satisfy. Providers pass it
	// to the model as a structured output constraint.
	Schema json.RawMessage
}

// Response is the object a provider produced.
type Response struct {
	Object json.RawMessage
	Usage  Usage
}

// Provider generates a JSON object from a conversation.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (Response, error)

func (f ProviderFunc) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// ExtractJSON pulls the JSON payload out of model text, dropping a
// surrounding markdown code fence if the model added one.
func ExtractJSON(content string) json.RawMessage {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	return json.RawMessage(bytes.Clone([]byte(s)))
}
