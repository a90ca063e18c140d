// Package llm holds the chat providers and the ordered fallback chain the
// model gate calls through. The last link is always the deterministic stub,
// so a model response exists even with every upstream down.
package llm

import "context"

// Message roles follow the chat-completion convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. JSONMode asks the provider for a JSON
// object response where supported; the classifier depends on it.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	JSONMode    bool
}

// Response carries the completion plus which provider/model produced it.
type Response struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ChatProvider is one link in the fallback chain.
type ChatProvider interface {
	// Name returns the provider's identifier ("openai", "gemini", "stub")
	Name() string

	// Model returns the configured model id
	Model() string

	// IsAvailable reports whether the provider is configured and worth trying
	IsAvailable() bool

	// Complete performs one chat completion
	Complete(ctx context.Context, req *Request) (*Response, error)
}
