// Package livedata hosts the capability providers that fetch verifiable facts
// (quotes, rates, weather, search results) through the secure transport, plus
// the registry that selects which providers a request needs.
package livedata

import (
	"context"
	"time"

	"github.com/novaos/core/internal/transport"
)

// Categories a provider can serve. The evidence builder keys freshness
// policies off these.
const (
	CategoryStock     = "stock"
	CategoryFX        = "fx"
	CategoryCrypto    = "crypto"
	CategoryWeather   = "weather"
	CategoryTime      = "time"
	CategoryWebSearch = "web_search"
)

// Query is the selector input handed to a provider: the entity it should look
// up plus the raw message for providers that need more context.
type Query struct {
	Entity    string
	Message   string
	UserID    string
	ClientIP  string
	RequestID string
}

// Result is one provider's contribution to the evidence pack. Summary is the
// category-formatted block ("AAPL: 178.50 (+1.31%)"); the raw payload never
// leaves the provider.
type Result struct {
	Provider  string              `json:"provider"`
	Category  string              `json:"category"`
	Entity    string              `json:"entity"`
	Summary   string              `json:"summary"`
	Citation  string              `json:"citation,omitempty"`
	FetchedAt time.Time           `json:"fetched_at"`
	Transport *transport.Evidence `json:"transport,omitempty"`
}

// Provider is a named capability plugin. Keywords feed the deterministic
// fallback selector used when the LLM selector is unavailable.
type Provider interface {
	// Name returns the provider's unique identifier
	Name() string

	// Category returns the evidence category this provider serves
	Category() string

	// Description is the one-line menu entry shown to the LLM selector
	Description() string

	// Keywords trigger fallback selection on the normalized message
	Keywords() []string

	// Fetch executes the lookup and formats the evidence block
	Fetch(ctx context.Context, q Query) (*Result, error)
}
