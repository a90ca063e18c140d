package llm

import (
	"context"
	"strings"
)

// StubProvider is the deterministic terminal link of the chain. It never
// fails, so the pipeline always completes even with every upstream down; the
// responses it produces are conservative and make no factual claims.
type StubProvider struct{}

func NewStubProvider() *StubProvider { return &StubProvider{} }

func (p *StubProvider) Name() string      { return "stub" }
func (p *StubProvider) Model() string     { return "nova-stub" }
func (p *StubProvider) IsAvailable() bool { return true }

func (p *StubProvider) Complete(_ context.Context, req *Request) (*Response, error) {
	content := p.render(req)
	return &Response{Content: content, Provider: p.Name(), Model: p.Model()}, nil
}

func (p *StubProvider) render(req *Request) string {
	// Classifier calls ask for JSON; a permissive verdict keeps the pipeline
	// moving without inventing violations.
	if req.JSONMode {
		return `{"violates":false}`
	}

	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			lastUser = req.Messages[i].Content
			break
		}
	}

	if strings.Contains(lastUser, "<live_data_evidence>") {
		return "I could not reach a language model to interpret the live data, " +
			"but the verified evidence gathered for your request is included above. " +
			"Please try again shortly for a full answer."
	}
	return "I'm currently running in a degraded mode and can't generate a full response. " +
		"Your request was received safely; please try again shortly."
}
