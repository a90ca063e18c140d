package llm

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/novaos/core/internal/circuitbreaker"
	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/nova"
)

type link struct {
	provider ChatProvider
	breaker  *circuitbreaker.CircuitBreaker
}

// Chain tries providers in order. A provider is skipped when it reports
// unavailable or its breaker is open; the first non-empty completion wins.
type Chain struct {
	links  []link
	logger *log.Logger
}

func NewChain() *Chain {
	return &Chain{logger: log.New(log.Writer(), "[LLM] ", log.LstdFlags)}
}

// Add appends a provider, optionally guarded by a breaker.
func (c *Chain) Add(p ChatProvider, cb *circuitbreaker.CircuitBreaker) *Chain {
	c.links = append(c.links, link{provider: p, breaker: cb})
	return c
}

// Complete walks the chain and returns the first successful completion.
func (c *Chain) Complete(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for _, l := range c.links {
		if !l.provider.IsAvailable() {
			continue
		}
		if l.breaker != nil {
			if err := l.breaker.Allow(); err != nil {
				c.logger.Printf("provider %s skipped: %v", l.provider.Name(), err)
				providerAttempts.WithLabelValues(l.provider.Name(), "skipped").Inc()
				lastErr = err
				continue
			}
		}

		var resp *Response
		var err error
		if l.breaker != nil {
			var result interface{}
			result, err = l.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
				return l.provider.Complete(ctx, req)
			})
			if err == nil {
				resp = result.(*Response)
			}
		} else {
			resp, err = l.provider.Complete(ctx, req)
		}

		if err != nil {
			c.logger.Printf("provider %s failed: %v", l.provider.Name(), err)
			providerAttempts.WithLabelValues(l.provider.Name(), "error").Inc()
			lastErr = err
			continue
		}
		if resp == nil || resp.Content == "" {
			providerAttempts.WithLabelValues(l.provider.Name(), "empty").Inc()
			lastErr = fmt.Errorf("%s: empty completion", l.provider.Name())
			continue
		}
		providerAttempts.WithLabelValues(l.provider.Name(), "success").Inc()
		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed: %v: %w", lastErr, nova.ErrProviderUnavailable)
	}
	return nil, fmt.Errorf("no provider configured: %w", nova.ErrProviderUnavailable)
}

// NewChainFromConfig wires primary -> secondary -> stub from the LLM config.
// The stub carries no breaker: it cannot fail and must never be skipped.
func NewChainFromConfig(cfg config.LLMConfig, breakers *circuitbreaker.PipelineBreakers) *Chain {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond

	chain := NewChain()
	if p := providerFor(cfg.Provider, cfg.Model, cfg, timeout); p != nil {
		chain.Add(p, breakers.LLMPrimary)
	}
	if p := providerFor(cfg.SecondaryProvider, cfg.SecondaryModel, cfg, timeout); p != nil {
		chain.Add(p, breakers.LLMSecondary)
	}
	chain.Add(NewStubProvider(), nil)
	return chain
}

func providerFor(name, model string, cfg config.LLMConfig, timeout time.Duration) ChatProvider {
	switch name {
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, model, cfg.BaseURL, timeout)
	case "gemini":
		return NewGeminiProvider(cfg.APIKey, model, cfg.BaseURL, timeout)
	default:
		return nil
	}
}
