package llm

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/novaos/core/internal/circuitbreaker"
)

// Verdict is the constitutional classifier's judgment of a generated reply.
type Verdict struct {
	Violates bool   `json:"violates"`
	Reason   string `json:"reason,omitempty"`
	Fix      string `json:"fix,omitempty"`
}

// Classifier judges generated text against a rubric with a temperature-0
// call. It fails open: any API or parse error yields a clean verdict, since
// blocking a reply on classifier flakiness would be a worse failure mode than
// letting the reply through.
type Classifier struct {
	chain   *Chain
	breaker *circuitbreaker.CircuitBreaker
	logger  *log.Logger
}

type ClassifierOption func(*Classifier)

// WithClassifierBreaker stops hammering a flapping classifier upstream; an
// open breaker is just another fail-open path.
func WithClassifierBreaker(cb *circuitbreaker.CircuitBreaker) ClassifierOption {
	return func(c *Classifier) { c.breaker = cb }
}

func NewClassifier(chain *Chain, opts ...ClassifierOption) *Classifier {
	c := &Classifier{
		chain:  chain,
		logger: log.New(log.Writer(), "[CLASSIFIER] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the verdict for text under the rubric.
func (c *Classifier) Classify(ctx context.Context, text, rubric string) *Verdict {
	req := &Request{
		System: rubric + "\n\nRespond with a single JSON object: " +
			`{"violates": bool, "reason": string?, "fix": string?}`,
		Messages:    []Message{{Role: RoleUser, Content: text}},
		MaxTokens:   256,
		Temperature: 0,
		JSONMode:    true,
	}

	resp, err := c.complete(ctx, req)
	if err != nil {
		c.logger.Printf("classifier call failed, failing open: %v", err)
		return &Verdict{}
	}

	verdict, err := parseVerdict(resp.Content)
	if err != nil {
		c.logger.Printf("classifier verdict unparseable, failing open: %v", err)
		return &Verdict{}
	}
	return verdict
}

func (c *Classifier) complete(ctx context.Context, req *Request) (*Response, error) {
	if c.breaker == nil {
		return c.chain.Complete(ctx, req)
	}
	v, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return c.chain.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Response), nil
}

// parseVerdict tolerates markdown fencing around the JSON object.
func parseVerdict(content string) (*Verdict, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var v Verdict
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, err
	}
	return &v, nil
}
