package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novaos/core/internal/circuitbreaker"
)

// flakyProvider fails a set number of times before succeeding.
type flakyProvider struct {
	name      string
	available bool
	failures  int
	calls     int
}

func (p *flakyProvider) Name() string      { return p.name }
func (p *flakyProvider) Model() string     { return p.name + "-model" }
func (p *flakyProvider) IsAvailable() bool { return p.available }

func (p *flakyProvider) Complete(_ context.Context, _ *Request) (*Response, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("upstream error")
	}
	return &Response{Content: p.name + " reply", Provider: p.name, Model: p.Model()}, nil
}

func TestChain_FirstAvailableWins(t *testing.T) {
	primary := &flakyProvider{name: "primary", available: true}
	secondary := &flakyProvider{name: "secondary", available: true}

	chain := NewChain().Add(primary, nil).Add(secondary, nil)
	resp, err := chain.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "primary reply", resp.Content)
	assert.Zero(t, secondary.calls)
}

func TestChain_SkipsUnavailableAndFailing(t *testing.T) {
	off := &flakyProvider{name: "off", available: false}
	broken := &flakyProvider{name: "broken", available: true, failures: 100}
	working := &flakyProvider{name: "working", available: true}

	chain := NewChain().Add(off, nil).Add(broken, nil).Add(working, nil)
	resp, err := chain.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "working reply", resp.Content)
	assert.Zero(t, off.calls)
	assert.Equal(t, 1, broken.calls)
}

func TestChain_StubGuaranteesCompletion(t *testing.T) {
	broken := &flakyProvider{name: "broken", available: true, failures: 100}
	chain := NewChain().Add(broken, nil).Add(NewStubProvider(), nil)

	resp, err := chain.Complete(context.Background(), &Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "stub", resp.Provider)
	assert.NotEmpty(t, resp.Content)
}

func TestChain_OpenBreakerSkipsProvider(t *testing.T) {
	broken := &flakyProvider{name: "broken", available: true, failures: 100}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "llm-primary",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})

	chain := NewChain().Add(broken, cb).Add(NewStubProvider(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := chain.Complete(ctx, &Request{})
		require.NoError(t, err)
	}
	// Breaker tripped after two failures; the third call never reached it.
	assert.Equal(t, 2, broken.calls)
}

func TestOpenAIProvider_LegacyTokenField(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi there"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "gpt-4o", srv.URL, time.Second)
	resp, err := p.Complete(context.Background(), &Request{
		System:      "be brief",
		Messages:    []Message{{Role: RoleUser, Content: "hello"}},
		MaxTokens:   128,
		Temperature: 0.7,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)

	assert.Equal(t, float64(128), captured["max_tokens"])
	assert.Nil(t, captured["max_completion_tokens"])
	assert.Equal(t, 0.7, captured["temperature"])
	msgs := captured["messages"].([]interface{})
	first := msgs[0].(map[string]interface{})
	assert.Equal(t, "system", first["role"])
}

func TestOpenAIProvider_CompletionTokenFieldAndFixedTemperature(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "o1-mini", srv.URL, time.Second)
	_, err := p.Complete(context.Background(), &Request{MaxTokens: 64, Temperature: 0.2})
	require.NoError(t, err)

	assert.Equal(t, float64(64), captured["max_completion_tokens"])
	assert.Nil(t, captured["max_tokens"])
	assert.Equal(t, float64(1), captured["temperature"])
}

func TestOpenAIProvider_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "gpt-4o", srv.URL, time.Second)
	_, err := p.Complete(context.Background(), &Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestGeminiProvider_RoundTrip(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/models/gemini-2.0-flash:generateContent")
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"bonjour"}]}}]}`)
	}))
	defer srv.Close()

	p := NewGeminiProvider("g-key", "gemini-2.0-flash", srv.URL, time.Second)
	resp, err := p.Complete(context.Background(), &Request{
		System:   "reply in french",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", resp.Content)
	assert.NotNil(t, captured["systemInstruction"])
}

func TestClassifier_ParsesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"violates\":true,\"reason\":\"overclaims\",\"fix\":\"hedge the numbers\"}"}}]}`)
	}))
	defer srv.Close()

	chain := NewChain().Add(NewOpenAIProvider("sk", "gpt-4o", srv.URL, time.Second), nil)
	v := NewClassifier(chain).Classify(context.Background(), "reply text", "rubric")

	assert.True(t, v.Violates)
	assert.Equal(t, "hedge the numbers", v.Fix)
}

func TestClassifier_FailsOpenOnError(t *testing.T) {
	broken := &flakyProvider{name: "broken", available: true, failures: 100}
	v := NewClassifier(NewChain().Add(broken, nil)).Classify(context.Background(), "text", "rubric")
	assert.False(t, v.Violates)
}

func TestClassifier_BreakerShedsAfterConsecutiveFailures(t *testing.T) {
	broken := &flakyProvider{name: "broken", available: true, failures: 100}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:        "classifier",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	})
	c := NewClassifier(NewChain().Add(broken, nil), WithClassifierBreaker(cb))

	for i := 0; i < 2; i++ {
		v := c.Classify(context.Background(), "text", "rubric")
		assert.False(t, v.Violates, "classifier failures stay fail-open")
	}
	callsBeforeOpen := broken.calls

	// Breaker is open now: still fail-open, but the upstream is left alone.
	v := c.Classify(context.Background(), "text", "rubric")
	assert.False(t, v.Violates)
	assert.Equal(t, callsBeforeOpen, broken.calls)
}

func TestClassifier_FailsOpenOnGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"not json at all"}}]}`)
	}))
	defer srv.Close()

	chain := NewChain().Add(NewOpenAIProvider("sk", "gpt-4o", srv.URL, time.Second), nil)
	v := NewClassifier(chain).Classify(context.Background(), "text", "rubric")
	assert.False(t, v.Violates)
}

func TestParseVerdict_TrimsFencing(t *testing.T) {
	v, err := parseVerdict("```json\n{\"violates\": true}\n```")
	require.NoError(t, err)
	assert.True(t, v.Violates)
}

func TestComposeSystemPrompt(t *testing.T) {
	gc := GenerationConstraints{
		BannedPhrases:       []string{"guaranteed returns"},
		MaxPersonalPronouns: 2,
		Tone:                "calm",
	}
	prompt := ComposeSystemPrompt("You are NovaOS.", gc, []string{"Only use the numbers below."})

	assert.True(t, strings.HasPrefix(prompt, "You are NovaOS."))
	assert.Contains(t, prompt, "calm tone")
	assert.Contains(t, prompt, "guaranteed returns")
	assert.Contains(t, prompt, "at most 2 first-person pronouns")
	assert.Contains(t, prompt, "Only use the numbers below.")
}

func TestApplyPostConstraints(t *testing.T) {
	gc := GenerationConstraints{
		MustPrepend: "Note: this is not financial advice.",
		MustInclude: []string{"Data may be delayed."},
	}

	out := ApplyPostConstraints("Here is the quote.", gc)
	assert.True(t, strings.HasPrefix(out, "Note: this is not financial advice."))
	assert.True(t, strings.HasSuffix(out, "Data may be delayed."))

	// Already satisfied: text passes through untouched.
	assert.Equal(t, out, ApplyPostConstraints(out, gc))
}

func TestCheckLinguistic(t *testing.T) {
	gc := GenerationConstraints{
		BannedPhrases:       []string{"trust me"},
		MaxPersonalPronouns: 1,
	}

	violations := CheckLinguistic("Trust me, I know what I am doing.", gc)
	assert.Contains(t, violations, "banned_phrase")
	assert.Contains(t, violations, "pronoun_limit")

	assert.Empty(t, CheckLinguistic("The data shows a rise.", gc))
}
