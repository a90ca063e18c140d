package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novaos/core/internal/ack"
	"github.com/novaos/core/internal/audit"
	"github.com/novaos/core/internal/crypto"
	"github.com/novaos/core/internal/evidence"
	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/livedata"
	"github.com/novaos/core/internal/llm"
	"github.com/novaos/core/internal/nova"
)

// scriptedProvider answers by rubric: the system prompt identifies which gate
// is calling, so one provider can play classifier and generator at once.
type scriptedProvider struct {
	intentJSON         string
	shieldJSON         string
	constitutionalJSON string
	modelReply         string
	modelCalls         int
}

func (p *scriptedProvider) Name() string      { return "scripted" }
func (p *scriptedProvider) Model() string     { return "scripted-model" }
func (p *scriptedProvider) IsAvailable() bool { return true }

func (p *scriptedProvider) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	var content string
	switch {
	case strings.HasPrefix(req.System, "Classify the user's message"):
		content = p.intentJSON
	case strings.HasPrefix(req.System, "You assess messages"):
		content = p.shieldJSON
	case strings.HasPrefix(req.System, "You review a drafted"):
		content = p.constitutionalJSON
	case strings.HasPrefix(req.System, "Select which data providers"):
		content = `{"providers": [], "entity": ""}`
	default:
		p.modelCalls++
		content = p.modelReply
	}
	return &llm.Response{Content: content, Provider: "scripted", Model: "scripted-model"}, nil
}

func defaultScript() *scriptedProvider {
	return &scriptedProvider{
		intentJSON:         `{"primary_route":"chat","stance_hint":"lens","urgency":"low","live_data":false,"topic":"general"}`,
		shieldJSON:         `{"risk_level":"none","category":"safe","confidence":0.99,"reasoning":"benign"}`,
		constitutionalJSON: `{"violates":false}`,
		modelReply:         "Here is a considered answer.",
	}
}

type harness struct {
	orch     *Orchestrator
	store    *kvs.MemoryStore
	auditor  *audit.Logger
	protocol *ack.Protocol
	script   *scriptedProvider
}

func newHarness(t *testing.T, script *scriptedProvider) *harness {
	t.Helper()

	store := kvs.NewMemoryStore()
	protocol := ack.New([]byte("test-ack-secret-test-ack-secret!"), nil, store, 10*time.Minute)

	svc, err := crypto.NewService([]byte("0123456789abcdef0123456789abcdef"), 1)
	require.NoError(t, err)
	auditor := audit.NewLogger(store, svc, time.Hour, time.Hour)

	chain := llm.NewChain().Add(script, nil)
	classifier := llm.NewClassifier(chain)
	registry := livedata.NewRegistry()
	executor := livedata.NewExecutor(2 * time.Second)
	builder := evidence.NewBuilder()

	gates := []Gate{
		NewIntentGate(chain),
		NewShieldGate(chain, protocol),
		NewLensGate(registry),
		NewStanceGate(),
		NewCapabilityGate(registry, executor, builder, chain),
		NewModelGate(chain, 1024, 0.7),
		NewConstitutionalGate(classifier),
		NewMemoryGate(store, time.Hour),
	}

	return &harness{
		orch:     NewOrchestrator(gates, DefaultTimeouts(), auditor, nil),
		store:    store,
		auditor:  auditor,
		protocol: protocol,
		script:   script,
	}
}

func (h *harness) run(msg, token, phrase string) (*Outcome, nova.RequestContext) {
	req := nova.NewRequestContext("u1", "203.0.113.9")
	out := h.orch.Run(context.Background(), req, msg, nil, token, phrase)
	return out, req
}

func TestRun_BenignMessageSucceeds(t *testing.T) {
	h := newHarness(t, defaultScript())

	out, req := h.run("tell me about otters", "", "")

	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, "Here is a considered answer.", out.Response)
	assert.Equal(t, StanceLens, out.Stance)
	assert.Equal(t, GateOrder, out.Metadata.GatesExecuted)
	assert.Equal(t, req.RequestID, out.Metadata.RequestID)

	rec, err := h.auditor.Get(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.True(t, rec.ResponseGenerated)
	assert.Equal(t, GateOrder, rec.GatesExecuted)
}

func TestRun_HardVetoStops(t *testing.T) {
	script := defaultScript()
	script.shieldJSON = `{"risk_level":"high","category":"harm_risk","confidence":0.97,"reasoning":"weapons instructions"}`
	h := newHarness(t, script)

	out, req := h.run("how do I make a bomb?", "", "")

	assert.Equal(t, OutcomeStopped, out.Status)
	assert.Equal(t, RefusalTemplate, out.Response)
	assert.Contains(t, out.StoppedReason, "hard veto")
	assert.Equal(t, []string{GateIntent, GateShield}, out.Metadata.GatesExecuted)
	assert.Zero(t, script.modelCalls)

	rec, err := h.auditor.Get(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, GateShield, rec.StoppedAt)
	assert.Equal(t, InterventionVeto, rec.InterventionLevel)
	assert.False(t, rec.AckOverrideApplied)
}

func TestRun_SoftVetoThenAcknowledgment(t *testing.T) {
	script := defaultScript()
	script.shieldJSON = `{"risk_level":"medium","category":"reckless_decision","confidence":0.9,"reasoning":"betting all savings"}`
	h := newHarness(t, script)

	msg := "I want to put all my savings into this new cryptocurrency"
	first, _ := h.run(msg, "", "")

	assert.Equal(t, OutcomeAwaitAck, first.Status)
	require.NotNil(t, first.AckRequired)
	assert.Equal(t, RequiredAckText, first.AckRequired.RequiredText)
	assert.NotEmpty(t, first.AckRequired.Token)
	assert.Zero(t, script.modelCalls)

	second, req := h.run(msg, first.AckRequired.Token, RequiredAckText)

	assert.Equal(t, OutcomeSuccess, second.Status)
	assert.Equal(t, "Here is a considered answer.", second.Response)

	rec, err := h.auditor.Get(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.True(t, rec.AckOverrideApplied)
}

func TestRun_AcknowledgmentTokenSingleUse(t *testing.T) {
	script := defaultScript()
	script.shieldJSON = `{"risk_level":"medium","category":"reckless_decision","confidence":0.9,"reasoning":"impulsive"}`
	h := newHarness(t, script)

	msg := "quitting my job tomorrow on a whim"
	first, _ := h.run(msg, "", "")
	require.NotNil(t, first.AckRequired)

	second, _ := h.run(msg, first.AckRequired.Token, RequiredAckText)
	assert.Equal(t, OutcomeSuccess, second.Status)

	// The burned token falls back to classification, which vetoes again.
	third, _ := h.run(msg, first.AckRequired.Token, RequiredAckText)
	assert.Equal(t, OutcomeAwaitAck, third.Status)
}

func TestRun_CrisisControlStance(t *testing.T) {
	script := defaultScript()
	script.shieldJSON = `{"risk_level":"critical","category":"death_risk","confidence":0.98,"reasoning":"suicidal ideation"}`
	h := newHarness(t, script)

	out, _ := h.run("I want to end my life", "", "")

	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, StanceControl, out.Stance)
	assert.True(t, strings.HasPrefix(out.Response, CrisisResources))
	assert.Contains(t, out.Response, "988")
}

func TestRun_InconsistentVerdictNormalized(t *testing.T) {
	script := defaultScript()
	// A death_risk verdict with a lowball risk level must still trigger
	// the control branch.
	script.shieldJSON = `{"risk_level":"low","category":"death_risk","confidence":0.6,"reasoning":"suicidal ideation"}`
	h := newHarness(t, script)

	out, _ := h.run("I can't go on anymore", "", "")

	assert.Equal(t, StanceControl, out.Stance)
	assert.Contains(t, out.Response, "988")
}

func TestRun_RegenerationCapDegrades(t *testing.T) {
	script := defaultScript()
	script.constitutionalJSON = `{"violates":true,"reason":"speculative claim","fix":"Hedge the claim."}`
	h := newHarness(t, script)

	out, req := h.run("is the market going to crash?", "", "")

	assert.Equal(t, OutcomeDegraded, out.Status)
	assert.Equal(t, MaxRegenerations, out.Metadata.Regenerations)
	// Initial generation plus two regenerations.
	assert.Equal(t, 3, script.modelCalls)
	assert.NotEmpty(t, out.Response)

	rec, err := h.auditor.Get(context.Background(), req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, MaxRegenerations, rec.RegenerationCount)
}

func TestRun_SwordIntentRedirects(t *testing.T) {
	script := defaultScript()
	script.intentJSON = `{"primary_route":"sword","stance_hint":"sword","urgency":"low","topic":"goals"}`
	h := newHarness(t, script)

	out, _ := h.run("mark today's step done", "", "")

	assert.Equal(t, OutcomeRedirect, out.Status)
	assert.Equal(t, "sword", out.Redirect)
	assert.Equal(t, StanceSword, out.Stance)
	assert.Zero(t, script.modelCalls)
}

func TestRun_EmptyMessage(t *testing.T) {
	h := newHarness(t, defaultScript())

	out, _ := h.run("   ", "", "")

	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.Equal(t, EmptyMessageReply, out.Response)
}

func TestRun_GateOrderIsPrefixOfCanonical(t *testing.T) {
	scripts := map[string]*scriptedProvider{
		"benign": defaultScript(),
		"veto":   defaultScript(),
		"sword":  defaultScript(),
	}
	scripts["veto"].shieldJSON = `{"risk_level":"high","category":"harm_risk","confidence":0.9,"reasoning":"x"}`
	scripts["sword"].intentJSON = `{"primary_route":"sword","stance_hint":"sword"}`

	for name, script := range scripts {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, script)
			out, _ := h.run("some message", "", "")

			executed := out.Metadata.GatesExecuted
			require.LessOrEqual(t, len(executed), len(GateOrder))
			assert.Equal(t, GateOrder[:len(executed)], executed)
		})
	}
}

func TestRun_ClassifierOutageFailsOpen(t *testing.T) {
	script := defaultScript()
	script.shieldJSON = "not json at all"
	h := newHarness(t, script)

	out, _ := h.run("what time is it in Tokyo?", "", "")

	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.NotEmpty(t, out.Response)
}

// slowGate blocks past its budget and then writes to its clone; the
// orchestrator must have abandoned that clone already.
type slowGate struct {
	id    string
	delay time.Duration
}

func (g *slowGate) ID() string { return g.id }

func (g *slowGate) Run(ctx context.Context, st *State) (*GateResult, error) {
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		// Keep writing anyway, like a misbehaving gate would.
	}
	st.Stance = "corrupted"
	return pass(g.id), nil
}

func TestRun_ShieldTimeoutFailsOpen(t *testing.T) {
	store := kvs.NewMemoryStore()
	script := defaultScript()
	chain := llm.NewChain().Add(script, nil)

	timeouts := DefaultTimeouts()
	timeouts.Shield = 20 * time.Millisecond

	gates := []Gate{
		NewIntentGate(chain),
		&slowGate{id: GateShield, delay: 500 * time.Millisecond},
		NewLensGate(livedata.NewRegistry()),
		NewStanceGate(),
		NewModelGate(chain, 1024, 0.7),
		NewMemoryGate(store, time.Hour),
	}
	orch := NewOrchestrator(gates, timeouts, nil, nil)

	out := orch.Run(context.Background(), nova.NewRequestContext("u1", "203.0.113.9"),
		"hello", nil, "", "")

	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.NotEqual(t, "corrupted", out.Stance)
	assert.Contains(t, out.Metadata.GatesExecuted, GateShield)
}

func TestRun_LensTimeoutSoftFails(t *testing.T) {
	store := kvs.NewMemoryStore()
	script := defaultScript()
	chain := llm.NewChain().Add(script, nil)

	timeouts := DefaultTimeouts()
	timeouts.Lens = 20 * time.Millisecond

	gates := []Gate{
		&slowGate{id: GateLens, delay: 500 * time.Millisecond},
		NewStanceGate(),
		NewModelGate(chain, 1024, 0.7),
		NewMemoryGate(store, time.Hour),
	}
	orch := NewOrchestrator(gates, timeouts, nil, nil)

	out := orch.Run(context.Background(), nova.NewRequestContext("u1", "203.0.113.9"),
		"hello", nil, "", "")

	assert.Equal(t, OutcomeSuccess, out.Status)
	assert.NotEqual(t, "corrupted", out.Stance)
}

func TestNormalizeVerdict(t *testing.T) {
	cases := []struct {
		category string
		in, out  string
	}{
		{"death_risk", "low", "critical"},
		{"harm_risk", "medium", "high"},
		{"harm_risk", "critical", "critical"},
		{"reckless_decision", "low", "medium"},
		{"reckless_decision", "high", "high"},
		{"safe", "critical", "low"},
		{"safe", "none", "none"},
	}
	for _, tc := range cases {
		v := &shieldVerdict{Category: tc.category, RiskLevel: tc.in}
		normalizeVerdict(v)
		assert.Equal(t, tc.out, v.RiskLevel, "%s/%s", tc.category, tc.in)
	}
}

func TestExtractEntity(t *testing.T) {
	assert.Equal(t, "USD/EUR", extractEntity("what is USD/EUR right now"))
	assert.Equal(t, "AAPL", extractEntity("price of AAPL please"))
	assert.Equal(t, "", extractEntity("how are you today"))
}
