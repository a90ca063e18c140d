package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/novaos/core/internal/ack"
	"github.com/novaos/core/internal/evidence"
	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/livedata"
	"github.com/novaos/core/internal/llm"
)

// Gate is one stage of the pipeline. Run receives the orchestrator's fresh
// clone of the state and writes its output onto it; the result tells the
// orchestrator how to proceed. Recoverable gate-local errors are handled
// inside Run (soft_fail/continue); a returned error is treated as fatal only
// for the model gate.
type Gate interface {
	ID() string
	Run(ctx context.Context, st *State) (*GateResult, error)
}

func pass(gateID string) *GateResult {
	return &GateResult{GateID: gateID, Status: StatusPass, Action: ActionContinue}
}

func softFail(gateID, reason string) *GateResult {
	return &GateResult{GateID: gateID, Status: StatusSoftFail, Action: ActionContinue, FailureReason: reason}
}

// ==== INTENT ====

// IntentGate classifies the message. Classification failure falls back to a
// neutral intent rather than blocking the pipeline.
type IntentGate struct {
	chain  *llm.Chain
	logger *log.Logger
}

func NewIntentGate(chain *llm.Chain) *IntentGate {
	return &IntentGate{chain: chain, logger: log.New(log.Writer(), "[GATE:intent] ", log.LstdFlags)}
}

func (g *IntentGate) ID() string { return GateIntent }

func (g *IntentGate) Run(ctx context.Context, st *State) (*GateResult, error) {
	resp, err := g.chain.Complete(ctx, &llm.Request{
		System:      intentRubric,
		Messages:    append(append([]llm.Message(nil), st.History...), llm.Message{Role: llm.RoleUser, Content: st.UserMessage}),
		MaxTokens:   256,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		st.Intent = defaultIntent()
		return softFail(GateIntent, "intent classification unavailable"), nil
	}

	var intent Intent
	if jerr := json.Unmarshal([]byte(stripFences(resp.Content)), &intent); jerr != nil {
		g.logger.Printf("unparseable intent verdict: %v", jerr)
		st.Intent = defaultIntent()
		return softFail(GateIntent, "intent verdict unparseable"), nil
	}
	st.Intent = &intent
	return pass(GateIntent), nil
}

func defaultIntent() *Intent {
	return &Intent{PrimaryRoute: "chat", StanceHint: StanceLens, Urgency: "low"}
}

// ==== SHIELD ====

type shieldVerdict struct {
	RiskLevel  string  `json:"risk_level"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ShieldGate computes the risk summary and applies the safety decision table.
// It fails open: a classifier outage must not deny service while the other
// gates still stand.
type ShieldGate struct {
	chain    *llm.Chain
	protocol *ack.Protocol
	logger   *log.Logger
}

func NewShieldGate(chain *llm.Chain, protocol *ack.Protocol) *ShieldGate {
	return &ShieldGate{
		chain:    chain,
		protocol: protocol,
		logger:   log.New(log.Writer(), "[GATE:shield] ", log.LstdFlags),
	}
}

func (g *ShieldGate) ID() string { return GateShield }

func (g *ShieldGate) Run(ctx context.Context, st *State) (*GateResult, error) {
	// Ack short-circuit. A pre-asserted ackTokenValid flag is never trusted;
	// the token is validated here regardless of what upstream claimed.
	if st.AckToken != "" && st.AckText != "" {
		tok, err := g.protocol.Validate(ctx, st.AckToken, st.UserMessage, st.AckText, RequiredAckText)
		if err == nil {
			valid := true
			st.AckTokenValid = &valid
			st.RiskSummary = &RiskSummary{
				InterventionLevel: InterventionNone,
				AuditID:           tok.AuditID,
				OverrideApplied:   true,
			}
			return pass(GateShield), nil
		}
		invalid := false
		st.AckTokenValid = &invalid
		g.logger.Printf("ack token rejected: %v", err)
		// Fall through: the message is classified like any other.
	}

	verdict, err := g.classify(ctx, st)
	if err != nil {
		st.RiskSummary = &RiskSummary{
			InterventionLevel: InterventionNone,
			Reason:            "risk assessment unavailable",
		}
		return pass(GateShield), nil
	}
	normalizeVerdict(verdict)

	auditID := uuid.NewString()

	switch {
	case verdict.Category == "death_risk" && verdict.RiskLevel == "critical":
		st.Stance = StanceControl
		st.RiskSummary = &RiskSummary{
			InterventionLevel: InterventionFriction,
			StakesLevel:       verdict.RiskLevel,
			Reason:            verdict.Reasoning,
			AuditID:           auditID,
			ControlTrigger:    controlTrigger(verdict.Reasoning),
			CrisisResources:   CrisisResources,
		}
		st.Constraints.MustPrepend = CrisisResources
		st.Constraints.Tone = "warm"
		return pass(GateShield), nil

	case verdict.Category == "harm_risk" && (verdict.RiskLevel == "high" || verdict.RiskLevel == "critical"):
		st.RiskSummary = &RiskSummary{
			InterventionLevel: InterventionVeto,
			VetoType:          "hard",
			StakesLevel:       verdict.RiskLevel,
			Reason:            verdict.Reasoning,
			AuditID:           auditID,
		}
		return &GateResult{
			GateID:        GateShield,
			Status:        StatusHardFail,
			Action:        ActionStop,
			FailureReason: "hard veto: " + verdict.Reasoning,
		}, nil

	case verdict.Category == "reckless_decision" && atLeastMedium(verdict.RiskLevel):
		issued, err := g.protocol.Issue(st.Request.RequestID, st.Request.UserID,
			st.UserMessage, verdict.Category, auditID, RequiredAckText)
		if err != nil {
			g.logger.Printf("token issuance failed, failing open: %v", err)
			st.RiskSummary = &RiskSummary{InterventionLevel: InterventionNone, Reason: "risk assessment unavailable"}
			return pass(GateShield), nil
		}
		st.RiskSummary = &RiskSummary{
			InterventionLevel: InterventionVeto,
			VetoType:          "soft",
			StakesLevel:       verdict.RiskLevel,
			Reason:            verdict.Reasoning,
			AuditID:           auditID,
			PendingAck:        issued,
		}
		return &GateResult{
			GateID:        GateShield,
			Status:        StatusSoftFail,
			Action:        ActionAwaitAck,
			FailureReason: "soft veto: " + verdict.Reasoning,
		}, nil
	}

	summary := &RiskSummary{InterventionLevel: InterventionNone, AuditID: auditID}
	if st.Intent != nil && nudgeDomains[st.Intent.Topic] {
		summary.InterventionLevel = InterventionNudge
		st.Constraints.MustInclude = append(st.Constraints.MustInclude,
			"This is general information, not professional advice.")
	}
	st.RiskSummary = summary
	return pass(GateShield), nil
}

func (g *ShieldGate) classify(ctx context.Context, st *State) (*shieldVerdict, error) {
	resp, err := g.chain.Complete(ctx, &llm.Request{
		System:      shieldRubric,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: st.UserMessage}},
		MaxTokens:   256,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}
	var verdict shieldVerdict
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &verdict); err != nil {
		return nil, fmt.Errorf("shield verdict unparseable: %w", err)
	}
	return &verdict, nil
}

// normalizeVerdict enforces the category <-> risk mapping so an inconsistent
// classification ("death_risk"/"low") cannot bypass the decision table.
func normalizeVerdict(v *shieldVerdict) {
	switch v.Category {
	case "death_risk":
		v.RiskLevel = "critical"
	case "harm_risk":
		if v.RiskLevel != "critical" {
			v.RiskLevel = "high"
		}
	case "reckless_decision":
		if !atLeastMedium(v.RiskLevel) {
			v.RiskLevel = "medium"
		}
	case "safe":
		if v.RiskLevel != "none" && v.RiskLevel != "low" {
			v.RiskLevel = "low"
		}
	}
}

func atLeastMedium(level string) bool {
	return level == "medium" || level == "high" || level == "critical"
}

func controlTrigger(reasoning string) string {
	lower := strings.ToLower(reasoning)
	switch {
	case strings.Contains(lower, "suicid"), strings.Contains(lower, "end "):
		return "suicidal_ideation"
	case strings.Contains(lower, "self-harm"), strings.Contains(lower, "self harm"):
		return "self_harm"
	default:
		return "acute_distress"
	}
}

// ==== LENS ====

// LensGate decides whether the request needs live data and which categories.
type LensGate struct {
	registry *livedata.Registry
}

func NewLensGate(registry *livedata.Registry) *LensGate {
	return &LensGate{registry: registry}
}

func (g *LensGate) ID() string { return GateLens }

func (g *LensGate) Run(_ context.Context, st *State) (*GateResult, error) {
	matched := g.registry.SelectByKeywords(st.NormalizedMessage)

	needsLive := len(matched) > 0
	if st.Intent != nil && st.Intent.LiveData {
		needsLive = true
	}

	categories := make([]string, 0, len(matched))
	seen := make(map[string]bool)
	for _, p := range matched {
		if !seen[p.Category()] {
			seen[p.Category()] = true
			categories = append(categories, p.Category())
		}
	}

	st.LensResult = &LensResult{
		NeedsLiveData:      needsLive,
		NeedsVerification:  needsLive,
		RequiredCategories: categories,
		Qualitative:        !needsLive,
	}
	return pass(GateLens), nil
}

// ==== STANCE ====

// StanceGate picks the conversational mode. Shield's control branch wins
// over anything the intent hinted; explicit goal management redirects to the
// sword subsystem.
type StanceGate struct{}

func NewStanceGate() *StanceGate { return &StanceGate{} }

func (g *StanceGate) ID() string { return GateStance }

func (g *StanceGate) Run(_ context.Context, st *State) (*GateResult, error) {
	if st.Stance == StanceControl {
		return pass(GateStance), nil
	}

	hint := ""
	route := ""
	if st.Intent != nil {
		hint = st.Intent.StanceHint
		route = st.Intent.PrimaryRoute
	}

	if route == "sword" {
		st.Stance = StanceSword
		return &GateResult{
			GateID:         GateStance,
			Status:         StatusPass,
			Action:         ActionRedirect,
			RedirectTarget: "sword",
		}, nil
	}

	switch hint {
	case StanceSword, StanceShield, StanceLens:
		st.Stance = hint
	default:
		st.Stance = StanceLens
	}
	return pass(GateStance), nil
}

// ==== CAPABILITY ====

type selectorChoice struct {
	Providers []string `json:"providers"`
	Entity    string   `json:"entity"`
}

// CapabilityGate selects and executes providers, then assembles the evidence
// pack. Sword-stance requests short-circuit: goal management needs no
// evidence.
type CapabilityGate struct {
	registry *livedata.Registry
	executor *livedata.Executor
	builder  *evidence.Builder
	chain    *llm.Chain
	logger   *log.Logger
}

func NewCapabilityGate(registry *livedata.Registry, executor *livedata.Executor, builder *evidence.Builder, chain *llm.Chain) *CapabilityGate {
	return &CapabilityGate{
		registry: registry,
		executor: executor,
		builder:  builder,
		chain:    chain,
		logger:   log.New(log.Writer(), "[GATE:capability] ", log.LstdFlags),
	}
}

func (g *CapabilityGate) ID() string { return GateCapability }

func (g *CapabilityGate) Run(ctx context.Context, st *State) (*GateResult, error) {
	if st.Stance == StanceSword {
		return pass(GateCapability), nil
	}
	if st.LensResult == nil || !st.LensResult.NeedsLiveData {
		return pass(GateCapability), nil
	}

	providers, entity := g.selectProviders(ctx, st)
	if len(providers) == 0 {
		providers = g.registry.SelectByKeywords(st.NormalizedMessage)
	}
	if entity == "" {
		entity = extractEntity(st.UserMessage)
	}

	results, errs := g.executor.Run(ctx, providers, livedata.Query{
		Entity:    entity,
		Message:   st.NormalizedMessage,
		UserID:    st.Request.UserID,
		ClientIP:  st.Request.ClientIP,
		RequestID: st.Request.RequestID,
	})

	st.EvidencePack = g.builder.Build(evidence.Input{
		Results:            results,
		Errors:             errs,
		RequiredCategories: st.LensResult.RequiredCategories,
		NeedsLiveData:      true,
	})

	if len(errs) > 0 {
		return softFail(GateCapability, fmt.Sprintf("%d of %d providers failed", len(errs), len(providers))), nil
	}
	return pass(GateCapability), nil
}

// selectProviders asks the model to choose from the registry menu; on any
// failure the deterministic keyword fallback takes over.
func (g *CapabilityGate) selectProviders(ctx context.Context, st *State) ([]livedata.Provider, string) {
	menu, err := json.Marshal(g.registry.List())
	if err != nil {
		return nil, ""
	}
	resp, err := g.chain.Complete(ctx, &llm.Request{
		System:      selectorRubric + "\n\nMenu:\n" + string(menu),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: st.UserMessage}},
		MaxTokens:   128,
		Temperature: 0,
		JSONMode:    true,
	})
	if err != nil {
		return nil, ""
	}
	var choice selectorChoice
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &choice); err != nil {
		g.logger.Printf("selector verdict unparseable, using keyword fallback")
		return nil, ""
	}
	return g.registry.Resolve(choice.Providers), choice.Entity
}

var (
	fxPairPattern = regexp.MustCompile(`\b[A-Z]{3}/[A-Z]{3}\b`)
	tickerPattern = regexp.MustCompile(`\b[A-Z]{2,5}\b`)
)

// extractEntity pulls the most likely symbol from the raw message: an FX pair
// first, then the first all-caps token.
func extractEntity(message string) string {
	if pair := fxPairPattern.FindString(message); pair != "" {
		return pair
	}
	return tickerPattern.FindString(message)
}

// ==== MODEL ====

// ModelGate composes the final prompt and calls the provider chain. It is
// the one gate whose failure is fatal; the stub at the end of the chain
// makes that path nearly unreachable.
type ModelGate struct {
	chain       *llm.Chain
	maxTokens   int
	temperature float64
}

func NewModelGate(chain *llm.Chain, maxTokens int, temperature float64) *ModelGate {
	return &ModelGate{chain: chain, maxTokens: maxTokens, temperature: temperature}
}

func (g *ModelGate) ID() string { return GateModel }

func (g *ModelGate) Run(ctx context.Context, st *State) (*GateResult, error) {
	if strings.TrimSpace(st.UserMessage) == "" {
		st.Generation = &llm.Response{Content: EmptyMessageReply, Provider: "template", Model: "none"}
		return pass(GateModel), nil
	}

	var additions []string
	userPrompt := st.UserMessage
	if st.EvidencePack != nil {
		additions = st.EvidencePack.SystemPromptAdditions
		userPrompt = st.EvidencePack.Envelope(st.UserMessage)
	}
	if st.FixGuidance != "" {
		userPrompt = userPrompt + "\n\nFIX: " + st.FixGuidance
	}

	system := llm.ComposeSystemPrompt(PolicyPrompt, st.Constraints, additions)
	messages := append(append([]llm.Message(nil), st.History...),
		llm.Message{Role: llm.RoleUser, Content: userPrompt})

	resp, err := g.chain.Complete(ctx, &llm.Request{
		System:      system,
		Messages:    messages,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return nil, err
	}

	resp.Content = llm.ApplyPostConstraints(resp.Content, st.Constraints)
	st.Generation = resp
	return pass(GateModel), nil
}

// ==== CONSTITUTIONAL ====

// ConstitutionalGate validates the generated reply: the numeric-quote rule
// first (cheap, deterministic), then the classifier. Violations request one
// regeneration with fix guidance; the orchestrator owns the cap.
type ConstitutionalGate struct {
	classifier *llm.Classifier
}

func NewConstitutionalGate(classifier *llm.Classifier) *ConstitutionalGate {
	return &ConstitutionalGate{classifier: classifier}
}

func (g *ConstitutionalGate) ID() string { return GateConstitutional }

func (g *ConstitutionalGate) Run(ctx context.Context, st *State) (*GateResult, error) {
	text := st.ResponseText()
	if text == "" {
		return softFail(GateConstitutional, "no generation to validate"), nil
	}

	if pack := st.EvidencePack; pack != nil && pack.ConstraintLevel == evidence.ConstraintQuoteEvidenceOnly {
		if unverified := unverifiedNumbers(text, pack); len(unverified) > 0 {
			st.TrustViolations = append(st.TrustViolations, "unverified_numeric")
			return &GateResult{
				GateID:        GateConstitutional,
				Status:        StatusSoftFail,
				Action:        ActionRegenerate,
				FailureReason: "Remove or correct figures that are not present in the verified evidence: " + strings.Join(unverified, ", "),
			}, nil
		}
	}

	verdict := g.classifier.Classify(ctx, text, constitutionalRubric)
	if verdict.Violates {
		fix := verdict.Fix
		if fix == "" {
			fix = verdict.Reason
		}
		return &GateResult{
			GateID:        GateConstitutional,
			Status:        StatusSoftFail,
			Action:        ActionRegenerate,
			FailureReason: fix,
		}, nil
	}

	st.LinguisticViolations = llm.CheckLinguistic(text, st.Constraints)
	return pass(GateConstitutional), nil
}

func unverifiedNumbers(text string, pack *evidence.Pack) []string {
	var unverified []string
	seen := make(map[string]bool)
	for _, lit := range evidence.NumericLiterals(text) {
		if seen[lit] {
			continue
		}
		seen[lit] = true
		if !pack.AllowsNumeric(lit) {
			unverified = append(unverified, lit)
		}
	}
	return unverified
}

// ==== MEMORY ====

// MemoryGate stores a best-effort trace of the exchange. Failures never
// affect the response.
type MemoryGate struct {
	store kvs.Store
	ttl   time.Duration
}

func NewMemoryGate(store kvs.Store, ttl time.Duration) *MemoryGate {
	return &MemoryGate{store: store, ttl: ttl}
}

func (g *MemoryGate) ID() string { return GateMemory }

func (g *MemoryGate) Run(ctx context.Context, st *State) (*GateResult, error) {
	if g.store == nil {
		return pass(GateMemory), nil
	}
	trace, err := json.Marshal(map[string]interface{}{
		"request_id": st.Request.RequestID,
		"message":    st.UserMessage,
		"response":   st.ResponseText(),
		"stance":     st.Stance,
	})
	if err != nil {
		return softFail(GateMemory, "trace marshal failed"), nil
	}
	key := "memory:user:" + st.Request.UserID + ":last"
	if err := g.store.Set(ctx, key, string(trace), g.ttl); err != nil {
		return softFail(GateMemory, "trace store failed"), nil
	}
	return pass(GateMemory), nil
}

func stripFences(content string) string {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}
