// Package pipeline drives the ordered gate sequence every message passes
// through: intent, shield, lens, stance, capability, model, constitutional,
// memory. Gates receive the state read-only and return a result; the
// orchestrator clones the state, merges the result, and advances.
package pipeline

import (
	"time"

	"github.com/novaos/core/internal/ack"
	"github.com/novaos/core/internal/evidence"
	"github.com/novaos/core/internal/llm"
	"github.com/novaos/core/internal/nova"
)

// Gate ids, in canonical order.
const (
	GateIntent         = "intent"
	GateShield         = "shield"
	GateLens           = "lens"
	GateStance         = "stance"
	GateCapability     = "capability"
	GateModel          = "model"
	GateConstitutional = "constitutional"
	GateMemory         = "memory"
)

// GateOrder is the canonical sequence; gatesExecuted in the audit is always
// a prefix of it.
var GateOrder = []string{
	GateIntent, GateShield, GateLens, GateStance,
	GateCapability, GateModel, GateConstitutional, GateMemory,
}

// Result statuses.
const (
	StatusPass     = "pass"
	StatusSoftFail = "soft_fail"
	StatusHardFail = "hard_fail"
)

// Result actions.
const (
	ActionContinue   = "continue"
	ActionRegenerate = "regenerate"
	ActionAwaitAck   = "await_ack"
	ActionStop       = "stop"
	ActionRedirect   = "redirect"
)

// Stances.
const (
	StanceLens    = "lens"
	StanceSword   = "sword"
	StanceShield  = "shield"
	StanceControl = "control"
)

// Intervention levels, escalating.
const (
	InterventionNone     = "none"
	InterventionNudge    = "nudge"
	InterventionFriction = "friction"
	InterventionVeto     = "veto"
)

// MaxRegenerations caps the model/constitutional retry loop.
const MaxRegenerations = 2

// GateResult is the uniform gate output the orchestrator merges.
type GateResult struct {
	GateID          string `json:"gate_id"`
	Status          string `json:"status"`
	Action          string `json:"action"`
	FailureReason   string `json:"failure_reason,omitempty"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	RedirectTarget  string `json:"redirect_target,omitempty"`
}

// Intent is the first gate's classification of the message.
type Intent struct {
	PrimaryRoute   string `json:"primary_route"`
	StanceHint     string `json:"stance_hint"`
	Urgency        string `json:"urgency"`
	LiveData       bool   `json:"live_data"`
	LearningIntent bool   `json:"learning_intent"`
	Topic          string `json:"topic"`
}

// LensResult records what verification the request needs.
type LensResult struct {
	NeedsLiveData      bool     `json:"needs_live_data"`
	NeedsVerification  bool     `json:"needs_verification"`
	RequiredCategories []string `json:"required_categories"`
	Qualitative        bool     `json:"qualitative"`
}

// RiskSummary is the shield gate's output.
type RiskSummary struct {
	InterventionLevel string      `json:"intervention_level"`
	VetoType          string      `json:"veto_type,omitempty"` // soft | hard
	StakesLevel       string      `json:"stakes_level,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	AuditID           string      `json:"audit_id,omitempty"`
	PendingAck        *ack.Issued `json:"pending_ack,omitempty"`
	ControlTrigger    string      `json:"control_trigger,omitempty"`
	CrisisResources   string      `json:"crisis_resources,omitempty"`
	OverrideApplied   bool        `json:"override_applied"`
}

// State is the evolving per-request record. Gates never mutate it; the
// orchestrator clones, merges, replaces. Regeneration resets only Generation.
type State struct {
	Request           nova.RequestContext
	UserMessage       string
	NormalizedMessage string
	History           []llm.Message

	AckToken      string
	AckText       string
	AckTokenValid *bool

	GateResults map[string]*GateResult
	GateOrder   []string // execution order, prefix of the canonical order

	Intent       *Intent
	LensResult   *LensResult
	Stance       string
	RiskSummary  *RiskSummary
	EvidencePack *evidence.Pack
	Constraints  llm.GenerationConstraints

	Generation        *llm.Response
	FixGuidance       string
	RegenerationCount int
	Degraded          bool

	TrustViolations      []string
	LinguisticViolations []string

	StoppedAt      string
	StoppedReason  string
	RedirectTarget string
}

// NewState normalizes the message (NFKC + fold, same normalization the ack
// phrase check uses) so homoglyph tricks collapse before any gate sees them.
func NewState(req nova.RequestContext, userMessage string, history []llm.Message) *State {
	return &State{
		Request:           req,
		UserMessage:       userMessage,
		NormalizedMessage: ack.NormalizePhrase(userMessage),
		History:           history,
		GateResults:       make(map[string]*GateResult),
	}
}

// Clone returns a copy safe to merge into. Maps and slices are copied; gate
// outputs are treated as immutable once produced and shared by pointer.
func (s *State) Clone() *State {
	next := *s

	next.GateResults = make(map[string]*GateResult, len(s.GateResults))
	for k, v := range s.GateResults {
		next.GateResults[k] = v
	}
	next.GateOrder = append([]string(nil), s.GateOrder...)
	next.History = append([]llm.Message(nil), s.History...)

	return &next
}

// recordGate merges a gate result into the execution trace.
func (s *State) recordGate(res *GateResult, started time.Time) {
	res.ExecutionTimeMs = time.Since(started).Milliseconds()
	s.GateResults[res.GateID] = res
	s.GateOrder = append(s.GateOrder, res.GateID)
}

// ResponseText is the canonical reply text, or empty when no generation ran.
func (s *State) ResponseText() string {
	if s.Generation == nil {
		return ""
	}
	return s.Generation.Content
}
