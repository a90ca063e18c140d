package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/novaos/core/internal/audit"
	"github.com/novaos/core/internal/llm"
	"github.com/novaos/core/internal/nova"
)

// Timeouts holds the per-gate and total time budgets.
type Timeouts struct {
	Intent         time.Duration
	Shield         time.Duration
	Lens           time.Duration
	Stance         time.Duration
	Capability     time.Duration
	Model          time.Duration
	Constitutional time.Duration
	Memory         time.Duration
	Total          time.Duration
}

// DefaultTimeouts returns the production budgets. The capability budget is
// generous because it covers real egress; the structural gates get a second.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Intent:         2 * time.Second,
		Shield:         3 * time.Second,
		Lens:           10 * time.Second,
		Stance:         time.Second,
		Capability:     10 * time.Second,
		Model:          15 * time.Second,
		Constitutional: 3 * time.Second,
		Memory:         time.Second,
		Total:          30 * time.Second,
	}
}

func (t Timeouts) forGate(gateID string) time.Duration {
	switch gateID {
	case GateIntent:
		return t.Intent
	case GateShield:
		return t.Shield
	case GateLens:
		return t.Lens
	case GateStance:
		return t.Stance
	case GateCapability:
		return t.Capability
	case GateModel:
		return t.Model
	case GateConstitutional:
		return t.Constitutional
	case GateMemory:
		return t.Memory
	default:
		return time.Second
	}
}

// Outcome statuses.
const (
	OutcomeSuccess  = "success"
	OutcomeAwaitAck = "await_ack"
	OutcomeStopped  = "stopped"
	OutcomeDegraded = "degraded"
	OutcomeRedirect = "redirect"
	OutcomeError    = "error"
)

// Outcome is the orchestrator's final answer for one request.
type Outcome struct {
	Status        string       `json:"status"`
	Response      string       `json:"response,omitempty"`
	Stance        string       `json:"stance,omitempty"`
	Redirect      string       `json:"redirect,omitempty"`
	AckRequired   *AckChallenge `json:"ack_required,omitempty"`
	StoppedReason string       `json:"stopped_reason,omitempty"`
	Metadata      Metadata     `json:"metadata"`
}

// AckChallenge is returned on a soft veto: the token, the exact phrase to
// type, and the deadline.
type AckChallenge struct {
	Token        string    `json:"ack_token"`
	RequiredText string    `json:"required_text"`
	ExpiresAt    time.Time `json:"expires_at"`
	Reason       string    `json:"reason,omitempty"`
}

// Metadata is the non-content trailer on every outcome.
type Metadata struct {
	RequestID     string `json:"request_id"`
	TotalTimeMs   int64  `json:"total_time_ms"`
	Regenerations int    `json:"regenerations"`
	GatesExecuted []string `json:"gates_executed"`
}

// Orchestrator runs the gate sequence. Each gate executes against a fresh
// clone of the state under its own deadline; on timeout the clone is
// discarded, so a slow gate that eventually writes only touches abandoned
// memory.
type Orchestrator struct {
	gates    []Gate
	timeouts Timeouts
	auditor  *audit.Logger
	metrics  *Metrics
	logger   *log.Logger
	nowFunc  func() time.Time
}

func NewOrchestrator(gates []Gate, timeouts Timeouts, auditor *audit.Logger, metrics *Metrics) *Orchestrator {
	return &Orchestrator{
		gates:    gates,
		timeouts: timeouts,
		auditor:  auditor,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		nowFunc:  time.Now,
	}
}

// Run processes one message through the full sequence and records the audit
// trail. It returns an Outcome in every non-panic path.
func (o *Orchestrator) Run(ctx context.Context, req nova.RequestContext, userMessage string, history []llm.Message, ackToken, ackText string) *Outcome {
	started := o.nowFunc()
	ctx, cancel := context.WithTimeout(ctx, o.timeouts.Total)
	defer cancel()

	st := NewState(req, userMessage, history)
	st.AckToken = ackToken
	st.AckText = ackText
	st.Constraints = llm.DefaultConstraints()

	outcome := o.runGates(ctx, st)
	outcome.Stance = st.Stance
	outcome.Metadata = Metadata{
		RequestID:     req.RequestID,
		TotalTimeMs:   time.Since(started).Milliseconds(),
		Regenerations: st.RegenerationCount,
		GatesExecuted: st.GateOrder,
	}

	if o.metrics != nil {
		o.metrics.RecordRun(outcome.Status, st.Stance, time.Since(started), st.RegenerationCount)
	}
	o.record(ctx, st, outcome)
	return outcome
}

func (o *Orchestrator) runGates(ctx context.Context, st *State) *Outcome {
	i := 0
	for i < len(o.gates) {
		gate := o.gates[i]

		res, next, err := o.runOne(ctx, gate, st)
		if err != nil {
			// Only the model gate surfaces errors; everything upstream
			// degrades in place.
			st.StoppedAt = gate.ID()
			st.StoppedReason = err.Error()
			o.logger.Printf("request=%s gate=%s fatal: %v", st.Request.RequestID, gate.ID(), err)
			return &Outcome{Status: OutcomeError, StoppedReason: "generation failed"}
		}
		*st = *next
		if o.metrics != nil {
			o.metrics.RecordGate(res.GateID, res.Status, time.Duration(res.ExecutionTimeMs)*time.Millisecond)
		}

		switch res.Action {
		case ActionStop:
			st.StoppedAt = res.GateID
			st.StoppedReason = res.FailureReason
			return &Outcome{
				Status:        OutcomeStopped,
				Response:      RefusalTemplate,
				StoppedReason: res.FailureReason,
			}

		case ActionAwaitAck:
			st.StoppedAt = res.GateID
			st.StoppedReason = res.FailureReason
			out := &Outcome{Status: OutcomeAwaitAck, StoppedReason: res.FailureReason}
			if st.RiskSummary != nil && st.RiskSummary.PendingAck != nil {
				issued := st.RiskSummary.PendingAck
				out.AckRequired = &AckChallenge{
					Token:        issued.Token,
					RequiredText: issued.RequiredText,
					ExpiresAt:    issued.ExpiresAt,
					Reason:       st.RiskSummary.Reason,
				}
			}
			return out

		case ActionRedirect:
			st.RedirectTarget = res.RedirectTarget
			return &Outcome{Status: OutcomeRedirect, Redirect: res.RedirectTarget}

		case ActionRegenerate:
			if st.RegenerationCount >= MaxRegenerations {
				st.Degraded = true
				o.logger.Printf("request=%s regeneration cap reached, returning degraded reply", st.Request.RequestID)
				i = indexOf(o.gates, GateMemory)
				if i < 0 {
					return o.finalOutcome(st)
				}
				continue
			}
			st.RegenerationCount++
			st.FixGuidance = res.FailureReason
			i = indexOf(o.gates, GateModel)
			if i < 0 {
				return o.finalOutcome(st)
			}
			continue
		}

		i++
	}
	return o.finalOutcome(st)
}

// runOne clones the state, runs the gate against the clone under its budget,
// and returns the merged clone. A timed-out gate's clone is dropped.
func (o *Orchestrator) runOne(ctx context.Context, gate Gate, st *State) (*GateResult, *State, error) {
	budget := o.timeouts.forGate(gate.ID())
	gateCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	clone := st.Clone()
	started := o.nowFunc()

	type ran struct {
		res *GateResult
		err error
	}
	done := make(chan ran, 1)
	go func() {
		res, err := gate.Run(gateCtx, clone)
		done <- ran{res, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if gate.ID() == GateModel {
				return nil, nil, r.err
			}
			r.res = softFail(gate.ID(), r.err.Error())
		}
		clone.recordGate(r.res, started)
		return r.res, clone, nil

	case <-gateCtx.Done():
		res := o.timeoutResult(gate.ID())
		if res.Action == ActionStop {
			fresh := st.Clone()
			fresh.recordGate(res, started)
			return res, fresh, fmt.Errorf("%s gate timeout after %s: %w", gate.ID(), budget, nova.ErrProviderTimeout)
		}
		fresh := st.Clone()
		fresh.recordGate(res, started)
		o.logger.Printf("request=%s gate=%s timed out after %s (%s)", st.Request.RequestID, gate.ID(), budget, res.Status)
		return res, fresh, nil
	}
}

// timeoutResult applies the per-gate timeout policy: the shield fails open,
// the model is fatal, everything else soft-fails and continues.
func (o *Orchestrator) timeoutResult(gateID string) *GateResult {
	switch gateID {
	case GateShield:
		return &GateResult{GateID: gateID, Status: StatusPass, Action: ActionContinue,
			FailureReason: "risk assessment unavailable"}
	case GateModel:
		return &GateResult{GateID: gateID, Status: StatusHardFail, Action: ActionStop,
			FailureReason: "generation timeout"}
	default:
		return softFail(gateID, "gate timeout")
	}
}

func (o *Orchestrator) finalOutcome(st *State) *Outcome {
	out := &Outcome{Response: st.ResponseText()}
	if st.Degraded {
		out.Status = OutcomeDegraded
	} else {
		out.Status = OutcomeSuccess
	}
	return out
}

func (o *Orchestrator) record(ctx context.Context, st *State, out *Outcome) {
	if o.auditor == nil {
		return
	}
	rec := &audit.ResponseAudit{
		RequestID:            st.Request.RequestID,
		UserID:               st.Request.UserID,
		PolicyVersions:       st.Request.Policies,
		GatesExecuted:        st.GateOrder,
		Stance:               st.Stance,
		ResponseGenerated:    st.Generation != nil,
		RegenerationCount:    st.RegenerationCount,
		StoppedAt:            st.StoppedAt,
		StoppedReason:        st.StoppedReason,
		TrustViolations:      st.TrustViolations,
		LinguisticViolations: st.LinguisticViolations,
	}
	if st.Generation != nil {
		rec.Model = st.Generation.Model
	}
	if st.RiskSummary != nil {
		rec.InterventionLevel = st.RiskSummary.InterventionLevel
		rec.AckOverrideApplied = st.RiskSummary.OverrideApplied
	}
	if err := o.auditor.Record(ctx, rec, st.UserMessage, out.Response, st.Constraints); err != nil {
		o.logger.Printf("audit record failed for request=%s: %v", st.Request.RequestID, err)
	}
}

func indexOf(gates []Gate, id string) int {
	for i, g := range gates {
		if g.ID() == id {
			return i
		}
	}
	return -1
}
