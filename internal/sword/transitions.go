package sword

import (
	"fmt"

	"time"

	"github.com/novaos/core/internal/nova"
)

// The transition tables. A missing (status, event) pair means the event is
// not permitted in that state.

var goalTransitions = map[string]map[Event]string{
	StatusDraft: {
		EventActivate: StatusActive,
		EventAbandon:  StatusAbandoned,
	},
	StatusActive: {
		EventPause:    StatusPaused,
		EventComplete: StatusCompleted,
		EventAbandon:  StatusAbandoned,
	},
	StatusPaused: {
		EventResume:  StatusActive,
		EventAbandon: StatusAbandoned,
	},
}

var questTransitions = map[string]map[Event]string{
	StatusDraft: {
		EventActivate: StatusActive,
		EventAbandon:  StatusAbandoned,
	},
	StatusActive: {
		EventPause:    StatusPaused,
		EventBlock:    StatusBlocked,
		EventComplete: StatusCompleted,
		EventAbandon:  StatusAbandoned,
	},
	StatusPaused: {
		EventResume:  StatusActive,
		EventAbandon: StatusAbandoned,
	},
	StatusBlocked: {
		EventUnblock: StatusActive,
		EventAbandon: StatusAbandoned,
	},
}

var stepTransitions = map[string]map[Event]string{
	StepPending: {
		EventStart:    StepActive,
		EventComplete: StepCompleted,
		EventMiss:     StepMissed,
		EventSkip:     StepSkipped,
	},
	StepActive: {
		EventComplete: StepCompleted,
		EventMiss:     StepMissed,
		EventSkip:     StepSkipped,
	},
}

var sparkTransitions = map[string]map[Event]string{
	SparkSuggested: {
		EventAccept: SparkAccepted,
		EventSkip:   SparkSkipped,
		EventExpire: SparkExpired,
	},
	SparkAccepted: {
		EventComplete: SparkCompleted,
		EventSkip:     SparkSkipped,
		EventExpire:   SparkExpired,
	},
}

func nextStatus(table map[string]map[Event]string, status string, ev Event) (string, error) {
	if allowed, ok := table[status]; ok {
		if next, ok := allowed[ev]; ok {
			return next, nil
		}
	}
	return "", fmt.Errorf("event %s not permitted in status %q: %w", ev, status, nova.ErrInvalidInput)
}

// TransitionGoal applies an event to a copy of the goal. Pure: the input is
// never mutated.
func TransitionGoal(g Goal, ev Event, now time.Time) (Goal, []SideEffect, error) {
	next, err := nextStatus(goalTransitions, g.Status, ev)
	if err != nil {
		return g, nil, err
	}
	g.Status = next
	g.UpdatedAt = now
	if next == StatusCompleted {
		t := now
		g.CompletedAt = &t
		g.Progress = 100
	}
	return g, []SideEffect{{
		Type: EffectEmit, Target: "goal", ID: g.ID, EventType: string(ev),
	}}, nil
}

// TransitionQuest applies an event to a copy of the quest. Completing a quest
// asks the store to refresh the parent goal's progress.
func TransitionQuest(q Quest, ev Event, now time.Time) (Quest, []SideEffect, error) {
	next, err := nextStatus(questTransitions, q.Status, ev)
	if err != nil {
		return q, nil, err
	}
	q.Status = next
	q.UpdatedAt = now

	effects := []SideEffect{{
		Type: EffectEmit, Target: "quest", ID: q.ID, EventType: string(ev),
	}}
	if next == StatusCompleted {
		t := now
		q.CompletedAt = &t
		q.Progress = 100
		effects = append(effects, SideEffect{Type: EffectUpdateProgress, Target: "goal", ID: q.GoalID})
	}
	return q, effects, nil
}

// TransitionStep applies an event to a copy of the step. Any terminal outcome
// changes the parent quest's completion fraction.
func TransitionStep(s Step, ev Event, now time.Time) (Step, []SideEffect, error) {
	next, err := nextStatus(stepTransitions, s.Status, ev)
	if err != nil {
		return s, nil, err
	}
	s.Status = next
	s.UpdatedAt = now

	effects := []SideEffect{{
		Type: EffectEmit, Target: "step", ID: s.ID, EventType: string(ev),
	}}
	switch next {
	case StepCompleted:
		t := now
		s.CompletedAt = &t
		effects = append(effects, SideEffect{Type: EffectUpdateProgress, Target: "quest", ID: s.QuestID})
	case StepMissed, StepSkipped:
		effects = append(effects, SideEffect{Type: EffectUpdateProgress, Target: "quest", ID: s.QuestID})
	}
	return s, effects, nil
}

// TransitionSpark applies an event to a copy of the spark.
func TransitionSpark(sp Spark, ev Event, now time.Time) (Spark, []SideEffect, error) {
	next, err := nextStatus(sparkTransitions, sp.Status, ev)
	if err != nil {
		return sp, nil, err
	}
	sp.Status = next
	sp.UpdatedAt = now
	return sp, []SideEffect{{
		Type: EffectEmit, Target: "spark", ID: sp.ID, EventType: string(ev),
	}}, nil
}

// QuestProgress is the fraction of terminal-completed steps, as a percentage.
// Steps that were skipped or missed count against it.
func QuestProgress(steps []Step) float64 {
	if len(steps) == 0 {
		return 0
	}
	completed := 0
	for _, s := range steps {
		if s.Status == StepCompleted {
			completed++
		}
	}
	return 100 * float64(completed) / float64(len(steps))
}

// GoalProgress is the average of child quest progress.
func GoalProgress(quests []Quest) float64 {
	if len(quests) == 0 {
		return 0
	}
	var sum float64
	for _, q := range quests {
		sum += q.Progress
	}
	return sum / float64(len(quests))
}
