package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/livedata"
	"github.com/novaos/core/internal/nova"
	"github.com/novaos/core/internal/sword"
)

// Job ids.
const (
	JobGenerateDailySteps   = "generate_daily_steps"
	JobMorningSparks        = "morning_sparks"
	JobReminderEscalation   = "reminder_escalation"
	JobDayEndReconciliation = "day_end_reconciliation"
	JobKnownSourcesHealth   = "known_sources_health"
	JobRetentionEnforcement = "retention_enforcement"
)

const maxReminderLevel = 3

func notificationsKey(userID string) string { return "notifications:queue:" + userID }

// Handlers bundles the maintenance job implementations over the domain
// stores. Every handler is idempotent over its tick.
type Handlers struct {
	sword     *sword.Store
	sources   *livedata.SourceStore
	kv        kvs.Store
	retention config.RetentionConfig
	logger    *log.Logger
	nowFunc   func() time.Time
}

func NewHandlers(swordStore *sword.Store, sources *livedata.SourceStore, kv kvs.Store, retention config.RetentionConfig) *Handlers {
	return &Handlers{
		sword:     swordStore,
		sources:   sources,
		kv:        kv,
		retention: retention,
		logger:    log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
		nowFunc:   time.Now,
	}
}

// RegisterAll wires the six jobs onto the scheduler with their production
// cadences. The sword hours come from config.
func (h *Handlers) RegisterAll(s *Scheduler, hours config.SwordConfig) error {
	type reg struct {
		id   string
		spec string
		job  Job
	}
	regs := []reg{
		{JobGenerateDailySteps, fmt.Sprintf("0 %d * * *", hours.StepGenHour),
			Job{Handler: h.GenerateDailySteps, Timeout: 10 * time.Minute}},
		{JobMorningSparks, fmt.Sprintf("0 %d * * *", hours.SparkMorningHour),
			Job{Handler: h.MorningSparks, Timeout: 10 * time.Minute}},
		{JobDayEndReconciliation, fmt.Sprintf("0 %d * * *", hours.DayEndHour),
			Job{Handler: h.DayEndReconciliation, Timeout: 10 * time.Minute}},
		{JobKnownSourcesHealth, "0 4 * * 1",
			Job{Handler: h.KnownSourcesHealth, Timeout: 5 * time.Minute}},
		{JobRetentionEnforcement, "30 3 * * *",
			Job{Handler: h.RetentionEnforcement, Timeout: 30 * time.Minute}},
	}
	for _, r := range regs {
		if err := s.Register(r.id, r.spec, r.job); err != nil {
			return err
		}
	}
	return s.RegisterEvery(JobReminderEscalation, 3*time.Hour,
		Job{Handler: h.ReminderEscalation, Timeout: 10 * time.Minute})
}

func dateOf(t time.Time) string { return t.Format("2006-01-02") }

// forEachActiveQuest walks user -> active goal -> active quest.
func (h *Handlers) forEachActiveQuest(ctx context.Context, fn func(userID string, goal *sword.Goal, quest *sword.Quest) error) error {
	return h.sword.ScanUsers(ctx, func(userID string) error {
		goals, err := h.sword.ListGoals(ctx, userID)
		if err != nil {
			return err
		}
		for _, goal := range goals {
			if goal.Status != sword.StatusActive {
				continue
			}
			quests, err := h.sword.ListQuests(ctx, goal.ID)
			if err != nil {
				return err
			}
			for _, quest := range quests {
				if quest.Status != sword.StatusActive {
					continue
				}
				if err := fn(userID, goal, quest); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GenerateDailySteps creates tomorrow's step for every active quest. The
// per-(quest, date) index makes re-runs free.
func (h *Handlers) GenerateDailySteps(ctx context.Context, tick time.Time) error {
	tomorrow := dateOf(tick.Add(24 * time.Hour))
	created := 0
	err := h.forEachActiveQuest(ctx, func(_ string, _ *sword.Goal, quest *sword.Quest) error {
		_, fresh, err := h.sword.CreateStep(ctx, quest.ID, "Daily progress: "+quest.Title, tomorrow)
		if err != nil {
			return err
		}
		if fresh {
			created++
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.logger.Printf("generate_daily_steps date=%s created=%d", tomorrow, created)
	return nil
}

// MorningSparks creates a spark for every step scheduled today that has none.
func (h *Handlers) MorningSparks(ctx context.Context, tick time.Time) error {
	today := dateOf(tick)
	created := 0
	err := h.forEachActiveQuest(ctx, func(_ string, _ *sword.Goal, quest *sword.Quest) error {
		stepID, err := h.sword.StepForDate(ctx, today, quest.ID)
		if err != nil {
			if errors.Is(err, nova.ErrNotFound) {
				return nil
			}
			return err
		}
		step, err := h.sword.GetStep(ctx, stepID)
		if err != nil {
			return nil
		}
		if step.Status != sword.StepPending && step.Status != sword.StepActive {
			return nil
		}
		_, fresh, err := h.sword.CreateSpark(ctx, stepID, "Take the first small action on: "+step.Title)
		if err != nil {
			return err
		}
		if fresh {
			created++
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.logger.Printf("morning_sparks date=%s created=%d", today, created)
	return nil
}

// notification is what lands on the user's queue.
type notification struct {
	Type      string    `json:"type"`
	SparkID   string    `json:"spark_id,omitempty"`
	Level     int       `json:"level,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ReminderEscalation raises each active spark's reminder level with age and
// queues a notification per raise. Re-running the same tick computes the
// same target level, so no duplicate notification is queued.
func (h *Handlers) ReminderEscalation(ctx context.Context, tick time.Time) error {
	escalated := 0
	err := h.sword.ScanUsers(ctx, func(userID string) error {
		sparks, err := h.sword.ActiveSparks(ctx, userID)
		if err != nil {
			return err
		}
		for _, sp := range sparks {
			ageHours := int(tick.Sub(sp.CreatedAt).Hours())
			target := ageHours / 3
			if target > maxReminderLevel {
				target = maxReminderLevel
			}
			if target <= sp.ReminderLevel {
				continue
			}
			if err := h.sword.UpdateSparkReminder(ctx, sp.ID, target); err != nil {
				return err
			}
			if err := h.enqueue(ctx, userID, notification{
				Type:      "spark_reminder",
				SparkID:   sp.ID,
				Level:     target,
				Message:   sp.Suggestion,
				CreatedAt: tick,
			}); err != nil {
				return err
			}
			escalated++
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.logger.Printf("reminder_escalation escalated=%d", escalated)
	return nil
}

func (h *Handlers) enqueue(ctx context.Context, userID string, n notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return h.kv.RPush(ctx, notificationsKey(userID), string(data))
}

// DayEndReconciliation marks today's unfinished steps as missed, breaks the
// affected streaks, and expires their sparks.
func (h *Handlers) DayEndReconciliation(ctx context.Context, tick time.Time) error {
	today := dateOf(tick)
	missed := 0
	err := h.forEachActiveQuest(ctx, func(userID string, goal *sword.Goal, quest *sword.Quest) error {
		stepID, err := h.sword.StepForDate(ctx, today, quest.ID)
		if err != nil {
			if errors.Is(err, nova.ErrNotFound) {
				return nil
			}
			return err
		}
		step, err := h.sword.GetStep(ctx, stepID)
		if err != nil {
			return nil
		}
		if step.Status != sword.StepPending && step.Status != sword.StepActive {
			return nil
		}

		if _, err := h.sword.ApplyStepEvent(ctx, stepID, sword.EventMiss); err != nil {
			return err
		}
		if err := h.sword.BreakStreak(ctx, userID, goal.ID); err != nil {
			return err
		}
		missed++

		sparks, err := h.sword.ActiveSparks(ctx, userID)
		if err != nil {
			return err
		}
		for _, sp := range sparks {
			if sp.StepID != stepID {
				continue
			}
			if _, err := h.sword.ApplySparkEvent(ctx, sp.ID, sword.EventExpire); err != nil {
				h.logger.Printf("spark expiry failed id=%s: %v", sp.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.logger.Printf("day_end_reconciliation date=%s missed=%d", today, missed)
	return nil
}

// KnownSourcesHealth runs the weekly source status sweep.
func (h *Handlers) KnownSourcesHealth(ctx context.Context, _ time.Time) error {
	changed, err := h.sources.Sweep(ctx)
	if err != nil {
		return err
	}
	h.logger.Printf("known_sources_health changed=%d", len(changed))
	return nil
}

// retentionPolicy maps a key pattern to its maximum age.
type retentionPolicy struct {
	Pattern string
	MaxAge  time.Duration
	Archive bool
}

func (h *Handlers) policies() []retentionPolicy {
	day := 24 * time.Hour
	return []retentionPolicy{
		{Pattern: "audit:response:*", MaxAge: time.Duration(h.retention.AuditDays) * day, Archive: true},
		{Pattern: "audit:snapshot:*", MaxAge: time.Duration(h.retention.SnapshotDays) * day},
		{Pattern: "sword:goal:*", MaxAge: time.Duration(h.retention.GoalDays) * day},
		{Pattern: "sword:quest:*", MaxAge: time.Duration(h.retention.QuestDays) * day},
		{Pattern: "sword:spark:*", MaxAge: time.Duration(h.retention.SparkDays) * day},
	}
}

// timestamped matches the timestamp fields our stored records carry.
type timestamped struct {
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// RetentionEnforcement scans each policy's pattern and deletes records whose
// recorded timestamp is past retention. Archive policies copy the value to an
// archive: key first. Records without a parseable timestamp are left alone.
func (h *Handlers) RetentionEnforcement(ctx context.Context, tick time.Time) error {
	deleted := 0
	for _, pol := range h.policies() {
		if pol.MaxAge <= 0 {
			continue
		}
		cutoff := tick.Add(-pol.MaxAge)
		err := h.kv.Scan(ctx, pol.Pattern, func(key string) error {
			raw, err := h.kv.Get(ctx, key)
			if err != nil {
				return nil
			}
			var ts timestamped
			if err := json.Unmarshal([]byte(raw), &ts); err != nil {
				return nil
			}
			when := ts.Timestamp
			if when.IsZero() {
				when = ts.CreatedAt
			}
			if when.IsZero() || !when.Before(cutoff) {
				return nil
			}
			if pol.Archive {
				// One more retention window, then the archive copy ages out
				// on its own.
				if err := h.kv.Set(ctx, "archive:"+key, raw, pol.MaxAge); err != nil {
					return err
				}
			}
			if err := h.kv.Del(ctx, key); err != nil {
				return err
			}
			deleted++
			return nil
		})
		if err != nil {
			return err
		}
	}
	h.logger.Printf("retention_enforcement deleted=%d", deleted)
	return nil
}
