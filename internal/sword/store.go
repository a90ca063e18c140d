package sword

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/novaos/core/internal/config"
	"github.com/novaos/core/internal/kvs"
	"github.com/novaos/core/internal/nova"
)

// ==== KEY LAYOUT ====

func goalKey(id string) string            { return "sword:goal:" + id }
func userGoalsKey(uid string) string      { return "sword:user:" + uid + ":goals" }
func questKey(id string) string           { return "sword:quest:" + id }
func goalQuestsKey(gid string) string     { return "sword:goal:" + gid + ":quests" }
func stepKey(id string) string            { return "sword:step:" + id }
func stepDateKey(date, qid string) string { return "sword:step:date:" + date + ":" + qid }
func sparkKey(id string) string           { return "sword:spark:" + id }
func sparkActiveKey(uid, id string) string {
	return "sword:spark:active:" + uid + ":" + id
}
func sparkStepKey(stepID string) string { return "sword:spark:step:" + stepID }
func userSparksKey(uid string) string   { return "sword:user:" + uid + ":sparks" }
func streakKey(uid, gid string) string  { return "sword:streak:" + uid + ":" + gid }

// Store persists the hierarchy and applies transitions. Side effects run
// after the entity write; progress recomputation walks downward only, and
// upward completion travels as cascaded events.
type Store struct {
	kv      kvs.Store
	limits  config.SwordConfig
	logger  *log.Logger
	nowFunc func() time.Time
}

func NewStore(kv kvs.Store, limits config.SwordConfig) *Store {
	return &Store{
		kv:      kv,
		limits:  limits,
		logger:  log.New(log.Writer(), "[SWORD] ", log.LstdFlags),
		nowFunc: time.Now,
	}
}

// ==== GOALS ====

// CreateGoal enforces the per-user caps before minting the record.
func (s *Store) CreateGoal(ctx context.Context, userID, title, description string) (*Goal, error) {
	total, err := s.kv.SCard(ctx, userGoalsKey(userID))
	if err != nil {
		return nil, storageErr("count goals", err)
	}
	if int(total) >= s.limits.MaxGoalsPerUser {
		return nil, fmt.Errorf("user %s has %d goals, cap is %d: %w",
			userID, total, s.limits.MaxGoalsPerUser, nova.ErrForbidden)
	}

	now := s.nowFunc()
	goal := &Goal{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Description: description,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.saveGoal(ctx, goal); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, userGoalsKey(userID), goal.ID); err != nil {
		return nil, storageErr("index goal", err)
	}
	s.logger.Printf("created goal id=%s user=%s", goal.ID, userID)
	return goal, nil
}

func (s *Store) GetGoal(ctx context.Context, id string) (*Goal, error) {
	var goal Goal
	if err := s.load(ctx, goalKey(id), &goal); err != nil {
		return nil, err
	}
	return &goal, nil
}

// ListGoals returns every goal the user owns, skipping dangling index
// entries whose record already expired.
func (s *Store) ListGoals(ctx context.Context, userID string) ([]*Goal, error) {
	ids, err := s.kv.SMembers(ctx, userGoalsKey(userID))
	if err != nil {
		return nil, storageErr("list goals", err)
	}
	goals := make([]*Goal, 0, len(ids))
	for _, id := range ids {
		goal, err := s.GetGoal(ctx, id)
		if err != nil {
			continue
		}
		goals = append(goals, goal)
	}
	return goals, nil
}

// ApplyGoalEvent runs one transition on the goal. Activation enforces the
// active-goal cap.
func (s *Store) ApplyGoalEvent(ctx context.Context, id string, ev Event) (*Goal, error) {
	goal, err := s.GetGoal(ctx, id)
	if err != nil {
		return nil, err
	}

	if ev == EventActivate || ev == EventResume {
		active, err := s.countActiveGoals(ctx, goal.UserID)
		if err != nil {
			return nil, err
		}
		if active >= s.limits.MaxActiveGoals {
			return nil, fmt.Errorf("user %s already has %d active goals, cap is %d: %w",
				goal.UserID, active, s.limits.MaxActiveGoals, nova.ErrForbidden)
		}
	}

	next, effects, err := TransitionGoal(*goal, ev, s.nowFunc())
	if err != nil {
		return nil, err
	}
	if err := s.saveGoal(ctx, &next); err != nil {
		return nil, err
	}
	s.processEffects(ctx, effects)
	return &next, nil
}

func (s *Store) countActiveGoals(ctx context.Context, userID string) (int, error) {
	goals, err := s.ListGoals(ctx, userID)
	if err != nil {
		return 0, err
	}
	active := 0
	for _, g := range goals {
		if g.Status == StatusActive {
			active++
		}
	}
	return active, nil
}

// ==== QUESTS ====

func (s *Store) CreateQuest(ctx context.Context, goalID, title string) (*Quest, error) {
	goal, err := s.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}

	now := s.nowFunc()
	quest := &Quest{
		ID:        uuid.NewString(),
		GoalID:    goalID,
		UserID:    goal.UserID,
		Title:     title,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.saveQuest(ctx, quest); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, goalQuestsKey(goalID), quest.ID); err != nil {
		return nil, storageErr("index quest", err)
	}

	goal.QuestIDs = append(goal.QuestIDs, quest.ID)
	goal.UpdatedAt = now
	if err := s.saveGoal(ctx, goal); err != nil {
		return nil, err
	}
	return quest, nil
}

func (s *Store) GetQuest(ctx context.Context, id string) (*Quest, error) {
	var quest Quest
	if err := s.load(ctx, questKey(id), &quest); err != nil {
		return nil, err
	}
	return &quest, nil
}

func (s *Store) ListQuests(ctx context.Context, goalID string) ([]*Quest, error) {
	ids, err := s.kv.SMembers(ctx, goalQuestsKey(goalID))
	if err != nil {
		return nil, storageErr("list quests", err)
	}
	quests := make([]*Quest, 0, len(ids))
	for _, id := range ids {
		quest, err := s.GetQuest(ctx, id)
		if err != nil {
			continue
		}
		quests = append(quests, quest)
	}
	return quests, nil
}

func (s *Store) ApplyQuestEvent(ctx context.Context, id string, ev Event) (*Quest, error) {
	quest, err := s.GetQuest(ctx, id)
	if err != nil {
		return nil, err
	}
	next, effects, err := TransitionQuest(*quest, ev, s.nowFunc())
	if err != nil {
		return nil, err
	}
	if err := s.saveQuest(ctx, &next); err != nil {
		return nil, err
	}
	s.processEffects(ctx, effects)
	return &next, nil
}

// ==== STEPS ====

// CreateStep mints the step for (quest, date). The date index is written with
// set-if-absent, which is what makes daily generation idempotent: a second
// run for the same day finds the index and returns the existing step.
func (s *Store) CreateStep(ctx context.Context, questID, title, date string) (*Step, bool, error) {
	quest, err := s.GetQuest(ctx, questID)
	if err != nil {
		return nil, false, err
	}

	now := s.nowFunc()
	step := &Step{
		ID:        uuid.NewString(),
		QuestID:   questID,
		UserID:    quest.UserID,
		Title:     title,
		Status:    StepPending,
		Date:      date,
		CreatedAt: now,
		UpdatedAt: now,
	}

	won, err := s.kv.SetNX(ctx, stepDateKey(date, questID), step.ID, StepTTL)
	if err != nil {
		return nil, false, storageErr("index step date", err)
	}
	if !won {
		existingID, err := s.kv.Get(ctx, stepDateKey(date, questID))
		if err != nil {
			return nil, false, storageErr("read step date index", err)
		}
		existing, err := s.GetStep(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := s.saveStep(ctx, step); err != nil {
		return nil, false, err
	}
	quest.StepIDs = append(quest.StepIDs, step.ID)
	quest.UpdatedAt = now
	if err := s.saveQuest(ctx, quest); err != nil {
		return nil, false, err
	}
	return step, true, nil
}

func (s *Store) GetStep(ctx context.Context, id string) (*Step, error) {
	var step Step
	if err := s.load(ctx, stepKey(id), &step); err != nil {
		return nil, err
	}
	return &step, nil
}

// StepForDate returns the step id scheduled for (date, quest), if any.
func (s *Store) StepForDate(ctx context.Context, date, questID string) (string, error) {
	id, err := s.kv.Get(ctx, stepDateKey(date, questID))
	if err != nil {
		if errors.Is(err, kvs.ErrNotFound) {
			return "", nova.ErrNotFound
		}
		return "", storageErr("read step date index", err)
	}
	return id, nil
}

// ApplyStepEvent runs one transition on the step. Completion also extends the
// owner's streak on the enclosing goal.
func (s *Store) ApplyStepEvent(ctx context.Context, id string, ev Event) (*Step, error) {
	step, err := s.GetStep(ctx, id)
	if err != nil {
		return nil, err
	}
	next, effects, err := TransitionStep(*step, ev, s.nowFunc())
	if err != nil {
		return nil, err
	}
	if err := s.saveStep(ctx, &next); err != nil {
		return nil, err
	}

	if ev == EventComplete {
		if quest, qerr := s.GetQuest(ctx, next.QuestID); qerr == nil {
			if _, serr := s.kv.Incr(ctx, streakKey(next.UserID, quest.GoalID)); serr != nil {
				s.logger.Printf("streak bump failed for user=%s: %v", next.UserID, serr)
			}
		}
	}

	s.processEffects(ctx, effects)
	return &next, nil
}

// ==== SPARKS ====

// CreateSpark mints a spark for a step. At most one live spark per step: the
// step index is set-if-absent, so a second creation for the same step is a
// no-op that returns the existing spark.
func (s *Store) CreateSpark(ctx context.Context, stepID, suggestion string) (*Spark, bool, error) {
	step, err := s.GetStep(ctx, stepID)
	if err != nil {
		return nil, false, err
	}

	now := s.nowFunc()
	spark := &Spark{
		ID:         uuid.NewString(),
		StepID:     stepID,
		UserID:     step.UserID,
		Suggestion: suggestion,
		Status:     SparkSuggested,
		CreatedAt:  now,
		ExpiresAt:  now.Add(SparkExpiry),
		UpdatedAt:  now,
	}

	won, err := s.kv.SetNX(ctx, sparkStepKey(stepID), spark.ID, SparkExpiry)
	if err != nil {
		return nil, false, storageErr("index spark step", err)
	}
	if !won {
		existingID, err := s.kv.Get(ctx, sparkStepKey(stepID))
		if err != nil {
			return nil, false, storageErr("read spark step index", err)
		}
		existing, err := s.GetSpark(ctx, existingID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	if err := s.saveSpark(ctx, spark); err != nil {
		return nil, false, err
	}
	if err := s.kv.Set(ctx, sparkActiveKey(spark.UserID, spark.ID), stepID, SparkExpiry); err != nil {
		return nil, false, storageErr("index active spark", err)
	}
	if err := s.kv.SAdd(ctx, userSparksKey(spark.UserID), spark.ID); err != nil {
		return nil, false, storageErr("index user spark", err)
	}
	return spark, true, nil
}

func (s *Store) GetSpark(ctx context.Context, id string) (*Spark, error) {
	var spark Spark
	if err := s.load(ctx, sparkKey(id), &spark); err != nil {
		return nil, err
	}
	return &spark, nil
}

// ApplySparkEvent runs one transition on the spark. Terminal states drop the
// active indexes.
func (s *Store) ApplySparkEvent(ctx context.Context, id string, ev Event) (*Spark, error) {
	spark, err := s.GetSpark(ctx, id)
	if err != nil {
		return nil, err
	}
	next, effects, err := TransitionSpark(*spark, ev, s.nowFunc())
	if err != nil {
		return nil, err
	}
	if err := s.saveSpark(ctx, &next); err != nil {
		return nil, err
	}
	if next.Status != SparkSuggested && next.Status != SparkAccepted {
		_ = s.kv.Del(ctx, sparkActiveKey(next.UserID, next.ID), sparkStepKey(next.StepID))
	}
	s.processEffects(ctx, effects)
	return &next, nil
}

// ActiveSparks reads the per-user spark set. Members whose body has expired
// are pruned on the way through; no key scan on the request path.
func (s *Store) ActiveSparks(ctx context.Context, userID string) ([]*Spark, error) {
	ids, err := s.kv.SMembers(ctx, userSparksKey(userID))
	if err != nil {
		return nil, storageErr("read user spark index", err)
	}
	var sparks []*Spark
	for _, id := range ids {
		spark, err := s.GetSpark(ctx, id)
		if err != nil {
			if errors.Is(err, nova.ErrNotFound) {
				_ = s.kv.SRem(ctx, userSparksKey(userID), id)
				continue
			}
			return nil, err
		}
		if spark.Status == SparkSuggested || spark.Status == SparkAccepted {
			sparks = append(sparks, spark)
		}
	}
	return sparks, nil
}

// UpdateSparkReminder bumps the reminder level in place.
func (s *Store) UpdateSparkReminder(ctx context.Context, id string, level int) error {
	spark, err := s.GetSpark(ctx, id)
	if err != nil {
		return err
	}
	spark.ReminderLevel = level
	spark.UpdatedAt = s.nowFunc()
	return s.saveSpark(ctx, spark)
}

// ==== STREAKS ====

func (s *Store) GetStreak(ctx context.Context, userID, goalID string) (int64, error) {
	v, err := s.kv.Get(ctx, streakKey(userID, goalID))
	if err != nil {
		if errors.Is(err, kvs.ErrNotFound) {
			return 0, nil
		}
		return 0, storageErr("read streak", err)
	}
	var n int64
	fmt.Sscanf(v, "%d", &n)
	return n, nil
}

// BreakStreak resets the counter; day-end reconciliation calls this when a
// step was missed.
func (s *Store) BreakStreak(ctx context.Context, userID, goalID string) error {
	if err := s.kv.Set(ctx, streakKey(userID, goalID), "0", GoalTTL); err != nil {
		return storageErr("reset streak", err)
	}
	return nil
}

// ==== USERS ====

// ScanUsers visits every user id that owns at least one goal. Scheduler jobs
// only; never called on a request path.
func (s *Store) ScanUsers(ctx context.Context, fn func(userID string) error) error {
	return s.kv.Scan(ctx, "sword:user:*:goals", func(key string) error {
		uid := strings.TrimPrefix(key, "sword:user:")
		uid = strings.TrimSuffix(uid, ":goals")
		return fn(uid)
	})
}

// ==== SIDE EFFECTS ====

// processEffects re-reads affected parents and recomputes aggregates. The
// cascade rule: a recomputed progress of 100 on an active parent emits
// COMPLETE on it, which in turn emits the next update upward.
func (s *Store) processEffects(ctx context.Context, effects []SideEffect) {
	for _, eff := range effects {
		switch eff.Type {
		case EffectUpdateProgress:
			s.updateProgress(ctx, eff.Target, eff.ID)
		case EffectCascadeComplete:
			s.cascadeComplete(ctx, eff.Target, eff.ID)
		case EffectEmit:
			s.logger.Printf("event %s %s id=%s", eff.EventType, eff.Target, eff.ID)
		}
	}
}

func (s *Store) updateProgress(ctx context.Context, target, id string) {
	switch target {
	case "quest":
		quest, err := s.GetQuest(ctx, id)
		if err != nil {
			s.logger.Printf("progress update skipped, quest %s: %v", id, err)
			return
		}
		steps := make([]Step, 0, len(quest.StepIDs))
		for _, sid := range quest.StepIDs {
			if step, err := s.GetStep(ctx, sid); err == nil {
				steps = append(steps, *step)
			}
		}
		quest.Progress = QuestProgress(steps)
		quest.UpdatedAt = s.nowFunc()
		if err := s.saveQuest(ctx, quest); err != nil {
			s.logger.Printf("progress save failed, quest %s: %v", id, err)
			return
		}
		if quest.Progress >= 100 && quest.Status == StatusActive {
			s.cascadeComplete(ctx, "quest", quest.ID)
		} else {
			s.updateProgress(ctx, "goal", quest.GoalID)
		}

	case "goal":
		goal, err := s.GetGoal(ctx, id)
		if err != nil {
			s.logger.Printf("progress update skipped, goal %s: %v", id, err)
			return
		}
		quests := make([]Quest, 0, len(goal.QuestIDs))
		for _, qid := range goal.QuestIDs {
			if quest, err := s.GetQuest(ctx, qid); err == nil {
				quests = append(quests, *quest)
			}
		}
		goal.Progress = GoalProgress(quests)
		goal.UpdatedAt = s.nowFunc()
		if err := s.saveGoal(ctx, goal); err != nil {
			s.logger.Printf("progress save failed, goal %s: %v", id, err)
			return
		}
		if goal.Progress >= 100 && goal.Status == StatusActive {
			s.cascadeComplete(ctx, "goal", goal.ID)
		}
	}
}

func (s *Store) cascadeComplete(ctx context.Context, target, id string) {
	switch target {
	case "quest":
		if _, err := s.ApplyQuestEvent(ctx, id, EventComplete); err != nil {
			s.logger.Printf("cascade complete failed, quest %s: %v", id, err)
		}
	case "goal":
		if _, err := s.ApplyGoalEvent(ctx, id, EventComplete); err != nil {
			s.logger.Printf("cascade complete failed, goal %s: %v", id, err)
		}
	}
}

// ==== PERSISTENCE ====

func (s *Store) saveGoal(ctx context.Context, g *Goal) error {
	return s.save(ctx, goalKey(g.ID), g, GoalTTL)
}
func (s *Store) saveQuest(ctx context.Context, q *Quest) error {
	return s.save(ctx, questKey(q.ID), q, QuestTTL)
}
func (s *Store) saveStep(ctx context.Context, st *Step) error {
	return s.save(ctx, stepKey(st.ID), st, StepTTL)
}
func (s *Store) saveSpark(ctx context.Context, sp *Spark) error {
	return s.save(ctx, sparkKey(sp.ID), sp, SparkTTL)
}

func (s *Store) save(ctx context.Context, key string, entity interface{}, ttl time.Duration) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(data), ttl); err != nil {
		return storageErr("write "+key, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string, entity interface{}) error {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kvs.ErrNotFound) {
			return fmt.Errorf("%s: %w", key, nova.ErrNotFound)
		}
		return storageErr("read "+key, err)
	}
	if err := json.Unmarshal([]byte(data), entity); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, nova.ErrStorageFailure)
}
