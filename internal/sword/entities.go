// Package sword manages the goal hierarchy: Goals contain Quests, Quests
// contain daily Steps, and Steps can carry short-lived suggested Sparks.
// Transitions are pure functions over the entities; the store applies them
// and processes the side effects they emit.
package sword

import "time"

// Entity TTLs per class.
const (
	GoalTTL     = 365 * 24 * time.Hour
	QuestTTL    = 180 * 24 * time.Hour
	StepTTL     = 180 * 24 * time.Hour
	SparkTTL    = 7 * 24 * time.Hour
	SparkExpiry = 24 * time.Hour
)

// Goal and Quest statuses.
const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusBlocked   = "blocked" // quests only
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepActive    = "active"
	StepCompleted = "completed"
	StepMissed    = "missed"
	StepSkipped   = "skipped"
)

// Spark statuses.
const (
	SparkSuggested = "suggested"
	SparkAccepted  = "accepted"
	SparkCompleted = "completed"
	SparkSkipped   = "skipped"
	SparkExpired   = "expired"
)

// Events.
type Event string

const (
	EventActivate Event = "ACTIVATE"
	EventPause    Event = "PAUSE"
	EventResume   Event = "RESUME"
	EventComplete Event = "COMPLETE"
	EventAbandon  Event = "ABANDON"
	EventBlock    Event = "BLOCK" // quests only
	EventUnblock  Event = "UNBLOCK"
	EventStart    Event = "START" // steps only
	EventMiss     Event = "MISS"
	EventSkip     Event = "SKIP"
	EventAccept   Event = "ACCEPT" // sparks only
	EventExpire   Event = "EXPIRE"
)

// Goal is the top of the hierarchy.
type Goal struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	QuestIDs    []string   `json:"quest_ids"`
	Progress    float64    `json:"progress"` // 0..100, recomputed
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Quest is one track inside a goal.
type Quest struct {
	ID        string     `json:"id"`
	GoalID    string     `json:"goal_id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	Status    string     `json:"status"`
	StepIDs   []string   `json:"step_ids"`
	Progress  float64    `json:"progress"` // 0..100, recomputed
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step is one scheduled unit of work on one calendar day.
type Step struct {
	ID          string     `json:"id"`
	QuestID     string     `json:"quest_id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	Date        string     `json:"date"` // YYYY-MM-DD, local to the user
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Spark is a short-lived suggested action tied to a step.
type Spark struct {
	ID            string    `json:"id"`
	StepID        string    `json:"step_id"`
	UserID        string    `json:"user_id"`
	Suggestion    string    `json:"suggestion"`
	Status        string    `json:"status"`
	ReminderLevel int       `json:"reminder_level"` // 0..3
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Side effect types the store processes after an applied transition.
const (
	EffectUpdateProgress  = "update_progress"
	EffectCascadeComplete = "cascade_complete"
	EffectEmit            = "emit"
)

// SideEffect is the message a transition hands back to the store; transitions
// never touch parents directly.
type SideEffect struct {
	Type      string            `json:"type"`
	Target    string            `json:"target,omitempty"` // goal | quest | step
	ID        string            `json:"id,omitempty"`
	EventType string            `json:"event_type,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
}
