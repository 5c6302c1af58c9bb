package domain

import (
	"encoding/json"
	"time"
)

type SignalType string

const (
	SignalDecision       SignalType = "decision"
	SignalWeightAdjusted SignalType = "weight.adjusted"
	SignalTaskExhausted  SignalType = "task.exhausted"
	SignalConfigChanged  SignalType = "config.changed"
)

type SignalStatus string

const (
	SignalPending SignalStatus = "pending"
	SignalRouted  SignalStatus = "routed"
	SignalFailed  SignalStatus = "failed"
)

type Signal struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    SignalStatus    `json:"status" enum:"pending,routed,failed"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	RoutedAt  *time.Time      `json:"routed_at,omitempty"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskExhausted TaskStatus = "exhausted"
)

// Terminal reports whether the queue will never select a task in this status again.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskExhausted
}

type Task struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        TaskStatus      `json:"status" enum:"pending,running,succeeded,failed,exhausted"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
}

type Weight struct {
	ContextKey   string    `json:"context_key"`
	CriterionKey string    `json:"criterion_key"`
	Value        float64   `json:"value"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ConfigSource string

const (
	SourceDefault  ConfigSource = "default"
	SourceOverride ConfigSource = "override"
)

type ConfigEntry struct {
	Key       string       `json:"key"`
	Value     string       `json:"value"`
	Source    ConfigSource `json:"source" enum:"default,override"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

type HistoryRecord struct {
	ID             string          `json:"id"`
	ActorContext   string          `json:"actor_context"`
	ActionType     string          `json:"action_type"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	DecisionResult *DecisionResult `json:"decision_result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type NotificationStatus string

const (
	NotificationUnread NotificationStatus = "unread"
	NotificationRead   NotificationStatus = "read"
)

type Notification struct {
	ID               string             `json:"id"`
	RecipientContext string             `json:"recipient_context"`
	Message          string             `json:"message"`
	Status           NotificationStatus `json:"status" enum:"unread,read"`
	CreatedAt        time.Time          `json:"created_at"`
	ReadAt           *time.Time         `json:"read_at,omitempty"`
}

type Verdict string

const (
	VerdictApprove  Verdict = "approve"
	VerdictReject   Verdict = "reject"
	VerdictEscalate Verdict = "escalate"
)

// ScoreBreakdown is one weighted criterion of a decision.
type ScoreBreakdown struct {
	CriterionKey  string  `json:"criterion_key"`
	RawScore      float64 `json:"raw_score"`
	Weight        float64 `json:"weight"`
	WeightedScore float64 `json:"weighted_score"`
}

type DecisionResult struct {
	Context     string           `json:"context"`
	Verdict     Verdict          `json:"verdict" enum:"approve,reject,escalate"`
	TotalScore  float64          `json:"total_score"`
	Threshold   float64          `json:"threshold"`
	Breakdown   []ScoreBreakdown `json:"breakdown"`
	Ignored     []string         `json:"ignored,omitempty"`
	Explanation string           `json:"explanation"`
	HistoryID   string           `json:"history_id,omitempty"`
	SignalID    string           `json:"signal_id,omitempty"`
}

type Metrics struct {
	Since        time.Time       `json:"since"`
	Total        int             `json:"total"`
	ByAction     map[string]int  `json:"by_action"`
	Verdicts     map[Verdict]int `json:"verdicts"`
	AverageScore float64         `json:"average_score"`
}

type MetricsSnapshot struct {
	ID      string    `json:"id"`
	TakenAt time.Time `json:"taken_at"`
	Metrics Metrics   `json:"metrics"`
}
