package models

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

type TaskType string

const (
	TaskProcessMessage  TaskType = "process_message"
	TaskManualDownload  TaskType = "manual_download"
	TaskHistoryBackfill TaskType = "history_backfill"
	TaskScheduledDelete TaskType = "scheduled_delete"
	TaskMessageDelete   TaskType = "message_delete"
)

// Task is a durable work item in the task_queue collection.
type Task struct {
	ID          ObjectID   `bson:"_id,omitempty" json:"id"`
	Type        TaskType   `bson:"task_type" json:"task_type"`
	Payload     string     `bson:"payload" json:"payload"`
	Status      TaskStatus `bson:"status" json:"status"`
	Priority    int        `bson:"priority" json:"priority"`
	Attempts    int        `bson:"attempts" json:"attempts"`
	MaxAttempts int        `bson:"max_attempts" json:"max_attempts"`
	UniqueKey   string     `bson:"unique_key,omitempty" json:"unique_key,omitempty"`
	GroupedID   string     `bson:"grouped_id,omitempty" json:"grouped_id,omitempty"`
	LastError   string     `bson:"last_error,omitempty" json:"last_error,omitempty"`
	ScheduledAt time.Time  `bson:"scheduled_at" json:"scheduled_at"`
	LockedUntil *time.Time `bson:"locked_until,omitempty" json:"locked_until,omitempty"`
	LockToken   string     `bson:"lock_token,omitempty" json:"-"`
	NextRetryAt *time.Time `bson:"next_retry_at,omitempty" json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`

	// Recovered is set when the task was claimed after its previous lock
	// expired while still processing.
	Recovered bool `bson:"-" json:"-"`
}

// TaskLease names one claim of a task. Settling through a lease whose
// token no longer matches leaves the task alone.
type TaskLease struct {
	ID    ObjectID
	Token string
}

func (t *Task) Lease() TaskLease {
	return TaskLease{ID: t.ID, Token: t.LockToken}
}

func (Task) CollectionName() string {
	return "task_queue"
}

func (t Task) GetUpdates() any {
	t.ID = ""
	t.CreatedAt = time.Time{}
	t.UpdatedAt = time.Now()
	return t
}

// TaskUniqueKey builds the idempotency key of a message-scoped task.
func TaskUniqueKey(typ TaskType, chatID, messageID int64) string {
	return string(typ) + ":" + strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(messageID, 10)
}

// NewTask encodes payload into a pending task of the given type.
func NewTask(typ TaskType, payload any, priority int) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return &Task{Type: typ, Payload: string(raw), Priority: priority, Status: TaskPending}, nil
}

var payloadValidator = NewValidator()

// DecodePayload parses and validates the payload of t. The result is a
// pointer to the payload struct of t.Type.
func DecodePayload(t *Task) (any, error) {
	var v any
	switch t.Type {
	case TaskProcessMessage:
		v = &ProcessMessagePayload{}
	case TaskManualDownload:
		v = &ManualDownloadPayload{}
	case TaskHistoryBackfill:
		v = &HistoryBackfillPayload{}
	case TaskScheduledDelete:
		v = &ScheduledDeletePayload{}
	case TaskMessageDelete:
		v = &MessageDeletePayload{}
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", ErrInvalidPayload, t.Type)
	}
	if err := json.Unmarshal([]byte(t.Payload), v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t.Type, err)
	}
	if err := payloadValidator.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t.Type, err)
	}
	return v, nil
}

// PayloadChatID is the chat a decoded payload belongs to.
func PayloadChatID(p any) int64 {
	switch p := p.(type) {
	case *ProcessMessagePayload:
		return p.ChatID
	case *ManualDownloadPayload:
		return p.ChatID
	case *HistoryBackfillPayload:
		return p.SourceChatID
	case *ScheduledDeletePayload:
		return p.ChatID
	case *MessageDeletePayload:
		return p.ChatID
	}
	return 0
}

type ProcessMessagePayload struct {
	ChatID       int64  `json:"chat_id" validate:"required"`
	MessageID    int64  `json:"message_id" validate:"required"`
	HasMedia     bool   `json:"has_media"`
	GroupedID    string `json:"grouped_id,omitempty"`
	TargetRuleID int64  `json:"target_rule_id,omitempty"`
	IsHistory    bool   `json:"is_history,omitempty"`
}

type ManualDownloadPayload struct {
	ChatID        int64 `json:"chat_id" validate:"required"`
	MessageID     int64 `json:"message_id" validate:"required"`
	TargetChatID  int64 `json:"target_chat_id,omitempty"`
	ManualTrigger bool  `json:"manual_trigger"`
}

type HistoryBackfillPayload struct {
	SourceChatID int64 `json:"source_chat_id" validate:"required"`
	StartMsgID   int64 `json:"start_msg_id" validate:"required,gt=0"`
	EndMsgID     int64 `json:"end_msg_id" validate:"required,gtefield=StartMsgID"`
	RuleID       int64 `json:"rule_id,omitempty"`
}

type ScheduledDeletePayload struct {
	ChatID    int64     `json:"chat_id" validate:"required"`
	MessageID int64     `json:"message_id" validate:"required"`
	DeleteAt  time.Time `json:"delete_at"`
}

type MessageDeletePayload struct {
	ChatID     int64   `json:"chat_id" validate:"required"`
	MessageIDs []int64 `json:"message_ids" validate:"required,min=1"`
}

// QueueStats summarizes the task table.
type QueueStats struct {
	Pending    int64   `json:"pending"`
	Processing int64   `json:"processing"`
	Completed  int64   `json:"completed"`
	Failed     int64   `json:"failed"`
	ErrorRate  float64 `json:"error_rate"`
}
