package models

import "time"

type AuditMode string

const (
	AuditOff     AuditMode = "off"
	AuditSummary AuditMode = "summary"
	AuditFull    AuditMode = "full"
)

type ForwardResult string

const (
	ResultSuccess  ForwardResult = "success"
	ResultFailed   ForwardResult = "failed"
	ResultPartial  ForwardResult = "partial"
	ResultFiltered ForwardResult = "filtered"
)

// AuditLog is one forward attempt of one rule.
type AuditLog struct {
	ID           ObjectID      `bson:"_id,omitempty" json:"id,omitempty"`
	RuleID       int64         `bson:"rule_id" json:"rule_id"`
	SourceChatID string        `bson:"source_chat_id" json:"source_chat_id"`
	TargetChatID string        `bson:"target_chat_id" json:"target_chat_id"`
	MessageID    int64         `bson:"message_id" json:"message_id"`
	MessageType  string        `bson:"message_type" json:"message_type"`
	Mode         string        `bson:"mode" json:"mode"`
	Result       ForwardResult `bson:"result" json:"result"`
	Error        string        `bson:"error,omitempty" json:"error,omitempty"`
	SenderID     string        `bson:"sender_id,omitempty" json:"sender_id,omitempty"`
	TraceID      string        `bson:"trace_id,omitempty" json:"trace_id,omitempty"`
	DurationMS   int64         `bson:"duration_ms" json:"duration_ms"`
	CreatedAt    time.Time     `bson:"created_at" json:"created_at"`
}

func (AuditLog) CollectionName() string {
	return "audit_logs"
}

func (a AuditLog) GetUpdates() any {
	a.ID = ""
	return a
}
