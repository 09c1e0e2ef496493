package models

type EventType string

const (
	EventRuleUpdated      EventType = "RULE_UPDATED"
	EventForwardSucceeded EventType = "FORWARD_SUCCEEDED"
	EventForwardFailed    EventType = "FORWARD_FAILED"
	EventForwardFiltered  EventType = "FORWARD_FILTERED"
	EventChatInfoUpdated  EventType = "CHAT_INFO_UPDATED"
	EventRSSEntry         EventType = "RSS_ENTRY"

	// EventAny subscribes to every event.
	EventAny EventType = "*"
)

type RuleUpdated struct {
	RuleID int64 `json:"rule_id"`
}

type ForwardSucceeded struct {
	RuleID     int64  `json:"rule_id"`
	MsgID      int64  `json:"msg_id"`
	TargetID   string `json:"target_id"`
	Mode       string `json:"mode"`
	DurationMS int64  `json:"duration_ms"`
}

type ForwardFailed struct {
	RuleID int64  `json:"rule_id"`
	MsgID  int64  `json:"msg_id"`
	Error  string `json:"error"`
}

type ForwardFiltered struct {
	RuleID int64  `json:"rule_id"`
	MsgID  int64  `json:"msg_id"`
	Reason string `json:"reason"`
}

type ChatInfoUpdated struct {
	ChatID string `json:"chat_id"`
	Name   string `json:"name"`
}

type RSSEntry struct {
	RuleID int64  `json:"rule_id"`
	ChatID int64  `json:"chat_id"`
	MsgID  int64  `json:"msg_id"`
	Text   string `json:"text"`
	Link   string `json:"link,omitempty"`
	Media  *Media `json:"media,omitempty"`
}
