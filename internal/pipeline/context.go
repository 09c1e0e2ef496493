package pipeline

import (
	"slices"
	"strconv"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
)

// Metadata keys shared between middlewares.
const (
	KeyTraceID      = "trace_id"
	KeyTargetRuleID = "target_rule_id"
	KeyFailedRules  = "failed_rules"
	KeySentRules    = "sent_rules"
	KeyModifiedText = "modified_text"
)

// MessageContext carries one message (or album) through the pipeline.
type MessageContext struct {
	TaskID    models.ObjectID
	ChatID    int64
	MessageID int64
	// Message is the lead message; Group holds the whole album in id order.
	Message *models.Message
	Group   []*models.Message
	Client  platform.Client

	Rules []*models.ForwardRule
	// Filtered holds the chain result of every rule that survived the
	// filter middleware.
	Filtered map[int64]*filters.Context

	Metadata  map[string]any
	IsHistory bool
	IsSim     bool
	Trace     []string

	TraceID    string
	Terminated bool
	Err        error
	StartedAt  time.Time
}

// NewMessageContext builds a context for group, which must not be empty.
func NewMessageContext(client platform.Client, group []*models.Message) *MessageContext {
	group = slices.Clone(group)
	slices.SortStableFunc(group, func(a, b *models.Message) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	lead := group[0]
	return &MessageContext{
		ChatID:    lead.ChatID,
		MessageID: lead.ID,
		Message:   lead,
		Group:     group,
		Client:    client,
		Filtered:  map[int64]*filters.Context{},
		Metadata:  map[string]any{},
		StartedAt: time.Now(),
	}
}

func (mc *MessageContext) Set(key string, v any) {
	mc.Metadata[key] = v
}

func (mc *MessageContext) Get(key string) (any, bool) {
	v, ok := mc.Metadata[key]
	return v, ok
}

// TargetRuleID is the single rule to replay, or 0.
func (mc *MessageContext) TargetRuleID() int64 {
	v, _ := mc.Metadata[KeyTargetRuleID].(int64)
	return v
}

// RemoveRule drops a rule from further processing.
func (mc *MessageContext) RemoveRule(id int64) {
	mc.Rules = slices.DeleteFunc(mc.Rules, func(r *models.ForwardRule) bool { return r.ID == id })
	delete(mc.Filtered, id)
}

func (mc *MessageContext) MarkFailed(id int64) {
	mc.addID(KeyFailedRules, id)
}

func (mc *MessageContext) FailedRules() []int64 {
	ids, _ := mc.Metadata[KeyFailedRules].([]int64)
	return ids
}

func (mc *MessageContext) MarkSent(id int64) {
	mc.addID(KeySentRules, id)
}

func (mc *MessageContext) SentRules() []int64 {
	ids, _ := mc.Metadata[KeySentRules].([]int64)
	return ids
}

func (mc *MessageContext) addID(key string, id int64) {
	ids, _ := mc.Metadata[key].([]int64)
	if !slices.Contains(ids, id) {
		mc.Metadata[key] = append(ids, id)
	}
}

func modifiedKey(ruleID int64) string {
	return KeyModifiedText + "_" + strconv.FormatInt(ruleID, 10)
}

// SetModifiedText stores the rewritten text of a rule. The unscoped key
// mirrors the latest write for metadata readers outside the pipeline; it is
// never read back as a rule's text.
func (mc *MessageContext) SetModifiedText(ruleID int64, text string) {
	mc.Metadata[modifiedKey(ruleID)] = text
	mc.Metadata[KeyModifiedText] = text
}

// ModifiedText returns the rewritten text of ruleID only.
func (mc *MessageContext) ModifiedText(ruleID int64) (string, bool) {
	v, ok := mc.Metadata[modifiedKey(ruleID)].(string)
	return v, ok
}

func (mc *MessageContext) AddTrace(lines ...string) {
	if mc.IsSim {
		mc.Trace = append(mc.Trace, lines...)
	}
}
