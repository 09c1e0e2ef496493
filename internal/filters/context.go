package filters

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/internal/sender"
)

// Context is the state one rule's chain works on. A fresh Context is
// built per rule so stages may mutate it freely.
type Context struct {
	Client platform.Client
	Rule   *models.ForwardRule
	ChatID int64

	// Message is the message that triggered processing; Group holds every
	// message of its album (Message included) or just Message.
	Message *models.Message
	Group   []*models.Message

	Text         string
	OriginalText string
	Header       string
	Footer       string
	Buttons      []platform.Button
	ReplyToID    int64

	// MediaBlocked drops the media but keeps the text.
	MediaBlocked bool
	// Selected is the subset of Group whose media survived media filters.
	Selected []*models.Message
	// Oversized holds media rejected by the size limit.
	Oversized []*models.Message

	NeedsAI        bool
	AIInput        string
	DeleteOriginal bool
	IsHistory      bool

	Plan *sender.Request
	Push *PushNotice

	Errors []string
	Sim    bool
	Trace  []string

	Now func() time.Time
}

// NewContext prepares a Context for rule over the given album.
func NewContext(client platform.Client, rule *models.ForwardRule, chatID int64, group []*models.Message) *Context {
	group = slices.Clone(group)
	msg := group[0]
	text := ""
	for _, m := range group {
		if m.Text != "" {
			text = m.Text
			break
		}
	}
	selected := make([]*models.Message, 0, len(group))
	for _, m := range group {
		if m.HasMedia() {
			selected = append(selected, m)
		}
	}
	return &Context{
		Client:       client,
		Rule:         rule,
		ChatID:       chatID,
		Message:      msg,
		Group:        group,
		Text:         text,
		OriginalText: text,
		Selected:     selected,
		Now:          time.Now,
	}
}

func (c *Context) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Fail records a reason for blocking the rule.
func (c *Context) Fail(format string, args ...any) {
	c.Errors = append(c.Errors, fmt.Sprintf(format, args...))
}

// Reason is the last recorded blocking reason.
func (c *Context) Reason() string {
	if len(c.Errors) == 0 {
		return "filtered"
	}
	return c.Errors[len(c.Errors)-1]
}

func (c *Context) trace(format string, args ...any) {
	if c.Sim {
		c.Trace = append(c.Trace, fmt.Sprintf(format, args...))
	}
}

// Modified reports whether the outgoing content differs from the source.
func (c *Context) Modified() bool {
	return c.Text != c.OriginalText ||
		c.Header != "" ||
		c.Footer != "" ||
		c.MediaBlocked ||
		len(c.Buttons) > 0 ||
		c.ReplyToID != 0 ||
		len(c.Oversized) > 0 ||
		len(c.Selected) != countMedia(c.Group)
}

func countMedia(msgs []*models.Message) int {
	n := 0
	for _, m := range msgs {
		if m.HasMedia() {
			n++
		}
	}
	return n
}

// Filter is one stage of a rule's chain. Returning false blocks the rule.
type Filter interface {
	Name() string
	Process(ctx context.Context, fc *Context) (bool, error)
}

// Dependent is implemented by filters that only work after other stages.
type Dependent interface {
	Dependencies() []string
}

// RescheduleError asks the worker to retry the whole task after Delay.
type RescheduleError struct {
	Delay time.Duration
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("reschedule in %s", e.Delay)
}
