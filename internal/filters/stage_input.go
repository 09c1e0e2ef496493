package filters

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

// initFilter resolves the album caption. Albums processed one message at a
// time share the caption through a short-lived cache.
type initFilter struct {
	captions otter.Cache[string, string]
}

func (initFilter) Name() string { return StageInit }

func (f *initFilter) Process(ctx context.Context, fc *Context) (bool, error) {
	msg := fc.Message
	if !msg.IsGrouped() || fc.Text != "" {
		if msg.IsGrouped() {
			f.captions.Set(captionKey(msg), fc.Text)
		}
		return true, nil
	}
	if text, ok := f.captions.Get(captionKey(msg)); ok {
		fc.Text, fc.OriginalText = text, text
		return true, nil
	}
	if fc.Client == nil {
		return true, nil
	}

	// album members are numbered close to each other
	siblings, err := platform.CollectMessages(ctx, fc.Client, fc.ChatID, platform.MessageFilter{
		MinID: msg.ID - 10,
		MaxID: msg.ID + 10,
		Limit: 20,
	})
	if err != nil {
		logx.Warnw(ctx, "collect album caption failed", "chat_id", fc.ChatID, "grouped_id", msg.GroupedID, "error", err)
		return true, nil
	}
	for _, m := range siblings {
		if m.GroupedID == msg.GroupedID && m.Text != "" {
			fc.Text, fc.OriginalText = m.Text, m.Text
			f.captions.Set(captionKey(msg), m.Text)
			break
		}
	}
	return true, nil
}

func captionKey(msg *models.Message) string {
	return strconv.FormatInt(msg.ChatID, 10) + ":" + msg.GroupedID
}

// emojiOnly matches text made of pictographs, joiners and whitespace.
var emojiOnly = regexp.MustCompile(`^[` +
	`\x{1F600}-\x{1F64F}` +
	`\x{1F300}-\x{1F5FF}` +
	`\x{1F680}-\x{1F6FF}` +
	`\x{1F1E6}-\x{1F1FF}` +
	`\x{2700}-\x{27BF}` +
	`\x{1F900}-\x{1F9FF}` +
	`\x{1FA70}-\x{1FAFF}` +
	`\x{1F000}-\x{1F0FF}` +
	`\x{2600}-\x{26FF}` +
	`\x{2300}-\x{23FF}` +
	`\x{2B50}\x{200D}\x{FE0F}\s` +
	`]+$`)

func IsEmojiOnly(text string) bool {
	text = strings.TrimSpace(text)
	return text != "" && emojiOnly.MatchString(text)
}

// globalFilter applies the process-wide media settings to every rule.
type globalFilter struct {
	settings MediaSettings
}

func (globalFilter) Name() string { return StageGlobal }

func (f *globalFilter) Process(ctx context.Context, fc *Context) (bool, error) {
	if f.settings == nil {
		return true, nil
	}
	s, err := f.settings.GlobalMedia(ctx)
	if err != nil {
		logx.Warnw(ctx, "load global media settings failed", "error", err)
		return true, nil
	}

	if len(fc.Selected) == 0 {
		if fc.Text == "" {
			return true, nil
		}
		if !s.AllowText {
			fc.Fail("global: text messages disabled")
			return false, nil
		}
		if !s.AllowEmoji && IsEmojiOnly(fc.Text) {
			fc.Fail("global: emoji-only messages disabled")
			return false, nil
		}
		return true, nil
	}

	kept := fc.Selected[:0:0]
	for _, m := range fc.Selected {
		if !s.Blocks(m.Media.Kind) {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(fc.Selected) {
		return true, nil
	}
	fc.Selected = kept
	if len(kept) > 0 {
		return true, nil
	}
	if !s.AllowText || fc.Text == "" {
		fc.Fail("global: media type blocked")
		return false, nil
	}
	fc.MediaBlocked = true
	return true, nil
}

// delayFilter postpones processing until the message is old enough for
// late edits to have landed, then reloads it.
type delayFilter struct{}

func (delayFilter) Name() string { return StageDelay }

func (delayFilter) Process(ctx context.Context, fc *Context) (bool, error) {
	cfg := &fc.Rule.Config
	if !cfg.EnableDelay || cfg.DelaySeconds <= 0 || fc.Message.Date.IsZero() {
		return true, nil
	}
	delay := time.Duration(cfg.DelaySeconds) * time.Second
	age := fc.now().Sub(fc.Message.Date)
	if age < delay {
		if fc.Sim {
			return true, nil
		}
		return false, &RescheduleError{Delay: max(time.Second, (delay - age).Truncate(time.Second))}
	}
	if fc.Client == nil {
		return true, nil
	}

	fresh, err := platform.CollectMessages(ctx, fc.Client, fc.ChatID, platform.MessageFilter{IDs: []int64{fc.Message.ID}})
	if err != nil || len(fresh) == 0 {
		logx.Debugw(ctx, "refresh delayed message failed", "msg_id", fc.Message.ID, "error", err)
		return true, nil
	}
	updated := fresh[0]
	for _, list := range [][]*models.Message{fc.Group, fc.Selected} {
		for i, m := range list {
			if m.ID == updated.ID {
				list[i] = updated
			}
		}
	}
	if fc.Message.Text == fc.Text && updated.Text != fc.Text {
		fc.Text, fc.OriginalText = updated.Text, updated.Text
	}
	fc.Message = updated
	return true, nil
}
