package filters

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/maypok86/otter"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/internal/sender"
	"github.com/kellyson520/tg-forwarder/pkg/chatid"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/tmplx"
)

// Publisher publishes bus events.
type Publisher interface {
	Publish(ctx context.Context, event models.EventType, data any, wait bool)
}

// ReplyIndex maps a source message to the message it became in the
// target chat of a rule.
type ReplyIndex interface {
	Lookup(ruleID, sourceChatID, sourceMsgID int64) (int64, bool)
}

// aiFilter marks the rule for the AI middleware and captures its input.
type aiFilter struct{}

func (aiFilter) Name() string { return StageAI }

func (aiFilter) Process(_ context.Context, fc *Context) (bool, error) {
	if !fc.Rule.Config.IsAI || fc.Text == "" {
		return true, nil
	}
	fc.NeedsAI = true
	fc.AIInput = fc.Text
	return true, nil
}

// InfoData is the data available to info templates.
type InfoData struct {
	Text       string
	SenderName string
	SenderID   string
	ChatTitle  string
	Link       string
	Time       string
}

const timeLayout = "2006-01-02 15:04:05"

// infoPlaceholders are the brace shorthands accepted in info templates.
var infoPlaceholders = map[string]string{
	"text":          "Text",
	"name":          "SenderName",
	"id":            "SenderID",
	"chat":          "ChatTitle",
	"original_link": "Link",
	"time":          "Time",
}

// MessageLink is the public link of msg.
func MessageLink(msg *models.Message) string {
	if msg.ChatUsername != "" {
		return fmt.Sprintf("https://t.me/%s/%d", msg.ChatUsername, msg.ID)
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", chatid.NormalizeInt(msg.ChatID), msg.ID)
}

// infoFilter adds the original sender header and the link and time
// footer. A rule template replaces the default header.
type infoFilter struct {
	templates otter.Cache[string, *tmplx.Template]
}

func (infoFilter) Name() string { return StageInfo }

func (f *infoFilter) Process(ctx context.Context, fc *Context) (bool, error) {
	cfg := &fc.Rule.Config
	msg := fc.Message
	data := InfoData{
		Text:       fc.Text,
		SenderName: msg.SenderName,
		SenderID:   msg.SenderID,
		ChatTitle:  msg.ChatTitle,
		Link:       MessageLink(msg),
		Time:       msg.Date.Format(timeLayout),
	}

	if cfg.InfoTemplate != "" {
		t, err := f.template(cfg.InfoTemplate)
		if err != nil {
			logx.Warnw(ctx, "invalid info template", "rule_id", fc.Rule.ID, "error", err)
		} else if header, err := t.Render(data); err == nil {
			fc.Header = header
		}
	} else if cfg.IsOriginalSender && msg.SenderName != "" {
		fc.Header = msg.SenderName + ":\n"
	}

	var footer []string
	if cfg.IsOriginalLink {
		footer = append(footer, data.Link)
	}
	if cfg.IsOriginalTime && !msg.Date.IsZero() {
		footer = append(footer, data.Time)
	}
	if len(footer) > 0 {
		fc.Footer = "\n\n" + strings.Join(footer, "\n")
	}
	return true, nil
}

func (f *infoFilter) template(text string) (*tmplx.Template, error) {
	if t, ok := f.templates.Get(text); ok {
		return t, nil
	}
	t, err := tmplx.Parse("info", text, tmplx.WithPlaceholders(infoPlaceholders))
	if err != nil {
		return nil, err
	}
	f.templates.Set(text, t)
	return t, nil
}

// commentButtonFilter links channel posts to their comment thread.
type commentButtonFilter struct{}

func (commentButtonFilter) Name() string { return StageCommentButton }

func (commentButtonFilter) Process(_ context.Context, fc *Context) (bool, error) {
	msg := fc.Message
	if msg.ChatUsername == "" {
		return true, nil
	}
	fc.Buttons = append(fc.Buttons, platform.Button{
		Text: "💬 Comments",
		URL:  fmt.Sprintf("https://t.me/%s/%d?comment=1", msg.ChatUsername, msg.ID),
	})
	return true, nil
}

// rssFilter hands the message to the feed and stops forwarding.
type rssFilter struct {
	bus Publisher
}

func (rssFilter) Name() string { return StageRSS }

func (f *rssFilter) Process(ctx context.Context, fc *Context) (bool, error) {
	if !fc.Rule.Config.OnlyRSS {
		return true, nil
	}
	if !fc.Sim && f.bus != nil {
		entry := models.RSSEntry{
			RuleID: fc.Rule.ID,
			ChatID: fc.ChatID,
			MsgID:  fc.Message.ID,
			Text:   fc.Text,
			Link:   MessageLink(fc.Message),
		}
		if len(fc.Selected) > 0 {
			entry.Media = fc.Selected[0].Media
		}
		f.bus.Publish(ctx, models.EventRSSEntry, entry, false)
	}
	fc.Fail("rss only")
	return false, nil
}

// editFilter rewrites the source message in place instead of forwarding.
type editFilter struct{}

func (editFilter) Name() string { return StageEdit }

func (editFilter) Process(ctx context.Context, fc *Context) (bool, error) {
	if fc.Rule.Config.HandleMode != models.HandleEdit {
		return true, nil
	}
	text := fc.FinalText()
	if !fc.Sim && text != fc.OriginalText && fc.Client != nil {
		if err := fc.Client.EditMessage(ctx, fc.ChatID, fc.Message.ID, text); err != nil {
			return false, fmt.Errorf("edit source message: %w", err)
		}
	}
	fc.Fail("edited in place")
	return false, nil
}

// senderFilter resolves the target and builds the send plan. It never
// sends anything itself.
type senderFilter struct{}

func (senderFilter) Name() string { return StageSender }

func (senderFilter) Process(_ context.Context, fc *Context) (bool, error) {
	target, err := fc.Rule.TargetPeerID()
	if err != nil {
		fc.Fail("resolve target %s: %v", fc.Rule.TargetChatID, err)
		return false, nil
	}
	req := &sender.Request{
		RuleID:   fc.Rule.ID,
		SourceID: fc.ChatID,
		TargetID: target,
	}

	// force_pure_forward wins over every content change
	if fc.Rule.Config.ForcePureForward || !fc.Modified() {
		req.Mode = sender.ModeForward
		req.Messages = fc.Group
		fc.Plan = req
		return true, nil
	}

	fc.Plan = req
	fc.copyPlan()
	if len(req.Messages) == 0 && strings.TrimSpace(req.Text) == "" {
		fc.Plan = nil
		fc.Fail("nothing to send")
		return false, nil
	}
	return true, nil
}

// copyPlan switches the plan to a copy of the filtered content.
func (c *Context) copyPlan() {
	p := c.Plan
	p.Mode = sender.ModeCopy
	p.Messages = nil
	if !c.MediaBlocked {
		p.Messages = c.Selected
	}
	p.Options = platform.SendOptions{Buttons: c.Buttons, ReplyToID: c.ReplyToID}
	p.Text = c.FinalText()
	if c.Rule.Config.IsSendOverMediaSizeMessage {
		for _, m := range c.Oversized {
			p.Text += fmt.Sprintf("\n⚠️ %s too large (%.2f MB)", mediaLabel(m), float64(m.Media.Size)/mb)
		}
	}
}

// SetText replaces the body after the chain ran and keeps the plan in
// step. A pure forward stays a forward only when the rule forces it.
func (c *Context) SetText(text string) {
	c.Text = text
	if c.Plan == nil || (c.Plan.Mode == sender.ModeForward && c.Rule.Config.ForcePureForward) {
		return
	}
	c.copyPlan()
}

func mediaLabel(m *models.Message) string {
	if m.Media.FileName != "" {
		return m.Media.FileName
	}
	return string(m.Media.Kind)
}

// replyFilter keeps reply threads intact in the target chat.
type replyFilter struct {
	index ReplyIndex
}

func (replyFilter) Name() string { return StageReply }

func (replyFilter) Dependencies() []string { return []string{StageSender} }

func (f *replyFilter) Process(_ context.Context, fc *Context) (bool, error) {
	if f.index == nil || fc.Plan == nil || fc.Message.ReplyToID == 0 {
		return true, nil
	}
	mapped, ok := f.index.Lookup(fc.Rule.ID, fc.ChatID, fc.Message.ReplyToID)
	if !ok {
		return true, nil
	}
	fc.ReplyToID = mapped
	if fc.Plan.Mode == sender.ModeForward && fc.Rule.Config.ForcePureForward {
		return true, nil
	}
	fc.copyPlan()
	return true, nil
}

// PushPayload is posted to every push URL of a rule.
type PushPayload struct {
	RuleID    int64  `json:"rule_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Link      string `json:"link"`
	MediaType string `json:"media_type"`
}

// PushNotice is what a rule posts to its webhooks once its forward went
// out.
type PushNotice struct {
	URLs    []string
	Payload PushPayload
}

// pushFilter prepares the webhook notice. Nothing is posted here; the
// sender middleware hands the notice to a Pusher after delivery.
type pushFilter struct{}

func (pushFilter) Name() string { return StagePush }

func (pushFilter) Process(_ context.Context, fc *Context) (bool, error) {
	cfg := &fc.Rule.Config
	if !cfg.EnablePush || len(cfg.PushURLs) == 0 {
		return true, nil
	}
	if fc.Sim {
		fc.trace("Push: %d url(s)", len(cfg.PushURLs))
	}
	fc.Push = &PushNotice{
		URLs: slices.Clone(cfg.PushURLs),
		Payload: PushPayload{
			RuleID:    fc.Rule.ID,
			ChatID:    fc.ChatID,
			MessageID: fc.Message.ID,
			Text:      fc.FinalText(),
			Link:      MessageLink(fc.Message),
			MediaType: fc.Message.MediaType(),
		},
	}
	return true, nil
}

// Pusher posts push notices. Failures are logged and never block.
type Pusher struct {
	http *resty.Client
}

func NewPusher(http *resty.Client) *Pusher {
	return &Pusher{http: http}
}

func (p *Pusher) Notify(ctx context.Context, n *PushNotice) {
	if p == nil || p.http == nil || n == nil {
		return
	}
	for _, url := range n.URLs {
		resp, err := p.http.R().SetContext(ctx).SetBody(n.Payload).Post(url)
		if err != nil {
			logx.Warnw(ctx, "push failed", "rule_id", n.Payload.RuleID, "url", url, "error", err)
			continue
		}
		if resp.IsError() {
			logx.Warnw(ctx, "push rejected", "rule_id", n.Payload.RuleID, "url", url, "status", resp.StatusCode())
		}
	}
}

// deleteOriginalFilter asks the sender middleware to delete the source
// messages once the forward succeeded.
type deleteOriginalFilter struct{}

func (deleteOriginalFilter) Name() string { return StageDeleteOriginal }

func (deleteOriginalFilter) Dependencies() []string { return []string{StageSender} }

func (deleteOriginalFilter) Process(_ context.Context, fc *Context) (bool, error) {
	fc.DeleteOriginal = fc.Rule.Config.IsDeleteOriginal && !fc.IsHistory
	return true, nil
}

// FinalText is the outgoing text with info header and footer.
func (c *Context) FinalText() string {
	return c.ComposeText(c.Text)
}

// ComposeText wraps body with the info header and footer.
func (c *Context) ComposeText(body string) string {
	if c.Header == "" && c.Footer == "" {
		return body
	}
	return c.Header + body + c.Footer
}
