package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/dispatcher"
	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/pipeline"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/internal/sender"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

// Executor runs a message through the forwarding pipeline.
type Executor interface {
	Execute(ctx context.Context, mc *pipeline.MessageContext) error
}

type Deliverer interface {
	Send(ctx context.Context, req *sender.Request) ([]*models.Message, error)
	Delete(ctx context.Context, chatID int64, ids []int64) error
}

type Pusher interface {
	PushBatch(ctx context.Context, tasks []*models.Task) (int, error)
}

type Deps struct {
	Client   platform.Client
	Pipeline Executor
	Sender   Deliverer
	Tasks    Pusher
	Bus      filters.Publisher

	// HistoryPriority is given to backfilled messages.
	HistoryPriority int
	// RetryDelay is how long the rules that failed next to successful
	// ones wait before their replay.
	RetryDelay  time.Duration
	DownloadDir string
	Now         func() time.Time
}

const backfillChunk = 100

type handlers struct {
	Deps
}

// Handlers returns the handler of every task type.
func Handlers(d Deps) map[models.TaskType]Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	h := &handlers{Deps: d}
	return map[models.TaskType]Handler{
		models.TaskProcessMessage:  h.processMessage,
		models.TaskManualDownload:  h.manualDownload,
		models.TaskHistoryBackfill: h.historyBackfill,
		models.TaskScheduledDelete: h.scheduledDelete,
		models.TaskMessageDelete:   h.messageDelete,
	}
}

func (h *handlers) processMessage(ctx context.Context, u *dispatcher.Unit) error {
	lead := u.Payloads[0].(*models.ProcessMessagePayload)
	ids := make([]int64, 0, len(u.Payloads))
	for _, p := range u.Payloads {
		ids = append(ids, p.(*models.ProcessMessagePayload).MessageID)
	}

	msgs, err := platform.CollectMessages(ctx, h.Client, u.ChatID, platform.MessageFilter{IDs: ids})
	if err != nil {
		return fmt.Errorf("fetch messages %v: %w", ids, err)
	}
	if len(msgs) == 0 {
		logx.Warnw(ctx, "source message is gone", "chat_id", u.ChatID, "msg_ids", ids)
		return nil
	}

	mc := pipeline.NewMessageContext(h.Client, msgs)
	mc.TaskID = u.Lead().ID
	mc.IsHistory = lead.IsHistory
	if lead.TargetRuleID != 0 {
		mc.Set(pipeline.KeyTargetRuleID, lead.TargetRuleID)
	}
	err = h.Pipeline.Execute(ctx, mc)
	if err == nil {
		return nil
	}
	return h.afterFailure(ctx, u, mc, err)
}

// afterFailure replays only the failed rules when others already went out,
// so a retry never delivers twice. Errors raised outside of the sender are
// reported here since no rule saw them.
func (h *handlers) afterFailure(ctx context.Context, u *dispatcher.Unit, mc *pipeline.MessageContext, err error) error {
	var resched *filters.RescheduleError
	if errors.As(err, &resched) || errors.Is(err, context.Canceled) {
		return err
	}
	sent, failed := mc.SentRules(), mc.FailedRules()
	if len(sent) > 0 && len(failed) > 0 && mc.TargetRuleID() == 0 {
		at := h.Now().Add(h.RetryDelay)
		var limited *sender.RateLimitedError
		if errors.As(err, &limited) && limited.Until.After(at) {
			at = limited.Until
		}
		return h.split(ctx, u, failed, at)
	}
	if len(failed) == 0 && !errors.Is(err, models.ErrRateLimited) && h.Bus != nil {
		h.Bus.Publish(ctx, models.EventForwardFailed, models.ForwardFailed{
			RuleID: mc.TargetRuleID(),
			MsgID:  mc.MessageID,
			Error:  err.Error(),
		}, false)
	}
	return err
}

func (h *handlers) split(ctx context.Context, u *dispatcher.Unit, rules []int64, at time.Time) error {
	var out []*models.Task
	for _, rule := range rules {
		suffix := ":rule:" + strconv.FormatInt(rule, 10)
		for i, raw := range u.Payloads {
			p := *raw.(*models.ProcessMessagePayload)
			p.TargetRuleID = rule
			t, err := models.NewTask(models.TaskProcessMessage, &p, u.Tasks[i].Priority)
			if err != nil {
				return err
			}
			t.UniqueKey = models.TaskUniqueKey(models.TaskProcessMessage, p.ChatID, p.MessageID) + suffix
			if p.GroupedID != "" {
				t.GroupedID = p.GroupedID + suffix
			}
			t.ScheduledAt = at
			out = append(out, t)
		}
	}
	n, err := h.Tasks.PushBatch(ctx, out)
	if err != nil {
		return fmt.Errorf("push replay tasks: %w", err)
	}
	logx.Infow(ctx, "replaying failed rules", "rules", rules, "tasks", n, "at", at)
	return nil
}

func (h *handlers) manualDownload(ctx context.Context, u *dispatcher.Unit) error {
	p := u.Payloads[0].(*models.ManualDownloadPayload)
	msgs, err := platform.CollectMessages(ctx, h.Client, p.ChatID, platform.MessageFilter{IDs: []int64{p.MessageID}})
	if err != nil {
		return fmt.Errorf("fetch message %d: %w", p.MessageID, err)
	}
	if len(msgs) == 0 {
		return models.Permanent(fmt.Errorf("message %d in chat %d: %w", p.MessageID, p.ChatID, models.ErrNotFound))
	}
	msg := msgs[0]
	if !msg.HasMedia() {
		return models.Permanent(fmt.Errorf("message %d has no media", p.MessageID))
	}

	name := fmt.Sprintf("%d_%d%s", p.ChatID, p.MessageID, filepath.Ext(msg.Media.FileName))
	path, err := h.Client.DownloadMedia(ctx, msg, filepath.Join(h.DownloadDir, name))
	if err != nil {
		return &ErrRetry{Err: fmt.Errorf("download media: %w", err), Delay: h.RetryDelay}
	}
	logx.Infow(ctx, "media downloaded", "path", path, "manual", p.ManualTrigger)

	if p.TargetChatID == 0 {
		return nil
	}
	_, err = h.Sender.Send(ctx, &sender.Request{
		SourceID: p.ChatID,
		TargetID: p.TargetChatID,
		Mode:     sender.ModeCopy,
		Messages: msgs,
		Text:     msg.Text,
	})
	return err
}

func (h *handlers) historyBackfill(ctx context.Context, u *dispatcher.Unit) error {
	p := u.Payloads[0].(*models.HistoryBackfillPayload)
	suffix := ":history"
	if p.RuleID != 0 {
		suffix += ":rule:" + strconv.FormatInt(p.RuleID, 10)
	}

	var (
		chunk  []*models.Task
		pushed int
	)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		n, err := h.Tasks.PushBatch(ctx, chunk)
		pushed += n
		chunk = nil
		return err
	}

	filter := platform.MessageFilter{MinID: p.StartMsgID, MaxID: p.EndMsgID}
	for msg, err := range h.Client.GetMessages(ctx, p.SourceChatID, filter) {
		if err != nil {
			if ferr := flush(); ferr != nil {
				return errors.Join(err, ferr)
			}
			return fmt.Errorf("backfill chat %d after %d tasks: %w", p.SourceChatID, pushed, err)
		}
		if msg == nil {
			continue
		}
		payload := &models.ProcessMessagePayload{
			ChatID:       msg.ChatID,
			MessageID:    msg.ID,
			HasMedia:     msg.HasMedia(),
			GroupedID:    msg.GroupedID,
			TargetRuleID: p.RuleID,
			IsHistory:    true,
		}
		t, err := models.NewTask(models.TaskProcessMessage, payload, h.HistoryPriority)
		if err != nil {
			return err
		}
		t.UniqueKey = models.TaskUniqueKey(models.TaskProcessMessage, msg.ChatID, msg.ID) + suffix
		if msg.GroupedID != "" {
			t.GroupedID = msg.GroupedID + suffix
		}
		chunk = append(chunk, t)
		if len(chunk) >= backfillChunk {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	logx.Infow(ctx, "history backfill queued", "chat_id", p.SourceChatID, "from", p.StartMsgID, "to", p.EndMsgID, "tasks", pushed)
	return nil
}

func (h *handlers) scheduledDelete(ctx context.Context, u *dispatcher.Unit) error {
	p := u.Payloads[0].(*models.ScheduledDeletePayload)
	if wait := p.DeleteAt.Sub(h.Now()); wait > 0 {
		return &notDueError{Delay: wait}
	}
	return h.Sender.Delete(ctx, p.ChatID, []int64{p.MessageID})
}

func (h *handlers) messageDelete(ctx context.Context, u *dispatcher.Unit) error {
	p := u.Payloads[0].(*models.MessageDeletePayload)
	return h.Sender.Delete(ctx, p.ChatID, p.MessageIDs)
}
