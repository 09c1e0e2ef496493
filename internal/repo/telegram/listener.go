package telegram

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/chatid"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
)

type Submitter interface {
	Submit(ctx context.Context, msg *models.Message) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, event models.EventType, data any, wait bool)
}

var allowedUpdates = []string{"message", "channel_post", "edited_message", "edited_channel_post"}

// Listener long-polls the Bot API and submits every new message.
type Listener struct {
	api     botAPI
	client  *Client
	submit  Submitter
	bus     Publisher
	timeout int
	titles  *xsync.Map[int64, string]
	backoff func() backoff.BackOff
}

func NewListener(api botAPI, client *Client, submit Submitter, bus Publisher, cfg config.TelegramConfig) *Listener {
	return &Listener{
		api:     api,
		client:  client,
		submit:  submit,
		bus:     bus,
		timeout: cfg.PollTimeout,
		titles:  xsync.NewMap[int64, string](),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Run polls until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	ctx = logx.With(ctx, "component", "telegram_listener")
	logx.Infow(ctx, "listening for updates", "poll_timeout", l.timeout)

	bo := l.backoff()
	offset := 0
	for {
		cfg := tgbotapi.NewUpdate(offset)
		cfg.Timeout = l.timeout
		cfg.AllowedUpdates = allowedUpdates

		updates, err := call(ctx, func() ([]tgbotapi.Update, error) { return l.api.GetUpdates(cfg) })
		if ctx.Err() != nil {
			logx.Infow(ctx, "listener stopped")
			return nil
		}
		if err != nil {
			wait := bo.NextBackOff()
			logx.Warnw(ctx, "get updates failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		for _, u := range updates {
			offset = max(offset, u.UpdateID+1)
			l.handle(ctx, u)
		}
	}
}

func (l *Listener) handle(ctx context.Context, u tgbotapi.Update) {
	switch {
	case u.Message != nil:
		l.onMessage(ctx, fromAPI(u.Message))
	case u.ChannelPost != nil:
		l.onMessage(ctx, fromAPI(u.ChannelPost))
	case u.EditedMessage != nil:
		l.onEdit(fromAPI(u.EditedMessage))
	case u.EditedChannelPost != nil:
		l.onEdit(fromAPI(u.EditedChannelPost))
	}
}

// onEdit refreshes the stored copy; edits are not forwarded again.
func (l *Listener) onEdit(msg *models.Message) {
	if msg != nil {
		l.client.Remember(msg)
	}
}

func (l *Listener) onMessage(ctx context.Context, msg *models.Message) {
	if msg == nil {
		return
	}
	l.client.Remember(msg)
	l.trackTitle(ctx, msg)

	ctx = logx.With(ctx, "chat_id", msg.ChatID, "msg_id", msg.ID)
	if _, err := l.submit.Submit(ctx, msg); err != nil {
		logx.Logw(ctx, logx.LevelForCode(models.Code(err)), "submit message failed", "error", err)
	}
}

// trackTitle publishes CHAT_INFO_UPDATED the first time a chat is seen and
// whenever its title changes.
func (l *Listener) trackTitle(ctx context.Context, msg *models.Message) {
	if msg.ChatTitle == "" || l.bus == nil {
		return
	}
	prev, loaded := l.titles.LoadAndStore(msg.ChatID, msg.ChatTitle)
	if loaded && prev == msg.ChatTitle {
		return
	}
	l.bus.Publish(ctx, models.EventChatInfoUpdated, models.ChatInfoUpdated{
		ChatID: chatid.NormalizeInt(msg.ChatID),
		Name:   msg.ChatTitle,
	}, false)
}
