// Package telegram implements the platform client and the update listener
// on top of the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/pkg/chatid"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

// botAPI is the part of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	SendMediaGroup(cfg tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
	GetChat(cfg tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

var _ platform.Client = (*Client)(nil)

type Client struct {
	api    botAPI
	recent *recentStore
	http   *resty.Client
}

// NewBotAPI connects to the Bot API. Connection errors and 5xx answers are
// retried by the transport; 429 is left to the sender's flood-wait logic.
func NewBotAPI(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 2
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	hc := rc.StandardClient()
	hc.Timeout = time.Duration(cfg.PollTimeout)*time.Second + 15*time.Second

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, hc)
}

func NewClient(api botAPI, cfg config.TelegramConfig) *Client {
	return &Client{
		api:    api,
		recent: newRecentStore(cfg.RecentSize, cfg.RecentTTL),
		http:   util.NewRestyClient().SetTimeout(5 * time.Minute),
	}
}

// Remember adds msg to the recent-message store that backs GetMessages.
func (c *Client) Remember(msg *models.Message) {
	c.recent.put(msg)
}

// call runs fn unless ctx is already done and stops waiting when ctx
// ends. The Bot API library has no context support, so an abandoned call
// finishes in the background within the HTTP timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, mapError(err)}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func applyBase(b *tgbotapi.BaseChat, opts platform.SendOptions) {
	b.ReplyToMessageID = int(opts.ReplyToID)
	if len(opts.Buttons) == 0 {
		return
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(opts.Buttons))
	for _, btn := range opts.Buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(btn.Text, btn.URL)))
	}
	b.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (c *Client) sent(m tgbotapi.Message) *models.Message {
	msg := fromAPI(&m)
	if msg != nil {
		c.recent.put(msg)
	}
	return msg
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts platform.SendOptions) (*models.Message, error) {
	cfg := tgbotapi.NewMessage(chatID, text)
	cfg.ParseMode = opts.ParseMode
	cfg.DisableWebPagePreview = opts.DisablePreview
	applyBase(&cfg.BaseChat, opts)

	m, err := call(ctx, func() (tgbotapi.Message, error) { return c.api.Send(cfg) })
	if err != nil {
		return nil, fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return c.sent(m), nil
}

func (c *Client) SendFile(ctx context.Context, chatID int64, media []*models.Media, caption string, opts platform.SendOptions) ([]*models.Message, error) {
	switch len(media) {
	case 0:
		return nil, fmt.Errorf("%w: no media to send", models.ErrInvalidPayload)
	case 1:
		cfg := fileConfig(chatID, media[0], caption, opts)
		m, err := call(ctx, func() (tgbotapi.Message, error) { return c.api.Send(cfg) })
		if err != nil {
			return nil, fmt.Errorf("send %s to %d: %w", media[0].Kind, chatID, err)
		}
		return []*models.Message{c.sent(m)}, nil
	}

	items := make([]any, 0, len(media))
	for i, m := range media {
		item := inputMedia(m)
		if i == 0 {
			item = withCaption(item, caption, opts.ParseMode)
		}
		items = append(items, item)
	}
	group := tgbotapi.NewMediaGroup(chatID, items)
	group.ReplyToMessageID = int(opts.ReplyToID)
	msgs, err := call(ctx, func() ([]tgbotapi.Message, error) { return c.api.SendMediaGroup(group) })
	if err != nil {
		return nil, fmt.Errorf("send album of %d to %d: %w", len(media), chatID, err)
	}
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, c.sent(m))
	}
	return out, nil
}

func fileConfig(chatID int64, m *models.Media, caption string, opts platform.SendOptions) tgbotapi.Chattable {
	file := tgbotapi.FileID(m.FileID)
	switch m.Kind {
	case models.MediaPhoto:
		cfg := tgbotapi.NewPhoto(chatID, file)
		cfg.Caption, cfg.ParseMode = caption, opts.ParseMode
		applyBase(&cfg.BaseChat, opts)
		return cfg
	case models.MediaVideo:
		cfg := tgbotapi.NewVideo(chatID, file)
		cfg.Caption, cfg.ParseMode = caption, opts.ParseMode
		applyBase(&cfg.BaseChat, opts)
		return cfg
	case models.MediaAnimation:
		cfg := tgbotapi.NewAnimation(chatID, file)
		cfg.Caption, cfg.ParseMode = caption, opts.ParseMode
		applyBase(&cfg.BaseChat, opts)
		return cfg
	case models.MediaAudio:
		cfg := tgbotapi.NewAudio(chatID, file)
		cfg.Caption, cfg.ParseMode = caption, opts.ParseMode
		applyBase(&cfg.BaseChat, opts)
		return cfg
	case models.MediaVoice:
		cfg := tgbotapi.NewVoice(chatID, file)
		cfg.Caption, cfg.ParseMode = caption, opts.ParseMode
		applyBase(&cfg.BaseChat, opts)
		return cfg
	case models.MediaSticker:
		// Stickers cannot carry a caption.
		cfg := tgbotapi.NewSticker(chatID, file)
		applyBase(&cfg.BaseChat, opts)
		return cfg
	default:
		cfg := tgbotapi.NewDocument(chatID, file)
		cfg.Caption, cfg.ParseMode = caption, opts.ParseMode
		applyBase(&cfg.BaseChat, opts)
		return cfg
	}
}

// inputMedia builds an album item. Kinds an album cannot hold are sent as
// documents.
func inputMedia(m *models.Media) any {
	file := tgbotapi.FileID(m.FileID)
	switch m.Kind {
	case models.MediaPhoto:
		return tgbotapi.NewInputMediaPhoto(file)
	case models.MediaVideo:
		return tgbotapi.NewInputMediaVideo(file)
	case models.MediaAudio:
		return tgbotapi.NewInputMediaAudio(file)
	default:
		return tgbotapi.NewInputMediaDocument(file)
	}
}

func withCaption(item any, caption, parseMode string) any {
	switch v := item.(type) {
	case tgbotapi.InputMediaPhoto:
		v.Caption, v.ParseMode = caption, parseMode
		return v
	case tgbotapi.InputMediaVideo:
		v.Caption, v.ParseMode = caption, parseMode
		return v
	case tgbotapi.InputMediaAudio:
		v.Caption, v.ParseMode = caption, parseMode
		return v
	case tgbotapi.InputMediaDocument:
		v.Caption, v.ParseMode = caption, parseMode
		return v
	}
	return item
}

// ForwardMessages forwards ids one by one; the Bot API has no batch
// forward. Messages forwarded before a failure are returned with the error.
func (c *Client) ForwardMessages(ctx context.Context, toChat int64, ids []int64, fromChat int64) ([]*models.Message, error) {
	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		cfg := tgbotapi.NewForward(toChat, fromChat, int(id))
		m, err := call(ctx, func() (tgbotapi.Message, error) { return c.api.Send(cfg) })
		if err != nil {
			return out, fmt.Errorf("forward %d:%d to %d: %w", fromChat, id, toChat, err)
		}
		out = append(out, c.sent(m))
	}
	return out, nil
}

// GetMessages serves messages from the recent store: the Bot API cannot
// read chat history. Unknown ids yield nil when asked for by id and are
// skipped in range mode.
func (c *Client) GetMessages(ctx context.Context, chatID int64, filter platform.MessageFilter) iter.Seq2[*models.Message, error] {
	return func(yield func(*models.Message, error) bool) {
		if len(filter.IDs) > 0 {
			for _, id := range filter.IDs {
				if err := ctx.Err(); err != nil {
					yield(nil, err)
					return
				}
				if !yield(c.recent.get(chatID, id), nil) {
					return
				}
			}
			return
		}

		lo, hi := c.recent.bounds(chatID, filter.MinID, filter.MaxID)
		n := 0
		for id := lo; id <= hi; id++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			msg := c.recent.get(chatID, id)
			if msg == nil {
				continue
			}
			if !yield(msg, nil) {
				return
			}
			n++
			if filter.Limit > 0 && n >= filter.Limit {
				return
			}
		}
	}
}

func (c *Client) GetEntity(ctx context.Context, idOrUsername string) (*platform.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, platform.GetEntityTimeout)
	defer cancel()

	var cfg tgbotapi.ChatInfoConfig
	if id, err := strconv.ParseInt(strings.TrimSpace(idOrUsername), 10, 64); err == nil {
		cfg.ChatID = id
	} else {
		cfg.SuperGroupUsername = "@" + strings.TrimPrefix(strings.TrimSpace(idOrUsername), "@")
	}
	chat, err := call(ctx, func() (tgbotapi.Chat, error) { return c.api.GetChat(cfg) })
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", idOrUsername, err)
	}
	return &platform.Entity{
		ID:       chat.ID,
		Title:    chatTitle(&chat),
		Username: chat.UserName,
		Kind:     chatid.Kind(chat.Type),
	}, nil
}

func (c *Client) fileURL(ctx context.Context, msg *models.Message) (string, error) {
	if !msg.HasMedia() {
		return "", models.Permanent(fmt.Errorf("message %d:%d has no media", msg.ChatID, msg.ID))
	}
	return call(ctx, func() (string, error) { return c.api.GetFileDirectURL(msg.Media.FileID) })
}

func (c *Client) DownloadMedia(ctx context.Context, msg *models.Message, path string) (string, error) {
	url, err := c.fileURL(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("resolve file of %d:%d: %w", msg.ChatID, msg.ID, err)
	}
	resp, err := c.http.R().SetContext(ctx).SetOutput(path).Get(url)
	if err != nil {
		return "", models.Transient(fmt.Errorf("download %d:%d: %w", msg.ChatID, msg.ID, err))
	}
	if resp.IsError() {
		return "", fmt.Errorf("download %d:%d: status %d", msg.ChatID, msg.ID, resp.StatusCode())
	}
	logx.Debugw(ctx, "media downloaded", "chat_id", msg.ChatID, "msg_id", msg.ID, "path", path, "bytes", resp.Size())
	return path, nil
}

// DeleteMessages deletes ids one by one. Messages that are already gone
// count as deleted.
func (c *Client) DeleteMessages(ctx context.Context, chatID int64, ids []int64) error {
	var errs []error
	for _, id := range ids {
		cfg := tgbotapi.NewDeleteMessage(chatID, int(id))
		_, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return c.api.Request(cfg) })
		if err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("delete %d:%d: %w", chatID, id, err))
			continue
		}
		c.recent.drop(chatID, id)
	}
	return errors.Join(errs...)
}

func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	cfg := tgbotapi.NewEditMessageText(chatID, int(messageID), text)
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return c.api.Request(cfg) }); err != nil {
		return fmt.Errorf("edit %d:%d: %w", chatID, messageID, err)
	}
	if msg := c.recent.get(chatID, messageID); msg != nil {
		edited := *msg
		edited.Text = text
		c.recent.put(&edited)
	}
	return nil
}
