// Package platformtest provides a recording platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/pkg/chatid"
)

type Method string

const (
	MethodSendMessage Method = "send_message"
	MethodSendFile    Method = "send_file"
	MethodForward     Method = "forward_messages"
	MethodDelete      Method = "delete_messages"
	MethodEdit        Method = "edit_message"
	MethodDownload    Method = "download_media"
	MethodGetEntity   Method = "get_entity"
)

// Call is one recorded outbound call.
type Call struct {
	Method   Method
	ChatID   int64
	FromChat int64
	IDs      []int64
	Text     string
	Media    []*models.Media
	Options  platform.SendOptions
	At       time.Time
}

// Client is an in-memory platform.Client. Errors can be scripted per
// method; each scripted error is returned once, in order.
type Client struct {
	// Delay is applied inside every send/forward call while the call is
	// counted as in flight.
	Delay time.Duration

	mu       sync.Mutex
	calls    []Call
	messages map[int64]map[int64]*models.Message
	errs     map[Method][]error
	entities map[string]*platform.Entity
	nextID   atomic.Int64

	inflight    map[int64]int
	maxInflight map[int64]int
}

var _ platform.Client = (*Client)(nil)

func New() *Client {
	c := &Client{
		messages:    map[int64]map[int64]*models.Message{},
		errs:        map[Method][]error{},
		entities:    map[string]*platform.Entity{},
		inflight:    map[int64]int{},
		maxInflight: map[int64]int{},
	}
	c.nextID.Store(10_000)
	return c
}

// AddMessages makes messages retrievable via GetMessages.
func (c *Client) AddMessages(msgs ...*models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range msgs {
		if c.messages[m.ChatID] == nil {
			c.messages[m.ChatID] = map[int64]*models.Message{}
		}
		c.messages[m.ChatID][m.ID] = m
	}
}

func (c *Client) AddEntity(key string, e *platform.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[key] = e
}

// FailNext scripts the next call of method to return err.
func (c *Client) FailNext(method Method, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[method] = append(c.errs[method], errs...)
}

func (c *Client) Calls(methods ...Method) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(methods) == 0 {
		return slices.Clone(c.calls)
	}
	var out []Call
	for _, call := range c.calls {
		if slices.Contains(methods, call.Method) {
			out = append(out, call)
		}
	}
	return out
}

// MaxInFlight is the highest number of concurrent outbound calls observed
// for chatID.
func (c *Client) MaxInFlight(chatID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInflight[chatID]
}

func (c *Client) record(ctx context.Context, call Call) error {
	call.At = time.Now()
	c.mu.Lock()
	c.inflight[call.ChatID]++
	if c.inflight[call.ChatID] > c.maxInflight[call.ChatID] {
		c.maxInflight[call.ChatID] = c.inflight[call.ChatID]
	}
	var err error
	if q := c.errs[call.Method]; len(q) > 0 {
		err = q[0]
		c.errs[call.Method] = q[1:]
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight[call.ChatID]--
		c.mu.Unlock()
	}()

	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
	return nil
}

func (c *Client) newMessage(chatID int64, text string, media *models.Media) *models.Message {
	return &models.Message{
		ID:     c.nextID.Add(1),
		ChatID: chatID,
		Text:   text,
		Date:   time.Now(),
		Media:  media,
	}
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts platform.SendOptions) (*models.Message, error) {
	if err := c.record(ctx, Call{Method: MethodSendMessage, ChatID: chatID, Text: text, Options: opts}); err != nil {
		return nil, err
	}
	return c.newMessage(chatID, text, nil), nil
}

func (c *Client) SendFile(ctx context.Context, chatID int64, media []*models.Media, caption string, opts platform.SendOptions) ([]*models.Message, error) {
	if err := c.record(ctx, Call{Method: MethodSendFile, ChatID: chatID, Text: caption, Media: media, Options: opts}); err != nil {
		return nil, err
	}
	out := make([]*models.Message, 0, len(media))
	for _, m := range media {
		out = append(out, c.newMessage(chatID, caption, m))
	}
	return out, nil
}

func (c *Client) ForwardMessages(ctx context.Context, toChat int64, ids []int64, fromChat int64) ([]*models.Message, error) {
	if err := c.record(ctx, Call{Method: MethodForward, ChatID: toChat, FromChat: fromChat, IDs: slices.Clone(ids)}); err != nil {
		return nil, err
	}
	out := make([]*models.Message, 0, len(ids))
	for range ids {
		out = append(out, c.newMessage(toChat, "", nil))
	}
	return out, nil
}

func (c *Client) GetMessages(ctx context.Context, chatID int64, filter platform.MessageFilter) iter.Seq2[*models.Message, error] {
	c.mu.Lock()
	var found []*models.Message
	byID := c.messages[chatID]
	if len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			found = append(found, byID[id])
		}
	} else {
		for id, m := range byID {
			if (filter.MinID == 0 || id >= filter.MinID) && (filter.MaxID == 0 || id <= filter.MaxID) {
				found = append(found, m)
			}
		}
		slices.SortFunc(found, func(a, b *models.Message) int { return int(a.ID - b.ID) })
		if filter.Limit > 0 && len(found) > filter.Limit {
			found = found[:filter.Limit]
		}
	}
	c.mu.Unlock()

	return func(yield func(*models.Message, error) bool) {
		for _, m := range found {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (c *Client) GetEntity(ctx context.Context, idOrUsername string) (*platform.Entity, error) {
	if err := c.record(ctx, Call{Method: MethodGetEntity, Text: idOrUsername}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entities[idOrUsername]; ok {
		return e, nil
	}
	id, err := strconv.ParseInt(idOrUsername, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("chat not found: %s", idOrUsername)
	}
	return &platform.Entity{ID: id, Title: idOrUsername, Kind: chatid.KindGroup}, nil
}

func (c *Client) DownloadMedia(ctx context.Context, msg *models.Message, path string) (string, error) {
	if err := c.record(ctx, Call{Method: MethodDownload, ChatID: msg.ChatID, IDs: []int64{msg.ID}, Text: path}); err != nil {
		return "", err
	}
	return path, nil
}

func (c *Client) DeleteMessages(ctx context.Context, chatID int64, ids []int64) error {
	return c.record(ctx, Call{Method: MethodDelete, ChatID: chatID, IDs: slices.Clone(ids)})
}

func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	return c.record(ctx, Call{Method: MethodEdit, ChatID: chatID, IDs: []int64{messageID}, Text: text})
}
