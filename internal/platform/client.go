// Package platform declares what the forwarding core needs from the chat
// platform and how its errors are classified.
package platform

import (
	"context"
	"iter"
	"time"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/chatid"
)

// Hard deadlines for platform calls.
const (
	GetEntityTimeout   = 5 * time.Second
	FullChannelTimeout = 8 * time.Second
	BatchFetchTimeout  = 10 * time.Second
)

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type SendOptions struct {
	ReplyToID      int64
	Buttons        []Button
	DisablePreview bool
	ParseMode      string
}

// MessageFilter selects messages in GetMessages. IDs wins over the range.
type MessageFilter struct {
	IDs   []int64
	MinID int64
	MaxID int64
	Limit int
}

type Entity struct {
	ID       int64       `json:"id"`
	Title    string      `json:"title"`
	Username string      `json:"username,omitempty"`
	Kind     chatid.Kind `json:"kind"`
}

// Client is the consumed chat-platform client.
type Client interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (*models.Message, error)
	// SendFile sends one media item, or an album when len(media) > 1.
	SendFile(ctx context.Context, chatID int64, media []*models.Media, caption string, opts SendOptions) ([]*models.Message, error)
	ForwardMessages(ctx context.Context, toChat int64, ids []int64, fromChat int64) ([]*models.Message, error)
	// GetMessages yields matching messages once; the sequence is not
	// restartable.
	GetMessages(ctx context.Context, chatID int64, filter MessageFilter) iter.Seq2[*models.Message, error]
	GetEntity(ctx context.Context, idOrUsername string) (*Entity, error)
	DownloadMedia(ctx context.Context, msg *models.Message, path string) (string, error)
	DeleteMessages(ctx context.Context, chatID int64, ids []int64) error
	EditMessage(ctx context.Context, chatID, messageID int64, text string) error
}

// CollectMessages drains GetMessages into a slice.
func CollectMessages(ctx context.Context, c Client, chatID int64, filter MessageFilter) ([]*models.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, BatchFetchTimeout)
	defer cancel()

	var out []*models.Message
	for msg, err := range c.GetMessages(ctx, chatID, filter) {
		if err != nil {
			return out, err
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}
