package sender

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
)

var errNothingToSend = errors.New("nothing to send")

type Mode string

const (
	// ModeForward uses the platform forward primitive and keeps attribution.
	ModeForward Mode = "forward"
	// ModeCopy re-sends the content as the bot.
	ModeCopy Mode = "copy"
)

// Request describes one delivery of source messages to a target chat.
type Request struct {
	RuleID   int64
	SourceID int64
	TargetID int64
	Mode     Mode
	// Messages are forwarded by id, or have their media re-sent on copy.
	Messages []*models.Message
	Text     string
	Options  platform.SendOptions
}

func (r *Request) MessageIDs() []int64 {
	ids := make([]int64, len(r.Messages))
	for i, m := range r.Messages {
		ids[i] = m.ID
	}
	return ids
}

// Media returns the attachments re-sent on copy.
func (r *Request) Media() []*models.Media {
	var media []*models.Media
	for _, m := range r.Messages {
		if m.HasMedia() {
			media = append(media, m.Media)
		}
	}
	return media
}

// validate rejects requests that can never be delivered. The errors are
// permanent so the task is not retried.
func (r *Request) validate() error {
	switch r.Mode {
	case ModeForward:
		if len(r.Messages) == 0 {
			return models.Permanent(errNothingToSend)
		}
	case ModeCopy:
		if len(r.Media()) == 0 && strings.TrimSpace(r.Text) == "" {
			return models.Permanent(errNothingToSend)
		}
	default:
		return models.Permanent(fmt.Errorf("%w: unknown send mode %q", models.ErrInvalidPayload, r.Mode))
	}
	return nil
}
