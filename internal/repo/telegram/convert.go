package telegram

import (
	"errors"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
)

// fromAPI converts a bot API message. Captions are exposed as Text.
func fromAPI(m *tgbotapi.Message) *models.Message {
	if m == nil || m.Chat == nil {
		return nil
	}
	out := &models.Message{
		ID:           int64(m.MessageID),
		ChatID:       m.Chat.ID,
		ChatTitle:    chatTitle(m.Chat),
		ChatUsername: m.Chat.UserName,
		Text:         m.Text,
		Date:         m.Time(),
		GroupedID:    m.MediaGroupID,
		Media:        mediaOf(m),
	}
	if out.Text == "" {
		out.Text = m.Caption
	}
	if m.EditDate != 0 {
		t := time.Unix(int64(m.EditDate), 0)
		out.EditDate = &t
	}
	switch {
	case m.From != nil:
		out.SenderID = strconv.FormatInt(m.From.ID, 10)
		out.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		out.SenderUsername = m.From.UserName
	case m.SenderChat != nil:
		out.SenderID = strconv.FormatInt(m.SenderChat.ID, 10)
		out.SenderName = chatTitle(m.SenderChat)
		out.SenderUsername = m.SenderChat.UserName
	}
	if m.ReplyToMessage != nil {
		out.ReplyToID = int64(m.ReplyToMessage.MessageID)
	}
	return out
}

func chatTitle(c *tgbotapi.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// mediaOf picks the attachment. Animations also carry a Document, so they
// are checked first.
func mediaOf(m *tgbotapi.Message) *models.Media {
	switch {
	case len(m.Photo) > 0:
		p := m.Photo[len(m.Photo)-1]
		return &models.Media{
			Kind:         models.MediaPhoto,
			FileID:       p.FileID,
			FileUniqueID: p.FileUniqueID,
			Size:         int64(p.FileSize),
			Width:        p.Width,
			Height:       p.Height,
			MimeType:     "image/jpeg",
		}
	case m.Animation != nil:
		a := m.Animation
		return &models.Media{
			Kind:         models.MediaAnimation,
			FileID:       a.FileID,
			FileUniqueID: a.FileUniqueID,
			FileName:     a.FileName,
			MimeType:     a.MimeType,
			Size:         int64(a.FileSize),
			Duration:     a.Duration,
			Width:        a.Width,
			Height:       a.Height,
		}
	case m.Video != nil:
		v := m.Video
		return &models.Media{
			Kind:         models.MediaVideo,
			FileID:       v.FileID,
			FileUniqueID: v.FileUniqueID,
			MimeType:     v.MimeType,
			Size:         int64(v.FileSize),
			Duration:     v.Duration,
			Width:        v.Width,
			Height:       v.Height,
		}
	case m.Audio != nil:
		a := m.Audio
		return &models.Media{
			Kind:         models.MediaAudio,
			FileID:       a.FileID,
			FileUniqueID: a.FileUniqueID,
			MimeType:     a.MimeType,
			Size:         int64(a.FileSize),
			Duration:     a.Duration,
		}
	case m.Voice != nil:
		v := m.Voice
		return &models.Media{
			Kind:         models.MediaVoice,
			FileID:       v.FileID,
			FileUniqueID: v.FileUniqueID,
			MimeType:     v.MimeType,
			Size:         int64(v.FileSize),
			Duration:     v.Duration,
		}
	case m.Document != nil:
		d := m.Document
		return &models.Media{
			Kind:         models.MediaDocument,
			FileID:       d.FileID,
			FileUniqueID: d.FileUniqueID,
			FileName:     d.FileName,
			MimeType:     d.MimeType,
			Size:         int64(d.FileSize),
		}
	case m.Sticker != nil:
		s := m.Sticker
		return &models.Media{
			Kind:         models.MediaSticker,
			FileID:       s.FileID,
			FileUniqueID: s.FileUniqueID,
			Size:         int64(s.FileSize),
			Width:        s.Width,
			Height:       s.Height,
		}
	}
	return nil
}

// mapError turns bot API failures into the error taxonomy understood by
// platform.Classify.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return models.Transient(err)
	}
	switch {
	case apiErr.RetryAfter > 0:
		return &platform.FloodWaitError{Seconds: apiErr.RetryAfter}
	case apiErr.Code >= 500:
		return models.Transient(err)
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 400 && strings.Contains(strings.ToLower(apiErr.Message), "not found")
}
