package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/kellyson520/tg-forwarder/internal/models"
)

const (
	KindPhoto    = "photo"
	KindVideo    = "video"
	KindDocument = "document"
	KindText     = "text"
	KindSimilar  = "similar"
)

var (
	urlRe        = regexp.MustCompile(`https?://\S+|www\.\S+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// NormalizeText lower-cases text, strips links and collapses whitespace.
func NormalizeText(text string) string {
	s := strings.ToLower(text)
	s = urlRe.ReplaceAllString(s, " ")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// TextHash is the hex SHA-256 of the normalized text, or "" when nothing
// remains after normalization.
func TextHash(text string) string {
	n := NormalizeText(text)
	if n == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(n))
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives the deterministic signature of msg. The first
// applicable rule wins: stable photo id, video attributes, document
// attributes, then the text hash when withText is set. It returns "" when
// nothing identifies the message.
func Fingerprint(msg *models.Message, withText bool) (sig, kind string) {
	if msg == nil {
		return "", ""
	}
	if m := msg.Media; m != nil {
		switch m.Kind {
		case models.MediaPhoto:
			id := m.FileUniqueID
			if id == "" {
				id = m.FileID
			}
			if id != "" {
				return "photo:" + strconv.FormatInt(msg.ChatID, 10) + "_" + id, KindPhoto
			}
		case models.MediaVideo, models.MediaAnimation:
			if m.Size > 0 || m.Duration > 0 {
				return "video:" + strconv.Itoa(m.Duration) + "s:" +
					strconv.Itoa(m.Width) + "x" + strconv.Itoa(m.Height) + ":" +
					strconv.FormatInt(m.Size, 10), KindVideo
			}
		default:
			if m.Size > 0 || m.FileName != "" {
				prefix := "document"
				if m.Kind != models.MediaDocument && m.Kind != "" {
					prefix = string(m.Kind)
				}
				return prefix + ":" + m.MimeType + ":" + strconv.FormatInt(m.Size, 10) + ":" +
					strings.ToLower(m.FileName), KindDocument
			}
		}
	}
	if withText {
		if h := TextHash(msg.Text); h != "" {
			return "text:" + h, KindText
		}
	}
	return "", ""
}
