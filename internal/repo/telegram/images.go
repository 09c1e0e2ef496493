package telegram

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/kellyson520/tg-forwarder/internal/models"
)

// maxImageBytes caps what LoadImage downloads for hashing.
const maxImageBytes = 10 << 20

// LoadImage fetches and decodes a photo for perceptual hashing.
func (c *Client) LoadImage(ctx context.Context, msg *models.Message) (image.Image, error) {
	if !msg.HasMedia() || msg.Media.Kind != models.MediaPhoto {
		return nil, fmt.Errorf("message %d:%d is not a photo", msg.ChatID, msg.ID)
	}
	if msg.Media.Size > maxImageBytes {
		return nil, fmt.Errorf("photo %d:%d is too large to hash: %d bytes", msg.ChatID, msg.ID, msg.Media.Size)
	}
	url, err := c.fileURL(ctx, msg)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, models.Transient(err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch photo %d:%d: status %d", msg.ChatID, msg.ID, resp.StatusCode())
	}
	img, _, err := image.Decode(bytes.NewReader(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("decode photo %d:%d: %w", msg.ChatID, msg.ID, err)
	}
	return img, nil
}
