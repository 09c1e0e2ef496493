// Package dedup decides whether a message was already delivered to a
// target chat and holds tentative fingerprints until the send outcome is
// known.
package dedup

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
	"github.com/maypok86/otter"
)

// ImageLoader fetches the picture of a photo message for perceptual
// hashing.
type ImageLoader interface {
	LoadImage(ctx context.Context, msg *models.Message) (image.Image, error)
}

type Engine struct {
	store  Store
	loader ImageLoader
	global atomic.Pointer[models.DedupGlobalConfig]

	// signatures locked per (target, source chat, message) awaiting the
	// send outcome
	pending otter.Cache[string, []string]
	now     func() time.Time
}

func NewEngine(store Store, loader ImageLoader, cfg config.DedupConfig) *Engine {
	e := &Engine{
		store:   store,
		loader:  loader,
		pending: util.NewTTLCache[string, []string](100_000, time.Hour),
		now:     time.Now,
	}
	e.SetGlobal(models.DedupGlobalConfig{
		Enabled:           cfg.Enabled,
		TimeWindowHours:   cfg.TimeWindowHours,
		PHashThreshold:    cfg.PHashThreshold,
		EnableContentHash: true,
		EnablePHash:       loader != nil,
	})
	return e
}

func (e *Engine) SetGlobal(cfg models.DedupGlobalConfig) {
	e.global.Store(&cfg)
}

func (e *Engine) Global() models.DedupGlobalConfig {
	return *e.global.Load()
}

func pendingKey(target string, msg *models.Message) string {
	return target + "|" + strconv.FormatInt(msg.ChatID, 10) + "|" + strconv.FormatInt(msg.ID, 10)
}

func (e *Engine) window(cfg *models.RuleConfig, global models.DedupGlobalConfig) time.Time {
	hours := cfg.TimeWindowHours
	if hours == 0 {
		hours = global.TimeWindowHours
	}
	if hours <= 0 {
		return time.Time{}
	}
	return e.now().Add(-time.Duration(hours) * time.Hour)
}

// CheckAndLock reports whether msg was already delivered to target. When it
// was not, the fingerprint is recorded tentatively until Rollback or Commit.
// Store failures never block forwarding: they are logged and the message
// is treated as new.
func (e *Engine) CheckAndLock(ctx context.Context, target string, msg *models.Message, cfg *models.RuleConfig) (bool, string) {
	global := e.Global()
	if !global.Enabled || msg == nil {
		return false, ""
	}
	since := e.window(cfg, global)
	key := pendingKey(target, msg)

	var locked []string
	sig, kind := Fingerprint(msg, cfg.EnableContentHash || global.EnableContentHash)
	if sig != "" {
		dup, err := e.lock(ctx, target, sig, msg.ID, false, since)
		if err != nil {
			logx.Warnw(ctx, "dedup check failed, treating as new", "target", target, "signature", sig, "error", err)
			return false, ""
		}
		if dup {
			return true, "duplicate: " + kind
		}
		locked = append(locked, sig)
	}

	if msg.HasMedia() && msg.Media.Kind == models.MediaPhoto && e.loader != nil &&
		(cfg.EnableSmartSimilarity || global.EnablePHash) {
		threshold := cfg.SimilarityThreshold
		if threshold == 0 {
			threshold = global.PHashThreshold
		}
		dup, psig, err := e.checkSimilar(ctx, target, msg, threshold, since)
		switch {
		case err != nil:
			logx.Warnw(ctx, "perceptual dedup failed, skipping", "target", target, "error", err)
		case dup:
			e.release(ctx, target, locked)
			return true, "duplicate: " + KindSimilar
		case psig != "":
			locked = append(locked, psig)
		}
	}

	if len(locked) > 0 {
		e.pending.Set(key, locked)
	}
	return false, ""
}

// lock stores sig unless a record newer than since exists. A stale record
// is taken over in the same store operation.
func (e *Engine) lock(ctx context.Context, target, sig string, msgID int64, perceptual bool, since time.Time) (bool, error) {
	inserted, err := e.store.Insert(ctx, models.MediaSignature{
		ChatID:     target,
		Signature:  sig,
		Perceptual: perceptual,
		MessageID:  msgID,
		CreatedAt:  e.now(),
	}, since)
	if err != nil {
		return false, err
	}
	return !inserted, nil
}

func (e *Engine) checkSimilar(ctx context.Context, target string, msg *models.Message, threshold int, since time.Time) (bool, string, error) {
	img, err := e.loader.LoadImage(ctx, msg)
	if err != nil {
		return false, "", fmt.Errorf("load image: %w", err)
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return false, "", fmt.Errorf("perception hash: %w", err)
	}
	known, err := e.store.ListPerceptual(ctx, target, since)
	if err != nil {
		return false, "", fmt.Errorf("list perceptual: %w", err)
	}
	for _, k := range known {
		other, ok := parsePHash(k.Signature)
		if !ok {
			continue
		}
		dist, err := hash.Distance(other)
		if err == nil && dist <= threshold {
			return true, "", nil
		}
	}
	sig := formatPHash(hash)
	dup, err := e.lock(ctx, target, sig, msg.ID, true, since)
	if err != nil {
		return false, "", err
	}
	if dup {
		return true, "", nil
	}
	return false, sig, nil
}

func formatPHash(h *goimagehash.ImageHash) string {
	return fmt.Sprintf("phash:%016x", h.GetHash())
}

func parsePHash(sig string) (*goimagehash.ImageHash, bool) {
	const prefix = "phash:"
	if len(sig) <= len(prefix) || sig[:len(prefix)] != prefix {
		return nil, false
	}
	v, err := strconv.ParseUint(sig[len(prefix):], 16, 64)
	if err != nil {
		return nil, false
	}
	return goimagehash.NewImageHash(v, goimagehash.PHash), true
}

// Rollback removes the tentative fingerprints of msg for target. Calling
// it when nothing is locked is a no-op.
func (e *Engine) Rollback(ctx context.Context, target string, msg *models.Message) {
	if msg == nil {
		return
	}
	key := pendingKey(target, msg)
	sigs, ok := e.pending.Get(key)
	if !ok {
		return
	}
	e.pending.Delete(key)
	e.release(ctx, target, sigs)
}

// Commit makes the tentative fingerprints of msg for target permanent.
func (e *Engine) Commit(target string, msg *models.Message) {
	if msg == nil {
		return
	}
	e.pending.Delete(pendingKey(target, msg))
}

func (e *Engine) release(ctx context.Context, target string, sigs []string) {
	for _, sig := range sigs {
		if err := e.store.Delete(ctx, target, sig); err != nil {
			logx.Warnw(ctx, "dedup rollback failed", "target", target, "signature", sig, "error", err)
		}
	}
}

// Cleanup drops signatures older than the global time window.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	hours := e.Global().TimeWindowHours
	if hours <= 0 {
		return 0, nil
	}
	return e.store.DeleteOlderThan(ctx, e.now().Add(-time.Duration(hours)*time.Hour))
}
