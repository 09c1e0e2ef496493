package filters

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"github.com/kellyson520/tg-forwarder/internal/models"
)

// replaceFilter rewrites the text with the rule's replacement rules. A
// pattern of ".*" replaces the whole text.
type replaceFilter struct{}

func (replaceFilter) Name() string { return StageReplace }

var pyGroupRef = regexp.MustCompile(`\\(\d+)`)

func (replaceFilter) Process(_ context.Context, fc *Context) (bool, error) {
	if !fc.Rule.Config.IsReplace || len(fc.Rule.ReplaceRules) == 0 || fc.Text == "" {
		return true, nil
	}
	fc.Text = ApplyReplacements(fc.Text, fc.Rule.ReplaceRules)
	return true, nil
}

// ApplyReplacements runs every rule in order. Invalid regexes fall back to
// literal replacement; \N group references are accepted.
func ApplyReplacements(text string, rules []models.ReplaceRule) string {
	for _, r := range rules {
		if r.Pattern == ".*" {
			text = r.Content
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			text = strings.ReplaceAll(text, r.Pattern, r.Content)
			continue
		}
		text = re.ReplaceAllString(text, pyGroupRef.ReplaceAllString(r.Content, `$${$1}`))
	}
	return text
}

const mb = 1024 * 1024

// mediaFilter applies media type, extension and size limits.
type mediaFilter struct{}

func (mediaFilter) Name() string { return StageMedia }

func (mediaFilter) Process(_ context.Context, fc *Context) (bool, error) {
	cfg := &fc.Rule.Config
	if len(fc.Selected) == 0 || !cfg.HasMediaFilters() {
		return true, nil
	}

	var kept, oversized []*models.Message
	blocked := 0
	for _, m := range fc.Selected {
		if cfg.EnableMediaTypeFilter && fc.Rule.MediaTypes.Blocks(m.Media.Kind) {
			blocked++
			continue
		}
		if cfg.EnableExtensionFilter && !ExtensionAllowed(cfg, m) {
			blocked++
			continue
		}
		if cfg.EnableMediaSizeFilter && cfg.MaxMediaSize > 0 && float64(m.Media.Size) > cfg.MaxMediaSize*mb {
			oversized = append(oversized, m)
			continue
		}
		kept = append(kept, m)
	}
	fc.Selected = kept
	fc.Oversized = append(fc.Oversized, oversized...)
	if len(kept) > 0 {
		return true, nil
	}

	switch {
	case len(oversized) > 0 && cfg.IsSendOverMediaSizeMessage:
		return true, nil
	case cfg.MediaAllowText && fc.Text != "":
		fc.MediaBlocked = true
		return true, nil
	case len(oversized) > 0 && blocked == 0:
		fc.Fail("media: file too large")
	default:
		fc.Fail("media: all media blocked")
	}
	return false, nil
}

// ExtensionAllowed applies the extension whitelist or blacklist. Media
// without a file name is not subject to it.
func ExtensionAllowed(cfg *models.RuleConfig, m *models.Message) bool {
	ext := m.FileExtension()
	if m.Media.FileName == "" {
		return true
	}
	listed := slices.ContainsFunc(cfg.MediaExtensions, func(e string) bool {
		return strings.ToLower(strings.TrimPrefix(e, ".")) == ext
	})
	if cfg.ExtensionFilterMode == "whitelist" {
		return listed
	}
	return !listed
}

// advancedMediaFilter checks duration, resolution and size range. Media
// that does not report an attribute passes that check.
type advancedMediaFilter struct{}

func (advancedMediaFilter) Name() string { return StageAdvancedMedia }

func (advancedMediaFilter) Process(_ context.Context, fc *Context) (bool, error) {
	cfg := &fc.Rule.Config
	if len(fc.Selected) == 0 || !cfg.HasAdvancedMediaFilters() {
		return true, nil
	}
	var reason string
	kept := fc.Selected[:0:0]
	for _, m := range fc.Selected {
		if r := checkAdvanced(cfg, m.Media); r != "" {
			reason = r
			continue
		}
		kept = append(kept, m)
	}
	fc.Selected = kept
	if len(kept) == 0 {
		fc.Fail("advanced media: %s", reason)
		return false, nil
	}
	return true, nil
}

func checkAdvanced(cfg *models.RuleConfig, md *models.Media) string {
	if cfg.EnableDurationFilter && hasDuration(md.Kind) && md.Duration > 0 {
		if cfg.MinDuration > 0 && md.Duration < cfg.MinDuration {
			return "duration below minimum"
		}
		if cfg.MaxDuration > 0 && md.Duration > cfg.MaxDuration {
			return "duration above maximum"
		}
	}
	if cfg.EnableResolutionFilter && md.Width > 0 && md.Height > 0 {
		switch {
		case cfg.MinWidth > 0 && md.Width < cfg.MinWidth,
			cfg.MaxWidth > 0 && md.Width > cfg.MaxWidth,
			cfg.MinHeight > 0 && md.Height < cfg.MinHeight,
			cfg.MaxHeight > 0 && md.Height > cfg.MaxHeight:
			return "resolution out of range"
		}
	}
	if cfg.EnableFileSizeRange && md.Size > 0 {
		kb := md.Size / 1024
		if cfg.MinFileSize > 0 && kb < cfg.MinFileSize {
			return "file below minimum size"
		}
		if cfg.MaxFileSize > 0 && kb > cfg.MaxFileSize {
			return "file above maximum size"
		}
	}
	return ""
}

func hasDuration(kind models.MediaKind) bool {
	switch kind {
	case models.MediaAudio, models.MediaVideo, models.MediaVoice, models.MediaAnimation:
		return true
	}
	return false
}
