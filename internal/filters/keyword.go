package filters

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudflare/ahocorasick"
	"github.com/maypok86/otter"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

// KeywordSet matches text against one list of keywords. Fixed patterns
// share a single automaton; regexes are case-insensitive.
type KeywordSet struct {
	matcher *ahocorasick.Matcher
	regexes []*regexp.Regexp
}

func NewKeywordSet(keywords []models.Keyword) *KeywordSet {
	set := &KeywordSet{}
	var fixed []string
	for _, k := range keywords {
		if k.Pattern == "" {
			continue
		}
		if !k.IsRegex {
			fixed = append(fixed, strings.ToLower(k.Pattern))
			continue
		}
		re, err := regexp.Compile("(?i)" + k.Pattern)
		if err != nil {
			logx.Warnw(context.Background(), "skip invalid keyword regex", "pattern", k.Pattern, "error", err)
			continue
		}
		set.regexes = append(set.regexes, re)
	}
	if len(fixed) > 0 {
		set.matcher = ahocorasick.NewStringMatcher(fixed)
	}
	return set
}

func (s *KeywordSet) Empty() bool {
	return s == nil || (s.matcher == nil && len(s.regexes) == 0)
}

// Match reports whether any keyword occurs in text. Empty text or an empty
// set never matches.
func (s *KeywordSet) Match(text string) bool {
	if s.Empty() || text == "" {
		return false
	}
	for _, re := range s.regexes {
		if re.MatchString(text) {
			return true
		}
	}
	if s.matcher != nil {
		return len(s.matcher.Match([]byte(strings.ToLower(text)))) > 0
	}
	return false
}

type ruleMatchers struct {
	white *KeywordSet
	black *KeywordSet
}

// MatcherCache keeps compiled keyword sets per rule. The key includes a
// digest of the keywords so edits never hit a stale automaton.
type MatcherCache struct {
	cache otter.Cache[string, *ruleMatchers]
}

func NewMatcherCache(capacity int) *MatcherCache {
	return &MatcherCache{cache: util.NewTTLCache[string, *ruleMatchers](capacity, 0)}
}

func (m *MatcherCache) get(rule *models.ForwardRule) *ruleMatchers {
	key := matcherKey(rule)
	if rm, ok := m.cache.Get(key); ok {
		return rm
	}
	var white, black []models.Keyword
	for _, k := range rule.Keywords {
		if k.IsBlacklist {
			black = append(black, k)
		} else {
			white = append(white, k)
		}
	}
	rm := &ruleMatchers{white: NewKeywordSet(white), black: NewKeywordSet(black)}
	m.cache.Set(key, rm)
	return rm
}

func matcherKey(rule *models.ForwardRule) string {
	h := sha1.New()
	for _, k := range rule.Keywords {
		h.Write([]byte(k.Pattern))
		h.Write([]byte{0, boolByte(k.IsRegex), boolByte(k.IsBlacklist)})
	}
	return strconv.FormatInt(rule.ID, 10) + ":" + hex.EncodeToString(h.Sum(nil))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// keywordFilter checks the required sender and then the rule's keyword
// mode.
type keywordFilter struct {
	matchers *MatcherCache
}

func (keywordFilter) Name() string { return StageKeyword }

func (f *keywordFilter) Process(ctx context.Context, fc *Context) (bool, error) {
	cfg := &fc.Rule.Config
	if !senderAllowed(cfg, fc.Message) {
		fc.Fail("sender mismatch")
		return false, nil
	}

	text := fc.Text
	if fc.Message.HasMedia() && fc.Message.Media.FileName != "" && !strings.Contains(text, fc.Message.Media.FileName) {
		if text == "" {
			text = fc.Message.Media.FileName
		} else {
			text += "\n" + fc.Message.Media.FileName
		}
	}

	rm := f.matchers.get(fc.Rule)
	if !EvaluateKeywords(cfg, rm.white, rm.black, text) {
		fc.Fail("keyword blocked")
		return false, nil
	}
	return true, nil
}

func senderAllowed(cfg *models.RuleConfig, msg *models.Message) bool {
	if cfg.RequiredSenderID != "" && cfg.RequiredSenderID != msg.SenderID {
		return false
	}
	if cfg.RequiredSenderRegex != "" {
		re, err := regexp.Compile("(?i)" + cfg.RequiredSenderRegex)
		if err != nil || !re.MatchString(msg.SenderName) {
			return false
		}
	}
	return true
}

// EvaluateKeywords applies the forward mode. In whitelist mode the reverse
// blacklist flag turns the blacklist into a veto over whitelist hits; in
// blacklist mode the reverse whitelist flag exempts blacklist hits that
// also match the whitelist. An empty mode behaves as blacklist.
func EvaluateKeywords(cfg *models.RuleConfig, white, black *KeywordSet, text string) bool {
	switch cfg.ForwardMode {
	case models.ModeWhitelist:
		if !white.Match(text) {
			return false
		}
		if cfg.EnableReverseBlacklist && black.Match(text) {
			return false
		}
		return true

	case models.ModeWhitelistThenBlacklist:
		return white.Match(text) && !black.Match(text)

	case models.ModeBlacklistThenWhitelist:
		if black.Match(text) {
			return cfg.EnableReverseWhitelist && white.Match(text)
		}
		if cfg.EnableReverseWhitelist {
			return true
		}
		return white.Match(text)

	default:
		if black.Match(text) {
			return cfg.EnableReverseWhitelist && white.Match(text)
		}
		return true
	}
}
