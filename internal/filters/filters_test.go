package filters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform/platformtest"
	"github.com/kellyson520/tg-forwarder/internal/sender"
	"github.com/kellyson520/tg-forwarder/pkg/tmplx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

func testRule(cfg models.RuleConfig, keywords ...models.Keyword) *models.ForwardRule {
	cfg.EnableRule = true
	return &models.ForwardRule{
		ID:           1,
		SourceChatID: "111",
		TargetChatID: "222",
		Config:       cfg,
		Keywords:     keywords,
	}
}

func textContext(rule *models.ForwardRule, text string) *Context {
	msg := &models.Message{ID: 100, ChatID: 111, Text: text, Date: time.Now()}
	return NewContext(nil, rule, 111, []*models.Message{msg})
}

func mediaContext(rule *models.ForwardRule, text string, media ...*models.Media) *Context {
	group := make([]*models.Message, 0, len(media))
	for i, md := range media {
		m := &models.Message{ID: int64(100 + i), ChatID: 111, Media: md, Date: time.Now()}
		if len(media) > 1 {
			m.GroupedID = "7"
		}
		if i == 0 {
			m.Text = text
		}
		group = append(group, m)
	}
	return NewContext(nil, rule, 111, group)
}

func TestRegistryOrderAndValidate(t *testing.T) {
	t.Parallel()
	r := DefaultRegistry(Deps{})

	assert.Equal(t, defaultOrder, r.Names())
	assert.Equal(t,
		[]string{StageInit, StageKeyword, StageSender, StageReply, "custom"},
		r.Order([]string{StageReply, "custom", StageSender, StageKeyword, StageInit, StageKeyword}))

	unknown, missing := r.Validate([]string{StageInit, StageReply, "nope"})
	assert.Equal(t, []string{"nope"}, unknown)
	assert.Equal(t, []string{"reply->sender"}, missing)

	unknown, missing = r.Validate([]string{StageSender, StageReply, StageDeleteOriginal})
	assert.Empty(t, unknown)
	assert.Empty(t, missing)

	require.Error(t, r.Register(StageInit, func() Filter { return aiFilter{} }))
}

func TestFactoryStages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  models.RuleConfig
		want []string
	}{
		{
			name: "derived minimal",
			want: []string{StageInit, StageGlobal, StageKeyword, StageReplace, StageInfo, StageSender},
		},
		{
			name: "derived from flags",
			cfg: models.RuleConfig{
				EnableDelay:           true,
				EnableMediaSizeFilter: true,
				EnableDurationFilter:  true,
				IsAI:                  true,
				EnablePush:            true,
				IsDeleteOriginal:      true,
				EnableReplySync:       true,
			},
			want: []string{
				StageInit, StageGlobal, StageDelay, StageKeyword, StageReplace, StageMedia,
				StageAdvancedMedia, StageAI, StageInfo, StageSender, StageReply, StagePush, StageDeleteOriginal,
			},
		},
		{
			name: "explicit list is reordered",
			cfg:  models.RuleConfig{EnabledFilters: `["sender","keyword","init"]`},
			want: []string{StageInit, StageKeyword, StageSender},
		},
		{
			name: "explicit object form",
			cfg:  models.RuleConfig{EnabledFilters: `{"filters":["keyword","sender","delete_original"]}`},
			want: []string{StageKeyword, StageSender, StageDeleteOriginal},
		},
		{
			name: "missing dependency falls back to derived set",
			cfg:  models.RuleConfig{EnabledFilters: `["keyword","reply"]`, IsAI: true},
			want: []string{StageInit, StageGlobal, StageKeyword, StageReplace, StageAI, StageInfo, StageSender},
		},
		{
			name: "unknown stage falls back to derived set",
			cfg:  models.RuleConfig{EnabledFilters: `["keyword","bogus"]`},
			want: []string{StageInit, StageGlobal, StageKeyword, StageReplace, StageInfo, StageSender},
		},
		{
			name: "unparseable list falls back to derived set",
			cfg:  models.RuleConfig{EnabledFilters: `{not json`},
			want: []string{StageInit, StageGlobal, StageKeyword, StageReplace, StageInfo, StageSender},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, err := NewFactory(DefaultRegistry(Deps{}), time.Second)
			require.NoError(t, err)
			rule := testRule(tt.cfg)
			assert.Equal(t, tt.want, f.StagesFor(t.Context(), rule))
			assert.Equal(t, tt.want, f.ChainFor(t.Context(), rule).Names())
		})
	}
}

type configStore map[string]string

func (s configStore) Get(_ context.Context, key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", models.ErrNotFound
	}
	return v, nil
}

func TestFactoryGlobalDisabled(t *testing.T) {
	t.Parallel()
	f, err := NewFactory(DefaultRegistry(Deps{}), time.Second)
	require.NoError(t, err)
	rule := testRule(models.RuleConfig{})

	before := f.ChainFor(t.Context(), rule)
	assert.Same(t, before, f.ChainFor(t.Context(), rule))
	assert.Contains(t, before.Names(), StageGlobal)

	require.NoError(t, f.LoadGlobalDisabled(t.Context(), configStore{
		models.ConfigKeyFiltersGlobalDisabled: `["global","info"]`,
	}))
	assert.Equal(t, []string{StageGlobal, StageInfo}, f.GlobalDisabled())

	after := f.ChainFor(t.Context(), rule)
	assert.NotSame(t, before, after)
	assert.Equal(t, []string{StageInit, StageKeyword, StageReplace, StageSender}, after.Names())

	require.NoError(t, f.LoadGlobalDisabled(t.Context(), configStore{}))
}

func TestKeywordModes(t *testing.T) {
	t.Parallel()
	apple := models.Keyword{Pattern: "apple"}
	bad := models.Keyword{Pattern: "bad", IsBlacklist: true}

	tests := []struct {
		name     string
		cfg      models.RuleConfig
		keywords []models.Keyword
		text     string
		want     bool
	}{
		{"whitelist reverse blacklist good apple", models.RuleConfig{ForwardMode: models.ModeWhitelist, EnableReverseBlacklist: true}, []models.Keyword{apple, bad}, "good apple", true},
		{"whitelist reverse blacklist bad apple", models.RuleConfig{ForwardMode: models.ModeWhitelist, EnableReverseBlacklist: true}, []models.Keyword{apple, bad}, "bad apple", false},
		{"whitelist reverse blacklist orange", models.RuleConfig{ForwardMode: models.ModeWhitelist, EnableReverseBlacklist: true}, []models.Keyword{apple, bad}, "orange", false},
		{"whitelist ignores blacklist without reverse", models.RuleConfig{ForwardMode: models.ModeWhitelist}, []models.Keyword{apple, bad}, "bad apple", true},
		{"whitelist is case insensitive", models.RuleConfig{ForwardMode: models.ModeWhitelist}, []models.Keyword{apple}, "APPLE pie", true},
		{"empty whitelist blocks all", models.RuleConfig{ForwardMode: models.ModeWhitelist}, nil, "anything", false},
		{"empty blacklist passes all", models.RuleConfig{ForwardMode: models.ModeBlacklist}, nil, "anything", true},
		{"blacklist hit", models.RuleConfig{ForwardMode: models.ModeBlacklist}, []models.Keyword{apple, bad}, "bad apple", false},
		{"blacklist reverse whitelist exempts", models.RuleConfig{ForwardMode: models.ModeBlacklist, EnableReverseWhitelist: true}, []models.Keyword{apple, bad}, "bad apple", true},
		{"blacklist reverse whitelist without whitelist hit", models.RuleConfig{ForwardMode: models.ModeBlacklist, EnableReverseWhitelist: true}, []models.Keyword{apple, bad}, "bad pear", false},
		{"blacklist ignores reverse blacklist", models.RuleConfig{ForwardMode: models.ModeBlacklist, EnableReverseBlacklist: true}, []models.Keyword{apple, bad}, "good pear", true},
		{"empty mode behaves as blacklist", models.RuleConfig{}, []models.Keyword{bad}, "bad day", false},
		{"whitelist then blacklist pass", models.RuleConfig{ForwardMode: models.ModeWhitelistThenBlacklist}, []models.Keyword{apple, bad}, "good apple", true},
		{"whitelist then blacklist veto", models.RuleConfig{ForwardMode: models.ModeWhitelistThenBlacklist}, []models.Keyword{apple, bad}, "bad apple", false},
		{"blacklist then whitelist needs whitelist", models.RuleConfig{ForwardMode: models.ModeBlacklistThenWhitelist}, []models.Keyword{apple, bad}, "orange", false},
		{"blacklist then whitelist reverse passes", models.RuleConfig{ForwardMode: models.ModeBlacklistThenWhitelist, EnableReverseWhitelist: true}, []models.Keyword{apple, bad}, "orange", true},
		{"regex is case insensitive", models.RuleConfig{ForwardMode: models.ModeWhitelist}, []models.Keyword{{Pattern: `^price:\s*\d+`, IsRegex: true}}, "PRICE: 42", true},
		{"invalid regex never matches", models.RuleConfig{ForwardMode: models.ModeWhitelist}, []models.Keyword{{Pattern: `(`, IsRegex: true}}, "(", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := &keywordFilter{matchers: NewMatcherCache(16)}
			fc := textContext(testRule(tt.cfg, tt.keywords...), tt.text)
			ok, err := f.Process(t.Context(), fc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			if !ok {
				assert.Equal(t, "keyword blocked", fc.Reason())
			}
		})
	}
}

func TestKeywordMatchesFileName(t *testing.T) {
	t.Parallel()
	f := &keywordFilter{matchers: NewMatcherCache(16)}
	rule := testRule(models.RuleConfig{ForwardMode: models.ModeWhitelist}, models.Keyword{Pattern: "invoice"})
	fc := mediaContext(rule, "", &models.Media{Kind: models.MediaDocument, FileName: "Invoice-2024.pdf"})

	ok, err := f.Process(t.Context(), fc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeywordRequiredSender(t *testing.T) {
	t.Parallel()
	f := &keywordFilter{matchers: NewMatcherCache(16)}

	rule := testRule(models.RuleConfig{RequiredSenderID: "42"})
	fc := textContext(rule, "hi")
	fc.Message.SenderID = "7"
	ok, _ := f.Process(t.Context(), fc)
	assert.False(t, ok)
	assert.Equal(t, "sender mismatch", fc.Reason())

	rule = testRule(models.RuleConfig{RequiredSenderRegex: "^alice"})
	fc = textContext(rule, "hi")
	fc.Message.SenderName = "ALICE Smith"
	ok, _ = f.Process(t.Context(), fc)
	assert.True(t, ok)

	rule = testRule(models.RuleConfig{RequiredSenderRegex: "("})
	fc = textContext(rule, "hi")
	ok, _ = f.Process(t.Context(), fc)
	assert.False(t, ok)
}

func TestKeywordMatcherFollowsEdits(t *testing.T) {
	t.Parallel()
	f := &keywordFilter{matchers: NewMatcherCache(16)}
	rule := testRule(models.RuleConfig{ForwardMode: models.ModeWhitelist}, models.Keyword{Pattern: "apple"})

	ok, _ := f.Process(t.Context(), textContext(rule, "pear"))
	assert.False(t, ok)

	rule.Keywords = []models.Keyword{{Pattern: "pear"}}
	ok, _ = f.Process(t.Context(), textContext(rule, "pear"))
	assert.True(t, ok)
}

func TestReplace(t *testing.T) {
	t.Parallel()
	rules := []models.ReplaceRule{
		{Pattern: `(\d+) USD`, Content: `\1 dollars`},
		{Pattern: "[", Content: "("},
	}
	assert.Equal(t, "costs 5 dollars (x]", ApplyReplacements("costs 5 USD [x]", rules))
	assert.Equal(t, "all new", ApplyReplacements("anything", []models.ReplaceRule{{Pattern: ".*", Content: "all new"}}))

	rule := testRule(models.RuleConfig{}, models.Keyword{Pattern: "x"})
	rule.ReplaceRules = rules
	fc := textContext(rule, "5 USD")
	ok, err := replaceFilter{}.Process(t.Context(), fc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5 USD", fc.Text, "disabled replacement leaves text")

	rule.Config.IsReplace = true
	ok, _ = replaceFilter{}.Process(t.Context(), fc)
	assert.True(t, ok)
	assert.Equal(t, "5 dollars", fc.Text)
}

func TestMediaSizeThreshold(t *testing.T) {
	t.Parallel()
	cfg := models.RuleConfig{EnableMediaSizeFilter: true, MaxMediaSize: 1}

	fc := mediaContext(testRule(cfg), "", &models.Media{Kind: models.MediaVideo, Size: mb})
	ok, err := mediaFilter{}.Process(t.Context(), fc)
	require.NoError(t, err)
	assert.True(t, ok, "exactly at threshold passes")
	assert.Len(t, fc.Selected, 1)

	fc = mediaContext(testRule(cfg), "", &models.Media{Kind: models.MediaVideo, Size: mb + 1})
	ok, _ = mediaFilter{}.Process(t.Context(), fc)
	assert.False(t, ok, "just above rejects")
	assert.Equal(t, "media: file too large", fc.Reason())

	cfg.MediaAllowText = true
	fc = mediaContext(testRule(cfg), "caption", &models.Media{Kind: models.MediaVideo, Size: 2 * mb})
	ok, _ = mediaFilter{}.Process(t.Context(), fc)
	assert.True(t, ok)
	assert.True(t, fc.MediaBlocked)

	cfg.MediaAllowText = false
	cfg.IsSendOverMediaSizeMessage = true
	fc = mediaContext(testRule(cfg), "", &models.Media{Kind: models.MediaVideo, Size: 2 * mb, FileName: "big.mp4"})
	ok, _ = mediaFilter{}.Process(t.Context(), fc)
	require.True(t, ok)
	ok, _ = senderFilter{}.Process(t.Context(), fc)
	require.True(t, ok)
	assert.Equal(t, sender.ModeCopy, fc.Plan.Mode)
	assert.Empty(t, fc.Plan.Messages)
	assert.Contains(t, fc.Plan.Text, "big.mp4 too large")
}

func TestMediaTypeAndExtension(t *testing.T) {
	t.Parallel()

	rule := testRule(models.RuleConfig{EnableMediaTypeFilter: true})
	rule.MediaTypes = models.MediaTypes{Photo: true}
	fc := mediaContext(rule, "",
		&models.Media{Kind: models.MediaPhoto},
		&models.Media{Kind: models.MediaVideo},
	)
	ok, _ := mediaFilter{}.Process(t.Context(), fc)
	assert.True(t, ok)
	require.Len(t, fc.Selected, 1)
	assert.Equal(t, models.MediaVideo, fc.Selected[0].Media.Kind)

	fc = mediaContext(rule, "", &models.Media{Kind: models.MediaPhoto})
	ok, _ = mediaFilter{}.Process(t.Context(), fc)
	assert.False(t, ok)

	white := models.RuleConfig{EnableExtensionFilter: true, ExtensionFilterMode: "whitelist", MediaExtensions: []string{"PDF", ".zip"}}
	black := models.RuleConfig{EnableExtensionFilter: true, ExtensionFilterMode: "blacklist", MediaExtensions: []string{"exe"}}
	doc := func(name string) *models.Message {
		return &models.Message{Media: &models.Media{Kind: models.MediaDocument, FileName: name}}
	}
	assert.True(t, ExtensionAllowed(&white, doc("a.b.pdf")))
	assert.True(t, ExtensionAllowed(&white, doc("archive.ZIP")))
	assert.False(t, ExtensionAllowed(&white, doc("noext")))
	assert.False(t, ExtensionAllowed(&black, doc("setup.EXE")))
	assert.True(t, ExtensionAllowed(&black, doc("setup.msi")))
	assert.True(t, ExtensionAllowed(&white, &models.Message{Media: &models.Media{Kind: models.MediaPhoto}}))
}

func TestAdvancedMedia(t *testing.T) {
	t.Parallel()
	cfg := models.RuleConfig{
		EnableDurationFilter:   true,
		MinDuration:            10,
		EnableResolutionFilter: true,
		MinWidth:               640,
		EnableFileSizeRange:    true,
		MaxFileSize:            100,
	}
	tests := []struct {
		name  string
		media *models.Media
		want  bool
	}{
		{"missing attributes pass", &models.Media{Kind: models.MediaVideo}, true},
		{"short video", &models.Media{Kind: models.MediaVideo, Duration: 5}, false},
		{"duration ignored for documents", &models.Media{Kind: models.MediaDocument, Duration: 5}, true},
		{"narrow photo", &models.Media{Kind: models.MediaPhoto, Width: 320, Height: 240}, false},
		{"large file", &models.Media{Kind: models.MediaDocument, Size: 200 * 1024}, false},
		{"within range", &models.Media{Kind: models.MediaVideo, Duration: 20, Width: 1280, Height: 720, Size: 50 * 1024}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fc := mediaContext(testRule(cfg), "", tt.media)
			ok, err := advancedMediaFilter{}.Process(t.Context(), fc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestGlobalFilter(t *testing.T) {
	t.Parallel()
	noEmoji := &globalFilter{settings: StaticSettings{AllowText: true}}

	ok, _ := noEmoji.Process(t.Context(), textContext(testRule(models.RuleConfig{}), " 😀🎉 \n"))
	assert.False(t, ok)
	ok, _ = noEmoji.Process(t.Context(), textContext(testRule(models.RuleConfig{}), "hi 😀"))
	assert.True(t, ok)

	noText := &globalFilter{settings: StaticSettings{AllowEmoji: true}}
	ok, _ = noText.Process(t.Context(), textContext(testRule(models.RuleConfig{}), "hello"))
	assert.False(t, ok)

	noPhotos := &globalFilter{settings: StaticSettings{AllowText: true, AllowEmoji: true, BlockedMedia: []models.MediaKind{models.MediaPhoto}}}
	fc := mediaContext(testRule(models.RuleConfig{}), "caption", &models.Media{Kind: models.MediaPhoto})
	ok, _ = noPhotos.Process(t.Context(), fc)
	assert.True(t, ok)
	assert.True(t, fc.MediaBlocked)

	ok, _ = noPhotos.Process(t.Context(), mediaContext(testRule(models.RuleConfig{}), "", &models.Media{Kind: models.MediaPhoto}))
	assert.False(t, ok)
}

func TestDelayReschedulesThenRefreshes(t *testing.T) {
	t.Parallel()
	client := platformtest.New()
	now := time.Now()
	rule := testRule(models.RuleConfig{EnableDelay: true, DelaySeconds: 60})

	msg := &models.Message{ID: 100, ChatID: 111, Text: "draft", Date: now.Add(-20 * time.Second)}
	fc := NewContext(client, rule, 111, []*models.Message{msg})
	fc.Now = func() time.Time { return now }

	_, err := delayFilter{}.Process(t.Context(), fc)
	var rs *RescheduleError
	require.ErrorAs(t, err, &rs)
	assert.Equal(t, 40*time.Second, rs.Delay)

	client.AddMessages(&models.Message{ID: 100, ChatID: 111, Text: "final", Date: msg.Date})
	fc.Now = func() time.Time { return now.Add(time.Minute) }
	ok, err := delayFilter{}.Process(t.Context(), fc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "final", fc.Text)
	assert.Equal(t, "draft", msg.Text, "shared message is not mutated")
}

type slowFilter struct{ wait time.Duration }

func (slowFilter) Name() string { return "slow" }

func (f slowFilter) Process(ctx context.Context, _ *Context) (bool, error) {
	select {
	case <-time.After(f.wait):
		return true, nil
	case <-ctx.Done():
		return true, nil
	}
}

type panicFilter struct{}

func (panicFilter) Name() string { return "panic" }

func (panicFilter) Process(context.Context, *Context) (bool, error) { panic("boom") }

type rescheduleFilter struct{}

func (rescheduleFilter) Name() string { return "later" }

func (rescheduleFilter) Process(context.Context, *Context) (bool, error) {
	return false, &RescheduleError{Delay: 3 * time.Second}
}

func TestChainFailuresBlockOnlyTheRule(t *testing.T) {
	t.Parallel()

	fc := textContext(testRule(models.RuleConfig{}), "x")
	ok, err := NewChain(20*time.Millisecond, slowFilter{wait: time.Second}, senderFilter{}).Process(t.Context(), fc)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, fc.Reason(), "timed out")
	assert.Nil(t, fc.Plan)

	fc = textContext(testRule(models.RuleConfig{}), "x")
	ok, err = NewChain(time.Second, panicFilter{}).Process(t.Context(), fc)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, fc.Reason(), "panic: boom")

	fc = textContext(testRule(models.RuleConfig{}), "x")
	_, err = NewChain(time.Second, rescheduleFilter{}).Process(t.Context(), fc)
	var rs *RescheduleError
	require.True(t, errors.As(err, &rs))
}

func TestChainSimulationTrace(t *testing.T) {
	t.Parallel()
	fc := textContext(testRule(models.RuleConfig{ForwardMode: models.ModeWhitelist}), "x")
	fc.Sim = true
	ok, err := NewChain(time.Second, replaceFilter{}, &keywordFilter{matchers: NewMatcherCache(4)}, senderFilter{}).Process(t.Context(), fc)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"Filter:replace PASS", "Filter:keyword BLOCK"}, fc.Trace)
}

func TestSenderPlan(t *testing.T) {
	t.Parallel()

	fc := textContext(testRule(models.RuleConfig{}), "Hello World")
	ok, _ := senderFilter{}.Process(t.Context(), fc)
	require.True(t, ok)
	assert.Equal(t, sender.ModeForward, fc.Plan.Mode)
	assert.Equal(t, int64(222), fc.Plan.TargetID)
	assert.Equal(t, []int64{100}, fc.Plan.MessageIDs())

	fc = textContext(testRule(models.RuleConfig{}), "Hello World")
	fc.Text = "Hello there"
	ok, _ = senderFilter{}.Process(t.Context(), fc)
	require.True(t, ok)
	assert.Equal(t, sender.ModeCopy, fc.Plan.Mode)
	assert.Equal(t, "Hello there", fc.Plan.Text)

	fc = textContext(testRule(models.RuleConfig{ForcePureForward: true, IsReplace: true}), "Hello World")
	fc.Text = "Hello there"
	ok, _ = senderFilter{}.Process(t.Context(), fc)
	require.True(t, ok)
	assert.Equal(t, sender.ModeForward, fc.Plan.Mode, "force_pure_forward wins over replacement")

	fc = mediaContext(testRule(models.RuleConfig{}), "album",
		&models.Media{Kind: models.MediaPhoto}, &models.Media{Kind: models.MediaPhoto},
		&models.Media{Kind: models.MediaPhoto}, &models.Media{Kind: models.MediaPhoto})
	fc.Header = "From: x\n"
	ok, _ = senderFilter{}.Process(t.Context(), fc)
	require.True(t, ok)
	assert.Equal(t, sender.ModeCopy, fc.Plan.Mode)
	assert.Len(t, fc.Plan.Media(), 4)
	assert.Equal(t, "From: x\nalbum", fc.Plan.Text)
}

func TestInfoAndButtons(t *testing.T) {
	t.Parallel()
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rule := testRule(models.RuleConfig{IsOriginalSender: true, IsOriginalLink: true, IsOriginalTime: true})
	msg := &models.Message{ID: 5, ChatID: -1001234, ChatUsername: "news", SenderName: "Bob", Text: "body", Date: date}
	fc := NewContext(nil, rule, msg.ChatID, []*models.Message{msg})

	f := &infoFilter{templates: util.NewTTLCache[string, *tmplx.Template](4, 0)}
	_, err := f.Process(t.Context(), fc)
	require.NoError(t, err)
	_, _ = commentButtonFilter{}.Process(t.Context(), fc)

	assert.Equal(t, "Bob:\nbody\n\nhttps://t.me/news/5\n2024-05-01 12:00:00", fc.FinalText())
	require.Len(t, fc.Buttons, 1)
	assert.Equal(t, "https://t.me/news/5?comment=1", fc.Buttons[0].URL)

	rule.Config.InfoTemplate = "[{{.ChatTitle | default \"src\"}}] {{.SenderName}}: "
	fc = NewContext(nil, rule, msg.ChatID, []*models.Message{msg})
	_, err = f.Process(t.Context(), fc)
	require.NoError(t, err)
	assert.Equal(t, "[src] Bob: ", fc.Header)

	rule.Config.InfoTemplate = "**{name}** @ {time}\n"
	fc = NewContext(nil, rule, msg.ChatID, []*models.Message{msg})
	_, err = f.Process(t.Context(), fc)
	require.NoError(t, err)
	assert.Equal(t, "**Bob** @ 2024-05-01 12:00:00\n", fc.Header)

	msg2 := &models.Message{ID: 9, ChatID: -1001234}
	assert.Equal(t, "https://t.me/c/1234/9", MessageLink(msg2))
}

type recordingBus struct {
	events []models.EventType
	data   []any
}

func (b *recordingBus) Publish(_ context.Context, event models.EventType, data any, _ bool) {
	b.events = append(b.events, event)
	b.data = append(b.data, data)
}

func TestRSSAndEditStopForwarding(t *testing.T) {
	t.Parallel()
	bus := &recordingBus{}
	fc := textContext(testRule(models.RuleConfig{OnlyRSS: true}), "feed me")
	ok, _ := (&rssFilter{bus: bus}).Process(t.Context(), fc)
	assert.False(t, ok)
	require.Equal(t, []models.EventType{models.EventRSSEntry}, bus.events)
	assert.Equal(t, "feed me", bus.data[0].(models.RSSEntry).Text)

	client := platformtest.New()
	rule := testRule(models.RuleConfig{HandleMode: models.HandleEdit})
	msg := &models.Message{ID: 100, ChatID: 111, Text: "raw"}
	fc = NewContext(client, rule, 111, []*models.Message{msg})
	fc.Text = "clean"
	ok, err := editFilter{}.Process(t.Context(), fc)
	require.NoError(t, err)
	assert.False(t, ok)
	calls := client.Calls(platformtest.MethodEdit)
	require.Len(t, calls, 1)
	assert.Equal(t, "clean", calls[0].Text)
}

type replies map[int64]int64

func (r replies) Lookup(_, _, msgID int64) (int64, bool) {
	v, ok := r[msgID]
	return v, ok
}

func TestReplyMapsThread(t *testing.T) {
	t.Parallel()
	fc := textContext(testRule(models.RuleConfig{}), "answer")
	fc.Message.ReplyToID = 90
	_, _ = senderFilter{}.Process(t.Context(), fc)
	require.Equal(t, sender.ModeForward, fc.Plan.Mode)

	ok, _ := (&replyFilter{index: replies{90: 5001}}).Process(t.Context(), fc)
	assert.True(t, ok)
	assert.Equal(t, sender.ModeCopy, fc.Plan.Mode)
	assert.Equal(t, int64(5001), fc.Plan.Options.ReplyToID)
}

func TestPushNoticeIsPostedByPusher(t *testing.T) {
	t.Parallel()
	var got PushPayload
	hits := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		}
		hits <- struct{}{}
		if r.URL.Path != "/ok" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)

	fc := textContext(testRule(models.RuleConfig{EnablePush: true, PushURLs: []string{srv.URL + "/ok", srv.URL + "/bad"}}), "hello")
	ok, err := pushFilter{}.Process(t.Context(), fc)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotNil(t, fc.Push)
	assert.Empty(t, hits, "the stage itself posts nothing")

	NewPusher(resty.New()).Notify(t.Context(), fc.Push)
	assert.Len(t, hits, 2, "a rejected url does not stop the others")
	assert.Equal(t, int64(1), got.RuleID)
	assert.Equal(t, int64(100), got.MessageID)
	assert.Equal(t, "hello", got.Text)

	fc = textContext(testRule(models.RuleConfig{}), "hello")
	_, _ = pushFilter{}.Process(t.Context(), fc)
	assert.Nil(t, fc.Push)
}
