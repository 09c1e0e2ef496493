package middlewares

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/dedup"
	"github.com/kellyson520/tg-forwarder/internal/eventbus"
	"github.com/kellyson520/tg-forwarder/internal/filters"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/pipeline"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/internal/platform/platformtest"
	"github.com/kellyson520/tg-forwarder/internal/rules"
	"github.com/kellyson520/tg-forwarder/internal/sender"
)

type event struct {
	Type models.EventType
	Data any
}

type eventLog struct {
	mu     sync.Mutex
	events []event
}

func (l *eventLog) handle(_ context.Context, t models.EventType, data any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event{Type: t, Data: data})
	return nil
}

func (l *eventLog) of(t models.EventType) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []any
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e.Data)
		}
	}
	return out
}

type memAudit struct {
	mu   sync.Mutex
	logs []models.AuditLog
}

func (a *memAudit) Record(_ context.Context, log models.AuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
}

func (a *memAudit) results() []models.ForwardResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.ForwardResult, len(a.logs))
	for i, l := range a.logs {
		out[i] = l.Result
	}
	return out
}

type pushLog struct {
	mu      sync.Mutex
	notices []*filters.PushNotice
}

func (p *pushLog) Notify(_ context.Context, n *filters.PushNotice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
}

func (p *pushLog) sent() []*filters.PushNotice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notices
}

type stubAI struct {
	out string
	err error

	mu     sync.Mutex
	inputs []string
}

func (s *stubAI) Rewrite(_ context.Context, _, _, text string) (string, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, text)
	s.mu.Unlock()
	return s.out, s.err
}

var testForward = config.ForwardConfig{
	MaxConcurrencyGlobal:    10,
	MaxConcurrencyPerTarget: 2,
	MaxConcurrencyPerPair:   1,
	MaxFloodWaitSleep:       time.Second,
	RetryAttempts:           1,
	RetryBase:               time.Millisecond,
	BreakerFailures:         100,
	BreakerRecovery:         time.Minute,
}

type harness struct {
	client     *platformtest.Client
	store      *rules.MemoryStore
	bus        *eventbus.Bus
	events     *eventLog
	signatures *dedup.MemoryStore
	audit      *memAudit
	ai         *stubAI
	pushes     *pushLog
	pipeline   *pipeline.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		client:     platformtest.New(),
		store:      rules.NewMemoryStore(),
		bus:        eventbus.New(),
		events:     &eventLog{},
		signatures: dedup.NewMemoryStore(),
		audit:      &memAudit{},
		ai:         &stubAI{},
		pushes:     &pushLog{},
	}
	h.bus.Subscribe(models.EventAny, h.events.handle)

	repo := rules.NewRepository(h.store, h.store, h.bus, config.RulesConfig{CacheTTL: time.Minute})
	t.Cleanup(repo.Close)
	engine := dedup.NewEngine(h.signatures, nil, config.DedupConfig{Enabled: true, TimeWindowHours: 24, PHashThreshold: 5})

	replies := sender.NewReplyIndex(128)
	factory, err := filters.NewFactory(filters.DefaultRegistry(filters.Deps{Bus: h.bus, Replies: replies}), time.Second)
	require.NoError(t, err)
	t.Cleanup(factory.Close)

	s := sender.New(h.client, testForward, replies)
	h.pipeline = pipeline.New(
		NewRuleLoader(repo),
		NewDedup(engine, h.bus, h.audit),
		NewFilter(factory, h.bus, h.audit),
		NewAI(h.ai, "summarize"),
		NewSender(s, h.bus, h.audit, h.pushes),
	)

	for _, id := range []string{"111", "222", "333"} {
		h.store.PutChat(models.Chat{TelegramChatID: id, Name: "chat " + id, IsActive: true})
	}
	return h
}

func (h *harness) addRule(id int64, target string, cfg models.RuleConfig) {
	cfg.EnableRule = true
	h.store.PutRule(models.ForwardRule{ID: id, SourceChatID: "111", TargetChatID: target, Config: cfg})
}

func (h *harness) run(t *testing.T, mc *pipeline.MessageContext) error {
	t.Helper()
	err := h.pipeline.Execute(t.Context(), mc)
	require.NoError(t, h.bus.Drain(t.Context()))
	return err
}

func textMessage(id int64, text string) *models.Message {
	return &models.Message{ID: id, ChatID: 111, Text: text, Date: time.Now()}
}

func TestSimpleForward(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{})

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "Hello World")})
	require.NoError(t, h.run(t, mc))

	calls := h.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, platformtest.MethodForward, calls[0].Method)
	assert.Equal(t, int64(222), calls[0].ChatID)
	assert.Equal(t, int64(111), calls[0].FromChat)
	assert.Equal(t, []int64{100}, calls[0].IDs)

	succeeded := h.events.of(models.EventForwardSucceeded)
	require.Len(t, succeeded, 1)
	ev := succeeded[0].(models.ForwardSucceeded)
	assert.Equal(t, int64(1), ev.RuleID)
	assert.Equal(t, int64(100), ev.MsgID)
	assert.Equal(t, "forward", ev.Mode)
	assert.Equal(t, []int64{1}, mc.SentRules())
	assert.Equal(t, []models.ForwardResult{models.ResultSuccess}, h.audit.results())
	assert.Regexp(t, `^[0-9a-f]{8}$`, h.audit.logs[0].TraceID)
}

func TestNoRulesTerminates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "hi")})
	require.NoError(t, h.run(t, mc))
	assert.True(t, mc.Terminated)
	assert.Empty(t, h.client.Calls())
}

func TestTargetRuleReplay(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{})
	h.addRule(2, "333", models.RuleConfig{})

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "hi")})
	mc.Set(pipeline.KeyTargetRuleID, int64(2))
	require.NoError(t, h.run(t, mc))

	calls := h.client.Calls(platformtest.MethodForward)
	require.Len(t, calls, 1)
	assert.Equal(t, int64(333), calls[0].ChatID)
}

func TestFilteredRuleIsReported(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{ForwardMode: models.ModeWhitelist})
	h.store.PutRule(models.ForwardRule{
		ID: 2, SourceChatID: "111", TargetChatID: "333",
		Config:   models.RuleConfig{EnableRule: true, ForwardMode: models.ModeWhitelist},
		Keywords: []models.Keyword{{Pattern: "apple"}},
	})

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "good apple")})
	require.NoError(t, h.run(t, mc))

	// empty whitelist blocks rule 1, rule 2 matches
	calls := h.client.Calls(platformtest.MethodForward)
	require.Len(t, calls, 1)
	assert.Equal(t, int64(333), calls[0].ChatID)

	filtered := h.events.of(models.EventForwardFiltered)
	require.Len(t, filtered, 1)
	assert.Equal(t, int64(1), filtered[0].(models.ForwardFiltered).RuleID)
	assert.ElementsMatch(t, []models.ForwardResult{models.ResultFiltered, models.ResultSuccess}, h.audit.results())
}

type cancelledChain struct{}

func (cancelledChain) Evaluate(ctx context.Context, _ *filters.Context) (bool, error) {
	return false, ctx.Err()
}

func TestCancelledChainIsNotFiltered(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events := &eventLog{}
	bus.Subscribe(models.EventAny, events.handle)
	audit := &memAudit{}

	mc := pipeline.NewMessageContext(platformtest.New(), []*models.Message{textMessage(100, "news")})
	mc.Rules = []*models.ForwardRule{{ID: 1, SourceChatID: "111", TargetChatID: "222"}}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := NewFilter(cancelledChain{}, bus, audit).Process(ctx, mc, func() error {
		t.Error("next called after cancellation")
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, bus.Drain(t.Context()))

	assert.Len(t, mc.Rules, 1)
	assert.Empty(t, events.of(models.EventForwardFiltered))
	assert.Empty(t, audit.results())
}

func TestAllRulesFilteredStopsPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{ForwardMode: models.ModeWhitelist})

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "orange")})
	require.NoError(t, h.run(t, mc))
	assert.True(t, mc.Terminated)
	assert.Empty(t, mc.Rules)
	assert.Empty(t, h.client.Calls())
}

func TestDedupRollbackOnPartialFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{EnableDedup: true})
	// the link footer turns rule 2 into a copy so only its send fails
	h.addRule(2, "333", models.RuleConfig{EnableDedup: true, IsOriginalLink: true})
	h.client.FailNext(platformtest.MethodSendMessage, errors.New("Network"))

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "breaking news")})
	err := h.run(t, mc)
	require.Error(t, err)
	assert.Equal(t, []int64{1}, mc.SentRules())
	assert.Equal(t, []int64{2}, mc.FailedRules())
	assert.Equal(t, 1, h.signatures.Len(), "only the delivered rule keeps its fingerprint")

	failed := h.events.of(models.EventForwardFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, int64(2), failed[0].(models.ForwardFailed).RuleID)
	assert.Contains(t, failed[0].(models.ForwardFailed).Error, "Network")

	// the retry of rule 2 is not a duplicate
	retry := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "breaking news")})
	retry.Set(pipeline.KeyTargetRuleID, int64(2))
	require.NoError(t, h.run(t, retry))
	assert.Equal(t, []int64{2}, retry.SentRules())
	assert.Len(t, h.client.Calls(platformtest.MethodSendMessage), 1)

	// rule 1 already delivered it
	again := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "breaking news")})
	again.Set(pipeline.KeyTargetRuleID, int64(1))
	require.NoError(t, h.run(t, again))
	assert.True(t, again.Terminated)
	filtered := h.events.of(models.EventForwardFiltered)
	require.Len(t, filtered, 1)
	assert.True(t, strings.HasPrefix(filtered[0].(models.ForwardFiltered).Reason, "duplicate"))
	assert.Len(t, h.client.Calls(platformtest.MethodForward), 1)
}

func TestPartialDeliveryIsNotReplayed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{EnableDedup: true, IsOriginalLink: true})
	// the photo goes out, the caption that did not fit is rejected
	h.client.FailNext(platformtest.MethodSendMessage, errors.New("MESSAGE_TOO_LONG"))

	msg := &models.Message{
		ID: 100, ChatID: 111, Date: time.Now(), Text: strings.Repeat("long caption ", 100),
		Media: &models.Media{Kind: models.MediaPhoto, FileID: "f", FileUniqueID: "u"},
	}
	mc := pipeline.NewMessageContext(h.client, []*models.Message{msg})
	require.NoError(t, h.run(t, mc))

	assert.Equal(t, []int64{1}, mc.SentRules())
	assert.Empty(t, mc.FailedRules())
	assert.Equal(t, []models.ForwardResult{models.ResultPartial}, h.audit.results())
	assert.Len(t, h.events.of(models.EventForwardFailed), 1)
	assert.Empty(t, h.events.of(models.EventForwardSucceeded))
	assert.Positive(t, h.signatures.Len(), "the delivered part keeps its fingerprint")
	assert.Len(t, h.client.Calls(platformtest.MethodSendFile), 1)
}

func TestPushAfterDelivery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{EnablePush: true, PushURLs: []string{"https://hooks.example.com/a"}})
	h.addRule(2, "333", models.RuleConfig{EnablePush: true, PushURLs: []string{"https://hooks.example.com/b"}, IsOriginalLink: true})
	h.client.FailNext(platformtest.MethodSendMessage, errors.New("MESSAGE_TOO_LONG"))

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "breaking news")})
	require.Error(t, h.run(t, mc))

	pushed := h.pushes.sent()
	require.Len(t, pushed, 1, "the failed rule posts nothing")
	assert.Equal(t, []string{"https://hooks.example.com/a"}, pushed[0].URLs)
	assert.Equal(t, int64(1), pushed[0].Payload.RuleID)
	assert.Equal(t, int64(100), pushed[0].Payload.MessageID)
}

func TestMediaGroupIsOneSend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{IsOriginalLink: true})

	group := make([]*models.Message, 4)
	for i := range group {
		group[i] = &models.Message{
			ID: int64(200 + i), ChatID: 111, GroupedID: "7", Date: time.Now(),
			Media: &models.Media{Kind: models.MediaPhoto, FileID: "f", FileUniqueID: "u" + string(rune('a'+i))},
		}
	}
	group[0].Text = "album caption"

	mc := pipeline.NewMessageContext(h.client, group)
	require.NoError(t, h.run(t, mc))

	calls := h.client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, platformtest.MethodSendFile, calls[0].Method)
	assert.Len(t, calls[0].Media, 4)
	assert.True(t, strings.HasPrefix(calls[0].Text, "album caption"))
	assert.Len(t, h.events.of(models.EventForwardSucceeded), 1)
}

func TestAIRewrite(t *testing.T) {
	t.Parallel()

	t.Run("rewritten text is copied", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.ai.out = " short version "
		h.addRule(1, "222", models.RuleConfig{IsAI: true})

		mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "a very long story")})
		require.NoError(t, h.run(t, mc))

		assert.Equal(t, []string{"a very long story"}, h.ai.inputs)
		calls := h.client.Calls(platformtest.MethodSendMessage)
		require.Len(t, calls, 1)
		assert.Equal(t, "short version", calls[0].Text)
		text, ok := mc.ModifiedText(1)
		require.True(t, ok)
		assert.Equal(t, "short version", text)
	})

	t.Run("failure keeps the rule", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.ai.err = errors.New("quota exceeded")
		h.addRule(1, "222", models.RuleConfig{IsAI: true})

		mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "story")})
		require.NoError(t, h.run(t, mc))
		assert.Len(t, h.client.Calls(platformtest.MethodForward), 1)
		_, ok := mc.ModifiedText(1)
		assert.False(t, ok)
	})
}

func TestFloodWaitIsReturnedAfterAllRules(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{})
	h.addRule(2, "333", models.RuleConfig{})
	h.client.FailNext(platformtest.MethodForward, &platform.FloodWaitError{Seconds: 30})

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "hi")})
	err := h.run(t, mc)

	var rl *sender.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, int64(222), rl.Target)
	assert.Equal(t, []int64{1}, mc.FailedRules())
	assert.Equal(t, []int64{2}, mc.SentRules())
	assert.Empty(t, h.events.of(models.EventForwardFailed), "rate limits are retried, not reported")
	assert.Same(t, mc.Err, err)
}

func TestDeleteOriginalAfterSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{IsDeleteOriginal: true})

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "hi")})
	require.NoError(t, h.run(t, mc))

	calls := h.client.Calls(platformtest.MethodDelete)
	require.Len(t, calls, 1)
	assert.Equal(t, int64(111), calls[0].ChatID)
	assert.Equal(t, []int64{100}, calls[0].IDs)
}

func TestSimulationHasNoSideEffects(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addRule(1, "222", models.RuleConfig{EnableDedup: true, IsAI: true})

	mc := pipeline.NewMessageContext(h.client, []*models.Message{textMessage(100, "hi")})
	mc.IsSim = true
	require.NoError(t, h.run(t, mc))

	assert.Empty(t, h.client.Calls())
	assert.Empty(t, h.ai.inputs)
	assert.Zero(t, h.signatures.Len())
	assert.Empty(t, h.audit.results())
	assert.Contains(t, mc.Trace, "Filter:keyword PASS")
	assert.Contains(t, mc.Trace, "Send: rule 1 forward to 222 (1 message(s))")
}
