package sender

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/internal/platform/platformtest"
)

var testForwardConfig = config.ForwardConfig{
	MaxConcurrencyGlobal:    50,
	MaxConcurrencyPerTarget: 2,
	MaxConcurrencyPerPair:   1,
	HandleFloodWaitSleep:    true,
	MaxFloodWaitSleep:       5 * time.Second,
	RetryAttempts:           3,
	RetryBase:               time.Millisecond,
	BreakerFailures:         10,
	BreakerRecovery:         time.Minute,
}

func newTestSender(cfg config.ForwardConfig) (*Sender, *platformtest.Client) {
	client := platformtest.New()
	return New(client, cfg, nil), client
}

func (s *Sender) setClock(now func() time.Time) {
	s.now = now
	s.flood.now = now
}

func forwardReq(ids ...int64) *Request {
	msgs := make([]*models.Message, len(ids))
	for i, id := range ids {
		msgs[i] = &models.Message{ID: id, ChatID: 111}
	}
	return &Request{RuleID: 1, SourceID: 111, TargetID: 222, Mode: ModeForward, Messages: msgs}
}

func TestForwardSingleMessage(t *testing.T) {
	t.Parallel()
	s, client := newTestSender(testForwardConfig)

	sent, err := s.Send(t.Context(), forwardReq(100))
	require.NoError(t, err)
	require.Len(t, sent, 1)

	calls := client.Calls(platformtest.MethodForward)
	require.Len(t, calls, 1)
	assert.Equal(t, int64(222), calls[0].ChatID)
	assert.Equal(t, int64(111), calls[0].FromChat)
	assert.Equal(t, []int64{100}, calls[0].IDs)

	mapped, ok := s.Replies().Lookup(1, 111, 100)
	require.True(t, ok)
	assert.Equal(t, sent[0].ID, mapped)
}

func TestBatchForwardFallsBackToSingles(t *testing.T) {
	t.Parallel()
	s, client := newTestSender(testForwardConfig)
	client.FailNext(platformtest.MethodForward, errors.New("MESSAGE_ID_INVALID"))

	sent, err := s.Send(t.Context(), forwardReq(1, 2, 3))
	require.NoError(t, err)
	assert.Len(t, sent, 3)

	calls := client.Calls(platformtest.MethodForward)
	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.Equal(t, []int64{int64(i + 1)}, c.IDs)
	}
}

func TestSingleForwardRetriesOnItsOwn(t *testing.T) {
	t.Parallel()
	s, client := newTestSender(testForwardConfig)
	client.FailNext(platformtest.MethodForward,
		errors.New("MESSAGE_ID_INVALID"),
		nil,
		errors.New("connection reset by peer"),
	)

	sent, err := s.Send(t.Context(), forwardReq(1, 2, 3))
	require.NoError(t, err)
	assert.Len(t, sent, 3)

	var forwarded []int64
	for _, c := range client.Calls(platformtest.MethodForward) {
		forwarded = append(forwarded, c.IDs...)
	}
	assert.Equal(t, []int64{1, 2, 3}, forwarded, "every message goes out exactly once")
}

func TestPartialSendIsReported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		req   func() *Request
		fail  platformtest.Method
		errs  []error
		calls []platformtest.Method
		sent  int
	}{
		{
			name:  "single forwards",
			req:   func() *Request { return forwardReq(1, 2, 3) },
			fail:  platformtest.MethodForward,
			errs:  []error{errors.New("MESSAGE_ID_INVALID"), nil, errors.New("MESSAGE_TOO_LONG")},
			calls: []platformtest.Method{platformtest.MethodForward},
			sent:  1,
		},
		{
			name: "caption after the album",
			req: func() *Request {
				return &Request{RuleID: 1, SourceID: 111, TargetID: 222, Mode: ModeCopy, Text: strings.Repeat("a", maxCaptionLen+1),
					Messages: []*models.Message{{ID: 1, ChatID: 111, Media: &models.Media{Kind: models.MediaPhoto, FileID: "f"}}}}
			},
			fail:  platformtest.MethodSendMessage,
			errs:  []error{errors.New("MESSAGE_TOO_LONG")},
			calls: []platformtest.Method{platformtest.MethodSendFile},
			sent:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, client := newTestSender(testForwardConfig)
			client.FailNext(tt.fail, tt.errs...)

			sent, err := s.Send(t.Context(), tt.req())
			var partial *PartialSendError
			require.ErrorAs(t, err, &partial)
			assert.Len(t, partial.Sent, tt.sent)
			assert.Len(t, sent, tt.sent)
			assert.Len(t, client.Calls(tt.calls...), tt.sent)
			_, mapped := s.Replies().Lookup(1, 111, 1)
			assert.False(t, mapped)
		})
	}
}

func TestCopyModes(t *testing.T) {
	t.Parallel()

	photo := func(id int64) *models.Message {
		return &models.Message{ID: id, ChatID: 111, GroupedID: "7", Media: &models.Media{Kind: models.MediaPhoto, FileID: "f"}}
	}

	t.Run("album is one call", func(t *testing.T) {
		t.Parallel()
		s, client := newTestSender(testForwardConfig)
		req := &Request{RuleID: 1, SourceID: 111, TargetID: 222, Mode: ModeCopy, Text: "caption",
			Messages: []*models.Message{photo(1), photo(2), photo(3), photo(4)}}
		sent, err := s.Send(t.Context(), req)
		require.NoError(t, err)
		assert.Len(t, sent, 4)

		calls := client.Calls(platformtest.MethodSendFile)
		require.Len(t, calls, 1)
		assert.Len(t, calls[0].Media, 4)
		assert.Equal(t, "caption", calls[0].Text)
	})

	t.Run("album of one is a single send", func(t *testing.T) {
		t.Parallel()
		s, client := newTestSender(testForwardConfig)
		req := &Request{RuleID: 1, SourceID: 111, TargetID: 222, Mode: ModeCopy, Messages: []*models.Message{photo(1)}}
		_, err := s.Send(t.Context(), req)
		require.NoError(t, err)
		calls := client.Calls(platformtest.MethodSendFile)
		require.Len(t, calls, 1)
		assert.Len(t, calls[0].Media, 1)
	})

	t.Run("long caption is sent after the media", func(t *testing.T) {
		t.Parallel()
		s, client := newTestSender(testForwardConfig)
		text := strings.Repeat("a", maxCaptionLen+1)
		req := &Request{RuleID: 1, SourceID: 111, TargetID: 222, Mode: ModeCopy, Text: text, Messages: []*models.Message{photo(1)}}
		_, err := s.Send(t.Context(), req)
		require.NoError(t, err)
		calls := client.Calls(platformtest.MethodSendFile, platformtest.MethodSendMessage)
		require.Len(t, calls, 2)
		assert.Empty(t, calls[0].Text)
		assert.Equal(t, text, calls[1].Text)
	})

	t.Run("long text is split", func(t *testing.T) {
		t.Parallel()
		s, client := newTestSender(testForwardConfig)
		text := strings.Repeat("word ", 1000)
		_, err := s.Send(t.Context(), &Request{RuleID: 1, SourceID: 111, TargetID: 222, Mode: ModeCopy, Text: text})
		require.NoError(t, err)
		calls := client.Calls(platformtest.MethodSendMessage)
		require.Len(t, calls, 2)
		assert.Equal(t, text, calls[0].Text+calls[1].Text)
	})

	t.Run("empty copy is rejected", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestSender(testForwardConfig)
		_, err := s.Send(t.Context(), &Request{RuleID: 1, SourceID: 111, TargetID: 222, Mode: ModeCopy, Text: "  "})
		require.Error(t, err)
		assert.True(t, models.IsPermanent(err))
	})
}

func TestFloodWaitSetsCooldownAndRecovers(t *testing.T) {
	t.Parallel()
	s, client := newTestSender(testForwardConfig)
	t0 := time.Now()
	now := t0
	s.setClock(func() time.Time { return now })
	client.FailNext(platformtest.MethodForward, &platform.FloodWaitError{Seconds: 2})

	_, err := s.Send(t.Context(), forwardReq(100))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.ErrorIs(t, err, models.ErrRateLimited)
	assert.Equal(t, platform.KindRateLimited, platform.Classify(err))
	wait := rl.Until.Sub(t0)
	assert.GreaterOrEqual(t, wait, 1600*time.Millisecond)
	assert.Less(t, wait, 2400*time.Millisecond)
	assert.Empty(t, client.Calls(platformtest.MethodForward), "flood waits are not retried in-call")

	now = t0.Add(3 * time.Second)
	_, err = s.Send(t.Context(), forwardReq(100))
	require.NoError(t, err)
	assert.Len(t, client.Calls(platformtest.MethodForward), 1)
}

func TestCooldownWithoutSleepFailsFast(t *testing.T) {
	t.Parallel()
	cfg := testForwardConfig
	cfg.HandleFloodWaitSleep = false
	s, client := newTestSender(cfg)
	s.Flood().Note(222, 30)

	_, err := s.Send(t.Context(), forwardReq(100))
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, int64(222), rl.Target)
	assert.Empty(t, client.Calls())
}

func TestFloodWaitBlocksTargetUntilDeadline(t *testing.T) {
	t.Parallel()
	s, client := newTestSender(testForwardConfig)
	client.FailNext(platformtest.MethodForward, errors.New("FLOOD_WAIT: A wait of 1 seconds is required"))

	t0 := time.Now()
	_, err := s.Send(t.Context(), forwardReq(100))
	require.Error(t, err)

	_, err = s.Send(t.Context(), forwardReq(101))
	require.NoError(t, err)
	calls := client.Calls(platformtest.MethodForward)
	require.Len(t, calls, 1)
	assert.GreaterOrEqual(t, calls[0].At.Sub(t0), 800*time.Millisecond)
}

func TestPerTargetConcurrencyCap(t *testing.T) {
	t.Parallel()
	s, client := newTestSender(testForwardConfig)
	client.Delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := forwardReq(int64(100 + i))
			req.SourceID = int64(1000 + i)
			_, err := s.Send(t.Context(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, client.Calls(platformtest.MethodForward), 10)
	assert.LessOrEqual(t, client.MaxInFlight(222), testForwardConfig.MaxConcurrencyPerTarget)
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		errs      []error
		wantErr   bool
		permanent bool
	}{
		{"transient errors are retried", []error{errors.New("connection reset"), errors.New("timeout")}, false, false},
		{"transient errors exhaust attempts", []error{errors.New("Network"), errors.New("Network"), errors.New("Network")}, true, false},
		{"permission is retried once", []error{errors.New("Forbidden: bot is not a member")}, false, false},
		{"permission twice fails", []error{errors.New("forbidden"), errors.New("forbidden")}, true, false},
		{"unknown errors are not retried", []error{errors.New("MESSAGE_TOO_LONG")}, true, false},
		{"missing chat is permanent", []error{errors.New("Bad Request: chat not found")}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, client := newTestSender(testForwardConfig)
			client.FailNext(platformtest.MethodSendMessage, tt.errs...)

			_, err := s.Send(t.Context(), &Request{RuleID: 1, SourceID: 111, TargetID: 222, Mode: ModeCopy, Text: "hi"})
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Len(t, client.Calls(platformtest.MethodSendMessage), 1)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, models.IsPermanent(err))
		})
	}
}

func TestInvalidTargetFailsFast(t *testing.T) {
	t.Parallel()
	s, client := newTestSender(testForwardConfig)
	client.FailNext(platformtest.MethodForward, errors.New("Bad Request: chat not found"))

	_, err := s.Send(t.Context(), forwardReq(100))
	require.Error(t, err)
	_, err = s.Send(t.Context(), forwardReq(101))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrPermanentEntity)
	assert.Empty(t, client.Calls(platformtest.MethodForward))

	s.Validator().Forget(222)
	_, err = s.Send(t.Context(), forwardReq(102))
	require.NoError(t, err)
}

func TestCircuitBreakerOpens(t *testing.T) {
	t.Parallel()
	cfg := testForwardConfig
	cfg.RetryAttempts = 1
	cfg.BreakerFailures = 2
	s, client := newTestSender(cfg)
	client.FailNext(platformtest.MethodForward, errors.New("timeout"), errors.New("timeout"))

	for range 2 {
		_, err := s.Send(t.Context(), forwardReq(100))
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, s.Breaker())

	_, err := s.Send(t.Context(), forwardReq(100))
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.Contains(t, err.Error(), breakerName)
}

func TestDeleteUsesRetry(t *testing.T) {
	t.Parallel()
	s, client := newTestSender(testForwardConfig)
	client.FailNext(platformtest.MethodDelete, errors.New("timeout"))

	require.NoError(t, s.Delete(t.Context(), 111, []int64{1, 2}))
	calls := client.Calls(platformtest.MethodDelete)
	require.Len(t, calls, 1)
	assert.Equal(t, []int64{1, 2}, calls[0].IDs)
	require.NoError(t, s.Delete(t.Context(), 111, nil))
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Nil(t, SplitText(" \n ", 10))
	assert.Equal(t, []string{"short"}, SplitText("short", 10))
	assert.Equal(t, []string{"aaaa\n", "bbbb"}, SplitText("aaaa\nbbbb", 6))
	assert.Equal(t, []string{"abcdef", "ghij"}, SplitText("abcdefghij", 6))
	assert.Equal(t, []string{"ééé", "éé"}, SplitText("ééééé", 3))
}
