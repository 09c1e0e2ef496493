// Package sender delivers send plans to target chats while honouring flood
// waits, concurrency caps and pacing.
package sender

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/kellyson520/tg-forwarder/internal/config"
	"github.com/kellyson520/tg-forwarder/internal/models"
	"github.com/kellyson520/tg-forwarder/internal/platform"
	"github.com/kellyson520/tg-forwarder/pkg/logx"
	"github.com/kellyson520/tg-forwarder/pkg/util"
)

const (
	breakerName = "telegram_api_global"
	// platform limits
	maxTextLen    = 4096
	maxCaptionLen = 1024
	maxAlbumSize  = 10
)

type Sender struct {
	client    platform.Client
	cfg       config.ForwardConfig
	flood     *FloodTable
	validator *Validator
	replies   *ReplyIndex
	breaker   *gobreaker.CircuitBreaker

	global  *semaphore.Weighted
	targets *xsync.Map[int64, *semaphore.Weighted]
	pairs   *xsync.Map[string, *semaphore.Weighted]

	globalPace  *rate.Limiter
	targetPace  *xsync.Map[int64, *rate.Limiter]
	pairPace    *xsync.Map[string, *rate.Limiter]
	sendLatency *prometheus.HistogramVec

	now func() time.Time
}

func New(client platform.Client, cfg config.ForwardConfig, replies *ReplyIndex) *Sender {
	s := &Sender{
		client:      client,
		cfg:         cfg,
		flood:       NewFloodTable(),
		validator:   NewValidator(invalidEntityTTL),
		replies:     replies,
		global:      semaphore.NewWeighted(int64(max(1, cfg.MaxConcurrencyGlobal))),
		targets:     xsync.NewMap[int64, *semaphore.Weighted](),
		pairs:       xsync.NewMap[string, *semaphore.Weighted](),
		globalPace:  newPacer(cfg.GlobalInterval),
		targetPace:  xsync.NewMap[int64, *rate.Limiter](),
		pairPace:    xsync.NewMap[string, *rate.Limiter](),
		sendLatency: util.MustHistogramVec("forward_send_duration_seconds", "mode", "result"),
		now:         time.Now,
	}
	if s.replies == nil {
		s.replies = NewReplyIndex(100_000)
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerRecovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.BreakerFailures > 0 && counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			switch platform.Classify(err) {
			case platform.KindTransient, platform.KindUnknown:
				return err == nil
			}
			// rate limits and bad targets say nothing about API health
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logx.Warnw(context.Background(), "circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return s
}

func newPacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

func (s *Sender) Flood() *FloodTable       { return s.flood }
func (s *Sender) Validator() *Validator    { return s.validator }
func (s *Sender) Replies() *ReplyIndex     { return s.replies }
func (s *Sender) Breaker() gobreaker.State { return s.breaker.State() }

// Send delivers req and returns the messages created in the target chat.
// When a failure follows deliveries that already went out, the error is a
// *PartialSendError and the returned slice holds what was delivered.
func (s *Sender) Send(ctx context.Context, req *Request) ([]*models.Message, error) {
	start := time.Now()
	sent, err := s.send(ctx, req)
	result := "success"
	switch {
	case err == nil:
	case len(sent) > 0:
		result = "partial"
		err = &PartialSendError{Sent: sent, Err: err}
	default:
		result = platform.Classify(err).String()
	}
	s.sendLatency.WithLabelValues(string(req.Mode), result).Observe(time.Since(start).Seconds())
	if err == nil {
		s.replies.Record(req.RuleID, req.SourceID, req.MessageIDs(), sent)
	}
	return sent, err
}

func (s *Sender) send(ctx context.Context, req *Request) ([]*models.Message, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	target := req.TargetID
	if err := s.validator.Check(target); err != nil {
		return nil, err
	}
	if err := s.waitCooldown(ctx, target); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, req.SourceID, target)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := s.pace(ctx, req.SourceID, target); err != nil {
		return nil, err
	}

	return s.dispatch(ctx, req)
}

// Delete removes messages from a chat through the same breaker and retry
// policy as sends.
func (s *Sender) Delete(ctx context.Context, chatID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withRetry(ctx, chatID, func() error {
		return s.client.DeleteMessages(ctx, chatID, ids)
	})
}

// waitCooldown sleeps out an active flood wait of target, or fails with a
// RateLimitedError when sleeping is disabled or the wait is too long.
func (s *Sender) waitCooldown(ctx context.Context, target int64) error {
	until, ok := s.flood.Deadline(target)
	if !ok {
		return nil
	}
	wait := until.Sub(s.now())
	if !s.cfg.HandleFloodWaitSleep || (s.cfg.MaxFloodWaitSleep > 0 && wait > s.cfg.MaxFloodWaitSleep) {
		return &RateLimitedError{Target: target, Until: until}
	}
	logx.Infow(ctx, "waiting for flood cooldown", "target", target, "wait", wait.String())
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func pairKey(source, target int64) string {
	return strconv.FormatInt(source, 10) + ">" + strconv.FormatInt(target, 10)
}

// acquire takes the global, per-target and per-pair slots in that order.
func (s *Sender) acquire(ctx context.Context, source, target int64) (func(), error) {
	targetSem, _ := s.targets.LoadOrCompute(target, func() (*semaphore.Weighted, bool) {
		return semaphore.NewWeighted(int64(max(1, s.cfg.MaxConcurrencyPerTarget))), false
	})
	pairSem, _ := s.pairs.LoadOrCompute(pairKey(source, target), func() (*semaphore.Weighted, bool) {
		return semaphore.NewWeighted(int64(max(1, s.cfg.MaxConcurrencyPerPair))), false
	})

	held := make([]*semaphore.Weighted, 0, 3)
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}
	for _, sem := range []*semaphore.Weighted{s.global, targetSem, pairSem} {
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return nil, err
		}
		held = append(held, sem)
	}
	return release, nil
}

func (s *Sender) pace(ctx context.Context, source, target int64) error {
	targetPace, _ := s.targetPace.LoadOrCompute(target, func() (*rate.Limiter, bool) {
		return newPacer(s.cfg.TargetInterval), false
	})
	pairPace, _ := s.pairPace.LoadOrCompute(pairKey(source, target), func() (*rate.Limiter, bool) {
		return newPacer(s.cfg.PairInterval), false
	})
	for _, l := range []*rate.Limiter{s.globalPace, targetPace, pairPace} {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	attempts := max(1, s.cfg.RetryAttempts)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// withRetry runs one platform call through the circuit breaker. Transient
// failures are retried with backoff, permission errors once; flood waits
// and invalid targets are recorded and returned at once. call must deliver
// nothing when it fails, so that repeating it cannot duplicate output.
func (s *Sender) withRetry(ctx context.Context, target int64, call func() error) error {
	permissionRetried := false
	op := func() error {
		if err := s.waitCooldown(ctx, target); err != nil {
			return backoff.Permanent(err)
		}
		_, err := s.breaker.Execute(func() (any, error) { return nil, call() })
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(models.Transient(fmt.Errorf("%s: %w", breakerName, err)))
		}

		switch platform.Classify(err) {
		case platform.KindRateLimited:
			if secs, ok := platform.FloodWaitSeconds(err); ok {
				until := s.flood.Note(target, secs)
				logx.Warnw(ctx, "flood wait", "target", target, "seconds", secs, "until", until)
				return backoff.Permanent(&RateLimitedError{Target: target, Until: until, Err: err})
			}
			return backoff.Permanent(err)
		case platform.KindPermanentEntity:
			s.validator.MarkInvalid(target, err.Error())
			logx.Infow(ctx, "target marked invalid", "target", target, "error", err)
			return backoff.Permanent(models.Permanent(err))
		case platform.KindPermission:
			if permissionRetried {
				return backoff.Permanent(err)
			}
			permissionRetried = true
			return err
		case platform.KindTransient:
			logx.Debugw(ctx, "transient send error, retrying", "target", target, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, s.newBackOff(ctx))
}

func (s *Sender) dispatch(ctx context.Context, req *Request) ([]*models.Message, error) {
	switch req.Mode {
	case ModeForward:
		return s.forward(ctx, req)
	case ModeCopy:
		return s.copy(ctx, req)
	}
	return nil, fmt.Errorf("%w: unknown send mode %q", models.ErrInvalidPayload, req.Mode)
}

// retrySend is withRetry for a call that creates messages.
func (s *Sender) retrySend(ctx context.Context, target int64, call func() ([]*models.Message, error)) ([]*models.Message, error) {
	var out []*models.Message
	err := s.withRetry(ctx, target, func() error {
		var err error
		out, err = call()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// forward uses one batched call for albums and falls back to single
// forwards when the batch is refused for a reason other than rate limits
// or a bad target. Each call is retried on its own, so a failure never
// repeats a forward that already went out.
func (s *Sender) forward(ctx context.Context, req *Request) ([]*models.Message, error) {
	ids := req.MessageIDs()
	if len(ids) == 0 {
		return nil, errNothingToSend
	}
	sent, err := s.retrySend(ctx, req.TargetID, func() ([]*models.Message, error) {
		return s.client.ForwardMessages(ctx, req.TargetID, ids, req.SourceID)
	})
	if err == nil || len(ids) == 1 || ctx.Err() != nil {
		return sent, err
	}
	switch platform.Classify(err) {
	case platform.KindRateLimited, platform.KindPermanentEntity:
		return nil, err
	}
	logx.Warnw(ctx, "batch forward failed, forwarding one by one", "target", req.TargetID, "count", len(ids), "error", err)

	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		msgs, err := s.retrySend(ctx, req.TargetID, func() ([]*models.Message, error) {
			return s.client.ForwardMessages(ctx, req.TargetID, []int64{id}, req.SourceID)
		})
		if err != nil {
			return out, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// copy sends albums in chunks, then any caption that did not fit. Output
// delivered before a failure is returned with the error.
func (s *Sender) copy(ctx context.Context, req *Request) ([]*models.Message, error) {
	media := req.Media()
	if len(media) == 0 {
		return s.sendText(ctx, req.TargetID, req.Text, req.Options)
	}

	caption, rest := req.Text, ""
	if utf8.RuneCountInString(caption) > maxCaptionLen {
		caption, rest = "", req.Text
	}
	var out []*models.Message
	for start := 0; start < len(media); start += maxAlbumSize {
		chunk := media[start:min(start+maxAlbumSize, len(media))]
		c := ""
		if start == 0 {
			c = caption
		}
		msgs, err := s.retrySend(ctx, req.TargetID, func() ([]*models.Message, error) {
			return s.client.SendFile(ctx, req.TargetID, chunk, c, req.Options)
		})
		if err != nil {
			return out, err
		}
		out = append(out, msgs...)
	}
	if rest != "" {
		msgs, err := s.sendText(ctx, req.TargetID, rest, platform.SendOptions{Buttons: req.Options.Buttons})
		out = append(out, msgs...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Sender) sendText(ctx context.Context, target int64, text string, opts platform.SendOptions) ([]*models.Message, error) {
	chunks := SplitText(text, maxTextLen)
	if len(chunks) == 0 {
		return nil, errNothingToSend
	}
	out := make([]*models.Message, 0, len(chunks))
	for i, chunk := range chunks {
		o := opts
		if i > 0 {
			o.ReplyToID = 0
		}
		msgs, err := s.retrySend(ctx, target, func() ([]*models.Message, error) {
			msg, err := s.client.SendMessage(ctx, target, chunk, o)
			if err != nil {
				return nil, err
			}
			return []*models.Message{msg}, nil
		})
		if err != nil {
			return out, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}
