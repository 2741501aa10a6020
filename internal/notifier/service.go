package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
	"unicode/utf8"

	"bonusvarsel/internal/eventbus"
	logx "bonusvarsel/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrNoSink    = errors.New("notifier: no sink configured")
	ErrNoTarget  = errors.New("notifier: no target configured")
	ErrEmptyText = errors.New("notifier: empty message")
)

// Service delivers messages to one target with rate limit and retry.
//
// It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sink   Sink
	target Target
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, sink Sink, target Target, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	return &Service{
		log:    log,
		sink:   sink,
		target: target,
		bus:    bus,
		cfg:    cfg,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		sleep:   sleepCtx,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return cfg
}

// Target returns the configured destination.
func (s *Service) Target() Target { return s.target }

// Dispatch sends text to the configured target. It returns nil only when the
// sink acknowledged the whole message. Messages from a Chunker sink are sent
// chunk by chunk and a retry never repeats a delivered chunk.
func (s *Service) Dispatch(ctx context.Context, text string) error {
	if s.sink == nil {
		return ErrNoSink
	}
	if strings.TrimSpace(s.target.ChatID) == "" {
		return ErrNoTarget
	}
	if strings.TrimSpace(text) == "" {
		return ErrEmptyText
	}

	chunks := []string{text}
	if c, ok := s.sink.(Chunker); ok {
		chunks = c.Chunks(text)
	}

	attempts := 0
	for i, chunk := range chunks {
		n, err := s.sendChunk(ctx, chunk)
		attempts += n
		if err != nil {
			if len(chunks) > 1 {
				err = fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
			}
			eventbus.Publish(s.bus, eventbus.NotifyFailed, s.event(text, attempts, i, err))
			return fmt.Errorf("notify %s: %w", s.target.ChatID, err)
		}
	}

	s.log.Info("notification sent",
		logx.String("target", s.target.ChatID),
		logx.Int("runes", utf8.RuneCountInString(text)),
		logx.Int("chunks", len(chunks)),
		logx.Int("attempts", attempts))
	eventbus.Publish(s.bus, eventbus.NotifySent, s.event(text, attempts, len(chunks), nil))
	return nil
}

// sendChunk delivers one chunk within the retry budget and returns the
// number of attempts made.
func (s *Service) sendChunk(ctx context.Context, chunk string) (int, error) {
	maxAttempts := 1 + s.cfg.RetryMax
	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return attempt - 1, err
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.sink.Send(callCtx, s.target, chunk)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err
		s.log.Warn("notify send failed",
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts))

		if attempt >= maxAttempts || ctx.Err() != nil {
			return attempt, lastErr
		}
		if err := s.sleep(ctx, retryDelay(s.cfg, attempt)); err != nil {
			return attempt, err
		}
	}
}

func (s *Service) event(text string, attempts, delivered int, err error) eventbus.NotifyEvent {
	ev := eventbus.NotifyEvent{
		Target:    s.target.ChatID,
		ThreadID:  s.target.ThreadID,
		Runes:     utf8.RuneCountInString(text),
		Attempts:  attempts,
		Delivered: delivered,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1 (first attempt), delay is for the NEXT attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	// Exponential backoff: base * 2^(attempt-1)
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
