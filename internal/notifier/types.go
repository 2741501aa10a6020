package notifier

import (
	"context"
	"time"
)

// Config controls pacing and retry of deliveries.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Target is a delivery destination. ChatID is a numeric chat id or an
// @channel username.
type Target struct {
	ChatID   string
	ThreadID int
}

// Sink delivers one message. Implementations split oversized messages into
// ordered chunks themselves.
type Sink interface {
	Send(ctx context.Context, to Target, text string) error
}

// Chunker is implemented by sinks with a message size limit. Chunks returns
// text split the way Send would send it; each chunk must go out as a single
// message, so a retry can resume at the chunk that failed.
type Chunker interface {
	Chunks(text string) []string
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, to Target, text string) error

func (f SinkFunc) Send(ctx context.Context, to Target, text string) error { return f(ctx, to, text) }

// Header identifies the program a message is about.
type Header struct {
	DisplayName string
	Program     string
	Country     string
	Alliance    string
}

func (h Header) title() string {
	if h.DisplayName != "" {
		return h.DisplayName
	}
	return h.Program
}
