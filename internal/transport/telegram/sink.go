// Package telegram delivers notifier messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bonusvarsel/internal/notifier"
	logx "bonusvarsel/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// Config configures the sink.
type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot servers).
	APIURL    string
	ParseMode string
	// LinkPreview turns on web page previews; they are off by default.
	LinkPreview bool
	Timeout     time.Duration
}

// Sink sends text messages, split into ordered chunks when they exceed the
// Telegram limit.
type Sink struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var (
	_ notifier.Sink    = (*Sink)(nil)
	_ notifier.Chunker = (*Sink)(nil)
)

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tele.ModeHTML
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	// Offline: the sink never polls, so skip the getMe round trip.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{cfg: cfg, log: log, bot: b}, nil
}

// chat is a tele.Recipient for numeric ids and @usernames alike.
type chat string

func (c chat) Recipient() string { return string(c) }

// Chunks splits text into the messages Send delivers.
func (s *Sink) Chunks(text string) []string {
	return splitTelegramText(text, telegramTextLimit, s.cfg.ParseMode)
}

// Send delivers text in order. It stops at the first failed chunk; earlier
// chunks stay delivered.
func (s *Sink) Send(ctx context.Context, to notifier.Target, text string) error {
	id := strings.TrimSpace(to.ChatID)
	if id == "" {
		return errors.New("telegram chat id is empty")
	}

	chunks := s.Chunks(text)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			ParseMode:             s.cfg.ParseMode,
			DisableWebPagePreview: !s.cfg.LinkPreview,
			ThreadID:              to.ThreadID,
		}
		if _, err := s.bot.Send(chat(id), chunk, opt); err != nil {
			return fmt.Errorf("telegram chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	s.log.Debug("telegram message delivered", logx.String("chat", id), logx.Int("chunks", len(chunks)))
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries. In HTML mode it cuts before any element still
// open at the cut, unless that element starts the chunk.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			if cut := lastNewline(rs, start, end, limit/3); cut != -1 {
				end = cut
			}
		}

		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			if open := openElementStart(rs, start, end); open > start {
				end = open
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// lastNewline returns the index just past the last newline in rs[start:end]
// that leaves a chunk of at least minLen runes, or -1.
func lastNewline(rs []rune, start, end, minLen int) int {
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= minLen {
			return i + 1
		}
	}
	return -1
}

// openElementStart returns the index of the earliest '<' in rs[start:end]
// whose element is not closed before end, or -1. A tag cut off by end counts
// as open.
func openElementStart(rs []rune, start, end int) int {
	type open struct {
		name string
		at   int
	}
	var stack []open
	for i := start; i < end; i++ {
		if rs[i] != '<' {
			continue
		}
		j := i + 1
		for j < end && rs[j] != '>' {
			j++
		}
		if j >= end {
			if len(stack) > 0 {
				return stack[0].at
			}
			return i
		}
		tag := string(rs[i+1 : j])
		switch {
		case strings.HasPrefix(tag, "/"):
			name := tagName(tag[1:])
			for k := len(stack) - 1; k >= 0; k-- {
				if stack[k].name == name {
					stack = stack[:k]
					break
				}
			}
		case strings.HasSuffix(tag, "/"):
		default:
			stack = append(stack, open{name: tagName(tag), at: i})
		}
		i = j
	}
	if len(stack) > 0 {
		return stack[0].at
	}
	return -1
}

func tagName(tag string) string {
	if k := strings.IndexAny(tag, " \t\n"); k >= 0 {
		tag = tag[:k]
	}
	return strings.ToLower(tag)
}
