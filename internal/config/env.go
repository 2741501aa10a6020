package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverlay holds the variables the collector and notifier scripts have
// always read. Nil means unset; set values override the file.
type envOverlay struct {
	Program     *string `env:"PROGRAM"`
	Channel     *string `env:"CHANNEL"`
	Country     *string `env:"COUNTRY"`
	Language    *string `env:"LANGUAGE"`
	DisplayName *string `env:"DISPLAY_NAME"`
	Alliance    *string `env:"ALLIANCE"`

	APIBase *string `env:"API_BASE"`
	PerPage *int    `env:"PER_PAGE"`
	NoCache *string `env:"NO_CACHE"`

	DataDir     *string `env:"DATA_DIR"`
	SentTTLDays *int    `env:"SENT_TTL_DAYS"`
	NotifyMode  *string `env:"NOTIFY_POLICY"`
	ForceSend   *string `env:"FORCE_SEND"`

	TGBotToken *string `env:"TG_BOT_TOKEN"`
	TGChatID   *string `env:"TG_CHAT_ID"`
	TGThreadID *int    `env:"TG_THREAD_ID"`

	Schedule *string `env:"SCHEDULE"`
	LogLevel *string `env:"LOG_LEVEL"`
}

// parseEnv reads the overlay from environ, or from the process environment
// when environ is nil.
func parseEnv(environ map[string]string) (envOverlay, error) {
	var o envOverlay
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return envOverlay{}, fmt.Errorf("parse env: %w", err)
	}
	return o, nil
}

// apply copies set variables onto cfg. DATA_DIR moves storage and the file
// cache together, like the scripts did.
func (o envOverlay) apply(cfg *Config) {
	setStr(&cfg.Program.Name, o.Program)
	setStr(&cfg.Program.Channel, o.Channel)
	setStr(&cfg.Program.Country, o.Country)
	setStr(&cfg.Program.Language, o.Language)
	setStr(&cfg.Program.DisplayName, o.DisplayName)
	setStr(&cfg.Program.Alliance, o.Alliance)

	setStr(&cfg.Upstream.APIBase, o.APIBase)
	if o.PerPage != nil {
		cfg.Upstream.PerPage = *o.PerPage
	}
	if o.NoCache != nil && truthy(*o.NoCache) {
		cfg.Cache.Bypass = true
	}

	if o.DataDir != nil && strings.TrimSpace(*o.DataDir) != "" {
		dir := strings.TrimSpace(*o.DataDir)
		if cfg.Storage.Driver == "" || cfg.Storage.Driver == "file" {
			cfg.Storage.Path = dir
		}
		cfg.Cache.Dir = strings.TrimRight(dir, "/") + "/.cache"
	}
	if o.SentTTLDays != nil {
		cfg.Notify.TTLDays = *o.SentTTLDays
	}
	setStr(&cfg.Notify.Policy, o.NotifyMode)
	if o.ForceSend != nil && truthy(*o.ForceSend) {
		cfg.Notify.Force = true
	}

	setStr(&cfg.Telegram.Token, o.TGBotToken)
	setStr(&cfg.Telegram.ChatID, o.TGChatID)
	if o.TGThreadID != nil {
		cfg.Telegram.ThreadID = *o.TGThreadID
	}

	setStr(&cfg.Schedule.Spec, o.Schedule)
	setStr(&cfg.Logging.Level, o.LogLevel)
}

func setStr(dst *string, v *string) {
	if v == nil {
		return
	}
	if s := strings.TrimSpace(*v); s != "" {
		*dst = s
	}
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
