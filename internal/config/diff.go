package config

import (
	"sort"
	"strings"

	logx "bonusvarsel/pkg/logx"
)

// SummarizeChange returns the sorted list of changed sections and safe
// structured attrs for logging. Secrets (tokens, passwords, DSNs) are only
// reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Program != newCfg.Program {
		changed = append(changed, "program")
		attrs = append(attrs,
			logx.String("program.name", newCfg.Program.Name),
			logx.String("program.channel", newCfg.Program.Channel),
			logx.String("program.country", newCfg.Program.Country),
		)
	}

	if oldCfg.Upstream != newCfg.Upstream {
		changed = append(changed, "upstream")
		attrs = append(attrs,
			logx.String("upstream.api_base", newCfg.Upstream.APIBase),
			logx.Int("upstream.per_page", newCfg.Upstream.PerPage),
			logx.Float64("upstream.rate_per_sec", newCfg.Upstream.RatePerSec),
		)
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.driver", newCfg.Cache.Driver),
			logx.Bool("cache.bypass", newCfg.Cache.Bypass),
			logx.Bool("cache.redis_password_set", newCfg.Cache.Redis.Password != ""),
		)
	}

	if oldCfg.Storage.Driver != newCfg.Storage.Driver ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		oldCfg.Storage.DSN != newCfg.Storage.DSN ||
		oldCfg.Storage.BusyTimeout != newCfg.Storage.BusyTimeout ||
		oldCfg.Storage.MaxConns != newCfg.Storage.MaxConns {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.String("notify.policy", newCfg.Notify.Policy),
			logx.Int("notify.ttl_days", newCfg.Notify.TTLDays),
			logx.Bool("notify.force", newCfg.Notify.Force),
		)
	}

	if nt := newCfg.Telegram; oldCfg.Telegram != nt {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.String("telegram.chat_id", nt.ChatID),
			logx.Int("telegram.thread_id", nt.ThreadID),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.spec", newCfg.Schedule.Spec),
			logx.String("schedule.timezone", newCfg.Schedule.Timezone),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
