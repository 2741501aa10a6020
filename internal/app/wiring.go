package app

import (
	"strings"

	"bonusvarsel/internal/cache"
	"bonusvarsel/internal/catalog"
	"bonusvarsel/internal/config"
	"bonusvarsel/internal/ledger"
	"bonusvarsel/internal/notifier"
	"bonusvarsel/internal/pipeline"
	"bonusvarsel/internal/scheduler"
	"bonusvarsel/internal/storage"
	"bonusvarsel/internal/transport/telegram"
	"bonusvarsel/internal/upstream"
	logx "bonusvarsel/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      sc.Driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		BusyTimeout: config.Duration(sc.BusyTimeout),
		MaxConns:    sc.MaxConns,
	}
}

func mapCacheConfig(cfg *config.Config) cache.Config {
	c := cfg.Cache
	return cache.Config{
		Driver: c.Driver,
		Dir:    c.Dir,
		Redis: cache.RedisConfig{
			Addr:     c.Redis.Addr,
			Username: c.Redis.Username,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
		},
	}
}

func mapFetcherOptions(cfg *config.Config, store cache.Store, bypass bool) upstream.Options {
	u := cfg.Upstream
	r := u.Retry
	return upstream.Options{
		UserAgent:  u.UserAgent,
		Timeout:    config.Duration(u.Timeout),
		RatePerSec: u.RatePerSec,
		Cache:      store,
		Bypass:     bypass || cfg.Cache.Bypass,
		HTTPRetry: upstream.RetryPolicy{
			MaxAttempts: r.MaxAttempts,
			Base:        config.Duration(r.BaseDelay),
			Max:         config.Duration(r.MaxDelay),
			Jitter:      config.Duration(r.Jitter),
		},
		NetworkRetry: upstream.RetryPolicy{
			MaxAttempts: r.MaxAttempts,
			Base:        config.Duration(r.NetworkBaseDelay),
			Max:         config.Duration(r.NetworkMaxDelay),
			Jitter:      config.Duration(r.Jitter),
		},
		MaxRetryAfter: config.Duration(r.MaxRetryAfter),
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notify
	return notifier.Config{
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     config.Duration(n.RetryBase),
		RetryMaxDelay: config.Duration(n.RetryMaxDelay),
		SendTimeout:   config.Duration(n.SendTimeout),
	}
}

func mapTelegramConfig(cfg *config.Config) telegram.Config {
	t := cfg.Telegram
	return telegram.Config{
		Token:       t.Token,
		APIURL:      t.APIURL,
		LinkPreview: t.LinkPreview,
		Timeout:     config.Duration(t.Timeout),
	}
}

func mapPipelineConfig(cfg *config.Config, cacheInfo storage.CacheInfo, force bool) pipeline.Config {
	p := cfg.Program
	policy, _ := ledger.ParsePolicy(cfg.Notify.Policy)
	return pipeline.Config{
		APIBase:        cfg.Upstream.APIBase,
		Meta:           catalog.Meta{Program: p.Name, Country: p.Country, Channel: p.Channel},
		Language:       p.Language,
		PerPage:        cfg.Upstream.PerPage,
		CampaignAmount: cfg.Upstream.CampaignAmount,
		MaxPages:       cfg.Upstream.MaxPages,
		Policy:         policy,
		TTL:            cfg.Notify.TTL(),
		Force:          force || cfg.Notify.Force,
		Header: notifier.Header{
			DisplayName: p.DisplayName,
			Program:     p.Name,
			Country:     p.Country,
			Alliance:    p.Alliance,
		},
		Cache: cacheInfo,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Spec:       cfg.Schedule.Spec,
		Timezone:   cfg.Schedule.Timezone,
		RunOnStart: cfg.Schedule.RunOnStart,
	}
}
