package config

type Config struct {
	Program  ProgramConfig  `json:"program"`
	Upstream UpstreamConfig `json:"upstream"`
	Cache    CacheConfig    `json:"cache"`
	Storage  StorageConfig  `json:"storage"`
	Notify   NotifyConfig   `json:"notify"`
	Telegram TelegramConfig `json:"telegram"`
	Schedule ScheduleConfig `json:"schedule"`
	Logging  LoggingConfig  `json:"logging"`
}

// ProgramConfig identifies the loyalty program being watched.
type ProgramConfig struct {
	Name     string `json:"name"`    // e.g. "SAS"
	Channel  string `json:"channel"` // defaults to upper-cased Name
	Country  string `json:"country"`
	Language string `json:"language"`

	// Presentation only.
	DisplayName string `json:"display_name"`
	Alliance    string `json:"alliance"`
}

type UpstreamConfig struct {
	APIBase        string  `json:"api_base"`
	PerPage        int     `json:"per_page"`
	CampaignAmount int     `json:"campaign_amount"`
	UserAgent      string  `json:"user_agent"`
	Timeout        string  `json:"timeout"`
	RatePerSec     float64 `json:"rate_per_sec"`
	MaxPages       int     `json:"max_pages"`

	Retry RetryConfig `json:"retry"`
}

type RetryConfig struct {
	MaxAttempts   int    `json:"max_attempts"`
	BaseDelay     string `json:"base_delay"`
	MaxDelay      string `json:"max_delay"`
	Jitter        string `json:"jitter"`
	MaxRetryAfter string `json:"max_retry_after"`

	NetworkBaseDelay string `json:"network_base_delay"`
	NetworkMaxDelay  string `json:"network_max_delay"`
}

type CacheConfig struct {
	// Driver: "file" (default), "redis" or "none".
	Driver string `json:"driver"`
	Dir    string `json:"dir"`
	// Bypass skips cache reads for this process (NO_CACHE=1 / -no-cache).
	Bypass bool             `json:"bypass"`
	Redis  RedisCacheConfig `json:"redis"`
}

type RedisCacheConfig struct {
	Addr     string `json:"addr"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // file|sqlite|postgres
	Path        string `json:"path"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout"`
	MaxConns    int32  `json:"max_conns"`
}

type NotifyConfig struct {
	// Policy: "all" (default) or "rate_increase".
	Policy  string `json:"policy"`
	TTLDays int    `json:"ttl_days"`
	// Force sends a message even when nothing is new.
	Force bool `json:"force"`

	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   string `json:"chat_id"`
	ThreadID int    `json:"thread_id"`
	APIURL   string `json:"api_url"`
	// LinkPreview turns on web page previews; they are off by default.
	LinkPreview bool   `json:"link_preview"`
	Timeout     string `json:"timeout"`
}

type ScheduleConfig struct {
	// Spec accepts cron (5 or 6 fields), @every/@daily descriptors, or an
	// interval as a Go duration ("6h") or "HH:MM" ("01:30" is every 90m).
	Spec       string `json:"spec"`
	Timezone   string `json:"timezone"`
	RunOnStart bool   `json:"run_on_start"`
	// OpsAddr enables /healthz and /readyz when set.
	OpsAddr string `json:"ops_addr"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    FileSinkConfig `json:"file"`
}

type FileSinkConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
