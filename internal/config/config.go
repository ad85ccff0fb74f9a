package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written in config as "30s", "5m", "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Port              int      `yaml:"port"`
		ReadHeaderTimeout Duration `yaml:"readHeaderTimeout"`
		ShutdownTimeout   Duration `yaml:"shutdownTimeout"`
		GinMode           string   `yaml:"ginMode"`
	} `yaml:"server"`

	Logging struct {
		Level         string   `yaml:"level"`
		Format        string   `yaml:"format"`
		LogStatsEvery Duration `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	PlayFab PlayFab `yaml:"playfab"`

	Cache struct {
		MaxEntries int      `yaml:"maxEntries"`
		DefaultTTL Duration `yaml:"defaultTTL"`
		// StaleFor is how long an expired entry survives the periodic sweep
		// so reads can fall back to it.
		StaleFor Duration `yaml:"staleFor"`
	} `yaml:"cache"`

	// Titles maps a human alias to a PlayFab title id.
	Titles map[string]string `yaml:"titles"`

	// Creators maps a creator id to its display name. Used when an item
	// carries no creator name of its own.
	Creators map[string]string `yaml:"creators"`

	Watchers struct {
		Items    Watcher `yaml:"items"`
		Prices   Watcher `yaml:"prices"`
		Sales    Watcher `yaml:"sales"`
		Trending Watcher `yaml:"trending"`
		Featured Watcher `yaml:"featured"`
	} `yaml:"watchers"`

	Hub struct {
		Heartbeat    Duration `yaml:"heartbeat"`
		MinHeartbeat Duration `yaml:"minHeartbeat"`
		SendBuffer   int      `yaml:"sendBuffer"`
	} `yaml:"hub"`

	Webhooks Webhooks `yaml:"webhooks"`
}

type PlayFab struct {
	// BaseURL may contain a single %s which is replaced with the title id.
	BaseURL        string   `yaml:"baseURL"`
	CustomID       string   `yaml:"customId"`
	SessionSoftTTL Duration `yaml:"sessionSoftTTL"`
	RequestTimeout Duration `yaml:"requestTimeout"`
	Retries        int      `yaml:"retries"`
	BackoffBase    Duration `yaml:"backoffBase"`
	BackoffMax     Duration `yaml:"backoffMax"`
	MaxResponse    Size     `yaml:"maxResponse"`
	RateLimit      float64  `yaml:"rateLimit"`
	RateBurst      int      `yaml:"rateBurst"`

	Breaker struct {
		Failures uint     `yaml:"failures"`
		Window   uint     `yaml:"window"`
		Delay    Duration `yaml:"delay"`
	} `yaml:"breaker"`
}

type Watcher struct {
	Enabled  bool     `yaml:"enabled"`
	Alias    string   `yaml:"alias"`
	Interval Duration `yaml:"interval"`
	PageSize int      `yaml:"pageSize"`
	Pages    int      `yaml:"pages"`
	Filter   string   `yaml:"filter"`

	// trending only
	Window Duration `yaml:"window"`
	Top    int      `yaml:"top"`
}

type Webhooks struct {
	Store       string   `yaml:"store"`
	Workers     int      `yaml:"workers"`
	QueueSize   int      `yaml:"queueSize"`
	MaxAttempts int      `yaml:"maxAttempts"`
	Timeout     Duration `yaml:"timeout"`
	BackoffBase Duration `yaml:"backoffBase"`
	BackoffMax  Duration `yaml:"backoffMax"`
	MaxBodySize Size     `yaml:"maxBodySize"`
	RatePerSec  float64  `yaml:"ratePerSecond"`
	RateBurst   int      `yaml:"rateBurst"`
	// MaxRetryAfter caps a receiver's Retry-After.
	MaxRetryAfter Duration `yaml:"maxRetryAfter"`
}

// Load reads the YAML file at path, applies env overrides and defaults.
// A missing file is not an error: defaults plus env are enough to boot.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return Config{}, err
	}
	return Finalize(cfg)
}

// Finalize applies env overrides and defaults and validates cfg.
func Finalize(cfg Config) (Config, error) {
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if p := GetEnvInt("PORT", 0); p > 0 {
		cfg.Server.Port = p
	}
	if v := GetEnv("LOG_LEVEL", ""); v != "" {
		cfg.Logging.Level = v
	}
	if v := GetEnv("GIN_MODE", ""); v != "" {
		cfg.Server.GinMode = v
	}
	if v := GetEnv("PLAYFAB_CUSTOM_ID", ""); v != "" {
		cfg.PlayFab.CustomID = v
	}
	if v := GetEnv("PLAYFAB_BASE_URL", ""); v != "" {
		cfg.PlayFab.BaseURL = v
	}
	if v := GetEnv("WEBHOOK_STORE", ""); v != "" {
		cfg.Webhooks.Store = v
	}
	if v := GetEnv("DEFAULT_TITLE_ID", ""); v != "" {
		if cfg.Titles == nil {
			cfg.Titles = map[string]string{}
		}
		if _, ok := cfg.Titles["default"]; !ok {
			cfg.Titles["default"] = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	setDur(&cfg.Server.ReadHeaderTimeout, 10*time.Second)
	setDur(&cfg.Server.ShutdownTimeout, 10*time.Second)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	pf := &cfg.PlayFab
	if pf.BaseURL == "" {
		pf.BaseURL = "https://%s.playfabapi.com"
	}
	pf.BaseURL = strings.TrimRight(pf.BaseURL, "/")
	setDur(&pf.SessionSoftTTL, 30*time.Minute)
	setDur(&pf.RequestTimeout, 15*time.Second)
	if pf.Retries == 0 {
		pf.Retries = 3
	}
	setDur(&pf.BackoffBase, 500*time.Millisecond)
	setDur(&pf.BackoffMax, 10*time.Second)
	if pf.MaxResponse == 0 {
		pf.MaxResponse = 16 << 20
	}
	if pf.RateLimit == 0 {
		pf.RateLimit = 10
	}
	if pf.RateBurst == 0 {
		pf.RateBurst = 20
	}
	if pf.Breaker.Failures == 0 {
		pf.Breaker.Failures = 5
	}
	if pf.Breaker.Window == 0 {
		pf.Breaker.Window = 10
	}
	setDur(&pf.Breaker.Delay, 30*time.Second)

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 5000
	}
	setDur(&cfg.Cache.DefaultTTL, time.Minute)
	setDur(&cfg.Cache.StaleFor, time.Hour)

	w := &cfg.Watchers
	watcherDefaults(&w.Items, 2*time.Minute, 100, 3)
	watcherDefaults(&w.Prices, 5*time.Minute, 100, 5)
	watcherDefaults(&w.Sales, 5*time.Minute, 50, 2)
	watcherDefaults(&w.Trending, 10*time.Minute, 100, 5)
	watcherDefaults(&w.Featured, 10*time.Minute, 50, 1)
	setDur(&w.Trending.Window, 72*time.Hour)
	if w.Trending.Top == 0 {
		w.Trending.Top = 10
	}

	setDur(&cfg.Hub.Heartbeat, 25*time.Second)
	setDur(&cfg.Hub.MinHeartbeat, 5*time.Second)
	if cfg.Hub.SendBuffer == 0 {
		cfg.Hub.SendBuffer = 64
	}

	wh := &cfg.Webhooks
	if wh.Store == "" {
		wh.Store = "./data/webhooks"
	}
	if wh.Workers == 0 {
		wh.Workers = 4
	}
	if wh.QueueSize == 0 {
		wh.QueueSize = 1000
	}
	if wh.MaxAttempts == 0 {
		wh.MaxAttempts = 5
	}
	setDur(&wh.Timeout, 10*time.Second)
	setDur(&wh.BackoffBase, time.Second)
	setDur(&wh.BackoffMax, 5*time.Minute)
	setDur(&wh.MaxRetryAfter, 10*time.Minute)
	if wh.MaxBodySize == 0 {
		wh.MaxBodySize = 256 << 10
	}
	if wh.RatePerSec == 0 {
		wh.RatePerSec = 2
	}
	if wh.RateBurst == 0 {
		wh.RateBurst = 5
	}
}

func watcherDefaults(w *Watcher, interval time.Duration, pageSize, pages int) {
	setDur(&w.Interval, interval)
	if w.PageSize == 0 {
		w.PageSize = pageSize
	}
	if w.Pages == 0 {
		w.Pages = pages
	}
	if w.Alias == "" {
		w.Alias = "default"
	}
}

func setDur(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

func validate(cfg Config) error {
	w := cfg.Watchers
	named := map[string]Watcher{
		"items":    w.Items,
		"prices":   w.Prices,
		"sales":    w.Sales,
		"trending": w.Trending,
		"featured": w.Featured,
	}
	names := make([]string, 0, len(named))
	for n := range named {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		wc := named[n]
		if !wc.Enabled {
			continue
		}
		if _, ok := cfg.Titles[wc.Alias]; !ok {
			return fmt.Errorf("watchers.%s.alias: unknown title alias %q", n, wc.Alias)
		}
		if wc.PageSize < 1 || wc.PageSize > 300 {
			return fmt.Errorf("watchers.%s.pageSize: must be within 1..300", n)
		}
	}
	if cfg.Webhooks.Workers < 1 {
		return fmt.Errorf("webhooks.workers: must be positive")
	}
	if strings.Count(cfg.PlayFab.BaseURL, "%s") > 1 {
		return fmt.Errorf("playfab.baseURL: at most one %%s placeholder")
	}
	return nil
}
