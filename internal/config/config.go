package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.vksync/config.toml.
type Config struct {
	DefaultSession string             `toml:"default_session"`
	Accounts       map[string]Account `toml:"accounts"`
	API            API                `toml:"api"`
	Sync           Sync               `toml:"sync"`
	Thumbnails     Thumbnails         `toml:"thumbnails"`
	Metrics        Metrics            `toml:"metrics"`
	Log            Log                `toml:"log"`
}

// Account holds the credentials of one session. Sessions are keyed by name.
type Account struct {
	AccessToken string `toml:"access_token"`
	UserID      uint64 `toml:"user_id"`
}

// API configures the remote client.
type API struct {
	BaseURL           string   `toml:"base_url"`
	SiteURL           string   `toml:"site_url"`
	Version           string   `toml:"version"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	Timeout           Duration `toml:"timeout"`
}

// Sync configures fetching and the sync engine.
type Sync struct {
	PageSize        int      `toml:"page_size"`
	IDsPerCall      int      `toml:"ids_per_call"`
	ResyncInterval  Duration `toml:"resync_interval"`
	GuardWindow     Duration `toml:"guard_window"`
	RecheckDelay    Duration `toml:"recheck_delay"`
	PendingSendTTL  Duration `toml:"pending_send_ttl"`
	MaxNestingDepth int      `toml:"max_nesting_depth"`
	LongPollWait    Duration `toml:"longpoll_wait"`
}

// Thumbnails configures image normalization.
type Thumbnails struct {
	MaxDimension int   `toml:"max_dimension"`
	MaxBytes     int64 `toml:"max_bytes"`
	JPEGQuality  int   `toml:"jpeg_quality"`
}

// Metrics configures the Prometheus endpoint. An empty Listen disables it.
type Metrics struct {
	Listen string `toml:"listen"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string such as "1s" or "15m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		API: API{
			BaseURL:           "https://api.vk.com/method",
			SiteURL:           "https://vk.com",
			Version:           "5.131",
			RequestsPerSecond: 3,
			Burst:             1,
			Timeout:           Duration{30 * time.Second},
		},
		Sync: Sync{
			PageSize:        200,
			IDsPerCall:      100,
			ResyncInterval:  Duration{15 * time.Minute},
			GuardWindow:     Duration{time.Second},
			RecheckDelay:    Duration{5 * time.Second},
			PendingSendTTL:  Duration{time.Minute},
			MaxNestingDepth: 8,
			LongPollWait:    Duration{25 * time.Second},
		},
		Thumbnails: Thumbnails{
			MaxDimension: 604,
			MaxBytes:     5 << 20,
			JPEGQuality:  85,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Account returns the credentials configured for session name.
func (c *Config) Account(name string) (Account, bool) {
	a, ok := c.Accounts[name]
	return a, ok
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
