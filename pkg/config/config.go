// Package config loads the TOML configuration of the representation engine.
//
// Every section is optional; absent keys keep the value of [Default]:
//
//	[notify]
//	debounce = "300ms"
//
//	[render]
//	frame_interval = "16ms"
//
//	[worker]
//	idle_timeout = "30s"
//
//	[cache]
//	backend = "file"          # memory | file | redis
//	dir = "~/.cache/segrep"
//	redis_addr = "localhost:6379"
//	ttl = "24h"
//
//	[log]
//	level = "info"
//
//	[styles.labelmap]
//	fillAlpha = 0.3
//
//	[server]
//	addr = ":8089"
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"github.com/matzehuels/segrep/pkg/errors"
	"github.com/matzehuels/segrep/pkg/segmentation"
	"github.com/matzehuels/segrep/pkg/style"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Duration is a time.Duration read from strings such as "300ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete engine configuration.
type Config struct {
	Notify NotifyConfig              `toml:"notify"`
	Render RenderConfig              `toml:"render"`
	Worker WorkerConfig              `toml:"worker"`
	Cache  CacheConfig               `toml:"cache"`
	Log    LogConfig                 `toml:"log"`
	Styles map[string]map[string]any `toml:"styles"`
	Server ServerConfig              `toml:"server"`
}

// NotifyConfig configures the debounced change notifier.
type NotifyConfig struct {
	Debounce Duration `toml:"debounce"`
}

// RenderConfig configures the render scheduler.
type RenderConfig struct {
	FrameInterval Duration `toml:"frame_interval"`
}

// WorkerConfig configures the computation pool.
type WorkerConfig struct {
	IdleTimeout Duration `toml:"idle_timeout"`
}

// CacheConfig selects the secondary tier of the geometry caches.
type CacheConfig struct {
	Backend       string   `toml:"backend"`
	Dir           string   `toml:"dir"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	RedisDB       int      `toml:"redis_db"`
	Prefix        string   `toml:"prefix"`
	TTL           Duration `toml:"ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// ServerConfig configures the inspection server.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Notify: NotifyConfig{Debounce: Duration{300 * time.Millisecond}},
		Render: RenderConfig{FrameInterval: Duration{16 * time.Millisecond}},
		Worker: WorkerConfig{IdleTimeout: Duration{30 * time.Second}},
		Cache: CacheConfig{
			Backend: BackendMemory,
			Dir:     DefaultCacheDir(),
			Prefix:  "segrep:",
			TTL:     Duration{24 * time.Hour},
		},
		Log:    LogConfig{Level: "info"},
		Styles: map[string]map[string]any{},
		Server: ServerConfig{Addr: ":8089"},
	}
}

// DefaultCacheDir returns the per-user cache directory of segrep.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "segrep")
	}
	return filepath.Join(os.TempDir(), "segrep-cache")
}

// Load reads a TOML file over Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfig, err, "read config %s", path)
	}
	return Parse(string(data))
}

// Parse decodes TOML text over Default and validates the result.
// Unknown keys are rejected.
func Parse(text string) (Config, error) {
	cfg := Default()
	meta, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidConfig, err, "decode config")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		var keys []string
		for _, k := range undecoded {
			if len(k) > 0 && k[0] == "styles" {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			sort.Strings(keys)
			return Config{}, errors.New(errors.ErrCodeInvalidConfig, "unknown config keys: %s", strings.Join(keys, ", "))
		}
	}
	cfg.Cache.Dir = expandHome(cfg.Cache.Dir)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges, the cache backend, the log level and every
// style override.
func (c Config) Validate() error {
	durations := []struct {
		name string
		d    Duration
	}{
		{"notify.debounce", c.Notify.Debounce},
		{"render.frame_interval", c.Render.FrameInterval},
		{"worker.idle_timeout", c.Worker.IdleTimeout},
	}
	for _, d := range durations {
		if d.d.Duration <= 0 {
			return errors.New(errors.ErrCodeInvalidConfig, "%s must be positive, got %s", d.name, d.d.Duration)
		}
	}
	if c.Cache.TTL.Duration < 0 {
		return errors.New(errors.ErrCodeInvalidConfig, "cache.ttl must not be negative")
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Cache.Dir == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "cache.dir is required for the file backend")
		}
	case BackendRedis:
		if c.Cache.RedisAddr == "" {
			return errors.New(errors.ErrCodeInvalidConfig, "cache.redis_addr is required for the redis backend")
		}
	default:
		return errors.New(errors.ErrCodeInvalidConfig, "cache.backend %q is not one of memory, file, redis", c.Cache.Backend)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "log.level")
	}

	for name, props := range c.Styles {
		kind, err := segmentation.ParseKind(name)
		if err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, err, "styles.%s", name)
		}
		if _, err := style.Validate(kind, style.Style(props)); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidConfig, err, "styles.%s", name)
		}
	}
	return nil
}

// LogLevel returns the parsed log level, info when invalid.
func (c Config) LogLevel() log.Level {
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
