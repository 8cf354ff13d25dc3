// Package config provides layered configuration loading for the ChronoSafe
// service. It merges Defaults -> Environment Variables with koanf, decodes
// through mapstructure hooks and validates the result.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables; the rest is lowercased
// to form the key, e.g. CHRONOSAFE_DATA_DIR -> data_dir.
const EnvPrefix = "CHRONOSAFE_"

// Config holds the merged runtime configuration.
type Config struct {
	Addr                  string        `koanf:"addr" validate:"required,ip_port"`
	DataDir               string        `koanf:"data_dir" validate:"required,data_path"`
	LogLevel              string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	MaxMediaBytes         ByteSize      `koanf:"max_media_bytes" validate:"gt=0"`
	UploadHold            time.Duration `koanf:"upload_hold" validate:"gte=0"`
	JanitorInterval       time.Duration `koanf:"janitor_interval" validate:"gt=0"`
	PartialMaxAge         time.Duration `koanf:"partial_max_age" validate:"gt=0"`
	NotificationRetention time.Duration `koanf:"notification_retention" validate:"gte=0"`
	MetricsToken          string        `koanf:"metrics_token"`
	MetricsFlush          time.Duration `koanf:"metrics_flush" validate:"gt=0"`
}

// DefaultAppConfig is the lowest configuration layer.
var DefaultAppConfig = Config{
	Addr:                  ":8080",
	DataDir:               "./data",
	LogLevel:              "info",
	MaxMediaBytes:         64 << 20, // 64 MiB
	UploadHold:            10 * time.Minute,
	JanitorInterval:       time.Hour,
	PartialMaxAge:         24 * time.Hour,
	NotificationRetention: 30 * 24 * time.Hour,
	MetricsFlush:          30 * time.Second,
}

// Loader and validator hooks; package variables so tests can force failures.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
			},
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		return errors.Join(
			v.RegisterValidation("ip_port", validIPPort),
			v.RegisterValidation("data_path", validDataPath),
		)
	}
)

// Load builds the configuration from defaults and the environment and
// validates it.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				StringToByteSize(),
				mapstructure.StringToTimeDurationHookFunc(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if cfg.NotificationRetention > 0 && cfg.NotificationRetention < cfg.JanitorInterval {
		return nil, errors.New("notification_retention must be zero or at least janitor_interval")
	}
	return &cfg, nil
}

// SQLiteDSN returns the DSN for the notification and metrics database inside
// DataDir.
func (c *Config) SQLiteDSN() string {
	const params = "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
	return "file:" + filepath.Join(c.DataDir, "chronosafe.db") + params
}

// MediaDir is the managed media directory.
func (c *Config) MediaDir() string { return filepath.Join(c.DataDir, "media") }

// SlogLevel maps LogLevel to a slog.Level; unknown values select info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// validIPPort accepts ":port" or "ip:port" with a numeric port in 1-65535.
// Hostnames are rejected.
func validIPPort(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" || strings.TrimSpace(s) != s || strings.Contains(s, " ") {
		return false
	}
	if strings.HasPrefix(s, ":") {
		return validPort(s[1:])
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return false
	}
	return ap.Port() != 0
}

func validPort(p string) bool {
	if p == "" || len(p) > 5 {
		return false
	}
	n := 0
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
		n = n*10 + int(r-'0')
	}
	return n >= 1 && n <= 65535
}

// validDataPath rejects empty, root and current-directory paths and any
// path with a parent reference.
func validDataPath(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if strings.TrimSpace(s) == "" {
		return false
	}
	for _, seg := range strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return false
		}
	}
	clean := filepath.Clean(s)
	return clean != "." && clean != "/"
}
