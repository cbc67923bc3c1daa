package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "SENTINEL"

// Channel modes. Exactly one intake path is active per deployment.
const (
	ChannelModeQueue  = "queue"
	ChannelModeLegacy = "legacy"
)

type AppConfig struct {
	ControlPlaneURL string
	Version         string
	LogPath         string
	LogLevel        string
	EnvFile         string

	DBDriver string
	DBDSN    string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	HTTPTimeout       time.Duration
	RestartDelay      time.Duration

	Report    Report
	Discovery Discovery
	Channel   Channel
	Script    Script
	Redis     Redis
}

type Report struct {
	Interval    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BatchSize   int

	// Retention is how long delivered results, sessions and audit events
	// stay in the local store.
	Retention     time.Duration
	PruneInterval time.Duration
}

type Discovery struct {
	Enabled  bool
	Interval time.Duration
}

type Channel struct {
	Mode           string
	Path           string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
}

type Script struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Loader owns the viper instance so the file can be watched after the
// first read.
type Loader struct {
	v    *viper.Viper
	path string
}

func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}
	return &Loader{v: v, path: path}
}

func setDefaults(v *viper.Viper) {
	dataDir := filepath.Join(os.TempDir(), "sentinel-agent")

	v.SetDefault("agent.control_plane.url", "http://127.0.0.1:9400")
	v.SetDefault("agent.version", "0.1.0")
	v.SetDefault("agent.log_path", "")
	v.SetDefault("agent.log_level", "info")
	v.SetDefault("agent.env_file", ".env")
	v.SetDefault("agent.db.driver", "sqlite")
	v.SetDefault("agent.db.dsn", filepath.Join(dataDir, "agent.db"))
	v.SetDefault("agent.heartbeat_interval", 60*time.Second)
	v.SetDefault("agent.policy.poll_interval", 30*time.Second)
	v.SetDefault("agent.http.timeout", 5*time.Minute)
	v.SetDefault("agent.loop.restart_delay", 10*time.Second)
	v.SetDefault("agent.report.interval", 60*time.Second)
	v.SetDefault("agent.report.max_attempts", 0)
	v.SetDefault("agent.report.base_delay", time.Duration(0))
	v.SetDefault("agent.report.max_delay", time.Duration(0))
	v.SetDefault("agent.report.batch_size", 100)
	v.SetDefault("agent.report.retention", 24*time.Hour)
	v.SetDefault("agent.report.prune_interval", time.Hour)
	v.SetDefault("agent.discovery.enabled", true)
	v.SetDefault("agent.discovery.interval", 6*time.Hour)
	v.SetDefault("agent.channel.mode", ChannelModeQueue)
	v.SetDefault("agent.channel.path", "/api/agent/ws")
	v.SetDefault("agent.channel.reconnect_delay", 5*time.Second)
	v.SetDefault("agent.channel.ping_interval", 25*time.Second)
	v.SetDefault("agent.script.default_timeout", 5*time.Minute)
	v.SetDefault("agent.script.max_output_bytes", 1<<20)
	v.SetDefault("agent.redis.addr", "")
	v.SetDefault("agent.redis.password", "")
	v.SetDefault("agent.redis.db", 0)
}

// Load reads the YAML file (if any), then the dotenv file named by
// agent.env_file, and returns the merged configuration. Environment values,
// including those from the dotenv file, override the YAML. A missing config
// or dotenv file is not an error.
func (l *Loader) Load() (AppConfig, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return AppConfig{}, fmt.Errorf("read config %s: %w", l.path, err)
			}
		}
	}
	if envFile := l.v.GetString("agent.env_file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	cfg := l.snapshot()
	return cfg, cfg.Validate()
}

// Watch calls fn with a fresh snapshot whenever the config file changes.
func (l *Loader) Watch(fn func(AppConfig, fsnotify.Event)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.snapshot(), e)
	})
	l.v.WatchConfig()
}

func (l *Loader) snapshot() AppConfig {
	v := l.v
	return AppConfig{
		ControlPlaneURL: strings.TrimRight(v.GetString("agent.control_plane.url"), "/"),
		Version:         v.GetString("agent.version"),
		LogPath:         v.GetString("agent.log_path"),
		LogLevel:        v.GetString("agent.log_level"),
		EnvFile:         v.GetString("agent.env_file"),

		DBDriver: strings.ToLower(v.GetString("agent.db.driver")),
		DBDSN:    v.GetString("agent.db.dsn"),

		HeartbeatInterval: v.GetDuration("agent.heartbeat_interval"),
		PollInterval:      v.GetDuration("agent.policy.poll_interval"),
		HTTPTimeout:       v.GetDuration("agent.http.timeout"),
		RestartDelay:      v.GetDuration("agent.loop.restart_delay"),

		Report: Report{
			Interval:    v.GetDuration("agent.report.interval"),
			MaxAttempts: v.GetInt("agent.report.max_attempts"),
			BaseDelay:   v.GetDuration("agent.report.base_delay"),
			MaxDelay:    v.GetDuration("agent.report.max_delay"),
			BatchSize:   v.GetInt("agent.report.batch_size"),

			Retention:     v.GetDuration("agent.report.retention"),
			PruneInterval: v.GetDuration("agent.report.prune_interval"),
		},
		Discovery: Discovery{
			Enabled:  v.GetBool("agent.discovery.enabled"),
			Interval: v.GetDuration("agent.discovery.interval"),
		},
		Channel: Channel{
			Mode:           strings.ToLower(v.GetString("agent.channel.mode")),
			Path:           v.GetString("agent.channel.path"),
			ReconnectDelay: v.GetDuration("agent.channel.reconnect_delay"),
			PingInterval:   v.GetDuration("agent.channel.ping_interval"),
		},
		Script: Script{
			DefaultTimeout: v.GetDuration("agent.script.default_timeout"),
			MaxOutputBytes: v.GetInt("agent.script.max_output_bytes"),
		},
		Redis: Redis{
			Addr:     v.GetString("agent.redis.addr"),
			Password: v.GetString("agent.redis.password"),
			DB:       v.GetInt("agent.redis.db"),
		},
	}
}

func (c AppConfig) Validate() error {
	var errs []error
	if c.ControlPlaneURL == "" {
		errs = append(errs, errors.New("agent.control_plane.url is required"))
	}
	switch c.DBDriver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("agent.db.driver %q is not supported", c.DBDriver))
	}
	switch c.Channel.Mode {
	case ChannelModeQueue, ChannelModeLegacy:
	default:
		errs = append(errs, fmt.Errorf("agent.channel.mode %q is not supported", c.Channel.Mode))
	}
	for key, d := range map[string]time.Duration{
		"agent.heartbeat_interval":      c.HeartbeatInterval,
		"agent.policy.poll_interval":    c.PollInterval,
		"agent.report.interval":         c.Report.Interval,
		"agent.report.prune_interval":   c.Report.PruneInterval,
		"agent.channel.reconnect_delay": c.Channel.ReconnectDelay,
		"agent.script.default_timeout":  c.Script.DefaultTimeout,
		"agent.loop.restart_delay":      c.RestartDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Discovery.Enabled && c.Discovery.Interval <= 0 {
		errs = append(errs, errors.New("agent.discovery.interval must be positive when discovery is enabled"))
	}
	if c.Report.MaxAttempts < 0 {
		errs = append(errs, errors.New("agent.report.max_attempts must not be negative"))
	}
	if c.Report.Retention < 0 {
		errs = append(errs, errors.New("agent.report.retention must not be negative"))
	}
	return errors.Join(errs...)
}

// WebSocketURL derives the channel endpoint from the control-plane base URL.
func (c AppConfig) WebSocketURL() string {
	u := c.ControlPlaneURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + c.Channel.Path
}
