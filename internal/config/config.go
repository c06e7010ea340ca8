package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the dialer core.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int // metrics/health listener

	SwitchHost           string
	SwitchPort           int
	DevMode              bool   // when true, originate destinations are user/<ext> instead of sofia/external/<e164>
	WaitingRoomExtension string // dialplan extension a parked call is held on until the waiting-room loop bridges it

	TickInterval       int // seconds between dialer cycle ticks (PERIODIC_TRIGGER_INTERVAL)
	PickupRatio        float64
	QueueRefillThresh  int
	OrphanTimeoutSecs  int
	OriginateTimeout   int
	DialerLockTTLSecs  int
	SyncLockTTLSecs    int
	SyncDrainDelaySecs int

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir  = "./data"
	defaultHTTPPort = 9090

	defaultSwitchHost           = "127.0.0.1"
	defaultSwitchPort           = 8021
	defaultWaitingRoomExtension = "9999"

	defaultTickInterval       = 5
	defaultPickupRatio        = 0.3
	defaultQueueRefillThresh  = 100
	defaultOrphanTimeoutSecs  = 90
	defaultOriginateTimeout   = 30
	defaultDialerLockTTLSecs  = 10
	defaultSyncLockTTLSecs    = 5
	defaultSyncDrainDelaySecs = 5

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all dialer core environment variables.
const envPrefix = "DIALCORE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialcore", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the lead store database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "metrics/health HTTP listen port")
	fs.StringVar(&cfg.SwitchHost, "switch-host", defaultSwitchHost, "FreeSWITCH ESL host")
	fs.IntVar(&cfg.SwitchPort, "switch-port", defaultSwitchPort, "FreeSWITCH ESL port")
	fs.BoolVar(&cfg.DevMode, "dev-mode", false, "originate to user/<ext> instead of sofia/external/<e164> for agent-to-agent testing")
	fs.StringVar(&cfg.WaitingRoomExtension, "waiting-room-extension", defaultWaitingRoomExtension, "dialplan extension a parked call is held on until an agent frees up")
	fs.IntVar(&cfg.TickInterval, "tick-interval", defaultTickInterval, "seconds between dialer cycle ticks")
	fs.Float64Var(&cfg.PickupRatio, "pickup-ratio", defaultPickupRatio, "empirical answer-rate used to compute the predictive dial multiplier")
	fs.IntVar(&cfg.QueueRefillThresh, "queue-refill-threshold", defaultQueueRefillThresh, "secondary queue depth below which a refill is triggered")
	fs.IntVar(&cfg.OrphanTimeoutSecs, "orphan-timeout-seconds", defaultOrphanTimeoutSecs, "seconds a busy agent may wait with no active call before the reaper reclaims it")
	fs.IntVar(&cfg.OriginateTimeout, "originate-timeout-seconds", defaultOriginateTimeout, "originate_timeout passed to the switch for parked/ringing calls")
	fs.IntVar(&cfg.DialerLockTTLSecs, "dialer-lock-ttl-seconds", defaultDialerLockTTLSecs, "TTL of the global dialer execution lock")
	fs.IntVar(&cfg.SyncLockTTLSecs, "sync-lock-ttl-seconds", defaultSyncLockTTLSecs, "TTL of the persistence sync single-flight lock")
	fs.IntVar(&cfg.SyncDrainDelaySecs, "sync-drain-delay-seconds", defaultSyncDrainDelaySecs, "debounce delay before a scheduled persistence drain runs")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":                   envPrefix + "DATA_DIR",
		"http-port":                  envPrefix + "HTTP_PORT",
		"switch-host":                envPrefix + "SWITCH_HOST",
		"switch-port":                envPrefix + "SWITCH_PORT",
		"dev-mode":                   envPrefix + "DEV_MODE",
		"waiting-room-extension":     envPrefix + "WAITING_ROOM_EXTENSION",
		"tick-interval":              envPrefix + "TICK_INTERVAL",
		"pickup-ratio":               envPrefix + "PICKUP_RATIO",
		"queue-refill-threshold":     envPrefix + "QUEUE_REFILL_THRESHOLD",
		"orphan-timeout-seconds":     envPrefix + "ORPHAN_TIMEOUT_SECONDS",
		"originate-timeout-seconds":  envPrefix + "ORIGINATE_TIMEOUT_SECONDS",
		"dialer-lock-ttl-seconds":    envPrefix + "DIALER_LOCK_TTL_SECONDS",
		"sync-lock-ttl-seconds":      envPrefix + "SYNC_LOCK_TTL_SECONDS",
		"sync-drain-delay-seconds":   envPrefix + "SYNC_DRAIN_DELAY_SECONDS",
		"log-level":                  envPrefix + "LOG_LEVEL",
		"log-format":                 envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "switch-host":
			cfg.SwitchHost = val
		case "switch-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SwitchPort = v
			}
		case "dev-mode":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.DevMode = v
			}
		case "waiting-room-extension":
			cfg.WaitingRoomExtension = val
		case "tick-interval":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.TickInterval = v
			}
		case "pickup-ratio":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.PickupRatio = v
			}
		case "queue-refill-threshold":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.QueueRefillThresh = v
			}
		case "orphan-timeout-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OrphanTimeoutSecs = v
			}
		case "originate-timeout-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.OriginateTimeout = v
			}
		case "dialer-lock-ttl-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DialerLockTTLSecs = v
			}
		case "sync-lock-ttl-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SyncLockTTLSecs = v
			}
		case "sync-drain-delay-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SyncDrainDelaySecs = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SwitchPort < 1 || c.SwitchPort > 65535 {
		return fmt.Errorf("switch-port must be between 1 and 65535, got %d", c.SwitchPort)
	}
	if c.TickInterval < 1 {
		return fmt.Errorf("tick-interval must be positive, got %d", c.TickInterval)
	}
	if c.PickupRatio <= 0 || c.PickupRatio > 1 {
		return fmt.Errorf("pickup-ratio must be in (0, 1], got %f", c.PickupRatio)
	}
	if c.OrphanTimeoutSecs < 1 {
		return fmt.Errorf("orphan-timeout-seconds must be positive, got %d", c.OrphanTimeoutSecs)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// DialMultiplier returns the predictive dial multiplier m = max(1, floor(1/pickup_ratio)).
func (c *Config) DialMultiplier() int {
	m := int(1.0 / c.PickupRatio)
	if m < 1 {
		m = 1
	}
	return m
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
