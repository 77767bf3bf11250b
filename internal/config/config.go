// Package config loads the sockmux command configuration from an optional
// TOML file layered over built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds everything the command needs to build an engine.
type Config struct {
	AppName        string
	LogLevel       string
	MaxFrameSize   int
	ConnectTimeout time.Duration
	NoDelay        bool
	ReadBuffer     int
	SendBuffer     int
	MaxConnections int
	BindHost       string
	MetricsAddr    string

	ServMap ServMapConfig
}

// ServMapConfig configures service registration. An empty Addr disables it.
type ServMapConfig struct {
	Addr     string
	Refresh  time.Duration
	Type     string
	Subtype  string
	Instance string
}

type fileConfig struct {
	AppName        string        `toml:"app_name"`
	LogLevel       string        `toml:"log_level"`
	MaxFrameSize   int           `toml:"max_frame_size"`
	ConnectTimeout string        `toml:"connect_timeout"`
	NoDelay        bool          `toml:"no_delay"`
	ReadBuffer     int           `toml:"read_buffer"`
	SendBuffer     int           `toml:"send_buffer"`
	MaxConnections int           `toml:"max_connections"`
	BindHost       string        `toml:"bind_host"`
	MetricsAddr    string        `toml:"metrics_addr"`
	ServMap        servMapConfig `toml:"servmap"`
}

type servMapConfig struct {
	Addr     string `toml:"addr"`
	Refresh  string `toml:"refresh"`
	Type     string `toml:"type"`
	Subtype  string `toml:"subtype"`
	Instance string `toml:"instance"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		AppName:        "sockmux",
		LogLevel:       "info",
		MaxFrameSize:   1024 * 1024,
		ConnectTimeout: 500 * time.Millisecond,
		NoDelay:        true,
		ServMap: ServMapConfig{
			Refresh:  30 * time.Second,
			Type:     "sockmux",
			Subtype:  "relay",
			Instance: "default",
		},
	}
}

// Load reads path over Default. Keys missing from the file keep their
// default; an empty path returns Default unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("app_name") {
		cfg.AppName = strings.TrimSpace(raw.AppName)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("max_frame_size") {
		cfg.MaxFrameSize = raw.MaxFrameSize
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}
	if meta.IsDefined("no_delay") {
		cfg.NoDelay = raw.NoDelay
	}
	if meta.IsDefined("read_buffer") {
		cfg.ReadBuffer = raw.ReadBuffer
	}
	if meta.IsDefined("send_buffer") {
		cfg.SendBuffer = raw.SendBuffer
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("bind_host") {
		cfg.BindHost = strings.TrimSpace(raw.BindHost)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("servmap", "addr") {
		cfg.ServMap.Addr = strings.TrimSpace(raw.ServMap.Addr)
	}
	if meta.IsDefined("servmap", "refresh") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ServMap.Refresh))
		if err != nil {
			return Config{}, fmt.Errorf("parse servmap.refresh: %w", err)
		}
		cfg.ServMap.Refresh = d
	}
	if meta.IsDefined("servmap", "type") {
		cfg.ServMap.Type = strings.TrimSpace(raw.ServMap.Type)
	}
	if meta.IsDefined("servmap", "subtype") {
		cfg.ServMap.Subtype = strings.TrimSpace(raw.ServMap.Subtype)
	}
	if meta.IsDefined("servmap", "instance") {
		cfg.ServMap.Instance = strings.TrimSpace(raw.ServMap.Instance)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine would refuse.
func Validate(cfg Config) error {
	if cfg.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	if cfg.MaxFrameSize <= 0 {
		return fmt.Errorf("max_frame_size must be positive, got %d", cfg.MaxFrameSize)
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", cfg.ConnectTimeout)
	}
	if cfg.ReadBuffer < 0 || cfg.SendBuffer < 0 {
		return fmt.Errorf("socket buffer sizes must not be negative")
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if cfg.ServMap.Addr != "" && cfg.ServMap.Refresh <= 0 {
		return fmt.Errorf("servmap.refresh must be positive")
	}
	return nil
}

// String renders the configuration for startup logs.
func (c Config) String() string {
	var sb strings.Builder
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-18s: %s\n", name, value))
	}
	sb.WriteString("\nENGINE\n")
	addField("App", c.AppName)
	addField("Max Frame Size", fmt.Sprintf("%d bytes", c.MaxFrameSize))
	addField("Connect Timeout", c.ConnectTimeout.String())
	addField("No Delay", fmt.Sprintf("%t", c.NoDelay))
	addField("Bind Host", c.BindHost)
	if c.ServMap.Addr != "" {
		sb.WriteString("\nSERVICE MAPPER\n")
		addField("Address", c.ServMap.Addr)
		addField("Refresh", c.ServMap.Refresh.String())
		addField("Identity", c.ServMap.Type+"/"+c.ServMap.Subtype+"/"+c.ServMap.Instance)
	}
	return sb.String()
}
