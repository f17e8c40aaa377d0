// Package config loads the tick engine's configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine holds all configuration for the tick-driven network and
// world-update engine.
type Engine struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	MaxClients  int    `yaml:"max_clients"` // fixed connection-table capacity

	// Tick scheduler (§4.5)
	TicksPerSecond  int           `yaml:"ticks_per_second"`   // TICKS, default 20
	CatchUpSlipMax  time.Duration `yaml:"catch_up_slip_max"`  // reset threshold, default 10s
	IOSlice         time.Duration `yaml:"io_slice"`           // max sleep between scheduler iterations

	// Per-connection buffers (§3, §4.1)
	OutRingCapacity  int `yaml:"out_ring_capacity"`  // OBUF_CAP, default 256 KiB
	TickBufCapacity  int `yaml:"tick_buf_capacity"`  // TBUF_CAP, default 64 KiB
	RecvBurstBytes   int `yaml:"recv_burst_bytes"`   // RECV_BURST per I/O pass

	// Wire codec (§4.2)
	CompressThreshold int `yaml:"compress_threshold"` // bytes, default 64

	// Keepalive / lag (§4.3)
	LagStoneThreshold  uint32        `yaml:"lag_stone_threshold"`
	HandshakeIdleTimeout time.Duration `yaml:"handshake_idle_timeout"` // default 60s
	NormalIdleTimeout    time.Duration `yaml:"normal_idle_timeout"`    // default 15m

	// Shutdown draining (§4.4, §7 ShutdownRequested)
	ShutdownGraceTicks int `yaml:"shutdown_grace_ticks"` // default 2

	// Login ticket TTL, consumed from the auth collaborator (§3 Login ticket)
	LoginTicketTTL time.Duration `yaml:"login_ticket_ttl"`

	// Database backing the persistent world storage collaborator (charstore)
	Database DatabaseConfig `yaml:"database"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug, info, warn, error (default: info)
}

// DatabaseConfig holds PostgreSQL connection parameters for the character
// store. Mirrors the connection-pool knobs pgxpool exposes.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`

	MaxConns int32 `yaml:"max_conns"` // default: pgxpool default (max(4, NumCPU))
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	base := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
	if d.MaxConns > 0 {
		base += fmt.Sprintf("&pool_max_conns=%d", d.MaxConns)
	}
	return base
}

// TickPeriod returns the fixed tick period (TICK in §3) derived from
// TicksPerSecond.
func (e Engine) TickPeriod() time.Duration {
	return time.Second / time.Duration(e.TicksPerSecond)
}

// Default returns an Engine config with the defaults named throughout
// spec §3–§5 (TICKS=20, OBUF_CAP=256KiB, TBUF_CAP=64KiB, COMPRESS_THRESHOLD=64,
// 10s catch-up reset, 60s/15min idle timeouts).
func Default() Engine {
	return Engine{
		BindAddress:          "0.0.0.0",
		Port:                 5555,
		MaxClients:           256,
		TicksPerSecond:       20,
		CatchUpSlipMax:       10 * time.Second,
		IOSlice:              5 * time.Millisecond,
		OutRingCapacity:      256 * 1024,
		TickBufCapacity:      64 * 1024,
		RecvBurstBytes:       8 * 1024,
		CompressThreshold:    64,
		LagStoneThreshold:    100,
		HandshakeIdleTimeout: 60 * time.Second,
		NormalIdleTimeout:    15 * time.Minute,
		ShutdownGraceTicks:   2,
		LoginTicketTTL:       30 * time.Second,
		LogLevel:             "info",
		Database: DatabaseConfig{
			Host:    "127.0.0.1",
			Port:    5432,
			User:    "tickengine",
			Password: "tickengine",
			DBName:  "tickengine",
			SSLMode: "disable",
		},
	}
}

// Load reads Engine config from a YAML file at path. If the file does not
// exist, Load returns the defaults unchanged.
func Load(path string) (Engine, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
