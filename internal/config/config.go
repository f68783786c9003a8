package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"vectordb/internal/api"
	"vectordb/internal/vecdb"
)

const (
	DefaultPath     = "config.toml"
	DefaultBindAddr = "0.0.0.0:3000"
	DefaultLogLevel = "info"
)

type AppConfig struct {
	Server ServerConfig `toml:"server"`
	Engine EngineConfig `toml:"engine"`
}

type ServerConfig struct {
	BindAddr string `toml:"bind_addr"`
	// GRPCAddr enables the RPC listener when non-empty.
	GRPCAddr              string        `toml:"grpc_addr"`
	LogLevel              string        `toml:"log_level"`
	MaxConcurrentRequests int64         `toml:"max_concurrent_requests"`
	RequestTimeout        time.Duration `toml:"request_timeout"`
	DefaultDatabase       string        `toml:"default_database"`
}

type EngineConfig struct {
	// DataDir enables persistence when non-empty.
	DataDir                string        `toml:"data_dir"`
	WorkerSlots            int64         `toml:"worker_slots"`
	MaxPointsPerCollection int           `toml:"max_points_per_collection"`
	HnswMMin               int           `toml:"hnsw_m_min"`
	HnswMMax               int           `toml:"hnsw_m_max"`
	FilterOvershoot        int           `toml:"filter_overshoot"`
	BruteForceThreshold    float64       `toml:"brute_force_threshold"`
	CompactionThreshold    float64       `toml:"compaction_threshold"`
	CompactionInterval     time.Duration `toml:"compaction_interval"`
	LockShards             int           `toml:"lock_shards"`
	WALFsync               bool          `toml:"wal_fsync"`
}

// Default returns the configuration used when no file is present.
func Default() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			BindAddr:        DefaultBindAddr,
			LogLevel:        DefaultLogLevel,
			DefaultDatabase: vecdb.DefaultDatabase,
		},
	}
}

// LoadConfig decodes the TOML file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	config := Default()
	if path == "" {
		path = DefaultPath
	}
	md, err := toml.DecodeFile(path, config)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("Config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("decode %s: %w", path, err)
	default:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
		}
	}

	config.applyEnv(os.LookupEnv)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("BIND_ADDR"); ok && v != "" {
		c.Server.BindAddr = v
	}
	if v, ok := lookup("GRPC_ADDR"); ok {
		c.Server.GRPCAddr = v
	}
	if v, ok := lookup("DATA_DIR"); ok {
		c.Engine.DataDir = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Server.LogLevel = v
	}
}

// Validate checks the server settings and the engine bounds.
func (c *AppConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.BindAddr); err != nil {
		return fmt.Errorf("server.bind_addr %q: %w", c.Server.BindAddr, err)
	}
	if c.Server.GRPCAddr != "" {
		if _, _, err := net.SplitHostPort(c.Server.GRPCAddr); err != nil {
			return fmt.Errorf("server.grpc_addr %q: %w", c.Server.GRPCAddr, err)
		}
		if c.Server.GRPCAddr == c.Server.BindAddr {
			return fmt.Errorf("server.grpc_addr must differ from server.bind_addr")
		}
	}
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.log_level %q: want debug, info, warn or error", c.Server.LogLevel)
	}
	if c.Server.MaxConcurrentRequests < 0 {
		return fmt.Errorf("server.max_concurrent_requests must not be negative")
	}
	if c.Server.RequestTimeout < 0 {
		return fmt.Errorf("server.request_timeout must not be negative")
	}

	e := c.Engine
	if e.WorkerSlots < 0 || e.MaxPointsPerCollection < 0 || e.LockShards < 0 || e.FilterOvershoot < 0 {
		return fmt.Errorf("engine: worker_slots, max_points_per_collection, lock_shards and filter_overshoot must not be negative")
	}
	if e.HnswMMin < 0 || e.HnswMMax < 0 || (e.HnswMMin > 0 && e.HnswMMax > 0 && e.HnswMMin > e.HnswMMax) {
		return fmt.Errorf("engine.hnsw_m_min %d and hnsw_m_max %d are inconsistent", e.HnswMMin, e.HnswMMax)
	}
	if e.BruteForceThreshold < 0 || e.BruteForceThreshold > 1 {
		return fmt.Errorf("engine.brute_force_threshold %v must be within [0, 1]", e.BruteForceThreshold)
	}
	if e.CompactionThreshold < 0 || e.CompactionThreshold > 1 {
		return fmt.Errorf("engine.compaction_threshold %v must be within [0, 1]", e.CompactionThreshold)
	}
	return nil
}

// EngineOptions maps the engine section onto registry options. Zero values
// keep the engine defaults.
func (c *AppConfig) EngineOptions(logger *slog.Logger) vecdb.Options {
	e := c.Engine
	return vecdb.Options{
		DataDir:                e.DataDir,
		WorkerSlots:            e.WorkerSlots,
		MaxPointsPerCollection: e.MaxPointsPerCollection,
		HnswMMin:               e.HnswMMin,
		HnswMMax:               e.HnswMMax,
		FilterOvershoot:        e.FilterOvershoot,
		BruteForceThreshold:    e.BruteForceThreshold,
		CompactionThreshold:    e.CompactionThreshold,
		CompactionInterval:     e.CompactionInterval,
		LockShards:             e.LockShards,
		WALFsync:               e.WALFsync,
		DefaultDatabase:        c.Server.DefaultDatabase,
		Logger:                 logger,
	}
}

func (c *AppConfig) RouterOptions(logger *slog.Logger) api.Options {
	return api.Options{
		MaxConcurrentRequests: c.Server.MaxConcurrentRequests,
		RequestTimeout:        c.Server.RequestTimeout,
		Logger:                logger,
	}
}
