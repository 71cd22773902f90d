// Package config manages station daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dim-network/godim/internal/dim"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete station configuration.
type Config struct {
	Server    ServerConfig      `koanf:"server"`
	Admin     AdminConfig       `koanf:"admin"`
	Metrics   MetricsConfig     `koanf:"metrics"`
	Log       LogConfig         `koanf:"log"`
	Database  DatabaseConfig    `koanf:"database"`
	Station   StationConfig     `koanf:"station"`
	ANS       map[string]string `koanf:"ans"`
	Bots      []string          `koanf:"bots"`
	Neighbors []NeighborConfig  `koanf:"neighbors"`
	Limits    LimitsConfig      `koanf:"limits"`
	Octopus   OctopusConfig     `koanf:"octopus"`
}

// ServerConfig holds the client-facing transport gate listener.
type ServerConfig struct {
	// Host is the listen host (e.g., "0.0.0.0").
	Host string `koanf:"host"`
	// Port is the listen port for MTP, Mars and WebSocket clients.
	Port int `koanf:"port"`
}

// AdminConfig holds the JSON-over-HTTP admin API listener.
type AdminConfig struct {
	// Addr is the admin listen address (e.g., ":9396").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// DatabaseConfig holds the file database layout.
type DatabaseConfig struct {
	// Root is the base directory (e.g., "/var/dim").
	Root string `koanf:"root"`
	// Public overrides the public subtree ({root}/public when empty).
	Public string `koanf:"public"`
	// Private overrides the private subtree ({root}/private when empty).
	Private string `koanf:"private"`
}

// StationConfig identifies the local station.
type StationConfig struct {
	// ID is the station's entity identifier string. Required.
	ID string `koanf:"id"`
	// Host and Port are the station's advertised client endpoint.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// EntityID parses the configured station identifier.
func (sc StationConfig) EntityID() (dim.ID, error) {
	if sc.ID == "" {
		return dim.ID{}, ErrNoStationID
	}
	id, err := dim.ParseID(sc.ID)
	if err != nil {
		return dim.ID{}, fmt.Errorf("parse station id %q: %w", sc.ID, err)
	}
	return id, nil
}

// NeighborConfig is one pre-configured neighbor station.
type NeighborConfig struct {
	// ID is the neighbor station's entity identifier string.
	ID string `koanf:"id"`
	// Host and Port locate the neighbor's client port.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// Provider is the service provider the neighbor belongs to.
	Provider string `koanf:"provider"`
	// Chosen orders neighbors; lower is preferred.
	Chosen int `koanf:"chosen"`
}

// EntityID parses the neighbor's identifier.
func (nc NeighborConfig) EntityID() (dim.ID, error) {
	id, err := dim.ParseID(nc.ID)
	if err != nil {
		return dim.ID{}, fmt.Errorf("parse neighbor id %q: %w", nc.ID, err)
	}
	return id, nil
}

// ProviderID parses the neighbor's provider identifier.
func (nc NeighborConfig) ProviderID() (dim.ID, error) {
	id, err := dim.ParseID(nc.Provider)
	if err != nil {
		return dim.ID{}, fmt.Errorf("parse neighbor provider %q: %w", nc.Provider, err)
	}
	return id, nil
}

// LimitsConfig holds the station's resource caps.
type LimitsConfig struct {
	// OfflineCap bounds stored messages per receiver.
	OfflineCap int `koanf:"offline_cap"`
	// PushQueueCap bounds the pending push notification queue.
	PushQueueCap int `koanf:"push_queue_cap"`
	// PushQueueWarn is the queue depth that triggers congestion warnings.
	PushQueueWarn int `koanf:"push_queue_warn"`
}

// OctopusConfig tunes the edge bridge.
type OctopusConfig struct {
	// ReconcileInterval is how often the bridge re-reads the neighbor
	// tables and repairs outer connections.
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	// KeepAliveInterval is how often idle bridge links re-announce
	// themselves to the remote station.
	KeepAliveInterval time.Duration `koanf:"keepalive_interval"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// station identifier has no default and must come from file or env.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9394,
		},
		Admin: AdminConfig{
			Addr: ":9396",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Root: "/var/dim",
		},
		Limits: LimitsConfig{
			OfflineCap:    71680,
			PushQueueCap:  100000,
			PushQueueWarn: 65535,
		},
		Octopus: OctopusConfig{
			ReconcileInterval: 60 * time.Second,
			KeepAliveInterval: 5 * time.Minute,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for station configuration.
// Variables are named GODIM_<section>_<key>, e.g., GODIM_SERVER_PORT.
const envPrefix = "GODIM_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GODIM_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GODIM_SERVER_HOST   -> server.host
//	GODIM_SERVER_PORT   -> server.port
//	GODIM_ADMIN_ADDR    -> admin.addr
//	GODIM_METRICS_ADDR  -> metrics.addr
//	GODIM_LOG_LEVEL     -> log.level
//	GODIM_STATION_ID    -> station.id
//	GODIM_DATABASE_ROOT -> database.root
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// GODIM_SERVER_PORT -> server.port (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GODIM_SERVER_PORT -> server.port.
// Strips the GODIM_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.host":                defaults.Server.Host,
		"server.port":                defaults.Server.Port,
		"admin.addr":                 defaults.Admin.Addr,
		"metrics.addr":               defaults.Metrics.Addr,
		"metrics.path":               defaults.Metrics.Path,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
		"database.root":              defaults.Database.Root,
		"limits.offline_cap":         defaults.Limits.OfflineCap,
		"limits.push_queue_cap":      defaults.Limits.PushQueueCap,
		"limits.push_queue_warn":     defaults.Limits.PushQueueWarn,
		"octopus.reconcile_interval": defaults.Octopus.ReconcileInterval.String(),
		"octopus.keepalive_interval": defaults.Octopus.KeepAliveInterval.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrNoStationID indicates the station identifier is missing.
	ErrNoStationID = errors.New("station.id must be set")

	// ErrInvalidStationID indicates the station identifier is unparsable.
	ErrInvalidStationID = errors.New("station.id is not a valid entity identifier")

	// ErrInvalidServerPort indicates the client port is out of range.
	ErrInvalidServerPort = errors.New("server.port must be between 1 and 65535")

	// ErrEmptyAdminAddr indicates the admin listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrEmptyDatabaseRoot indicates the database root is empty.
	ErrEmptyDatabaseRoot = errors.New("database.root must not be empty")

	// ErrInvalidOfflineCap indicates a non-positive offline store cap.
	ErrInvalidOfflineCap = errors.New("limits.offline_cap must be >= 1")

	// ErrInvalidNeighbor indicates a neighbor entry with a bad identifier.
	ErrInvalidNeighbor = errors.New("neighbor id is invalid")

	// ErrDuplicateNeighbor indicates two neighbor entries share an identifier.
	ErrDuplicateNeighbor = errors.New("duplicate neighbor id")

	// ErrInvalidANSRecord indicates an ans record with a bad identifier.
	ErrInvalidANSRecord = errors.New("ans record identifier is invalid")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Station.ID == "" {
		return ErrNoStationID
	}
	if _, err := dim.ParseID(cfg.Station.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStationID, err)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return ErrInvalidServerPort
	}

	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if cfg.Database.Root == "" {
		return ErrEmptyDatabaseRoot
	}

	if cfg.Limits.OfflineCap < 1 {
		return ErrInvalidOfflineCap
	}

	for name, s := range cfg.ANS {
		if _, err := dim.ParseID(s); err != nil {
			return fmt.Errorf("ans[%s] = %q: %w: %w", name, s, ErrInvalidANSRecord, err)
		}
	}

	return validateNeighbors(cfg.Neighbors)
}

// validateNeighbors checks each neighbor entry for correctness.
func validateNeighbors(neighbors []NeighborConfig) error {
	seen := make(map[string]struct{}, len(neighbors))

	for i, nc := range neighbors {
		id, err := nc.EntityID()
		if err != nil {
			return fmt.Errorf("neighbors[%d]: %w: %w", i, ErrInvalidNeighbor, err)
		}

		if nc.Provider != "" {
			if _, err := nc.ProviderID(); err != nil {
				return fmt.Errorf("neighbors[%d]: %w: %w", i, ErrInvalidNeighbor, err)
			}
		}

		key := id.Bare().String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("neighbors[%d] id %q: %w", i, nc.ID, ErrDuplicateNeighbor)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
