// Package config loads Queen and Drone configuration.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("hive.yaml").
//	    WithEnvPrefix("HIVE").
//	    Load()
//
// Precedence: defaults, then the YAML file, then environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/scheduler"
)

// Config is the complete Queen configuration.
type Config struct {
	Node         NodeConfig          `yaml:"node" env:"NODE"`
	API          APIConfig           `yaml:"api" env:"API"`
	RPC          RPCConfig           `yaml:"rpc" env:"RPC"`
	Storage      StorageConfig       `yaml:"storage" env:"STORAGE"`
	Health       HealthConfig        `yaml:"health" env:"HEALTH"`
	Scheduler    scheduler.Config    `yaml:"scheduler" env:"SCHEDULER"`
	Distribution distribution.Config `yaml:"distribution" env:"DISTRIBUTION"`
	Directory    DirectoryConfig     `yaml:"directory" env:"DIRECTORY"`
	Events       EventsConfig        `yaml:"events" env:"EVENTS"`
	History      HistoryConfig       `yaml:"history" env:"HISTORY"`
	Log          LogConfig           `yaml:"log" env:"LOG"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	// DataDir holds the store, identity key and history database.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	// IdentityFile is relative to DataDir unless absolute.
	IdentityFile string `yaml:"identity_file" env:"IDENTITY_FILE"`
	// MDNS enables LAN discovery of Drones.
	MDNS bool `yaml:"mdns" env:"MDNS"`
}

// APIConfig configures the dashboard HTTP server.
type APIConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	AllowOrigins    []string      `yaml:"allow_origins" env:"ALLOW_ORIGINS"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
	RateLimit       float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst       int           `yaml:"rate_burst" env:"RATE_BURST"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// RPCConfig configures the peer-facing transports.
type RPCConfig struct {
	// WSAddr is the websocket listen address; empty disables it.
	WSAddr string `yaml:"ws_addr" env:"WS_ADDR"`
	// P2PListen lists libp2p multiaddrs; empty disables libp2p.
	P2PListen        []string      `yaml:"p2p_listen" env:"P2P_LISTEN"`
	CallTimeout      time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	MaxMessageSize   int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	BreakerFailures  uint32        `yaml:"breaker_failures" env:"BREAKER_FAILURES"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout" env:"BREAKER_TIMEOUT"`
	PeerRate         int           `yaml:"peer_rate" env:"PEER_RATE"`
	PeerBurst        int           `yaml:"peer_burst" env:"PEER_BURST"`
}

// StorageConfig configures the content store.
type StorageConfig struct {
	// Path defaults to <data_dir>/store.
	Path          string  `yaml:"path" env:"PATH"`
	InMemory      bool    `yaml:"in_memory" env:"IN_MEMORY"`
	ChunkSize     int64   `yaml:"chunk_size" env:"CHUNK_SIZE"`
	BloomCapacity uint    `yaml:"bloom_capacity" env:"BLOOM_CAPACITY"`
	BloomFPRate   float64 `yaml:"bloom_fp_rate" env:"BLOOM_FP_RATE"`
}

// HealthConfig configures liveness detection.
type HealthConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	MissThreshold     int           `yaml:"miss_threshold" env:"MISS_THRESHOLD"`
	GracePeriod       time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
	LatencyAlpha      float64       `yaml:"latency_alpha" env:"LATENCY_ALPHA"`
}

// DirectoryConfig selects where content placement is recorded.
type DirectoryConfig struct {
	// Backend is "memory" or "redis".
	Backend   string `yaml:"backend" env:"BACKEND"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// EventsConfig configures the optional NATS bridge.
type EventsConfig struct {
	NATSURL       string   `yaml:"nats_url" env:"NATS_URL"`
	SubjectPrefix string   `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
	Topics        []string `yaml:"topics" env:"TOPICS"`
}

// HistoryConfig configures the job archive.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Path defaults to <data_dir>/history.db.
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string `yaml:"level" env:"LEVEL"`
	JSON     bool   `yaml:"json" env:"JSON"`
	Colorize bool   `yaml:"colorize" env:"COLORIZE"`
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.API.Addr == "" {
		errs = append(errs, "api.addr is required")
	}
	if c.RPC.WSAddr == "" && len(c.RPC.P2PListen) == 0 {
		errs = append(errs, "at least one of rpc.ws_addr or rpc.p2p_listen is required")
	}
	if !c.Storage.InMemory && c.Node.DataDir == "" && c.Storage.Path == "" {
		errs = append(errs, "node.data_dir or storage.path is required")
	}
	if c.Storage.ChunkSize != 0 && (c.Storage.ChunkSize < 1<<10 || c.Storage.ChunkSize > 64<<20) {
		errs = append(errs, "storage.chunk_size must be between 1KiB and 64MiB")
	}
	if c.Health.HeartbeatInterval <= 0 {
		errs = append(errs, "health.heartbeat_interval must be positive")
	}
	if c.Health.MissThreshold <= 0 {
		errs = append(errs, "health.miss_threshold must be positive")
	}
	if c.Health.LatencyAlpha <= 0 || c.Health.LatencyAlpha > 1 {
		errs = append(errs, "health.latency_alpha must be in (0, 1]")
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, "scheduler.max_retries must not be negative")
	}
	switch c.Directory.Backend {
	case "memory":
	case "redis":
		if c.Directory.RedisAddr == "" {
			errs = append(errs, "directory.redis_addr is required for the redis backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown directory.backend %q", c.Directory.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
