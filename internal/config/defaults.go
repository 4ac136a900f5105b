package config

import (
	"time"

	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/scheduler"
)

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:      "./hive-data",
			IdentityFile: "node_identity.json",
		},
		API: APIConfig{
			Addr:            ":3000",
			AllowOrigins:    []string{"*"},
			MaxUploadBytes:  64 << 30,
			RateLimit:       20,
			RateBurst:       40,
			ShutdownTimeout: 10 * time.Second,
		},
		RPC: RPCConfig{
			WSAddr:           ":50051",
			CallTimeout:      30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			MaxMessageSize:   128 << 20,
			BreakerFailures:  5,
			BreakerTimeout:   10 * time.Second,
			PeerRate:         50,
			PeerBurst:        100,
		},
		Storage: StorageConfig{
			ChunkSize:     8 << 20,
			BloomCapacity: 100_000,
			BloomFPRate:   0.001,
		},
		Health: HealthConfig{
			HeartbeatInterval: 5 * time.Second,
			MissThreshold:     3,
			GracePeriod:       60 * time.Second,
			LatencyAlpha:      0.3,
		},
		Scheduler:    scheduler.DefaultConfig(),
		Distribution: distribution.DefaultConfig(),
		Directory: DirectoryConfig{
			Backend:   "memory",
			KeyPrefix: "hive:",
		},
		Events: EventsConfig{
			SubjectPrefix: "hive",
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:    "info",
			Colorize: true,
		},
	}
}
