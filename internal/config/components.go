package config

import (
	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/core/mesh/routing"
	"github.com/hivecompute/hive/core/mesh/transport"
	"github.com/hivecompute/hive/internal/utils"
)

// StoreConfig maps the storage section onto the content store.
func (c *Config) StoreConfig() cas.Config {
	sc := cas.DefaultConfig(c.Storage.Path)
	sc.InMemory = c.Storage.InMemory
	if c.Storage.ChunkSize > 0 {
		sc.ChunkSize = c.Storage.ChunkSize
	}
	if c.Storage.BloomCapacity > 0 {
		sc.BloomCapacity = c.Storage.BloomCapacity
	}
	if c.Storage.BloomFPRate > 0 {
		sc.BloomFPRate = c.Storage.BloomFPRate
	}
	return sc
}

// HealthMonitorConfig maps the health section onto the health monitor.
func (c *Config) HealthMonitorConfig() routing.HealthConfig {
	return routing.HealthConfig{
		HeartbeatInterval: c.Health.HeartbeatInterval,
		MissThreshold:     c.Health.MissThreshold,
		GracePeriod:       c.Health.GracePeriod,
	}
}

// RegistryConfig maps the health section onto the peer registry.
func (c *Config) RegistryConfig() routing.RegistryConfig {
	return routing.RegistryConfig{LatencyAlpha: c.Health.LatencyAlpha}
}

// TransportConfig maps the rpc section onto the outbound transports.
func (c *Config) TransportConfig(localID string) transport.Config {
	tc := transport.DefaultConfig()
	tc.LocalID = localID
	if c.RPC.CallTimeout > 0 {
		tc.CallTimeout = c.RPC.CallTimeout
	}
	if c.RPC.HandshakeTimeout > 0 {
		tc.HandshakeTimeout = c.RPC.HandshakeTimeout
	}
	if c.RPC.MaxMessageSize > 0 {
		tc.MaxMessageSize = c.RPC.MaxMessageSize
	}
	if c.RPC.BreakerFailures > 0 {
		tc.BreakerFailures = c.RPC.BreakerFailures
	}
	if c.RPC.BreakerTimeout > 0 {
		tc.BreakerTimeout = c.RPC.BreakerTimeout
	}
	return tc
}

// PeerRateLimit maps the rpc section onto the inbound mux limiter.
func (c *Config) PeerRateLimit() transport.RateLimit {
	return transport.RateLimit{Rate: c.RPC.PeerRate, Burst: c.RPC.PeerBurst}
}

// RedisConfig maps the directory section onto the Redis directory.
func (c *Config) RedisConfig() routing.RedisConfig {
	return routing.RedisConfig{
		Addr:      c.Directory.RedisAddr,
		Password:  c.Directory.Password,
		DB:        c.Directory.DB,
		KeyPrefix: c.Directory.KeyPrefix,
	}
}

// LoggerConfig maps the log section onto the component logger.
func (c *Config) LoggerConfig(component string) utils.LoggerConfig {
	return utils.LoggerConfig{
		Level:     c.Log.Level,
		Component: component,
		Colorize:  c.Log.Colorize && !c.Log.JSON,
		JSON:      c.Log.JSON,
	}
}
