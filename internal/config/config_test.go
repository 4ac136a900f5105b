package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HIVE_NODE_DATA_DIR", dir)

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.API.Addr)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 1200*time.Second, cfg.Scheduler.JobDeadline)
	assert.Equal(t, 4, cfg.Distribution.PipelineDepth)
	assert.Equal(t, filepath.Join(dir, "store"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(dir, "history.db"), cfg.History.Path)
	assert.Equal(t, filepath.Join(dir, "node_identity.json"), cfg.Node.IdentityFile)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  data_dir: `+dir+`
api:
  addr: ":8080"
scheduler:
  max_retries: 5
  capacity_wait: 3s
health:
  heartbeat_interval: 2s
rpc:
  p2p_listen: ["/ip4/0.0.0.0/tcp/4001"]
`), 0o600))

	t.Setenv("HIVE_SCHEDULER_MAX_RETRIES", "1")
	t.Setenv("HIVE_DISTRIBUTION_COMPRESS", "false")
	t.Setenv("HIVE_API_ALLOW_ORIGINS", "http://a, http://b")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, 1, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.CapacityWait)
	assert.Equal(t, 2*time.Second, cfg.Health.HeartbeatInterval)
	assert.False(t, cfg.Distribution.Compress)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.API.AllowOrigins)
	assert.Equal(t, []string{"/ip4/0.0.0.0/tcp/4001"}, cfg.RPC.P2PListen)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Scheduler.ProgressTimeout)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HIVE_NODE_DATA_DIR", t.TempDir())
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Directory.Backend)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("HIVE_HEALTH_HEARTBEAT_INTERVAL", "soon")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HIVE_HEALTH_HEARTBEAT_INTERVAL")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Directory.Backend = "redis"
	cfg.Health.LatencyAlpha = 0
	cfg.RPC.WSAddr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory.redis_addr")
	assert.Contains(t, err.Error(), "latency_alpha")
	assert.Contains(t, err.Error(), "rpc.ws_addr")

	_, err = NewLoader().WithValidator(func(c *Config) error {
		return assert.AnError
	}).Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Path = "/tmp/store"
	cfg.RPC.CallTimeout = 5 * time.Second

	assert.Equal(t, "/tmp/store", cfg.StoreConfig().Path)
	assert.Equal(t, int64(8<<20), cfg.StoreConfig().ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.TransportConfig("queen").CallTimeout)
	assert.Equal(t, "queen", cfg.TransportConfig("queen").LocalID)
	assert.Equal(t, 0.3, cfg.RegistryConfig().LatencyAlpha)
	assert.Equal(t, 50, cfg.PeerRateLimit().Rate)
}
