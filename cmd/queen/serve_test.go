package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/internal/config"
)

func TestServeStopsWhenAListenerFails(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Node.DataDir = dir
	cfg.Node.IdentityFile = filepath.Join(dir, "node_identity.json")
	cfg.Storage.Path = filepath.Join(dir, "store")
	cfg.History.Enabled = false
	cfg.API.Addr = "127.0.0.1:0"
	cfg.API.ShutdownTimeout = 10 * time.Second
	cfg.RPC.WSAddr = taken.Addr().String()

	done := make(chan error, 1)
	go func() { done <- serve(context.Background(), cfg, zap.NewNop()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "peer RPC server")
	case <-time.After(5 * time.Second):
		t.Fatal("serve kept running after the RPC listener failed")
	}
}
