package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestIngestThenGet(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("node:\n  data_dir: "+filepath.Join(dir, "data")+"\nlog:\n  level: error\n"), 0o644))

	model := filepath.Join(dir, "tiny.gguf")
	data := bytes.Repeat([]byte("hive"), 100000)
	require.NoError(t, os.WriteFile(model, data, 0o644))

	out, err := run(t, "--config", cfgFile, "ingest", model, "--repo-id", "org/tiny")
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSpace(out), "\t")
	require.GreaterOrEqual(t, len(fields), 2)
	cid := fields[0]
	assert.Equal(t, "tiny.gguf", fields[1])

	out, err = run(t, "--config", cfgFile, "ingest", model)
	require.NoError(t, err)
	assert.Contains(t, out, "already stored")

	target := filepath.Join(dir, "copy.gguf")
	_, err = run(t, "--config", cfgFile, "get", cid, target)
	require.NoError(t, err)
	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestGetUnknownCID(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "hive.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("node:\n  data_dir: "+dir+"\nlog:\n  level: error\n"), 0o644))

	_, err := run(t, "--config", cfgFile, "get", "bafy-nothing")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "queen dev"))
}
