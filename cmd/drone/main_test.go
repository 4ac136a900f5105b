package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"16GiB":  16 << 30,
		"512mib": 512 << 20,
		"1.5KiB": 1536,
		"2GB":    2e9,
		"4096":   4096,
		"0":      0,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "lots", "-1GiB", "GiB"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestAdvertiseAddr(t *testing.T) {
	addr, err := advertiseAddr(":50052", "ws://10.0.0.5:50052")
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.5:50052", addr)

	addr, err = advertiseAddr("127.0.0.1:6000", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:6000", addr)

	host, err := os.Hostname()
	require.NoError(t, err)
	addr, err = advertiseAddr(":50052", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://"+host+":50052", addr)

	_, err = advertiseAddr("nonsense", "")
	assert.Error(t, err)
}

func TestRequiresQueen(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(os.Stderr)
	assert.Error(t, cmd.Execute())
}
