package network

import (
	"path/filepath"
	"sync"
	"testing"

	peer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/common"
)

func TestIdentity_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node_identity.json")

	_, first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	_, second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first.String(), stored.PeerID)
}

func TestIdentity_Ephemeral(t *testing.T) {
	_, a, err := LoadOrCreateIdentity("")
	require.NoError(t, err)
	_, b, err := LoadOrCreateIdentity("")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIdentity_Mismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.json")
	_, _, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	stored, err := LoadIdentity(path)
	require.NoError(t, err)
	stored.PeerID = "12D3KooWSomeoneElse"
	require.NoError(t, SaveIdentity(path, stored))

	_, _, err = LoadOrCreateIdentity(path)
	assert.True(t, common.IsCode(err, common.ErrCodeIntegrity))
}

func TestHost_UsesPersistedIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.json")
	_, pid, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	h, err := NewHost(HostConfig{
		ListenAddrs:  []string{"/ip4/127.0.0.1/tcp/0"},
		IdentityFile: path,
	}, zap.NewNop())
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, pid, h.ID())
	addrs := FullAddrs(h)
	require.NotEmpty(t, addrs)
	assert.Contains(t, addrs[0], "/p2p/"+pid.String())
}

func TestDiscovery_ReportsPeersOnce(t *testing.T) {
	h, err := NewHost(HostConfig{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}, zap.NewNop())
	require.NoError(t, err)
	defer h.Close()

	var (
		mu    sync.Mutex
		found []string
	)
	d := &Discovery{
		host: h,
		found: func(peerID, addr string) {
			mu.Lock()
			defer mu.Unlock()
			found = append(found, peerID+" "+addr)
		},
		logger: zap.NewNop(),
		seen:   make(map[peer.ID]struct{}),
	}

	_, other, err := LoadOrCreateIdentity("")
	require.NoError(t, err)
	quic := ma.StringCast("/ip4/10.0.0.7/udp/4001/quic-v1")
	tcp := ma.StringCast("/ip4/10.0.0.7/tcp/4001")
	info := peer.AddrInfo{ID: other, Addrs: []ma.Multiaddr{quic, tcp}}

	d.HandlePeerFound(info)
	d.HandlePeerFound(info)
	d.HandlePeerFound(peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()})

	mu.Lock()
	require.Len(t, found, 1)
	assert.Equal(t, other.String()+" /ip4/10.0.0.7/tcp/4001/p2p/"+other.String(), found[0])
	mu.Unlock()

	d.Forget(other.String())
	d.HandlePeerFound(info)
	mu.Lock()
	assert.Len(t, found, 2)
	mu.Unlock()
}
