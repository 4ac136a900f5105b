package network

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	libp2p_host "github.com/libp2p/go-libp2p/core/host"
	peer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/internal/utils"
)

// ServiceTag is the mDNS service name Hive nodes advertise under.
const ServiceTag = "hive-swarm"

// HostConfig configures NewHost.
type HostConfig struct {
	ListenAddrs  []string
	IdentityFile string
}

// NewHost starts a libp2p host with the persisted identity.
func NewHost(cfg HostConfig, logger *zap.Logger) (libp2p_host.Host, error) {
	priv, pid, err := LoadOrCreateIdentity(cfg.IdentityFile)
	if err != nil {
		return nil, err
	}
	listen := cfg.ListenAddrs
	if len(listen) == 0 {
		listen = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
	)
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}
	utils.Component(logger, "network").Info("libp2p host started",
		zap.String("peer_id", pid.String()),
		zap.Strings("addrs", FullAddrs(h)))
	return h, nil
}

// FullAddrs returns the host's listen addresses with its /p2p component appended, the form
// accepted by the libp2p transport.
func FullAddrs(h libp2p_host.Host) []string {
	info := peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// FoundFunc receives a discovered peer and a dialable address for it.
type FoundFunc func(peerID, addr string)

// Discovery advertises this host on the LAN and reports other Hive nodes.
type Discovery struct {
	host    libp2p_host.Host
	service mdns.Service
	found   FoundFunc
	logger  *zap.Logger

	mu   sync.Mutex
	seen map[peer.ID]struct{}
}

// StartDiscovery begins mDNS advertisement and browsing.
func StartDiscovery(ctx context.Context, h libp2p_host.Host, found FoundFunc, logger *zap.Logger) (*Discovery, error) {
	d := &Discovery{
		host:   h,
		found:  found,
		logger: utils.Component(logger, "mdns"),
		seen:   make(map[peer.ID]struct{}),
	}
	d.service = mdns.NewMdnsService(h, ServiceTag, d)
	if err := d.service.Start(); err != nil {
		return nil, fmt.Errorf("start mdns: %w", err)
	}
	go func() {
		<-ctx.Done()
		d.Close()
	}()
	return d, nil
}

// HandlePeerFound implements mdns.Notifee. Each peer is reported once.
func (d *Discovery) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == d.host.ID() || len(info.Addrs) == 0 {
		return
	}
	d.mu.Lock()
	if _, ok := d.seen[info.ID]; ok {
		d.mu.Unlock()
		return
	}
	d.seen[info.ID] = struct{}{}
	d.mu.Unlock()

	addr := dialable(info)
	if addr == "" {
		return
	}
	d.logger.Info("discovered peer on LAN",
		zap.String("peer_id", utils.ShortID(info.ID.String())),
		zap.String("address", addr))
	if d.found != nil {
		d.found(info.ID.String(), addr)
	}
}

// Forget allows a peer to be reported again, e.g. after it was evicted.
func (d *Discovery) Forget(peerID string) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	d.mu.Lock()
	delete(d.seen, pid)
	d.mu.Unlock()
}

// Close stops mDNS.
func (d *Discovery) Close() error {
	if d.service == nil {
		return nil
	}
	return d.service.Close()
}

// dialable picks the first TCP address, falling back to the first address of any kind.
func dialable(info peer.AddrInfo) string {
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	for _, a := range addrs {
		if _, err := a.ValueForProtocol(ma.P_TCP); err == nil {
			return a.String()
		}
	}
	return addrs[0].String()
}
