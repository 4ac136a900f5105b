package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh"
	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/core/mesh/distribution"
	"github.com/hivecompute/hive/core/mesh/events"
	"github.com/hivecompute/hive/core/mesh/routing"
	"github.com/hivecompute/hive/core/mesh/scheduler"
	"github.com/hivecompute/hive/core/mesh/transport"
	"github.com/hivecompute/hive/internal/api"
	"github.com/hivecompute/hive/internal/config"
	"github.com/hivecompute/hive/internal/history"
	"github.com/hivecompute/hive/internal/metrics"
	"github.com/hivecompute/hive/internal/network"
	"github.com/hivecompute/hive/internal/utils"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator: peer RPC, dashboard API and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := utils.NewLogger(cfg.LoggerConfig("queen"))
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting queen",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit))

	if cfg.Node.DataDir != "" {
		if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	_, pid, err := network.LoadOrCreateIdentity(cfg.Node.IdentityFile)
	if err != nil {
		return err
	}
	nodeID := pid.String()

	shutdown := utils.NewGracefulShutdown(cfg.API.ShutdownTimeout+5*time.Second, logger)
	defer func() {
		if err := shutdown.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown incomplete", zap.Error(err))
		}
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store, err := cas.Open(cfg.StoreConfig(), logger)
	if err != nil {
		return err
	}
	shutdown.Register("store", func(context.Context) error { return store.Close() })

	bus := events.NewBus(logger)
	shutdown.Register("bus", func(context.Context) error {
		bus.Close()
		return nil
	})

	var (
		archive scheduler.JobArchive
		hist    api.HistoryReader
	)
	if cfg.History.Enabled {
		a, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return err
		}
		archive, hist = a, a
		shutdown.Register("history", func(context.Context) error { return a.Close() })
	}

	dir, err := openDirectory(ctx, cfg)
	if err != nil {
		return err
	}
	shutdown.Register("directory", func(context.Context) error { return dir.Close() })

	var h host.Host
	if len(cfg.RPC.P2PListen) > 0 {
		h, err = network.NewHost(network.HostConfig{
			ListenAddrs:  cfg.RPC.P2PListen,
			IdentityFile: cfg.Node.IdentityFile,
		}, logger)
		if err != nil {
			return err
		}
		nodeID = h.ID().String()
		shutdown.Register("libp2p", func(context.Context) error { return h.Close() })
	}

	tcfg := cfg.TransportConfig(nodeID)
	var p2pTr transport.Transport
	if h != nil {
		p2pTr = transport.NewP2PTransport(h, tcfg, logger)
	}
	wsTr := transport.NewWSTransport(tcfg, logger)
	shutdown.Register("ws-transport", func(context.Context) error { return wsTr.Close() })

	router := transport.NewRouter(wsTr, p2pTr)

	reg := routing.NewRegistry(cfg.RegistryConfig(), bus, logger)
	health := routing.NewHealthMonitor(reg, cfg.HealthMonitorConfig(), logger)
	dist := distribution.NewDistributor(nodeID, store, dir, reg, router, bus, cfg.Distribution, logger)
	sched := scheduler.New(cfg.Scheduler, reg, dist, router, bus, archive, logger)
	mux := transport.NewMux(cfg.PeerRateLimit(), logger)

	queen := mesh.New(mesh.Config{
		NodeID:           nodeID,
		HandshakeTimeout: cfg.RPC.HandshakeTimeout,
	}, mesh.Components{
		Store:       store,
		Registry:    reg,
		Health:      health,
		Directory:   dir,
		Distributor: dist,
		Scheduler:   sched,
		Transport:   router,
		Mux:         mux,
		Bus:         bus,
	}, logger)
	if err := queen.Start(ctx); err != nil {
		return err
	}
	shutdown.Register("queen", func(context.Context) error { return queen.Stop() })

	errCh := make(chan error, 2)

	if cfg.RPC.WSAddr != "" {
		wsSrv := transport.NewWSServer(mux, tcfg, logger)
		rpcSrv := &http.Server{Addr: cfg.RPC.WSAddr, Handler: wsSrv, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("peer RPC listening", zap.String("addr", cfg.RPC.WSAddr))
			if err := rpcSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("peer RPC server: %w", err)
			}
		}()
		shutdown.Register("ws-server", func(ctx context.Context) error {
			wsSrv.Close()
			return rpcSrv.Shutdown(ctx)
		})
	}

	if h != nil {
		transport.NewP2PServer(h, mux, tcfg, logger)
		logger.Info("peer RPC on libp2p", zap.Strings("addrs", network.FullAddrs(h)))
		if cfg.Node.MDNS {
			disc, err := network.StartDiscovery(ctx, h, queen.Discovered, logger)
			if err != nil {
				logger.Warn("mDNS discovery unavailable", zap.Error(err))
			} else {
				reg.OnPeerEvicted(disc.Forget)
				shutdown.Register("mdns", func(context.Context) error { return disc.Close() })
			}
		}
	}

	collector := metrics.NewCollector("hive", reg, bus, logger)
	go collector.Run(ctx, bus)

	if cfg.Events.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, "hive-queen-"+utils.ShortID(nodeID), logger)
		if err != nil {
			logger.Warn("NATS bridge disabled", zap.String("url", cfg.Events.NATSURL), zap.Error(err))
		} else {
			bridge := events.NewBridge(bus, pub, cfg.Events.SubjectPrefix, cfg.Events.Topics, logger)
			go bridge.Run(ctx)
			shutdown.Register("nats", func(ctx context.Context) error {
				select {
				case <-bridge.Done():
				case <-ctx.Done():
				}
				pub.Close()
				return nil
			})
		}
	}

	server := api.New(ctx, api.Config{
		Addr:            cfg.API.Addr,
		AllowOrigins:    cfg.API.AllowOrigins,
		MaxUploadBytes:  cfg.API.MaxUploadBytes,
		RateLimit:       cfg.API.RateLimit,
		RateBurst:       cfg.API.RateBurst,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
	}, queen, api.Options{
		History: hist,
		Metrics: collector.Handler(),
		Bus:     bus,
	}, logger)
	apiDone := make(chan struct{})
	go func() {
		defer close(apiDone)
		if err := server.Run(ctx); err != nil {
			errCh <- fmt.Errorf("dashboard API: %w", err)
		}
	}()
	shutdown.Register("api", func(ctx context.Context) error {
		select {
		case <-apiDone:
		case <-ctx.Done():
		}
		return nil
	})

	logger.Info("queen ready",
		zap.String("node_id", nodeID),
		zap.String("api", cfg.API.Addr),
		zap.String("rpc", cfg.RPC.WSAddr))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}

func openDirectory(ctx context.Context, cfg *config.Config) (routing.Directory, error) {
	switch cfg.Directory.Backend {
	case "", "memory":
		return routing.NewMemoryDirectory(), nil
	case "redis":
		return routing.NewRedisDirectory(ctx, cfg.RedisConfig())
	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Directory.Backend)
	}
}
