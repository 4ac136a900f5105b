// Command drone runs a reference Hive Drone that joins a Queen, replicates content and
// answers inference jobs with the echo backend.
//
//	drone --queen ws://queen:50051 --listen :50052 --gpu --memory 16GiB
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hivecompute/hive/core/mesh/cas"
	"github.com/hivecompute/hive/core/mesh/common"
	"github.com/hivecompute/hive/core/mesh/transport"
	"github.com/hivecompute/hive/internal/drone"
	"github.com/hivecompute/hive/internal/utils"
)

var Version = "dev"

type options struct {
	queen     string
	listen    string
	advertise string
	id        string
	gpu       bool
	memory    string
	dataDir   string
	logLevel  string
	tokenWait time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "drone",
		Short:        "Hive reference Drone",
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.queen, "queen", "", "Queen RPC address (ws://host:port or multiaddr)")
	f.StringVar(&opts.listen, "listen", fmt.Sprintf(":%d", drone.DefaultPort), "RPC listen address")
	f.StringVar(&opts.advertise, "advertise", "", "address the Queen dials back (defaults to ws://<hostname><listen>)")
	f.StringVar(&opts.id, "id", "", "peer ID (random when empty)")
	f.BoolVar(&opts.gpu, "gpu", false, "advertise a GPU")
	f.StringVar(&opts.memory, "memory", "8GiB", "advertised memory, e.g. 16GiB or 512MiB")
	f.StringVar(&opts.dataDir, "data-dir", "", "content store directory (in-memory when empty)")
	f.StringVar(&opts.logLevel, "log-level", "info", "log level")
	f.DurationVar(&opts.tokenWait, "token-delay", 0, "delay between echoed tokens")
	_ = cmd.MarkFlagRequired("queen")
	return cmd
}

func run(ctx context.Context, opts options) error {
	logger := utils.NewLogger(utils.LoggerConfig{Level: opts.logLevel, Component: "drone", Colorize: true})
	defer logger.Sync()

	memory, err := parseBytes(opts.memory)
	if err != nil {
		return fmt.Errorf("--memory: %w", err)
	}
	advertise, err := advertiseAddr(opts.listen, opts.advertise)
	if err != nil {
		return err
	}
	id := opts.id
	if id == "" {
		id = "drone-" + uuid.NewString()[:8]
	}

	storeCfg := cas.DefaultConfig(opts.dataDir)
	storeCfg.InMemory = opts.dataDir == ""
	store, err := cas.Open(storeCfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	tcfg := transport.DefaultConfig()
	tcfg.LocalID = id
	tr := transport.NewWSTransport(tcfg, logger)
	defer tr.Close()
	mux := transport.NewMux(transport.RateLimit{}, logger)

	agent := drone.New(drone.Config{
		PeerID:        id,
		QueenAddr:     opts.queen,
		AdvertiseAddr: advertise,
		Capabilities:  common.Capabilities{HasGPU: opts.gpu, MemoryBytes: uint64(memory)},
	}, store, tr, mux, drone.EchoBackend{Delay: opts.tokenWait}, logger)

	wsSrv := transport.NewWSServer(mux, tcfg, logger)
	srv := &http.Server{Addr: opts.listen, Handler: wsSrv, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("drone starting",
		zap.String("peer_id", id),
		zap.String("listen", opts.listen),
		zap.String("advertise", advertise),
		zap.String("queen", opts.queen))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		agent.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		err = fmt.Errorf("rpc server: %w", err)
	}
	cancel()
	<-agentDone

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	wsSrv.Close()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

// advertiseAddr derives a ws:// URL from the listen address when none is given.
func advertiseAddr(listen, advertise string) (string, error) {
	if advertise != "" {
		return advertise, nil
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("--listen: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if host, err = os.Hostname(); err != nil {
			return "", err
		}
	}
	return "ws://" + net.JoinHostPort(host, port), nil
}

var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"TIB", 1 << 40}, {"GIB", 1 << 30}, {"MIB", 1 << 20}, {"KIB", 1 << 10},
	{"TB", 1e12}, {"GB", 1e9}, {"MB", 1e6}, {"KB", 1e3}, {"B", 1},
}

// parseBytes reads sizes such as "16GiB", "512MB" or a plain byte count.
func parseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid size %q", s)
			}
			return int64(n * float64(u.mult)), nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n, nil
}
