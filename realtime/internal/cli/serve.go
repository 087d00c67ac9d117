package cli

import (
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/ledgerwatch/common/logging"
	"github.com/telhawk-systems/ledgerwatch/common/middleware"
	"github.com/telhawk-systems/ledgerwatch/common/pubsub"
	"github.com/telhawk-systems/ledgerwatch/common/server"
	"github.com/telhawk-systems/ledgerwatch/realtime/internal/bridge"
	"github.com/telhawk-systems/ledgerwatch/realtime/internal/hub"
	realtimeserver "github.com/telhawk-systems/ledgerwatch/realtime/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Bridge the pub/sub bus to websocket clients",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := cfg.Realtime
	logger.Info("starting realtime service",
		"port", rt.Server.Port,
		"allowed_origins", rt.AllowedOrigins,
		"resubscribe_delay", rt.ResubscribeDelay.String(),
	)

	// The bridge resubscribes on its own, so an unreachable Redis at startup
	// is not fatal.
	client, err := pubsub.NewClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable at startup, bridge will keep retrying", logging.Error(err))
	}

	h := hub.New(
		hub.WithPingInterval(rt.PingInterval),
		hub.WithCheckOrigin(realtimeserver.OriginChecker(rt.AllowedOrigins)),
		hub.WithLogger(logger.With("component", "hub")),
	)
	defer h.Close()

	b := bridge.New(client, h,
		bridge.WithResubscribeDelay(rt.ResubscribeDelay),
		bridge.WithLogger(logger.With("component", "bridge")),
	)

	srv := server.New(rt.Server, cfg.Server, secured(realtimeserver.NewRouter(h, b, rt.AllowedOrigins, logger)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return server.Run(gctx, srv, logger) })
	if err := g.Wait(); err != nil {
		logger.Error("realtime service failed", logging.Error(err))
		return err
	}
	return nil
}

func secured(h http.Handler) http.Handler {
	return middleware.SecurityHeaders(middleware.SecurityConfig{HSTS: cfg.IsProduction()})(h)
}
