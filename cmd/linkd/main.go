package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"spanlink/config"
	"spanlink/link"
	"spanlink/observability/logging"
)

func main() {
	configFile := flag.String("config", "./linkd.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SPANLINK_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		logging.Setup("linkd", env).Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if env == "" {
		env = cfg.Env
	}

	var logger *slog.Logger
	if cfg.LogFile != "" {
		logger = logging.SetupRotating("linkd", env, cfg.LogFile, cfg.LogMaxSizeMB)
	} else {
		logger = logging.Setup("linkd", env)
	}

	server, err := link.NewServer(linkConfig(cfg), logger)
	if err != nil {
		logger.Error("Failed to build link server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		logger.Error("Failed to open listener",
			slog.String("address", cfg.ListenAddress), slog.Any("error", err))
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return server.Serve(ctx, listener) })

	if cfg.MetricsAddress != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddress, logger) })
	}

	g.Go(func() error {
		dialConfigured(ctx, server, cfg, logger)
		return nil
	})

	logger.Info("linkd started",
		slog.String("server", cfg.ServerName),
		slog.String("sid", cfg.SID),
		slog.String("listen", cfg.ListenAddress))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("linkd exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("linkd stopped")
}

// linkConfig maps the file configuration onto the link layer's view of it.
func linkConfig(cfg *config.Config) link.Config {
	peers := make([]link.PeerConfig, 0, len(cfg.Links))
	for _, l := range cfg.Links {
		peers = append(peers, link.PeerConfig{
			Name:        l.Name,
			Address:     l.Address,
			SendPass:    l.SendPass,
			RecvPass:    l.RecvPass,
			Auth:        l.Auth,
			Fingerprint: l.Fingerprint,
			Strict:      l.Strict,
		})
	}
	return link.Config{
		ServerName:        cfg.ServerName,
		SID:               cfg.SID,
		Description:       cfg.Description,
		Modules:           cfg.Modules,
		OptModules:        cfg.OptionalModules,
		Peers:             peers,
		HandshakeTimeout:  time.Duration(cfg.HandshakeTimeoutSeconds) * time.Second,
		PingInterval:      time.Duration(cfg.PingIntervalSeconds) * time.Second,
		MaxLinesPerSecond: cfg.MaxLinesPerSecond,
		MaxInbound:        cfg.MaxInbound,
	}
}

// dialConfigured opens one outbound attempt per AutoConnect link block.
// Reconnecting after a failure is left to the operator or an external
// scheduler; the link core never retries on its own.
func dialConfigured(ctx context.Context, server *link.Server, cfg *config.Config, logger *slog.Logger) {
	for _, l := range cfg.Links {
		if !l.AutoConnect {
			continue
		}
		if _, err := server.Dial(ctx, l.Name); err != nil {
			logger.Warn("Outbound link failed",
				slog.String("peer", l.Name),
				slog.Any("error", err))
		}
	}
}

func serveMetrics(ctx context.Context, address string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics listener up", slog.String("address", address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
