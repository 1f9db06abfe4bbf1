package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/SWAI-Ltd/sovereign/internal/config"
	"github.com/SWAI-Ltd/sovereign/internal/crypto"
	"github.com/SWAI-Ltd/sovereign/internal/feed"
	"github.com/SWAI-Ltd/sovereign/internal/mesh"
	"github.com/SWAI-Ltd/sovereign/internal/sink"
	"github.com/SWAI-Ltd/sovereign/internal/telemetry"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "Sovereign peer relay",
		SilenceUsage: true,
		Version:      version,
	}
	root.AddCommand(runCmd(), keygenCmd())
	return root
}

func runCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		keyFile    string
		metrics    string
		feedAddr   string
		announce   bool
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Relay.Listen = listen
			}
			if flags.Changed("key") {
				cfg.Relay.KeyFile = keyFile
			}
			if flags.Changed("metrics") {
				cfg.Metrics.Listen = metrics
			}
			if flags.Changed("feed") {
				cfg.Feed.Listen = feedAddr
			}
			if flags.Changed("announce") {
				cfg.Relay.Announce = announce
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "TOML config file")
	f.StringVar(&listen, "listen", "", "QUIC listen address (default :7447)")
	f.StringVar(&keyFile, "key", "", "relay key file (default relay-key.json)")
	f.StringVar(&metrics, "metrics", "", "metrics HTTP address, empty to disable (default :9464)")
	f.StringVar(&feedAddr, "feed", "", "gRPC delivery feed address, empty to disable")
	f.BoolVar(&announce, "announce", false, "announce the relay over mDNS")
	f.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

func newLogger(l config.Log) *slog.Logger {
	lvl, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	log := newLogger(cfg.Log)
	slog.SetDefault(log)

	keys, err := crypto.LoadKeyFile(cfg.Relay.KeyFile)
	if err != nil {
		return fmt.Errorf("load relay keys (run `relay keygen` first): %w", err)
	}
	id := keys.ID
	if cfg.Relay.ID != "" {
		id = cfg.Relay.ID
	}
	telemetry.SetBuildInfo(version)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := sink.NewBus()
	bus.OnDrop(func(topic string) { telemetry.SinkDrops.WithLabelValues(topic).Inc() })
	defer bus.Close()

	srv, err := mesh.RunRelay(ctx, mesh.RelayConfig{
		Addr:     cfg.Relay.Listen,
		Engine:   cfg.RelayConfig(id, keys.Seal),
		Sink:     bus,
		Announce: cfg.Relay.Announce,
		Name:     cfg.Relay.Name,
		Logger:   log,
	})
	if err != nil {
		log.Error("failed to start relay", "err", err)
		return err
	}
	log.Info("relay identity", "id", id, "seal_key", crypto.Fingerprint(keys.Seal.Public[:]), "version", version)

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "err", err)
			}
		}()
		log.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	var grpcSrv *grpc.Server
	if cfg.Feed.Listen != "" {
		lis, err := net.Listen("tcp", cfg.Feed.Listen)
		if err != nil {
			srv.Close()
			return fmt.Errorf("feed listen: %w", err)
		}
		grpcSrv = grpc.NewServer()
		feed.RegisterFeedServer(grpcSrv, &feed.Server{Bus: bus, Logger: log})
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error("feed server", "err", err)
			}
		}()
		log.Info("feed listening", "addr", lis.Addr().String())
	}

	select {
	case <-ctx.Done():
	case <-srv.Done():
		log.Warn("relay engine stopped")
	}
	log.Info("relay shutting down")

	if grpcSrv != nil {
		grpcSrv.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	return srv.Close()
}

func keygenCmd() *cobra.Command {
	var (
		out   string
		id    string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a relay key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", out)
			}
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			if id == "" {
				id = crypto.Fingerprint(kp.Public[:])
			}
			if err := crypto.SaveKeyFile(out, crypto.Keys{ID: id, Seal: kp}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (id %s, seal key %s)\n", out, id, crypto.Fingerprint(kp.Public[:]))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "relay-key.json", "output path")
	cmd.Flags().StringVar(&id, "id", "", "relay id (default: seal key fingerprint)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
