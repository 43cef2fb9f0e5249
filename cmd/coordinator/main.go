package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/config"
	"github.com/dreamware/shardcast/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// flagOverrides holds command-line values that win over file and env.
type flagOverrides struct {
	configPath        string
	listen            string
	publicURL         string
	numShards         int
	replicationFactor int
	runners           int
	logLevel          string
}

func newRootCmd() *cobra.Command {
	var f flagOverrides

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Route document updates to shard replicas",
		Long: `
coordinator accepts document updates, hashes them to shards and forwards
each shard's batch to every live replica through the update-forwarding pool.
`,
		Example: `  $ coordinator --config shardcast.yaml
  $ REPLICATION_RUNNERS=2 coordinator --shards 16 --replication-factor 3`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	bindFlags(cmd.Flags(), &f)
	return cmd
}

func bindFlags(flags *pflag.FlagSet, f *flagOverrides) {
	flags.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&f.listen, "listen", "", "listen address (default from config)")
	flags.StringVar(&f.publicURL, "public-url", "", "URL replicas see as distrib.from")
	flags.IntVar(&f.numShards, "shards", 0, "number of shards")
	flags.IntVar(&f.replicationFactor, "replication-factor", 0, "replicas per shard")
	flags.IntVar(&f.runners, "runners", 0, "forwarding runners per replica")
	flags.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
}

// loadConfig layers explicitly set flags over file and environment config.
func loadConfig(cmd *cobra.Command, f flagOverrides) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Coordinator.Listen = f.listen
	}
	if flags.Changed("public-url") {
		cfg.Coordinator.PublicURL = f.publicURL
	}
	if flags.Changed("shards") {
		cfg.Coordinator.NumShards = f.numShards
	}
	if flags.Changed("replication-factor") {
		cfg.Coordinator.ReplicationFactor = f.replicationFactor
	}
	if flags.Changed("runners") {
		cfg.Streaming.Runners = f.runners
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := newServer(cfg, log)
	defer srv.Close()

	srv.monitor.Start(ctx, srv.nodeList)
	defer srv.monitor.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("coordinator listening",
			zap.String("addr", cfg.Coordinator.Listen),
			zap.Int("shards", cfg.Coordinator.NumShards),
			zap.Int("replication_factor", cfg.Coordinator.ReplicationFactor),
			zap.Int("runners", cfg.Streaming.Runners))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("coordinator stopped")
	return nil
}
