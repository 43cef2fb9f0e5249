// Command node hosts shard replicas for a shardcast cluster.
//
// A node registers with the coordinator, then applies the update batches the
// coordinator forwards to /shard/{id}/update. Shards are opened on the first
// update that reaches them, backed by the memory or pebble store.
//
// HTTP API:
//
//	POST   /shard/{id}/update       apply a binary update batch
//	GET    /shard/{id}/store        list keys (?start=&end=)
//	DELETE /shard/{id}/store        delete keys in [start, end)
//	GET    /shard/{id}/store/{key}  read a stored document
//	PUT    /shard/{id}/store/{key}  write a raw value, bypassing replication
//	DELETE /shard/{id}/store/{key}  delete a key
//	GET    /shard/{id}/stats        operation and update counters
//	DELETE /shard/{id}              close the shard
//	GET    /info, /health, /metrics
//
// Example:
//
//	NODE_ID=node-1 NODE_LISTEN=:8081 NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 STORAGE_BACKEND=pebble ./node
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dreamware/shardcast/internal/cluster"
	"github.com/dreamware/shardcast/internal/config"
	"github.com/dreamware/shardcast/internal/logging"
)

// Registration retry schedule; variables so tests can shorten it.
var (
	registerAttempts = 10
	registerPause    = 400 * time.Millisecond
)

var errMissingNodeID = errors.New("node id is required (--id or NODE_ID)")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flagOverrides struct {
	configPath  string
	id          string
	listen      string
	addr        string
	coordinator string
	backend     string
	dataDir     string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	var f flagOverrides

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Host shard replicas and apply forwarded updates",
		Example: `  $ node --id node-1 --coordinator http://localhost:8080
  $ NODE_ID=node-2 STORAGE_BACKEND=pebble node --config shardcast.yaml`,
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
	flags.StringVar(&f.id, "id", "", "unique node ID")
	flags.StringVar(&f.listen, "listen", "", "listen address")
	flags.StringVar(&f.addr, "addr", "", "address the coordinator uses to reach this node")
	flags.StringVar(&f.coordinator, "coordinator", "", "coordinator base URL")
	flags.StringVar(&f.backend, "storage", "", "shard store backend: memory or pebble")
	flags.StringVar(&f.dataDir, "data-dir", "", "root directory for pebble shard stores")
	flags.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
}

func loadConfig(cmd *cobra.Command, f flagOverrides) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("id", &cfg.Node.ID, f.id)
	set("listen", &cfg.Node.Listen, f.listen)
	set("addr", &cfg.Node.Addr, f.addr)
	set("coordinator", &cfg.Node.CoordinatorAddr, f.coordinator)
	set("storage", &cfg.Storage.Backend, f.backend)
	set("data-dir", &cfg.Storage.Dir, f.dataDir)
	set("log-level", &cfg.Logging.Level, f.logLevel)

	if cfg.Node.ID == "" {
		return nil, errMissingNodeID
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Node.ID == "" {
		return errMissingNodeID
	}
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

	node := NewNode(cfg.Node.ID, cfg.Storage, log)
	defer func() {
		if err := node.Close(); err != nil {
			log.Warn("close shards", zap.Error(err))
		}
	}()

	ln, err := net.Listen("tcp", cfg.Node.Listen)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:           node.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("node listening",
			zap.String("id", cfg.Node.ID),
			zap.String("addr", ln.Addr().String()),
			zap.String("public", cfg.Node.Addr),
			zap.String("storage", cfg.Storage.Backend))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var runErr error
	if err := register(ctx, log, cfg.Node.CoordinatorAddr, cfg.Node.ID, cfg.Node.Addr); err != nil {
		runErr = err
	} else {
		select {
		case runErr = <-errc:
		case <-ctx.Done():
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	log.Info("node stopped")
	return runErr
}

// register announces the node to the coordinator, retrying while the
// coordinator is starting up.
func register(ctx context.Context, log *zap.Logger, coord, id, addr string) error {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}

	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Info("registered with coordinator", zap.String("coordinator", coord))
			return nil
		}
		log.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerPause):
		}
	}
	return errors.Join(errors.New("failed to register with coordinator"), lastErr)
}
