package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"helios/internal/agent"
	"helios/internal/config"
	"helios/internal/export"
	"helios/internal/messaging/inproc"
	"helios/internal/metrics"
	"helios/internal/orchestrator"
	sqlitestore "helios/internal/store/sqlite"
)

type globalFlags struct {
	configPath string
	dbPath     string
}

// runtime is everything a command needs to drive sessions.
type runtime struct {
	cfg      config.Config
	store    *sqlitestore.Store
	bus      *inproc.Bus
	registry *prometheus.Registry
	svc      *orchestrator.Service
	logger   *log.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "helios",
		Short:         "Multi-role goal planning",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to config.toml (default: ~/.helios/config.toml)")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "sqlite database path override")

	root.AddCommand(
		newServeCmd(flags),
		newRunCmd(flags),
		newFeedbackCmd(flags),
		newSessionsCmd(flags),
		newClassifyCmd(),
		newValidateCmd(),
	)
	return root
}

func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if flags.dbPath != "" {
		cfg.Store.DBPath = flags.dbPath
	}
	return cfg, nil
}

func openRuntime(ctx context.Context, flags *globalFlags, clarifier agent.Clarifier) (*runtime, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger := log.New(os.Stderr, "[helios] ", log.LstdFlags)

	dbPath, err := config.ExpandHome(cfg.Store.DBPath)
	if err != nil {
		return nil, err
	}
	dbPath = filepath.Clean(dbPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	replies, err := newReplyProvider(cfg, clarifier, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	orchCfg := orchestrator.Config{MaxRounds: cfg.Orchestrator.MaxRounds}
	if cfg.Export.Dir != "" {
		dir, err := config.ExpandHome(cfg.Export.Dir)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		exporter, err := export.New(dir, store)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("create plan exporter: %w", err)
		}
		orchCfg.Sink = exporter
	}

	registry, m := metrics.NewRegistry()
	orchCfg.Metrics = m
	bus := inproc.New(cfg.Server.EventBuffer)
	svc := orchestrator.New(store, replies, bus, orchCfg, logger)

	logger.Printf("runtime ready db=%s provider=%s max_rounds=%d", dbPath, cfg.Provider.Kind, cfg.Orchestrator.MaxRounds)
	return &runtime{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		registry: registry,
		svc:      svc,
		logger:   logger,
	}, nil
}

func (r *runtime) Close() {
	_ = r.store.Close()
}

func newReplyProvider(cfg config.Config, clarifier agent.Clarifier, logger *log.Logger) (orchestrator.ReplyProvider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderResponses:
		personas, err := agent.LoadPersonas(cfg.Agents.PersonasFile)
		if err != nil {
			return nil, err
		}
		return agent.NewResponsesProvider(agent.ResponsesConfig{
			Endpoint:        strings.TrimRight(cfg.Provider.BaseURL, "/") + "/responses",
			Model:           cfg.Provider.Model,
			ReasoningEffort: cfg.Provider.ReasoningEffort,
			AuthToken:       os.Getenv(cfg.Provider.APIKeyEnv),
			Timeout:         time.Duration(cfg.Provider.TimeoutMS) * time.Millisecond,
			Retries:         cfg.Provider.MaxRetries,
			MaxOutputBytes:  cfg.Provider.MaxResponseBytes,
			Personas:        personas,
			Logger:          logger,
		})
	default:
		return agent.NewRoster(agent.RosterOptions{
			Clarifier: clarifier,
			Logger:    logger,
		}), nil
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the planning HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			if addr == "" {
				addr = rt.cfg.Server.Addr
			}
			return serve(ctx, rt, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address override")
	return cmd
}

func serve(ctx context.Context, rt *runtime, addr string) error {
	api := newAPI(ctx, rt)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	rt.logger.Printf("helios started addr=%s provider=%s", addr, rt.cfg.Provider.Kind)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	api.Wait()
	return nil
}
