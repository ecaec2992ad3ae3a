// Package main provides the flowdraft binary entry point.
// Flowdraft is the copilot run server: it coordinates idempotent
// conversational turns that draft automation workflows, streams run
// events to clients over SSE, and maintains per-conversation memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/c360studio/flowdraft/config"
	"github.com/c360studio/flowdraft/conversation"
	"github.com/c360studio/flowdraft/draft"
	"github.com/c360studio/flowdraft/memory"
	"github.com/c360studio/flowdraft/run"
	"github.com/c360studio/flowdraft/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "flowdraft"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "flowdraft",
		Short: "Copilot run server for workflow drafting",
		Long: `Flowdraft coordinates conversational turns that draft automation
workflows with an LLM collaborator.

It provides:
- Idempotent run execution (retried turns converge on one result)
- An SSE event stream with sequence dedup and terminal-once semantics
- Per-conversation memory driving staged follow-up questions

State lives in NATS JetStream key-value buckets.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the copilot server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, logLevel)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func serve(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	js, err := natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream context: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := run.NewMetrics(registry)

	coordinator, templates, err := buildCoordinator(ctx, cfg, js, natsClient, metrics, logger)
	if err != nil {
		return err
	}
	if templates != nil {
		defer templates.Close()
	}
	handler := run.NewHandler(coordinator,
		run.WithHandlerMetrics(metrics),
		run.WithHandlerLogger(logger),
		run.WithStreamConfig(run.StreamConfig{
			PingInterval: cfg.Stream.PingInterval,
			MaxDuration:  cfg.Stream.MaxDuration,
		}),
	)

	mux := http.NewServeMux()
	handler.Routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Flowdraft ready",
			"version", Version,
			"addr", cfg.Server.Addr,
			"draft_endpoint", cfg.Draft.Endpoint)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// loadConfig uses the layered loader unless an explicit config path is
// given, in which case that file overlays the defaults directly.
func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath == "" {
		return config.NewLoader(logger).Load()
	}

	cfg := config.DefaultConfig()
	fileCfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg.Merge(fileCfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	logger.Info("Connecting to NATS", "url", cfg.NATS.URL)

	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return client, nil
}

func buildCoordinator(ctx context.Context, cfg *config.Config, js jetstream.JetStream, nc *natsclient.Client, metrics *run.Metrics, logger *slog.Logger) (*run.Coordinator, *memory.Templates, error) {
	messages, err := conversation.NewStore(ctx, js)
	if err != nil {
		return nil, nil, fmt.Errorf("create message store: %w", err)
	}
	workflows, err := workflow.NewStore(ctx, js)
	if err != nil {
		return nil, nil, fmt.Errorf("create workflow store: %w", err)
	}
	memories, err := memory.NewStore(ctx, js)
	if err != nil {
		return nil, nil, fmt.Errorf("create memory store: %w", err)
	}
	registry, err := run.NewKVRegistry(ctx, js)
	if err != nil {
		return nil, nil, fmt.Errorf("create idempotency registry: %w", err)
	}

	engineOpts := []memory.Option{
		memory.WithQuestionCap(cfg.Memory.QuestionCap),
		memory.WithAskedWindow(cfg.Memory.AskedWindow),
		memory.WithLogger(logger),
	}
	var templates *memory.Templates
	if cfg.Memory.TemplatesPath != "" {
		templates, err = memory.LoadTemplates(cfg.Memory.TemplatesPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("load question templates: %w", err)
		}
		engineOpts = append(engineOpts, memory.WithTemplates(templates))
	}
	engine := memory.NewEngine(engineOpts...)

	drafter := draft.NewHTTPDrafter(cfg.Draft.Endpoint, cfg.Draft.Model,
		draft.WithHTTPClient(&http.Client{Timeout: cfg.Draft.Timeout}),
		draft.WithLogger(logger),
	)

	coordinator := run.NewCoordinator(
		messages, workflows, memories, registry, drafter, engine,
		run.WithNATSClient(nc),
		run.WithMetrics(metrics),
		run.WithLogger(logger),
	)
	return coordinator, templates, nil
}
