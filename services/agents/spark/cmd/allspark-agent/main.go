package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"allspark/pkg/bus"
	"allspark/pkg/telemetry"
	"allspark/services/agents/spark"
	"allspark/services/agents/spark/internal/config"
	"allspark/services/envwriter"
)

const (
	serviceName     = "allspark-agent"
	statusRetention = 24 * time.Hour
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Compute node agent reporting cluster status to the allspark orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newWriteEnvCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll local cluster status and post it to ALLSPARK_CALLBACK until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx)
		},
	}
}

func runAgent(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := spark.Options{
		Logger:  logger,
		Metrics: spark.NewMetrics(registry),
	}

	if cfg.NATS.URL != "" {
		b, err := bus.New(cfg.NATS.URL, nats.Name(serviceName+"-"+cfg.ClusterID), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(&nats.StreamConfig{
			Name:     cfg.NATS.Stream,
			Subjects: []string{cfg.NATS.Subject},
			MaxAge:   statusRetention,
		}); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		opts.ExtraSinks = append(opts.ExtraSinks, &spark.BusSink{Bus: b, Subject: cfg.NATS.Subject})
	}

	svc, err := spark.NewService(cfg, opts)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if cfg.ListenAddr != "" {
		serveHealth(ctx, cfg.ListenAddr, middleware(spark.NewHealthRouter(svc, registry)), logger)
	}

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("service exited: %w", err)
	}
	return nil
}

func serveHealth(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("WARN health server shutdown: %v", err)
		}
	}()

	go func() {
		logger.Printf("INFO health endpoints listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("ERROR health server: %v", err)
		}
	}()
}

func newWriteEnvCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "write-env",
		Short: "Read KEY:VALUE;KEY:VALUE tags from stdin and write them as KEY=VALUE lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeEnv(cmd.InOrStdin(), cmd.OutOrStdout(), output)
		},
	}

	cmd.Flags().StringVar(&output, "output", envwriter.DefaultPath, "Destination environment file")
	return cmd
}

func writeEnv(in io.Reader, out io.Writer, path string) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read tags: %w", err)
	}

	assignments, err := envwriter.Write(path, strings.TrimSpace(string(data)))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "wrote %d variables to %s\n", len(assignments), path)
	return nil
}
