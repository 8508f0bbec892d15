package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"matrix-client/domain/event"
	"matrix-client/infrastructure/matrix"
	"matrix-client/internal"
	"matrix-client/observability"
	"matrix-client/repositories"
	"matrix-client/runtime"
	"matrix-client/runtime/workers"
	"matrix-client/services"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "matrix-client terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run keeps every deferred cleanup on the exit path and reports which kind
// of failure ended the process.
func run(args []string) (int, error) {
	flagSet := pflag.NewFlagSet("matrix-client", pflag.ContinueOnError)
	configPath := flagSet.String("config", "config.yaml", "path to the YAML configuration file")
	logPath := flagSet.String("log", "matrix-client.log", "file receiving a copy of the logs (empty for stderr only)")
	envFile := flagSet.String("env-file", "", "dotenv file loaded before reading the environment")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK, nil
		}
		return exitConfig, err
	}

	// 1. Configuration & Logger
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return exitConfig, fmt.Errorf("loading %s: %w", *envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}
	config, err := internal.Load(*configPath)
	if err != nil {
		return exitConfig, err
	}
	log, closeLog, err := observability.NewLogger(config.LogLevel, *logPath)
	if err != nil {
		return exitConfig, fmt.Errorf("opening log file: %w", err)
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Metrics
	metrics := observability.NewMetrics()
	if config.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, config.MetricsAddr, log); err != nil {
				log.Error("Metrics endpoint stopped", "error", err)
			}
		}()
	}

	// 3. Protocol client and its local store
	client, err := matrix.NewBuilder(log)(config.HomeserverURL, config.DBPath)
	if err != nil {
		return exitRuntime, fmt.Errorf("building client: %w", err)
	}
	defer func() {
		if closer, ok := client.(io.Closer); ok {
			log.Info("Closing local store...")
			_ = closer.Close()
		}
	}()

	// 4. Session: restore or log in, exactly once
	sessionService := services.NewSessionService(log, client,
		repositories.NewSessionRepository(config.SessionPath),
		services.Credentials{Username: config.Username, Password: config.Password},
		metrics)
	session, err := sessionService.Establish(ctx)
	if err != nil {
		return exitRuntime, fmt.Errorf("authentication failed: %w", err)
	}
	log.Info("Authenticated", "user_id", session.Record.UserID, "source", session.Source)

	// 5. Event flow
	registry := runtime.NewLoggingRegistry(event.NewLogHandler(log))
	registry.Subscribe(event.RoomMessageReceivedKind, event.NewLatencyHandler(log, config.LatencyThreshold))
	orchestrator := runtime.NewOrchestrator(log, client,
		workers.NewSupervisor(log, config.RestartInterval), registry, metrics,
		runtime.OrchestratorConfig{
			BufferSize:           config.EventBufferSize,
			MetricInterval:       config.MetricInterval,
			LowCapacityThreshold: config.LowCapacityThreshold,
		})
	if err := orchestrator.Start(ctx); err != nil {
		return exitRuntime, fmt.Errorf("sync failed to start: %w", err)
	}

	done := make(chan struct{})
	go func() {
		orchestrator.Wait()
		close(done)
	}()

	// 6. Wait for a signal, a fatal sync error or the end of the event flow
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-orchestrator.Fatal():
		runErr = fmt.Errorf("sync stopped: %w", err)
	case <-done:
		log.Info("Event flow ended")
	}

	log.Info("Shutting down gracefully...")
	orchestrator.Stop()
	<-done
	log.Info("Program stopped cleanly")

	if runErr != nil {
		return exitRuntime, runErr
	}
	return exitOK, nil
}
