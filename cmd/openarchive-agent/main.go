// Command openarchive-agent runs the edge capture sidecar: an SMTP
// listener that spools journaled mail into a crash-safe local buffer,
// plus a sync loop that drains the buffer to the archive core.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openarchive/openarchive/pkg/agent"
	"github.com/openarchive/openarchive/pkg/config"
)

func main() {
	cfg := config.LoadAgent()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AgentConfig, logger *slog.Logger) error {
	logger.Info("edge agent starting", "version", agent.Version, "core", cfg.SyncURL)

	buf, err := agent.OpenBuffer(ctx, cfg.DBPath, cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("buffer: %w", err)
	}
	defer buf.Close()

	srv := agent.NewServer(agent.Config{
		Addr:     ":" + cfg.SMTPPort,
		Hostname: hostname(),
	}, buf, nil, logger)

	syncer := agent.NewSyncer(agent.SyncConfig{
		URL:           cfg.SyncURL,
		APIKey:        cfg.APIKey,
		OrgID:         cfg.OrgID,
		AgentName:     cfg.AgentName,
		TLSSkipVerify: cfg.TLSSkipVerify,
	}, buf, logger)

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Run(ctx); err != nil {
			errCh <- fmt.Errorf("smtp listener: %w", err)
		}
	}()
	go func() {
		if err := syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("sync loop: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		return err
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "edge-agent"
}
