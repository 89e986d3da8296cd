package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/loykin/idlestop"
	"github.com/loykin/idlestop/internal/logger"
)

// session is one loaded configuration with its logger and checker. Every
// subcommand except config opens exactly one.
type session struct {
	cfg     idlestop.Config
	checker *idlestop.Checker
	logs    io.Closer
}

// opener builds the checker for a loaded configuration. Tests swap it for one
// with fake collaborators.
type opener func(ctx context.Context, cfg idlestop.Config, log *slog.Logger) (*idlestop.Checker, error)

func openChecker(ctx context.Context, cfg idlestop.Config, log *slog.Logger) (*idlestop.Checker, error) {
	return idlestop.New(ctx, cfg, idlestop.Overrides{Logger: log})
}

// loadConfig reads the configuration and installs its logger as the default.
func loadConfig(path string, stderr io.Writer) (idlestop.Config, io.Closer, error) {
	cfg, err := idlestop.LoadConfig(path)
	if err != nil {
		return cfg, nil, err
	}
	log, closer, err := logger.New(cfg.Log, stderr)
	if err != nil {
		return cfg, nil, fmt.Errorf("%w: logging: %v", idlestop.ErrInvalidConfig, err)
	}
	slog.SetDefault(log)
	for _, w := range cfg.Warnings {
		slog.Warn("Configuration value ignored", "detail", w)
	}
	return cfg, closer, nil
}

func (c *command) open(ctx context.Context) (*session, error) {
	cfg, logs, err := loadConfig(c.global.ConfigPath, c.stderr)
	if err != nil {
		return nil, err
	}
	ch, err := c.opener(ctx, cfg, slog.Default())
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &session{cfg: cfg, checker: ch, logs: logs}, nil
}

func (s *session) Close() {
	if err := s.checker.Close(); err != nil {
		slog.Warn("Closing counter store failed", "error", err)
	}
	_ = s.logs.Close()
}
