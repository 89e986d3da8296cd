package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/idlestop"
)

type command struct {
	global *GlobalFlags
	opener opener
	stdout io.Writer
	stderr io.Writer
}

func newCommand(global *GlobalFlags) *command {
	return &command{global: global, opener: openChecker, stdout: os.Stdout, stderr: os.Stderr}
}

// signalContext is canceled by SIGINT/SIGTERM and, when timeout > 0, by the
// deadline. The probe keeps its polling inside that deadline.
func signalContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() { cancel(); stop() }
}

// Run performs one idle check and prints the result.
func (c *command) Run(f RunFlags) error {
	ctx, cancel := signalContext(f.Timeout)
	defer cancel()
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := idlestop.RegisterMetricsDefault(); err != nil {
		slog.Warn("Metrics registration failed", "error", err)
	}
	res, runErr := s.checker.Run(ctx)
	printJSON(c.stdout, res)

	// push even after a failure so the failure class is visible
	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer pcancel()
	if err := idlestop.PushMetrics(pctx, s.cfg); err != nil {
		slog.Warn("Pushing metrics failed", "gateway", s.cfg.Pushgateway, "error", err)
	}
	return runErr
}

// Probe reports SSH activity without touching the counter or the instance.
func (c *command) Probe(f RunFlags) error {
	ctx, cancel := signalContext(f.Timeout)
	defer cancel()
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	printJSON(c.stdout, s.checker.Probe(ctx))
	return nil
}

type counterView struct {
	InstanceID  string     `json:"instance_id"`
	IdleCount   int        `json:"idle_count"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
	Threshold   int        `json:"threshold"`
}

func (c *command) printCounter(ctx context.Context, s *session) error {
	rec, err := s.checker.Counter(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", idlestop.ErrStorageUnavailable, err)
	}
	v := counterView{InstanceID: s.cfg.InstanceID, Threshold: s.cfg.IdleThreshold}
	if rec != nil {
		v.IdleCount = rec.IdleCount
		ts := rec.LastUpdated
		v.LastUpdated = &ts
	}
	printJSON(c.stdout, v)
	return nil
}

func (c *command) CounterGet() error {
	ctx, cancel := signalContext(0)
	defer cancel()
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return c.printCounter(ctx, s)
}

// CounterSet overwrites the stored idle count. It is an operator tool; the
// engine itself only moves the counter by one or resets it.
func (c *command) CounterSet(f CounterSetFlags) error {
	if f.Value < 0 {
		return fmt.Errorf("%w: counter value must be >= 0, got %d", idlestop.ErrInvalidConfig, f.Value)
	}
	ctx, cancel := signalContext(0)
	defer cancel()
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.checker.SetCounter(ctx, f.Value); err != nil {
		return fmt.Errorf("%w: %v", idlestop.ErrStorageUnavailable, err)
	}
	slog.Info("Idle counter set", "instance", s.cfg.InstanceID, "idle_count", f.Value)
	return c.printCounter(ctx, s)
}

func (c *command) CounterReset() error { return c.CounterSet(CounterSetFlags{Value: 0}) }

// Serve runs checks on demand over HTTP until interrupted.
func (c *command) Serve(f ServeFlags) error {
	ctx, cancel := signalContext(0)
	defer cancel()
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := idlestop.RegisterMetricsDefault(); err != nil {
		slog.Warn("Metrics registration failed", "error", err)
	}
	// fail fast on a busy port; NewHTTPServer listens in the background
	ln, err := net.Listen("tcp", f.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", f.Listen, err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	srv, err := idlestop.NewHTTPServer(addr, f.BasePath, s.checker)
	if err != nil {
		return err
	}
	slog.Info("Serving idle checks", "addr", addr, "base_path", f.BasePath, "instance", s.cfg.InstanceID)
	if !f.NonBlocking {
		<-ctx.Done()
	}
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	slog.Info("Server stopped")
	return nil
}

// ShowConfig prints the effective configuration after defaults and fallbacks.
func (c *command) ShowConfig() error {
	cfg, logs, err := loadConfig(c.global.ConfigPath, c.stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logs.Close() }()
	printJSON(c.stdout, cfg)
	return nil
}
