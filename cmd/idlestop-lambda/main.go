// Command idlestop-lambda runs one idle check per scheduled Lambda event.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/loykin/idlestop"
	"github.com/loykin/idlestop/internal/logger"
	"github.com/loykin/idlestop/internal/probe"
)

// Response is the Lambda payload. Status keeps the short labels scheduled-rule
// dashboards match on; the full result is embedded next to it.
type Response struct {
	Status string `json:"status"`
	idlestop.Result
}

type handler struct {
	checker *idlestop.Checker
	cfg     idlestop.Config
}

func newHandler(ctx context.Context, cfg idlestop.Config, ov idlestop.Overrides) (*handler, error) {
	ch, err := idlestop.New(ctx, cfg, ov)
	if err != nil {
		return nil, err
	}
	if err := idlestop.RegisterMetricsDefault(); err != nil {
		slog.Warn("Metrics registration failed", "error", err)
	}
	return &handler{checker: ch, cfg: cfg}, nil
}

// Handle ignores the event body; every invocation checks the configured instance.
func (h *handler) Handle(ctx context.Context, _ json.RawMessage) (Response, error) {
	res, err := h.checker.Run(ctx)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if perr := idlestop.PushMetrics(pctx, h.cfg); perr != nil {
		slog.Warn("Pushing metrics failed", "gateway", h.cfg.Pushgateway, "error", perr)
	}
	if err != nil {
		return Response{Status: "error", Result: res}, err
	}
	return Response{Status: statusOf(res), Result: res}, nil
}

func statusOf(res idlestop.Result) string {
	switch res.Decision {
	case idlestop.SkippedNotRunning:
		return fmt.Sprintf("skipped-%s", res.State)
	case idlestop.IncrementedBelowThreshold:
		return "idle-but-not-stopping"
	case idlestop.StoppedInstance:
		return "stopped"
	case idlestop.SkippedUnsafe:
		return "stop-suppressed"
	case idlestop.NoAction:
		if res.Outcome != nil && res.Outcome.Activity == probe.Active {
			return "active"
		}
		return "indeterminate"
	}
	return string(res.Decision)
}

func main() {
	cfg, err := idlestop.LoadConfig("")
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(2)
	}
	// Lambda captures stdout; no file sink here.
	cfg.Log.File = logger.FileConfig{}
	log, _, err := logger.New(cfg.Log, os.Stdout)
	if err != nil {
		slog.Error("Invalid logging configuration", "error", err)
		os.Exit(2)
	}
	slog.SetDefault(log)
	for _, w := range cfg.Warnings {
		slog.Warn("Configuration value ignored", "detail", w)
	}

	h, err := newHandler(context.Background(), cfg, idlestop.Overrides{Logger: log})
	if err != nil {
		slog.Error("Initialization failed", "error", err)
		os.Exit(1)
	}
	lambda.Start(h.Handle)
}
