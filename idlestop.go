// Package idlestop stops an instance after it has been idle, with no inbound
// SSH session, for a configured number of consecutive checks.
package idlestop

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/idlestop/internal/config"
	"github.com/loykin/idlestop/internal/engine"
	"github.com/loykin/idlestop/internal/instance"
	"github.com/loykin/idlestop/internal/metrics"
	"github.com/loykin/idlestop/internal/probe"
	"github.com/loykin/idlestop/internal/remote"
	iapi "github.com/loykin/idlestop/internal/server"
	"github.com/loykin/idlestop/internal/store"
	"github.com/loykin/idlestop/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Result = engine.Result

type Decision = engine.Decision

type Outcome = probe.Outcome

type Record = store.Record

const (
	NoAction                  = engine.NoAction
	IncrementedBelowThreshold = engine.IncrementedBelowThreshold
	StoppedInstance           = engine.StoppedInstance
	SkippedNotRunning         = engine.SkippedNotRunning
	SkippedUnsafe             = engine.SkippedUnsafe
)

var (
	ErrInvalidConfig      = config.ErrInvalid
	ErrStorageUnavailable = engine.ErrStorageUnavailable
	ErrStopFailed         = engine.ErrStopFailed
	ErrInstanceState      = engine.ErrInstanceState
)

func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Overrides replace collaborators New would otherwise build from the
// configuration. Nil fields are built as usual.
type Overrides struct {
	Controller instance.Controller
	Executor   remote.Executor
	Store      store.Store
	AWS        *aws.Config
	Logger     *slog.Logger
}

// Checker owns one engine and the resources behind it.
type Checker struct {
	cfg    Config
	engine *engine.Engine
	probe  *probe.Probe
	store  store.Store
}

// New wires a Checker from cfg. The AWS configuration is only loaded when a
// collaborator needs it.
func New(ctx context.Context, cfg Config, ov Overrides) (*Checker, error) {
	needAWS := ov.Controller == nil ||
		(ov.Executor == nil && cfg.Executor != config.ExecutorLocal) ||
		(ov.Store == nil && factory.NeedsAWS(cfg.StateStore))
	var awsCfg aws.Config
	switch {
	case ov.AWS != nil:
		awsCfg = *ov.AWS
	case needAWS:
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		awsCfg = c
	}

	st := ov.Store
	if st == nil {
		s, err := factory.New(cfg.StateStore, cfg.StateTable, awsCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalid, config.KeyStateStore, err)
		}
		st = s
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("%w: %v", engine.ErrStorageUnavailable, err)
	}

	exec := ov.Executor
	if exec == nil {
		if cfg.Executor == config.ExecutorLocal {
			exec = remote.NewLocal()
		} else {
			exec = remote.NewSSMFromConfig(awsCfg)
		}
	}
	ctl := ov.Controller
	if ctl == nil {
		ctl = instance.NewEC2FromConfig(awsCfg)
	}

	p := &probe.Probe{
		Exec:         exec,
		MaxWait:      cfg.ProbeMaxWait,
		PollInterval: cfg.ProbePollInterval,
		Port:         cfg.SSHPort,
		Dispatch:     cfg.StorageRetry,
		Logger:       ov.Logger,
	}
	return &Checker{
		cfg:   cfg,
		probe: p,
		store: st,
		engine: &engine.Engine{
			InstanceID: cfg.InstanceID,
			Threshold:  cfg.IdleThreshold,
			AllowStop:  cfg.AllowStop,
			Controller: ctl,
			Probe:      p,
			Store:      st,
			Storage:    cfg.StorageRetry,
			Logger:     ov.Logger,
		},
	}, nil
}

func (c *Checker) Config() Config     { return c.cfg }
func (c *Checker) InstanceID() string { return c.cfg.InstanceID }
func (c *Checker) Close() error       { return c.store.Close() }

// Run performs one idle check.
func (c *Checker) Run(ctx context.Context) (Result, error) { return c.engine.Run(ctx) }

// Probe only checks SSH activity; nothing is written or stopped.
func (c *Checker) Probe(ctx context.Context) Outcome {
	return c.probe.Check(ctx, c.cfg.InstanceID)
}

// Counter returns the stored record, or nil on a cold start.
func (c *Checker) Counter(ctx context.Context) (*Record, error) {
	return store.Lookup(ctx, c.store, c.cfg.InstanceID)
}

// SetCounter overwrites the idle count. Zero is a manual reset.
func (c *Checker) SetCounter(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("idle count must be >= 0, got %d", n)
	}
	return c.store.Put(ctx, Record{InstanceID: c.cfg.InstanceID, IdleCount: n})
}

// NewHTTPServer starts an HTTP server that runs checks on demand.
func NewHTTPServer(addr, basePath string, c *Checker) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, c)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// PushMetrics pushes the default registry to cfg's Pushgateway, if any.
func PushMetrics(ctx context.Context, cfg Config) error {
	return metrics.Push(ctx, cfg.Pushgateway, cfg.PushJob, prometheus.DefaultGatherer)
}
