package idlestop

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/loykin/idlestop/internal/config"
	"github.com/loykin/idlestop/internal/instance"
	"github.com/loykin/idlestop/internal/remote"
	"github.com/loykin/idlestop/internal/retry"
	"github.com/loykin/idlestop/internal/store"
)

type stubController struct {
	state instance.State
	stops int
}

func (s *stubController) State(context.Context, string) (instance.State, error) { return s.state, nil }
func (s *stubController) Stop(context.Context, string) error {
	s.stops++
	return nil
}

// markerExec answers every command with a fixed connection count.
type markerExec struct{ n int }

func (m markerExec) Invoke(context.Context, string, string) (string, error) { return "cmd-1", nil }
func (m markerExec) Poll(context.Context, string, string) (remote.Result, error) {
	return remote.Result{Status: remote.StatusSuccess, Output: "ssh_established=" + strconv.Itoa(m.n) + "\n"}, nil
}

type brokenSchema struct{ store.Store }

func (brokenSchema) EnsureSchema(context.Context) error { return errors.New("table does not exist") }

func testConfig() Config {
	return Config{
		InstanceID:        "i-facade",
		StateTable:        "idle_state",
		IdleThreshold:     2,
		AllowStop:         true,
		ProbeMaxWait:      time.Second,
		ProbePollInterval: 5 * time.Millisecond,
		SSHPort:           22,
		StateStore:        "memory",
		Executor:          config.ExecutorSSM,
		StorageRetry:      retry.Policy{Retries: 1, Interval: time.Millisecond},
	}
}

func TestCheckerRunStopsAfterThreshold(t *testing.T) {
	ctl := &stubController{state: instance.StateRunning}
	c, err := New(context.Background(), testConfig(), Overrides{Controller: ctl, Executor: markerExec{n: 0}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = c.Close() }()

	res, err := c.Run(context.Background())
	if err != nil || res.Decision != IncrementedBelowThreshold {
		t.Fatalf("first run: %+v %v", res, err)
	}
	res, err = c.Run(context.Background())
	if err != nil || res.Decision != StoppedInstance {
		t.Fatalf("second run: %+v %v", res, err)
	}
	if ctl.stops != 1 {
		t.Fatalf("expected one stop, got %d", ctl.stops)
	}
}

func TestCheckerCounterAdmin(t *testing.T) {
	c, err := New(context.Background(), testConfig(), Overrides{
		Controller: &stubController{state: instance.StateRunning},
		Executor:   markerExec{n: 1},
		Store:      store.NewMemory(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	rec, err := c.Counter(ctx)
	if err != nil || rec != nil {
		t.Fatalf("cold start should have no record: %+v %v", rec, err)
	}
	if err := c.SetCounter(ctx, 5); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec, err = c.Counter(ctx)
	if err != nil || rec == nil || rec.IdleCount != 5 {
		t.Fatalf("unexpected record: %+v %v", rec, err)
	}
	if err := c.SetCounter(ctx, -1); err == nil {
		t.Fatal("negative count must be rejected")
	}

	out := c.Probe(ctx)
	if out.Activity != "active" || out.Connections != 1 {
		t.Fatalf("unexpected probe outcome: %+v", out)
	}
	// probing alone never touches the counter
	rec, _ = c.Counter(ctx)
	if rec.IdleCount != 5 {
		t.Fatalf("probe changed the counter: %d", rec.IdleCount)
	}
}

func TestNewSurfacesSchemaFailure(t *testing.T) {
	_, err := New(context.Background(), testConfig(), Overrides{
		Controller: &stubController{},
		Executor:   markerExec{},
		Store:      brokenSchema{store.NewMemory()},
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestNewRejectsBadStateStore(t *testing.T) {
	cfg := testConfig()
	cfg.StateStore = "sqlite://" + t.TempDir() + "/state.db"
	cfg.StateTable = "bad-name; drop"
	_, err := New(context.Background(), cfg, Overrides{Controller: &stubController{}, Executor: markerExec{}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRegisterMetricsFacade(t *testing.T) {
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := PushMetrics(context.Background(), testConfig()); err != nil {
		t.Fatalf("push without gateway should be a no-op: %v", err)
	}
}
