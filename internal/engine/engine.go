// Package engine runs one idle check of a single instance: it reads the power
// state, probes SSH activity, moves the consecutive-idle counter and decides
// whether to stop the instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/idlestop/internal/instance"
	"github.com/loykin/idlestop/internal/metrics"
	"github.com/loykin/idlestop/internal/probe"
	"github.com/loykin/idlestop/internal/retry"
	"github.com/loykin/idlestop/internal/store"
)

// Decision is the outcome of one invocation.
type Decision string

const (
	NoAction                  Decision = "no-action"
	IncrementedBelowThreshold Decision = "idle-below-threshold"
	StoppedInstance           Decision = "stopped"
	SkippedNotRunning         Decision = "skipped-not-running"
	SkippedUnsafe             Decision = "skipped-unsafe"
)

var (
	// ErrStorageUnavailable means the counter could not be read or written
	// after bounded retries. No stop was issued.
	ErrStorageUnavailable = errors.New("counter storage unavailable")
	// ErrStopFailed means the stop request was rejected. The counter keeps its
	// value so the next invocation tries again.
	ErrStopFailed = errors.New("stop request failed")
	// ErrInstanceState means the power state could not be read. Nothing was
	// touched.
	ErrInstanceState = errors.New("instance state unavailable")
)

// maxConflicts bounds how often a read-modify-write is redone after another
// invocation moved the counter underneath it.
const maxConflicts = 5

// Prober is satisfied by *probe.Probe.
type Prober interface {
	Check(ctx context.Context, instanceID string) probe.Outcome
}

// Result describes one invocation. It is returned alongside any error so the
// caller can still report what happened before the failure.
type Result struct {
	Decision      Decision       `json:"decision,omitempty"`
	InstanceID    string         `json:"instance_id"`
	State         instance.State `json:"state,omitempty"`
	Outcome       *probe.Outcome `json:"probe,omitempty"`
	IdleCount     int            `json:"idle_count"`
	PreviousCount int            `json:"previous_count"`
	Threshold     int            `json:"threshold"`
	AllowStop     bool           `json:"allow_stop"`
	RunID         string         `json:"run_id"`
	Reason        string         `json:"reason,omitempty"`
	ErrorClass    string         `json:"error_class,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Engine holds the collaborators and policy for one monitored instance.
type Engine struct {
	InstanceID string
	// Threshold below 1 behaves as 1.
	Threshold  int
	AllowStop  bool
	Controller instance.Controller
	Probe      Prober
	Store      store.Store
	// Storage is the retry policy for counter reads and writes.
	Storage retry.Policy
	Logger  *slog.Logger
}

func (e *Engine) threshold() int {
	if e.Threshold < 1 {
		return 1
	}
	return e.Threshold
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run performs one invocation. Steps are strictly ordered and the counter is
// written at most once.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	res := Result{
		InstanceID: e.InstanceID,
		Threshold:  e.threshold(),
		AllowStop:  e.AllowStop,
		RunID:      uuid.NewString(),
	}
	log := e.log().With("run_id", res.RunID, "instance", e.InstanceID)
	start := time.Now()
	err := e.run(ctx, log, &res)
	if err != nil {
		res.ErrorClass = Classify(err)
		res.Error = err.Error()
		metrics.IncFailure(res.ErrorClass)
		log.Error("Idle check failed",
			"class", res.ErrorClass, "error", err, "state", res.State,
			"idle_count", res.IdleCount, "duration", time.Since(start))
		return res, err
	}
	metrics.IncDecision(string(res.Decision))
	metrics.SetIdleCount(e.InstanceID, res.IdleCount)
	log.Info("Idle check finished",
		"decision", res.Decision, "state", res.State,
		"idle_count", res.IdleCount, "previous_count", res.PreviousCount,
		"threshold", res.Threshold, "allow_stop", res.AllowStop,
		"reason", res.Reason, "duration", time.Since(start))
	return res, nil
}

func (e *Engine) run(ctx context.Context, log *slog.Logger, res *Result) error {
	state, err := e.Controller.State(ctx, e.InstanceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstanceState, err)
	}
	res.State = state
	if state != instance.StateRunning {
		res.Decision = SkippedNotRunning
		res.Reason = fmt.Sprintf("instance is %s", state)
		return nil
	}

	out := e.Probe.Check(ctx, e.InstanceID)
	res.Outcome = &out
	metrics.ObserveProbe(string(out.Activity), out.Elapsed.Seconds())
	log.Debug("Probe finished", "activity", out.Activity, "connections", out.Connections,
		"command_id", out.CommandID, "detail", out.Detail, "elapsed", out.Elapsed)

	switch out.Activity {
	case probe.Active, probe.Idle:
	default:
		// no write; the count is read only to report it
		n, err := e.readCount(ctx, log)
		if err != nil {
			return err
		}
		res.PreviousCount, res.IdleCount = n, n
		res.Decision = NoAction
		res.Reason = "probe indeterminate"
		if out.Detail != "" {
			res.Reason += ": " + out.Detail
		}
		return nil
	}

	prev, next, err := e.update(ctx, log, out.Activity)
	if err != nil {
		return err
	}
	res.PreviousCount, res.IdleCount = prev, next

	if out.Activity == probe.Active {
		res.Decision = NoAction
		res.Reason = fmt.Sprintf("%d active ssh session(s)", out.Connections)
		return nil
	}
	if next < res.Threshold {
		res.Decision = IncrementedBelowThreshold
		res.Reason = fmt.Sprintf("idle %d of %d", next, res.Threshold)
		return nil
	}
	if !e.AllowStop {
		res.Decision = SkippedUnsafe
		res.Reason = "threshold reached but stopping is disabled"
		return nil
	}
	if err := e.Controller.Stop(ctx, e.InstanceID); err != nil {
		return fmt.Errorf("%w: %v", ErrStopFailed, err)
	}
	metrics.IncStop()
	res.Decision = StoppedInstance
	res.Reason = fmt.Sprintf("idle for %d consecutive checks", next)
	return nil
}

// update applies one observation to the stored counter with a conditional
// write, redoing the read when another invocation got there first.
func (e *Engine) update(ctx context.Context, log *slog.Logger, activity probe.Activity) (int, int, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflicts; attempt++ {
		var prev *store.Record
		err := e.storage(ctx, log, "get", func() error {
			r, err := store.Lookup(ctx, e.Store, e.InstanceID)
			prev = r
			return err
		})
		if err != nil {
			return 0, 0, err
		}
		before := 0
		if prev != nil {
			before = prev.IdleCount
		}
		next := 0
		if activity == probe.Idle {
			next = before + 1
		}
		err = e.storage(ctx, log, "put", func() error {
			err := e.Store.CompareAndSwap(ctx, e.InstanceID, prev, next)
			if errors.Is(err, store.ErrConflict) {
				return retry.Permanent(err)
			}
			return err
		})
		if err == nil {
			return before, next, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return 0, 0, err
		}
		lastErr = err
		log.Warn("Idle counter changed concurrently, re-reading", "attempt", attempt+1)
	}
	return 0, 0, fmt.Errorf("%w: %d conflicting writes: %v", ErrStorageUnavailable, maxConflicts, lastErr)
}

func (e *Engine) readCount(ctx context.Context, log *slog.Logger) (int, error) {
	var n int
	err := e.storage(ctx, log, "get", func() error {
		v, err := store.IdleCount(ctx, e.Store, e.InstanceID)
		n = v
		return err
	})
	return n, err
}

// storage runs op under the storage retry policy. A conflict passes through
// unwrapped; anything else that survives the retries is ErrStorageUnavailable.
func (e *Engine) storage(ctx context.Context, log *slog.Logger, op string, fn func() error) error {
	err := retry.Do(ctx, e.Storage, fn, func(err error, wait time.Duration) {
		metrics.IncStorageRetry(op)
		log.Warn("Counter storage failed, retrying", "op", op, "error", err, "backoff", wait)
	})
	if err == nil || errors.Is(err, store.ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

// Error classes reported in Result.ErrorClass and metrics.
const (
	ClassStorageUnavailable = "storage_unavailable"
	ClassStopFailed         = "stop_failed"
	ClassInstanceState      = "instance_state"
	ClassCanceled           = "canceled"
	ClassInternal           = "internal"
)

// Classify maps an error returned by Run to its class.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageUnavailable):
		return ClassStorageUnavailable
	case errors.Is(err, ErrStopFailed):
		return ClassStopFailed
	case errors.Is(err, ErrInstanceState):
		return ClassInstanceState
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	}
	return ClassInternal
}
