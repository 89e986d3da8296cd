// Package probe decides whether anyone is logged in to the monitored instance
// over SSH, using a remote command dispatched through a remote.Executor.
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/idlestop/internal/remote"
	"github.com/loykin/idlestop/internal/retry"
)

// Activity is the interpreted session state.
type Activity string

const (
	Active        Activity = "active"
	Idle          Activity = "idle"
	Indeterminate Activity = "indeterminate"
)

const (
	DefaultMaxWait      = 15 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPort         = 22

	// deadlineMargin is kept free before a context deadline so the caller can
	// still act on a timed out probe.
	deadlineMargin = 2 * time.Second

	marker = "ssh_established="
)

// Outcome is the transient result of one probe. Connections is only
// meaningful for Active and Idle.
type Outcome struct {
	Activity    Activity      `json:"activity"`
	Connections int           `json:"connections"`
	CommandID   string        `json:"command_id,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Command returns the shell snippet run on the instance. A failing ss exits
// non-zero so it can never be mistaken for "no connections".
func Command(port int) string {
	return fmt.Sprintf(`out=$(ss -Htn state established '( sport = :%d )') || exit 3
printf '%s%%s\n' "$(printf '%%s\n' "$out" | grep -c '[^[:space:]]')"`, port, marker)
}

// Probe checks SSH session activity with bounded polling.
type Probe struct {
	Exec         remote.Executor
	MaxWait      time.Duration
	PollInterval time.Duration
	Port         int
	// Dispatch is retried with this policy before the probe gives up.
	Dispatch retry.Policy
	Logger   *slog.Logger
}

func (p *Probe) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// budget returns the effective polling ceiling for ctx.
func (p *Probe) budget(ctx context.Context) time.Duration {
	wait := p.MaxWait
	if wait <= 0 {
		wait = DefaultMaxWait
	}
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl) - deadlineMargin; left < wait {
			wait = left
		}
	}
	return wait
}

// Check dispatches the session command to instanceID and waits for it. It
// never fails: anything short of an explicit connection count is reported as
// Indeterminate.
func (p *Probe) Check(ctx context.Context, instanceID string) Outcome {
	start := time.Now()
	out := p.check(ctx, instanceID)
	out.Elapsed = time.Since(start)
	return out
}

func (p *Probe) check(ctx context.Context, instanceID string) Outcome {
	if p.Exec == nil {
		return Outcome{Activity: Indeterminate, Detail: "no executor configured"}
	}
	wait := p.budget(ctx)
	if wait <= 0 {
		return Outcome{Activity: Indeterminate, Detail: "no time left before invocation deadline"}
	}
	interval := p.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	port := p.Port
	if port <= 0 {
		port = DefaultPort
	}

	pctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var cmdID string
	err := retry.Do(pctx, p.Dispatch, func() error {
		id, err := p.Exec.Invoke(pctx, instanceID, Command(port))
		if err != nil {
			return err
		}
		cmdID = id
		return nil
	}, func(err error, next time.Duration) {
		p.log().Warn("Probe dispatch failed, retrying", "instance", instanceID, "error", err, "backoff", next)
	})
	if err != nil {
		return Outcome{Activity: Indeterminate, Detail: "dispatch failed: " + err.Error()}
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	var lastErr error
	for {
		select {
		case <-pctx.Done():
			detail := fmt.Sprintf("timed out after %s waiting for command", wait)
			if lastErr != nil {
				detail += ": " + lastErr.Error()
			}
			return Outcome{Activity: Indeterminate, CommandID: cmdID, Detail: detail}
		case <-timer.C:
		}
		res, err := p.Exec.Poll(pctx, instanceID, cmdID)
		switch {
		case err != nil:
			lastErr = err
			p.log().Debug("Probe poll failed", "instance", instanceID, "command_id", cmdID, "error", err)
		case res.Terminal():
			return interpret(res, cmdID)
		default:
			p.log().Debug("Probe command pending", "instance", instanceID, "command_id", cmdID, "detail", res.Detail)
		}
		timer.Reset(interval)
	}
}

func interpret(res remote.Result, cmdID string) Outcome {
	if res.Status != remote.StatusSuccess {
		return Outcome{Activity: Indeterminate, CommandID: cmdID, Detail: "command failed: " + res.Detail}
	}
	n, err := Parse(res.Output)
	if err != nil {
		return Outcome{Activity: Indeterminate, CommandID: cmdID, Detail: err.Error()}
	}
	if n == 0 {
		return Outcome{Activity: Idle, CommandID: cmdID}
	}
	return Outcome{Activity: Active, Connections: n, CommandID: cmdID}
}

// ErrNoMarker is returned by Parse when the output lacks the count line.
var ErrNoMarker = errors.New("probe output has no " + strings.TrimSuffix(marker, "=") + " line")

// Parse extracts the established connection count from command output.
func Parse(output string) (int, error) {
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		v, ok := strings.CutPrefix(line, marker)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed connection count %q", v)
		}
		return n, nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, ErrNoMarker
}
