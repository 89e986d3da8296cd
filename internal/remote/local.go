package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLocalTimeout bounds a single local command.
const DefaultLocalTimeout = 30 * time.Second

// Local runs commands with /bin/sh on the host running this program. It fits a
// job co-located on the monitored instance. The instance id is ignored.
type Local struct {
	Timeout time.Duration

	mu   sync.Mutex
	runs map[string]*localRun
}

type localRun struct {
	done chan struct{}
	res  Result
}

func NewLocal() *Local {
	return &Local{Timeout: DefaultLocalTimeout, runs: make(map[string]*localRun)}
}

func (l *Local) Invoke(ctx context.Context, _ string, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", errors.New("empty command")
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultLocalTimeout
	}
	// The run outlives Invoke, like a remote dispatch would.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	// #nosec G204
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children of the shell may hold the pipes open after a kill
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("start local command: %w", err)
	}

	id := uuid.NewString()
	run := &localRun{done: make(chan struct{})}
	l.mu.Lock()
	if l.runs == nil {
		l.runs = make(map[string]*localRun)
	}
	l.runs[id] = run
	l.mu.Unlock()

	go func() {
		defer cancel()
		err := cmd.Wait()
		res := Result{Status: StatusSuccess, Output: stdout.String(), Detail: strings.TrimSpace(stderr.String())}
		if err != nil {
			res.Status = StatusFailed
			if res.Detail == "" {
				res.Detail = err.Error()
			} else {
				res.Detail = err.Error() + ": " + res.Detail
			}
		}
		run.res = res
		close(run.done)
	}()
	return id, nil
}

func (l *Local) Poll(_ context.Context, _ string, commandID string) (Result, error) {
	l.mu.Lock()
	run, ok := l.runs[commandID]
	l.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("unknown command id %s", commandID)
	}
	select {
	case <-run.done:
		l.mu.Lock()
		delete(l.runs, commandID)
		l.mu.Unlock()
		return run.res, nil
	default:
		return Result{Status: StatusPending}, nil
	}
}
