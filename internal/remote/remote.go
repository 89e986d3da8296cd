// Package remote dispatches shell commands to the monitored instance and
// reports their progress. Dispatch is asynchronous: Invoke returns a command
// id that callers Poll until the result is terminal.
package remote

import "context"

// Status is the lifecycle of a dispatched command.
type Status int

const (
	StatusPending Status = iota
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result is one observation of a dispatched command.
// Output is the command's standard output once Status is terminal.
// Detail carries provider status text or standard error for diagnostics.
type Result struct {
	Status Status
	Output string
	Detail string
}

// Terminal reports whether polling can stop.
func (r Result) Terminal() bool { return r.Status != StatusPending }

// Executor is the remote command-execution collaborator.
type Executor interface {
	Invoke(ctx context.Context, instanceID, command string) (commandID string, err error)
	Poll(ctx context.Context, instanceID, commandID string) (Result, error)
}
