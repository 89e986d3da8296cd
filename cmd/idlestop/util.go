package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/loykin/idlestop"
)

// Exit codes. Any decision, including a skipped stop, exits 0.
const (
	exitOK                 = 0
	exitFailure            = 1
	exitConfig             = 2
	exitStorageUnavailable = 3
	exitStopFailed         = 4
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, idlestop.ErrInvalidConfig):
		return exitConfig
	case errors.Is(err, idlestop.ErrStorageUnavailable):
		return exitStorageUnavailable
	case errors.Is(err, idlestop.ErrStopFailed):
		return exitStopFailed
	}
	return exitFailure
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
