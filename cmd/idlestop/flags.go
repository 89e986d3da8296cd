package main

import "time"

// Flag structs to decouple cobra from logic for testing.

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

type RunFlags struct {
	// Timeout bounds the whole invocation; zero means no limit.
	Timeout time.Duration
}

type CounterSetFlags struct {
	Value int
}

type ServeFlags struct {
	Listen   string
	BasePath string
	// NonBlocking returns right after the listener starts, for tests.
	NonBlocking bool
}
