package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	KeyInstanceID, KeyStateTable, KeyIdleThreshold, KeyAllowStop, KeyMaxWaitSeconds,
	KeyPollIntervalSeconds, KeySSHPort, KeyStateStore, KeyExecutor, KeyStorageRetries,
	KeyStorageRetryInterval, KeyLogLevel, KeyLogFormat, KeyLogFile, KeyPushgateway, KeyPushJob,
}

// clearEnv blanks every recognised variable; viper treats empty as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(envName(k), "")
	}
}

func requiredEnv(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("INSTANCE_ID", "i-0abc")
	t.Setenv("STATE_TABLE", "idle-state")
}

func TestLoad_Defaults(t *testing.T) {
	requiredEnv(t)
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.InstanceID != "i-0abc" || c.StateTable != "idle-state" {
		t.Fatalf("unexpected required values: %+v", c)
	}
	if c.IdleThreshold != 3 || c.AllowStop {
		t.Fatalf("unexpected threshold/allow_stop: %d %t", c.IdleThreshold, c.AllowStop)
	}
	if c.ProbeMaxWait != 15*time.Second || c.ProbePollInterval != 500*time.Millisecond {
		t.Fatalf("unexpected probe timing: %s %s", c.ProbeMaxWait, c.ProbePollInterval)
	}
	if c.SSHPort != 22 || c.StateStore != "dynamodb" || c.Executor != ExecutorSSM {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.StorageRetry.Retries != 3 || c.StorageRetry.Interval != 200*time.Millisecond {
		t.Fatalf("unexpected retry policy: %+v", c.StorageRetry)
	}
	if c.PushJob != DefaultPushJob || c.Pushgateway != "" {
		t.Fatalf("unexpected metrics settings: %q %q", c.PushJob, c.Pushgateway)
	}
	if len(c.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", c.Warnings)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "INSTANCE_ID") || !strings.Contains(err.Error(), "STATE_TABLE") {
		t.Fatalf("error should name both variables: %v", err)
	}

	t.Setenv("INSTANCE_ID", "i-0abc")
	_, err = Load("")
	if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), "STATE_TABLE") {
		t.Fatalf("expected missing STATE_TABLE, got %v", err)
	}
}

func TestLoad_ExplicitValues(t *testing.T) {
	requiredEnv(t)
	t.Setenv("IDLE_THRESHOLD", "5")
	t.Setenv("ALLOW_STOP", "true")
	t.Setenv("SSM_MAX_WAIT_SECONDS", "30")
	t.Setenv("SSM_POLL_INTERVAL_SECONDS", "0.25")
	t.Setenv("SSH_PORT", "2222")
	t.Setenv("EXECUTOR", "LOCAL")
	t.Setenv("STORAGE_RETRIES", "0")
	t.Setenv("STORAGE_RETRY_INTERVAL", "1s")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.IdleThreshold != 5 || !c.AllowStop || c.SSHPort != 2222 || c.Executor != ExecutorLocal {
		t.Fatalf("unexpected values: %+v", c)
	}
	if c.ProbeMaxWait != 30*time.Second || c.ProbePollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected probe timing: %s %s", c.ProbeMaxWait, c.ProbePollInterval)
	}
	if c.StorageRetry.Retries != 0 || c.StorageRetry.Interval != time.Second {
		t.Fatalf("unexpected retry policy: %+v", c.StorageRetry)
	}
}

func TestLoad_ThresholdFallsBack(t *testing.T) {
	for _, raw := range []string{"0", "-2", "three", "0x10", "1e2"} {
		t.Run(raw, func(t *testing.T) {
			requiredEnv(t)
			t.Setenv("IDLE_THRESHOLD", raw)
			c, err := Load("")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if c.IdleThreshold != DefaultIdleThreshold {
				t.Fatalf("expected default threshold, got %d", c.IdleThreshold)
			}
			if len(c.Warnings) != 1 || !strings.Contains(c.Warnings[0], "IDLE_THRESHOLD") {
				t.Fatalf("expected one IDLE_THRESHOLD warning, got %v", c.Warnings)
			}
		})
	}
}

func TestLoad_IntegersAreDecimal(t *testing.T) {
	cases := map[string]int{"010": 10, "08": 8, " 4 ": 4, "+5": 5}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			requiredEnv(t)
			t.Setenv("IDLE_THRESHOLD", raw)
			t.Setenv("SSH_PORT", "0022")
			t.Setenv("STORAGE_RETRIES", "07")
			c, err := Load("")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if c.IdleThreshold != want {
				t.Fatalf("IDLE_THRESHOLD=%q: expected %d, got %d", raw, want, c.IdleThreshold)
			}
			if c.SSHPort != 22 || c.StorageRetry.Retries != 7 {
				t.Fatalf("expected port 22 and 7 retries, got %d and %d", c.SSHPort, c.StorageRetry.Retries)
			}
			if len(c.Warnings) != 0 {
				t.Fatalf("unexpected warnings: %v", c.Warnings)
			}
		})
	}
}

func TestLoad_AllowStopParsing(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true, "1": true, "yes": true, "on": true,
		"false": false, "0": false, "no": false, "off": false,
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			requiredEnv(t)
			t.Setenv("ALLOW_STOP", raw)
			c, err := Load("")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if c.AllowStop != want {
				t.Fatalf("ALLOW_STOP=%q: got %t", raw, c.AllowStop)
			}
		})
	}

	requiredEnv(t)
	t.Setenv("ALLOW_STOP", "maybe")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.AllowStop || len(c.Warnings) != 1 {
		t.Fatalf("malformed ALLOW_STOP must default to false with a warning: %t %v", c.AllowStop, c.Warnings)
	}
}

func TestLoad_PollIntervalClamped(t *testing.T) {
	requiredEnv(t)
	t.Setenv("SSM_MAX_WAIT_SECONDS", "2")
	t.Setenv("SSM_POLL_INTERVAL_SECONDS", "5")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ProbePollInterval != c.ProbeMaxWait {
		t.Fatalf("poll interval not clamped: %s > %s", c.ProbePollInterval, c.ProbeMaxWait)
	}
}

func TestLoad_MalformedOptionalDefaults(t *testing.T) {
	requiredEnv(t)
	t.Setenv("SSM_MAX_WAIT_SECONDS", "soon")
	t.Setenv("SSH_PORT", "70000")
	t.Setenv("STORAGE_RETRY_INTERVAL", "-1s")
	t.Setenv("LOG_LEVEL", "chatty")
	t.Setenv("LOG_FORMAT", "xml")
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.ProbeMaxWait != DefaultMaxWait || c.SSHPort != DefaultSSHPort {
		t.Fatalf("unexpected fallbacks: %+v", c)
	}
	if c.StorageRetry.Interval != 200*time.Millisecond {
		t.Fatalf("unexpected retry interval: %s", c.StorageRetry.Interval)
	}
	if c.Log.Level != "info" || c.Log.Format != "text" {
		t.Fatalf("unexpected log fallbacks: %+v", c.Log)
	}
	if len(c.Warnings) != 5 {
		t.Fatalf("expected 5 warnings, got %d: %v", len(c.Warnings), c.Warnings)
	}
}

func TestLoad_UnknownExecutorRejected(t *testing.T) {
	requiredEnv(t)
	t.Setenv("EXECUTOR", "ssh")
	if _, err := Load(""); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestLoad_TOMLFileWithEnvOverride(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "idlestop.toml")
	data := `
instance_id = "i-file"
state_table = "file-table"
idle_threshold = 4
allow_stop = true
ssm_max_wait_seconds = 20
state_store = "memory"
log_format = "json"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	t.Setenv("IDLE_THRESHOLD", "6")
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.InstanceID != "i-file" || c.StateTable != "file-table" || c.StateStore != "memory" {
		t.Fatalf("file values not applied: %+v", c)
	}
	if c.IdleThreshold != 6 {
		t.Fatalf("environment should win over file, got %d", c.IdleThreshold)
	}
	if !c.AllowStop || c.ProbeMaxWait != 20*time.Second || c.Log.Format != "json" {
		t.Fatalf("unexpected file values: %+v", c)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	requiredEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
