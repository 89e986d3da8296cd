package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/loykin/idlestop/internal/logger"
	"github.com/loykin/idlestop/internal/retry"
)

// ErrInvalid marks a missing required setting or an unusable value.
// Nothing has been touched when it is returned.
var ErrInvalid = errors.New("invalid configuration")

// Keys double as environment variable names once upper-cased.
const (
	KeyInstanceID           = "instance_id"
	KeyStateTable           = "state_table"
	KeyIdleThreshold        = "idle_threshold"
	KeyAllowStop            = "allow_stop"
	KeyMaxWaitSeconds       = "ssm_max_wait_seconds"
	KeyPollIntervalSeconds  = "ssm_poll_interval_seconds"
	KeySSHPort              = "ssh_port"
	KeyStateStore           = "state_store"
	KeyExecutor             = "executor"
	KeyStorageRetries       = "storage_retries"
	KeyStorageRetryInterval = "storage_retry_interval"
	KeyLogLevel             = "log_level"
	KeyLogFormat            = "log_format"
	KeyLogFile              = "log_file"
	KeyLogFileMaxSizeMB     = "log_file_max_size_mb"
	KeyLogFileMaxBackups    = "log_file_max_backups"
	KeyLogFileMaxAgeDays    = "log_file_max_age_days"
	KeyLogFileCompress      = "log_file_compress"
	KeyPushgateway          = "metrics_pushgateway"
	KeyPushJob              = "metrics_job"
)

const (
	DefaultIdleThreshold = 3
	DefaultMaxWait       = 15 * time.Second
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultSSHPort       = 22
	DefaultStateStore    = "dynamodb"
	DefaultPushJob       = "idlestop"

	ExecutorSSM   = "ssm"
	ExecutorLocal = "local"
)

// Config is the validated invocation configuration. It is parsed once at
// startup; the engine never reads the environment itself.
type Config struct {
	InstanceID        string        `json:"instance_id"`
	StateTable        string        `json:"state_table"`
	IdleThreshold     int           `json:"idle_threshold"`
	AllowStop         bool          `json:"allow_stop"`
	ProbeMaxWait      time.Duration `json:"probe_max_wait"`
	ProbePollInterval time.Duration `json:"probe_poll_interval"`
	SSHPort           int           `json:"ssh_port"`
	StateStore        string        `json:"state_store"`
	Executor          string        `json:"executor"`
	StorageRetry      retry.Policy  `json:"storage_retry"`
	Log               logger.Config `json:"log"`
	Pushgateway       string        `json:"metrics_pushgateway,omitempty"`
	PushJob           string        `json:"metrics_job"`

	// Warnings lists optional settings that were unusable and fell back to
	// their defaults. Callers log them once a logger exists.
	Warnings []string `json:"-"`
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(KeyIdleThreshold, DefaultIdleThreshold)
	v.SetDefault(KeyAllowStop, false)
	v.SetDefault(KeyMaxWaitSeconds, DefaultMaxWait.Seconds())
	v.SetDefault(KeyPollIntervalSeconds, DefaultPollInterval.Seconds())
	v.SetDefault(KeySSHPort, DefaultSSHPort)
	v.SetDefault(KeyStateStore, DefaultStateStore)
	v.SetDefault(KeyExecutor, ExecutorSSM)
	v.SetDefault(KeyStorageRetries, retry.DefaultRetries)
	v.SetDefault(KeyStorageRetryInterval, retry.DefaultInterval.String())
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyPushJob, DefaultPushJob)
	// INSTANCE_ID, IDLE_THRESHOLD, ... win over the file.
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
	}
	return v, nil
}

// Load reads the environment and, when path is not empty, a TOML file with
// the same keys in lower case.
func Load(path string) (Config, error) {
	v, err := newViper(path)
	if err != nil {
		return Config{}, err
	}
	return parse(v)
}

type parser struct {
	v    *viper.Viper
	warn []string
}

func (p *parser) warnf(format string, args ...any) {
	p.warn = append(p.warn, fmt.Sprintf(format, args...))
}

func envName(key string) string { return strings.ToUpper(key) }

func (p *parser) str(key string) string {
	return strings.TrimSpace(cast.ToString(p.v.Get(key)))
}

// intAtLeast falls back to def when the value is malformed or below min.
// Strings are read as plain decimal, so "010" is 10 rather than octal.
func (p *parser) intAtLeast(key string, min, def int) int {
	raw := p.v.Get(key)
	var (
		n   int
		err error
	)
	if s, ok := raw.(string); ok {
		n, err = strconv.Atoi(strings.TrimSpace(s))
	} else {
		n, err = cast.ToIntE(raw)
	}
	if err != nil || n < min {
		p.warnf("%s=%v is not an integer >= %d, using default %d", envName(key), raw, min, def)
		return def
	}
	return n
}

func (p *parser) seconds(key string, def time.Duration) time.Duration {
	raw := p.v.Get(key)
	f, err := cast.ToFloat64E(raw)
	if err != nil || f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64/float64(time.Second) {
		p.warnf("%s=%v is not a positive number of seconds, using default %s", envName(key), raw, def)
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func (p *parser) boolean(key string, def bool) bool {
	raw := p.v.Get(key)
	if s, ok := raw.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "yes", "on", "y":
			return true
		case "no", "off", "n":
			return false
		}
	}
	b, err := cast.ToBoolE(raw)
	if err != nil {
		p.warnf("%s=%v is not a boolean, using default %t", envName(key), raw, def)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.v.Get(key)
	d, err := cast.ToDurationE(raw)
	if err != nil || d <= 0 {
		p.warnf("%s=%v is not a positive duration, using default %s", envName(key), raw, def)
		return def
	}
	return d
}

func parse(v *viper.Viper) (Config, error) {
	p := &parser{v: v}
	c := Config{
		InstanceID: p.str(KeyInstanceID),
		StateTable: p.str(KeyStateTable),
	}
	var missing []string
	if c.InstanceID == "" {
		missing = append(missing, envName(KeyInstanceID))
	}
	if c.StateTable == "" {
		missing = append(missing, envName(KeyStateTable))
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: missing required %s", ErrInvalid, strings.Join(missing, ", "))
	}

	c.IdleThreshold = p.intAtLeast(KeyIdleThreshold, 1, DefaultIdleThreshold)
	c.AllowStop = p.boolean(KeyAllowStop, false)
	c.ProbeMaxWait = p.seconds(KeyMaxWaitSeconds, DefaultMaxWait)
	c.ProbePollInterval = p.seconds(KeyPollIntervalSeconds, DefaultPollInterval)
	if c.ProbePollInterval > c.ProbeMaxWait {
		p.warnf("%s exceeds %s, polling once at the ceiling", envName(KeyPollIntervalSeconds), envName(KeyMaxWaitSeconds))
		c.ProbePollInterval = c.ProbeMaxWait
	}
	c.SSHPort = p.intAtLeast(KeySSHPort, 1, DefaultSSHPort)
	if c.SSHPort > 65535 {
		p.warnf("%s=%d is out of range, using default %d", envName(KeySSHPort), c.SSHPort, DefaultSSHPort)
		c.SSHPort = DefaultSSHPort
	}
	c.StorageRetry = retry.Policy{
		Retries:  p.intAtLeast(KeyStorageRetries, 0, retry.DefaultRetries),
		Interval: p.duration(KeyStorageRetryInterval, retry.DefaultInterval),
	}

	c.StateStore = p.str(KeyStateStore)
	c.Executor = strings.ToLower(p.str(KeyExecutor))
	switch c.Executor {
	case ExecutorSSM, ExecutorLocal:
	default:
		return Config{}, fmt.Errorf("%w: %s must be %q or %q, got %q", ErrInvalid, envName(KeyExecutor), ExecutorSSM, ExecutorLocal, c.Executor)
	}

	c.Log = logger.Config{
		Level:  p.str(KeyLogLevel),
		Format: p.str(KeyLogFormat),
		File: logger.FileConfig{
			Path:       p.str(KeyLogFile),
			MaxSizeMB:  cast.ToInt(v.Get(KeyLogFileMaxSizeMB)),
			MaxBackups: cast.ToInt(v.Get(KeyLogFileMaxBackups)),
			MaxAgeDays: cast.ToInt(v.Get(KeyLogFileMaxAgeDays)),
			Compress:   p.boolean(KeyLogFileCompress, false),
		},
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		p.warnf("%s: %v, using info", envName(KeyLogLevel), err)
		c.Log.Level = "info"
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "color":
	default:
		p.warnf("%s=%q is unknown, using text", envName(KeyLogFormat), c.Log.Format)
		c.Log.Format = "text"
	}

	c.Pushgateway = p.str(KeyPushgateway)
	c.PushJob = p.str(KeyPushJob)
	if c.PushJob == "" {
		c.PushJob = DefaultPushJob
	}

	c.Warnings = p.warn
	return c, nil
}
