// ABOUTME: Configuration loading and parsing for the warden daemon
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warden configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Anomaly      AnomalyConfig      `yaml:"anomaly"`
	Restart      RestartConfig      `yaml:"restart"`
	Resurrection ResurrectionConfig `yaml:"resurrection"`
	Guardian     GuardianConfig     `yaml:"guardian"`
	Fleet        FleetConfig        `yaml:"fleet"`
}

// ServerConfig holds listener address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// HeartbeatConfig holds heartbeat cadence and escalation-ladder configuration.
//
// TTLs are the per-status staleness thresholds: an agent whose last accepted
// heartbeat is older than its TTL has missed an interval.
type HeartbeatConfig struct {
	IdleTTL            time.Duration `yaml:"-"`
	RunningTTL         time.Duration `yaml:"-"`
	RunningHighLoadTTL time.Duration `yaml:"-"`
	DegradedTTL        time.Duration `yaml:"-"`
	WatchdogCadence    time.Duration `yaml:"-"`
	WatchdogTTL        time.Duration `yaml:"-"`
	MonitorTick        time.Duration `yaml:"-"`

	// MonitorFanout bounds the number of agents a single monitor watches.
	MonitorFanout int `yaml:"monitor_fanout"`

	// Escalation ladder thresholds in consecutive missed intervals.
	WarnAfter         int `yaml:"warn_after"`
	DegradeAfter      int `yaml:"degrade_after"`
	UnresponsiveAfter int `yaml:"unresponsive_after"`

	// Raw string values for YAML unmarshaling
	IdleTTLRaw            string `yaml:"idle_ttl"`
	RunningTTLRaw         string `yaml:"running_ttl"`
	RunningHighLoadTTLRaw string `yaml:"running_high_load_ttl"`
	DegradedTTLRaw        string `yaml:"degraded_ttl"`
	WatchdogCadenceRaw    string `yaml:"watchdog_cadence"`
	WatchdogTTLRaw        string `yaml:"watchdog_ttl"`
	MonitorTickRaw        string `yaml:"monitor_tick"`
}

// AnomalyConfig holds anomaly scoring configuration.
type AnomalyConfig struct {
	// Threshold above which an agent is quarantined rather than restarted.
	Threshold float64 `yaml:"threshold"`

	// Weights for the four sub-scores. Must sum to 1.0.
	Weights WeightsConfig `yaml:"weights"`

	// Resource ceilings used to normalize CPU/memory pressure.
	CPUCeilingPercent float64 `yaml:"cpu_ceiling_percent"`
	MemoryCeilingMB   float64 `yaml:"memory_ceiling_mb"`

	// BaselineWindow bounds the trailing window for learned baselines.
	BaselineWindow    time.Duration `yaml:"-"`
	BaselineWindowRaw string        `yaml:"baseline_window"`
}

// WeightsConfig is the configurable anomaly weight vector.
type WeightsConfig struct {
	Latency    float64 `yaml:"latency"`
	ErrorRate  float64 `yaml:"error_rate"`
	Resource   float64 `yaml:"resource"`
	Completion float64 `yaml:"completion"`
}

// RestartConfig holds restart orchestration configuration.
type RestartConfig struct {
	GracefulTimeout    time.Duration `yaml:"-"`
	Window             time.Duration `yaml:"-"`
	Ceiling            int           `yaml:"ceiling"`
	GracefulTimeoutRaw string        `yaml:"graceful_timeout"`
	WindowRaw          string        `yaml:"window"`
}

// ResurrectionConfig holds lineage and baseline-inheritance configuration.
type ResurrectionConfig struct {
	// MaxDepth is the maximum lineage chain length before resurrection is refused.
	MaxDepth int `yaml:"max_depth"`
	// BaselineDecay multiplies the inherited baseline confidence.
	BaselineDecay float64 `yaml:"baseline_decay"`
}

// GuardianConfig holds leader-election and override rate-limit configuration.
type GuardianConfig struct {
	LeaseDuration     time.Duration `yaml:"-"`
	RenewInterval     time.Duration `yaml:"-"`
	OverrideWindow    time.Duration `yaml:"-"`
	OverrideLimit     int           `yaml:"override_limit"`
	LeaseDurationRaw  string        `yaml:"lease_duration"`
	RenewIntervalRaw  string        `yaml:"renew_interval"`
	OverrideWindowRaw string        `yaml:"override_window"`
}

// FleetConfig holds registry-level configuration.
type FleetConfig struct {
	// SpawnTimeout bounds how long an agent may sit in SPAWNING before it is
	// failed and terminated.
	SpawnTimeout    time.Duration `yaml:"-"`
	SpawnTimeoutRaw string        `yaml:"spawn_timeout"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses and validates configuration from raw YAML content.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration populated with every default value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. If the environment variable is not set, it is replaced with
// an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8600"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	hb := &c.Heartbeat
	if hb.IdleTTL == 0 {
		hb.IdleTTL = 30 * time.Second
	}
	if hb.RunningTTL == 0 {
		hb.RunningTTL = 15 * time.Second
	}
	if hb.RunningHighLoadTTL == 0 {
		hb.RunningHighLoadTTL = 10 * time.Second
	}
	if hb.DegradedTTL == 0 {
		hb.DegradedTTL = 10 * time.Second
	}
	if hb.WatchdogCadence == 0 {
		hb.WatchdogCadence = 5 * time.Second
	}
	if hb.WatchdogTTL == 0 {
		hb.WatchdogTTL = 15 * time.Second
	}
	if hb.MonitorTick == 0 {
		hb.MonitorTick = 10 * time.Second
	}
	if hb.MonitorFanout == 0 {
		hb.MonitorFanout = 15
	}
	if hb.WarnAfter == 0 {
		hb.WarnAfter = 1
	}
	if hb.DegradeAfter == 0 {
		hb.DegradeAfter = 2
	}
	if hb.UnresponsiveAfter == 0 {
		hb.UnresponsiveAfter = 3
	}

	an := &c.Anomaly
	if an.Threshold == 0 {
		an.Threshold = 0.8
	}
	if an.Weights == (WeightsConfig{}) {
		an.Weights = WeightsConfig{Latency: 0.3, ErrorRate: 0.3, Resource: 0.2, Completion: 0.2}
	}
	if an.CPUCeilingPercent == 0 {
		an.CPUCeilingPercent = 90
	}
	if an.MemoryCeilingMB == 0 {
		an.MemoryCeilingMB = 4096
	}
	if an.BaselineWindow == 0 {
		an.BaselineWindow = 24 * time.Hour
	}

	rs := &c.Restart
	if rs.GracefulTimeout == 0 {
		rs.GracefulTimeout = 10 * time.Second
	}
	if rs.Window == 0 {
		rs.Window = time.Hour
	}
	if rs.Ceiling == 0 {
		rs.Ceiling = 3
	}

	rz := &c.Resurrection
	if rz.MaxDepth == 0 {
		rz.MaxDepth = 10
	}
	if rz.BaselineDecay == 0 {
		rz.BaselineDecay = 0.5
	}

	g := &c.Guardian
	if g.LeaseDuration == 0 {
		g.LeaseDuration = 10 * time.Second
	}
	if g.RenewInterval == 0 {
		g.RenewInterval = 3 * time.Second
	}
	if g.OverrideWindow == 0 {
		g.OverrideWindow = time.Hour
	}
	if g.OverrideLimit == 0 {
		g.OverrideLimit = 5
	}

	if c.Fleet.SpawnTimeout == 0 {
		c.Fleet.SpawnTimeout = 60 * time.Second
	}
}

// Validate checks that all configuration fields are consistent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	hb := c.Heartbeat
	if !(hb.WarnAfter < hb.DegradeAfter && hb.DegradeAfter < hb.UnresponsiveAfter) {
		return fmt.Errorf("heartbeat ladder thresholds must be strictly increasing (warn=%d degrade=%d unresponsive=%d)",
			hb.WarnAfter, hb.DegradeAfter, hb.UnresponsiveAfter)
	}
	if hb.MonitorFanout < 1 {
		return fmt.Errorf("heartbeat.monitor_fanout must be at least 1")
	}

	if c.Anomaly.Threshold <= 0 || c.Anomaly.Threshold > 1 {
		return fmt.Errorf("anomaly.threshold must be in (0, 1], got %v", c.Anomaly.Threshold)
	}
	w := c.Anomaly.Weights
	if w.Latency < 0 || w.ErrorRate < 0 || w.Resource < 0 || w.Completion < 0 {
		return fmt.Errorf("anomaly.weights must be non-negative")
	}
	sum := w.Latency + w.ErrorRate + w.Resource + w.Completion
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("anomaly.weights must sum to 1.0, got %v", sum)
	}

	if c.Restart.Ceiling < 1 {
		return fmt.Errorf("restart.ceiling must be at least 1")
	}
	if c.Resurrection.MaxDepth < 1 {
		return fmt.Errorf("resurrection.max_depth must be at least 1")
	}
	if c.Resurrection.BaselineDecay <= 0 || c.Resurrection.BaselineDecay > 1 {
		return fmt.Errorf("resurrection.baseline_decay must be in (0, 1], got %v", c.Resurrection.BaselineDecay)
	}

	if c.Guardian.RenewInterval >= c.Guardian.LeaseDuration {
		return fmt.Errorf("guardian.renew_interval (%v) must be shorter than guardian.lease_duration (%v)",
			c.Guardian.RenewInterval, c.Guardian.LeaseDuration)
	}
	if c.Guardian.OverrideLimit < 1 {
		return fmt.Errorf("guardian.override_limit must be at least 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Heartbeat.IdleTTLRaw, &cfg.Heartbeat.IdleTTL, "heartbeat.idle_ttl"},
		{cfg.Heartbeat.RunningTTLRaw, &cfg.Heartbeat.RunningTTL, "heartbeat.running_ttl"},
		{cfg.Heartbeat.RunningHighLoadTTLRaw, &cfg.Heartbeat.RunningHighLoadTTL, "heartbeat.running_high_load_ttl"},
		{cfg.Heartbeat.DegradedTTLRaw, &cfg.Heartbeat.DegradedTTL, "heartbeat.degraded_ttl"},
		{cfg.Heartbeat.WatchdogCadenceRaw, &cfg.Heartbeat.WatchdogCadence, "heartbeat.watchdog_cadence"},
		{cfg.Heartbeat.WatchdogTTLRaw, &cfg.Heartbeat.WatchdogTTL, "heartbeat.watchdog_ttl"},
		{cfg.Heartbeat.MonitorTickRaw, &cfg.Heartbeat.MonitorTick, "heartbeat.monitor_tick"},
		{cfg.Anomaly.BaselineWindowRaw, &cfg.Anomaly.BaselineWindow, "anomaly.baseline_window"},
		{cfg.Restart.GracefulTimeoutRaw, &cfg.Restart.GracefulTimeout, "restart.graceful_timeout"},
		{cfg.Restart.WindowRaw, &cfg.Restart.Window, "restart.window"},
		{cfg.Guardian.LeaseDurationRaw, &cfg.Guardian.LeaseDuration, "guardian.lease_duration"},
		{cfg.Guardian.RenewIntervalRaw, &cfg.Guardian.RenewInterval, "guardian.renew_interval"},
		{cfg.Guardian.OverrideWindowRaw, &cfg.Guardian.OverrideWindow, "guardian.override_window"},
		{cfg.Fleet.SpawnTimeoutRaw, &cfg.Fleet.SpawnTimeout, "fleet.spawn_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
