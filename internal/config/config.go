// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/verdant-labs/hlpd/internal/hlp"
)

// Config is the root application configuration.
type Config struct {
	Log             LogConfig       `yaml:"log"`
	Discovery       DiscoveryConfig `yaml:"discovery"`
	Command         CommandConfig   `yaml:"command"`
	EventBus        EventBusConfig  `yaml:"eventbus"`
	Simulator       SimulatorConfig `yaml:"simulator"`
	Runner          RunnerConfig    `yaml:"runner"`
	Healthcheck     HealthConfig    `yaml:"healthcheck"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string `yaml:"level"`
	UseJSON bool   `yaml:"json"`
	Colors  bool   `yaml:"colors"`
}

// DiscoveryConfig controls the UDP discovery side of the client and the
// simulator's discovery responder.
type DiscoveryConfig struct {
	Port            int      `yaml:"port"`
	Interval        Duration `yaml:"interval"` // probe repeat period
	Timeout         Duration `yaml:"timeout"`  // per-probe response window
	EnableBroadcast *bool    `yaml:"enable_broadcast"`
	EnableMulticast *bool    `yaml:"enable_multicast"`
	MulticastAddr   string   `yaml:"multicast_address"`
	// UnicastAddrs are extra probe targets ("host" or "host:port") for
	// fixtures on routed segments that broadcast cannot reach.
	UnicastAddrs []string `yaml:"unicast_addresses"`
	// StaleCycles is the number of missed discovery intervals after which
	// a device is marked offline. 0 uses the default of 3.
	StaleCycles int `yaml:"stale_cycles"`
}

// Broadcast reports whether broadcast probing is enabled (default on).
func (c *DiscoveryConfig) Broadcast() bool {
	return c.EnableBroadcast == nil || *c.EnableBroadcast
}

// Multicast reports whether multicast probing is enabled (default on).
func (c *DiscoveryConfig) Multicast() bool {
	return c.EnableMulticast == nil || *c.EnableMulticast
}

// CommandConfig controls the TCP command transport.
type CommandConfig struct {
	Port          int      `yaml:"port"` // default port for provisioned devices
	Timeout       Duration `yaml:"timeout"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryDelay    Duration `yaml:"retry_delay"`
}

// EventBusConfig contains event bus pool sizing.
type EventBusConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// GetWorkers returns the worker count with default applied.
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns the queue size with default applied.
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// SimulatedDevice declares one simulated fixture.
type SimulatedDevice struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Model       string            `yaml:"model"`
	Serial      string            `yaml:"serial"` // generated when empty
	CommandPort int               `yaml:"command_port"`
	Channels    []hlp.ChannelType `yaml:"channels"`
	MaxPower    float64           `yaml:"max_power"` // watts per channel at 100%
}

// SimulatorConfig declares the embedded device simulators.
type SimulatorConfig struct {
	Enabled   bool              `yaml:"enabled"`
	StatePath string            `yaml:"state_path"` // SQLite file, empty = memory only
	Devices   []SimulatedDevice `yaml:"devices"`
}

// RunnerAssignment binds one schedule to a set of devices.
type RunnerAssignment struct {
	ScheduleID string   `yaml:"schedule"`
	DeviceIDs  []string `yaml:"devices"`
}

// RunnerConfig controls the periodic schedule runner.
type RunnerConfig struct {
	Enabled      bool               `yaml:"enabled"`
	Interval     Duration           `yaml:"interval"`
	RateLimitRPS float64            `yaml:"rate_limit_rps"`
	Schedules    []hlp.Schedule     `yaml:"schedules"`
	Assignments  []RunnerAssignment `yaml:"assignments"`
}

// HealthConfig contains the health/introspection HTTP server settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Duration is a wrapper around time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file, expanding ${VAR} and
// ${VAR:default} references and applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Discovery.Port == 0 {
		c.Discovery.Port = hlp.DefaultDiscoveryPort
	}
	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = Duration(30 * time.Second)
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = Duration(5 * time.Second)
	}
	if c.Discovery.MulticastAddr == "" {
		c.Discovery.MulticastAddr = hlp.DefaultMulticastAddr
	}
	if c.Discovery.StaleCycles == 0 {
		c.Discovery.StaleCycles = 3
	}

	if c.Command.Port == 0 {
		c.Command.Port = hlp.DefaultCommandPort
	}
	if c.Command.Timeout == 0 {
		c.Command.Timeout = Duration(3 * time.Second)
	}
	if c.Command.RetryAttempts == 0 {
		c.Command.RetryAttempts = 2
	}
	if c.Command.RetryDelay == 0 {
		c.Command.RetryDelay = Duration(500 * time.Millisecond)
	}

	if c.Runner.Interval == 0 {
		c.Runner.Interval = Duration(time.Minute)
	}
	if c.Runner.RateLimitRPS == 0 {
		c.Runner.RateLimitRPS = 10.0
	}

	if c.Healthcheck.Port == 0 {
		c.Healthcheck.Port = 9090
	}
	if c.Healthcheck.Host == "" {
		c.Healthcheck.Host = "0.0.0.0"
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	for i, dev := range c.Simulator.Devices {
		if dev.ID == "" {
			return fmt.Errorf("simulator device %d: id is required", i)
		}
		if dev.CommandPort == 0 {
			return fmt.Errorf("simulator device %q: command_port is required", dev.ID)
		}
	}
	seen := make(map[string]bool)
	for _, sched := range c.Runner.Schedules {
		if sched.ID == "" {
			return fmt.Errorf("runner schedule %q: id is required", sched.Name)
		}
		if seen[sched.ID] {
			return fmt.Errorf("runner schedule %q: duplicate id", sched.ID)
		}
		seen[sched.ID] = true
	}
	for _, a := range c.Runner.Assignments {
		if !seen[a.ScheduleID] {
			return fmt.Errorf("runner assignment references unknown schedule %q", a.ScheduleID)
		}
	}
	return nil
}

// GetShutdownTimeout returns the shutdown timeout as a time.Duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	return c.ShutdownTimeout.Duration()
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
