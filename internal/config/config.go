package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/mesh-simulator/core"
)

const (
	DefaultListen      = ":50061"
	DefaultMetricsAddr = ":9090"
	DefaultDataDir     = "data"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
)

// Config is the on-disk configuration of the simulator binaries.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Scenario   *core.Scenario   `yaml:"scenario,omitempty"`
}

// SimulationConfig mirrors core.Params. Zero values take the engine defaults.
type SimulationConfig struct {
	Tick                  time.Duration `yaml:"tick"`
	HandshakeStep         float64       `yaml:"handshake_step"`
	PacketStep            float64       `yaml:"packet_step"`
	ActivationDwell       time.Duration `yaml:"activation_dwell"`
	IdleTTL               time.Duration `yaml:"idle_ttl"`
	DiscoveryTimeout      time.Duration `yaml:"discovery_timeout"`
	DiscoveryGrace        time.Duration `yaml:"discovery_grace"`
	RebroadcastDelay      time.Duration `yaml:"rebroadcast_delay"`
	ProbeInitialRadius    float64       `yaml:"probe_initial_radius"`
	ProbeGrowth           float64       `yaml:"probe_growth"`
	DelayDivisor          int           `yaml:"delay_divisor"`
	SeenCapacity          int           `yaml:"seen_capacity"`
	MaxDiscoveryFallbacks int           `yaml:"max_discovery_fallbacks"`
}

// StorageConfig selects where node records are kept. An empty DataDir keeps
// them in memory only.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ServerConfig is used by mesh-server.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// TelemetryConfig covers metrics, tracing and logging.
type TelemetryConfig struct {
	MetricsAddr    string  `yaml:"metrics_addr"`
	LogLevel       string  `yaml:"log_level"`
	LogFormat      string  `yaml:"log_format"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	TracingExport  string  `yaml:"tracing_exporter"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes a YAML config from r. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate rejects values the engine cannot run with.
func Validate(cfg Config) error {
	s := cfg.Simulation
	if s.Tick < 0 || s.ActivationDwell < 0 || s.IdleTTL < 0 || s.DiscoveryTimeout < 0 ||
		s.DiscoveryGrace < 0 || s.RebroadcastDelay < 0 {
		return fmt.Errorf("simulation durations must not be negative")
	}
	if s.HandshakeStep < 0 || s.HandshakeStep > 1 {
		return fmt.Errorf("simulation.handshake_step must be within [0,1], got %v", s.HandshakeStep)
	}
	if s.PacketStep < 0 || s.PacketStep > 1 {
		return fmt.Errorf("simulation.packet_step must be within [0,1], got %v", s.PacketStep)
	}
	if s.DiscoveryGrace > 0 && s.DiscoveryTimeout > 0 && s.DiscoveryGrace > s.DiscoveryTimeout {
		return fmt.Errorf("simulation.discovery_grace (%s) exceeds discovery_timeout (%s)", s.DiscoveryGrace, s.DiscoveryTimeout)
	}
	if s.SeenCapacity < 0 || s.DelayDivisor < 0 || s.MaxDiscoveryFallbacks < 0 {
		return fmt.Errorf("simulation sizes must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1], got %v", cfg.Telemetry.SampleRatio)
	}
	if cfg.Scenario != nil {
		if err := cfg.Scenario.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	d := core.DefaultParams()
	s := &cfg.Simulation
	if s.Tick == 0 {
		s.Tick = d.Tick
	}
	if s.HandshakeStep == 0 {
		s.HandshakeStep = d.HandshakeStep
	}
	if s.PacketStep == 0 {
		s.PacketStep = d.PacketStep
	}
	if s.ActivationDwell == 0 {
		s.ActivationDwell = d.ActivationDwell
	}
	if s.IdleTTL == 0 {
		s.IdleTTL = d.IdleTTL
	}
	if s.DiscoveryTimeout == 0 {
		s.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if s.DiscoveryGrace == 0 {
		s.DiscoveryGrace = d.DiscoveryGrace
	}
	if s.RebroadcastDelay == 0 {
		s.RebroadcastDelay = d.RebroadcastDelay
	}
	if s.ProbeInitialRadius == 0 {
		s.ProbeInitialRadius = d.ProbeInitialRadius
	}
	if s.ProbeGrowth == 0 {
		s.ProbeGrowth = d.ProbeGrowth
	}
	if s.DelayDivisor == 0 {
		s.DelayDivisor = d.DelayDivisor
	}
	if s.SeenCapacity == 0 {
		s.SeenCapacity = d.SeenCapacity
	}
	if s.MaxDiscoveryFallbacks == 0 {
		s.MaxDiscoveryFallbacks = d.MaxDiscoveryFallbacks
	}

	if cfg.Server.Listen == "" {
		cfg.Server.Listen = DefaultListen
	}
	if cfg.Telemetry.MetricsAddr == "" {
		cfg.Telemetry.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.Telemetry.LogLevel == "" {
		cfg.Telemetry.LogLevel = DefaultLogLevel
	}
	if cfg.Telemetry.LogFormat == "" {
		cfg.Telemetry.LogFormat = DefaultLogFormat
	}
	if cfg.Telemetry.TracingExport == "" {
		cfg.Telemetry.TracingExport = "stdout"
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = 1.0
	}
}

// Params converts the simulation section into engine parameters.
func (c Config) Params() core.Params {
	s := c.Simulation
	return core.Params{
		Tick:                  s.Tick,
		HandshakeStep:         s.HandshakeStep,
		PacketStep:            s.PacketStep,
		ActivationDwell:       s.ActivationDwell,
		IdleTTL:               s.IdleTTL,
		DiscoveryTimeout:      s.DiscoveryTimeout,
		DiscoveryGrace:        s.DiscoveryGrace,
		RebroadcastDelay:      s.RebroadcastDelay,
		ProbeInitialRadius:    s.ProbeInitialRadius,
		ProbeGrowth:           s.ProbeGrowth,
		DelayDivisor:          s.DelayDivisor,
		SeenCapacity:          s.SeenCapacity,
		MaxDiscoveryFallbacks: s.MaxDiscoveryFallbacks,
	}.WithDefaults()
}
