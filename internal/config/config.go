// Package config holds the linkemu run configuration, loaded from YAML and
// overridden by command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/signalsfoundry/link-emulator/core"
	"github.com/signalsfoundry/link-emulator/internal/control"
	"github.com/signalsfoundry/link-emulator/internal/queue"
	"gopkg.in/yaml.v3"
)

// Config is the top-level run configuration.
type Config struct {
	Link          LinkConfig          `yaml:"link"`
	Control       ControlConfig       `yaml:"control"`
	Queue         queue.Config        `yaml:"queue"`
	Workload      WorkloadConfig      `yaml:"workload"`
	Output        OutputConfig        `yaml:"output"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LinkConfig names the link and picks how time advances.
type LinkConfig struct {
	// Name labels logs, metrics, spans and the event log header.
	// Default: "link"
	Name string `yaml:"name"`

	// Accelerated runs on a manual clock that jumps straight to the next
	// event instead of sleeping.
	Accelerated bool `yaml:"accelerated"`

	// Duration bounds the run; zero runs until interrupted.
	Duration time.Duration `yaml:"duration"`

	// Seed fixes the dithering permutation; zero picks a random seed.
	Seed uint64 `yaml:"seed"`
}

// ControlConfig locates the control signal.
type ControlConfig struct {
	// File is the shared control file. Empty uses an in-process region.
	File string `yaml:"file"`

	// Mode is "bitrate" (slot 0 in bits per second) or "interval" (slot 0
	// in milliseconds between opportunities).
	// Default: bitrate
	Mode string `yaml:"mode"`

	// Create initialises File with InitialMbps and Enabled before the run.
	Create bool `yaml:"create"`

	// InitialMbps seeds an in-process region or a created file.
	// Default: 12
	InitialMbps float64 `yaml:"initial_mbps"`

	// InitialInterval seeds slot 0 in interval mode, in milliseconds.
	// Default: 1
	InitialInterval uint64 `yaml:"initial_interval"`

	// Enabled seeds the enabled flag. Default: true
	Enabled *bool `yaml:"enabled"`

	// Schedule is an optional YAML file of timed control changes applied
	// while the link runs.
	Schedule string `yaml:"schedule"`
}

// WorkloadConfig drives the built-in traffic generator.
type WorkloadConfig struct {
	// OfferedMbps is the arrival rate. Zero disables the generator.
	OfferedMbps float64 `yaml:"offered_mbps"`

	// PacketSize is the payload size of generated packets.
	// Default: 1500
	PacketSize int `yaml:"packet_size"`

	// Burst is the number of packets the generator may release at once.
	// Default: 1
	Burst int `yaml:"burst"`
}

// OutputConfig selects the recorders attached to the link.
type OutputConfig struct {
	LogPath     string `yaml:"log"`
	GraphPrefix string `yaml:"graph_prefix"`
	Summary     bool   `yaml:"summary"`
}

// ObservabilityConfig holds listen addresses for the metrics endpoint and the
// gRPC control plane. Empty addresses disable the listener.
type ObservabilityConfig struct {
	MetricsAddr    string        `yaml:"metrics_addr"`
	GRPCAddr       string        `yaml:"grpc_addr"`
	HealthInterval time.Duration `yaml:"health_interval"`
	Tracing        bool          `yaml:"tracing"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{}.ApplyDefaults()
}

// ApplyDefaults fills zero fields with their defaults.
func (c Config) ApplyDefaults() Config {
	if c.Link.Name == "" {
		c.Link.Name = "link"
	}
	if c.Control.Mode == "" {
		c.Control.Mode = string(control.ModeBitrate)
	}
	if c.Control.InitialMbps == 0 {
		c.Control.InitialMbps = 12
	}
	if c.Control.InitialInterval == 0 {
		c.Control.InitialInterval = 1
	}
	if c.Control.Enabled == nil {
		enabled := true
		c.Control.Enabled = &enabled
	}
	if c.Workload.PacketSize == 0 {
		c.Workload.PacketSize = 1500
	}
	if c.Workload.Burst == 0 {
		c.Workload.Burst = 1
	}
	if c.Observability.HealthInterval <= 0 {
		c.Observability.HealthInterval = time.Second
	}
	c.Queue = c.Queue.ApplyDefaults()
	return c
}

// Validate reports every problem found.
func (c Config) Validate() error {
	var errs *multierror.Error
	if strings.TrimSpace(c.Link.Name) == "" {
		errs = multierror.Append(errs, errors.New("link name must not be empty"))
	}
	if c.Link.Duration < 0 {
		errs = multierror.Append(errs, fmt.Errorf("duration must be non-negative, got %s", c.Link.Duration))
	}
	if _, err := control.ParseMode(c.Control.Mode); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Control.InitialMbps < 0 {
		errs = multierror.Append(errs, fmt.Errorf("initial_mbps must be non-negative, got %v", c.Control.InitialMbps))
	}
	if c.Control.Create && c.Control.File == "" {
		errs = multierror.Append(errs, errors.New("control.create needs control.file"))
	}
	if c.Workload.OfferedMbps < 0 {
		errs = multierror.Append(errs, fmt.Errorf("offered_mbps must be non-negative, got %v", c.Workload.OfferedMbps))
	}
	if c.Workload.PacketSize < 0 || c.Workload.PacketSize > core.MaxPacketSize {
		errs = multierror.Append(errs, fmt.Errorf("packet_size must be within [0, %d], got %d", core.MaxPacketSize, c.Workload.PacketSize))
	}
	if c.Workload.Burst < 1 {
		errs = multierror.Append(errs, fmt.Errorf("burst must be at least 1, got %d", c.Workload.Burst))
	}
	if err := c.Queue.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// InitialSignal is the control signal a fresh region starts with.
func (c Config) InitialSignal() (control.Signal, error) {
	mode, err := control.ParseMode(c.Control.Mode)
	if err != nil {
		return control.Signal{}, err
	}
	enabled := c.Control.Enabled == nil || *c.Control.Enabled
	if mode == control.ModeInterval {
		return control.Signal{Value: c.Control.InitialInterval, Enabled: enabled}, nil
	}
	return control.Signal{Value: control.BitsPerSecondFromMbps(c.Control.InitialMbps), Enabled: enabled}, nil
}

// Parse decodes YAML, applies defaults and validates. Unknown keys are
// rejected.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c = c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}
