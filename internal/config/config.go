// Package config loads and validates engine and server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "50ms" parse.
type Duration time.Duration

// UnmarshalYAML accepts a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"50ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Ms returns the duration in milliseconds.
func (d Duration) Ms() float64 { return float64(d) / float64(time.Millisecond) }

// Engine holds the netcode options shared by server and client.
type Engine struct {
	// TickRate is the server simulation frequency in Hz.
	TickRate int `yaml:"tick_rate"`

	// SnapshotHistorySize is how many snapshots the server retains.
	SnapshotHistorySize int `yaml:"snapshot_history_size"`

	// InterpolationDelay is how far in the past remote entities render.
	InterpolationDelay Duration `yaml:"interpolation_delay"`

	// MaxInputBufferSize caps the client's unacknowledged inputs.
	MaxInputBufferSize int `yaml:"max_input_buffer_size"`

	// MaxRewind clamps lag-compensation rewinds.
	MaxRewind Duration `yaml:"max_rewind"`

	// HandshakeTimeout bounds the wait for the server config message.
	HandshakeTimeout Duration `yaml:"handshake_timeout"`

	Smoothing Smoothing `yaml:"smoothing"`
	Visual    Visual    `yaml:"visual"`
	Rollback  Rollback  `yaml:"rollback"`
}

// Smoothing configures the per-entity tick smoothers.
type Smoothing struct {
	TeleportThreshold  float64  `yaml:"teleport_threshold"`
	Interpolation      int      `yaml:"interpolation"`
	MaxOverBuffer      int      `yaml:"max_over_buffer"`
	SmoothPosition     bool     `yaml:"smooth_position"`
	SmoothRotation     bool     `yaml:"smooth_rotation"`
	SmoothScale        bool     `yaml:"smooth_scale"`
	PositionRate       float64  `yaml:"position_rate"`
	RotationRate       float64  `yaml:"rotation_rate"`
	ScaleRate          float64  `yaml:"scale_rate"`
	ExtrapolationTicks int      `yaml:"extrapolation_ticks"`
	AdaptiveMin        int      `yaml:"adaptive_min"`
	AdaptiveMax        int      `yaml:"adaptive_max"`
	AdjustInterval     Duration `yaml:"adjust_interval"`
}

// Visual configures the local-player reconciliation offset smoother.
type Visual struct {
	SmoothFactor  float64 `yaml:"smooth_factor"`
	SnapThreshold float64 `yaml:"snap_threshold"`
}

// Rollback configures the rollback strategy.
type Rollback struct {
	HistorySize int `yaml:"history_size"` // frames
	InputDelay  int `yaml:"input_delay"`  // frames
}

// Server holds the demo server options on top of the engine options.
type Server struct {
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"` // 0 disables the /metrics endpoint
	LogLevel    string `yaml:"log_level"`    // debug, info, warn, error (default: info)

	Engine Engine `yaml:"engine"`
}

// DefaultEngine returns the engine defaults.
func DefaultEngine() Engine {
	return Engine{
		TickRate:            60,
		SnapshotHistorySize: 180,
		InterpolationDelay:  Duration(50 * time.Millisecond),
		MaxInputBufferSize:  1024,
		MaxRewind:           Duration(200 * time.Millisecond),
		HandshakeTimeout:    Duration(10 * time.Second),
		Smoothing: Smoothing{
			TeleportThreshold:  200,
			Interpolation:      2,
			MaxOverBuffer:      3,
			SmoothPosition:     true,
			SmoothRotation:     true,
			SmoothScale:        false,
			PositionRate:       0.35,
			RotationRate:       0.35,
			ScaleRate:          0.35,
			ExtrapolationTicks: 2,
			AdaptiveMin:        1,
			AdaptiveMax:        6,
			AdjustInterval:     Duration(time.Second),
		},
		Visual: Visual{
			SmoothFactor:  0.9,
			SnapThreshold: 50,
		},
		Rollback: Rollback{
			HistorySize: 60,
			InputDelay:  2,
		},
	}
}

// TickInterval returns the fixed tick interval.
func (e Engine) TickInterval() time.Duration {
	return time.Second / time.Duration(e.TickRate)
}

// TickIntervalMs returns the fixed tick interval in milliseconds.
func (e Engine) TickIntervalMs() float64 {
	return 1000.0 / float64(e.TickRate)
}

// InterpolationDelayMs returns the interpolation delay in milliseconds.
func (e Engine) InterpolationDelayMs() float64 {
	return e.InterpolationDelay.Ms()
}

// MaxRewindMs returns the lag-compensation clamp in milliseconds.
func (e Engine) MaxRewindMs() float64 {
	return e.MaxRewind.Ms()
}

// Validate checks the engine options for values the engine cannot run
// with.
func (e Engine) Validate() error {
	if e.TickRate < 1 || e.TickRate > 1000 {
		return fmt.Errorf("tick_rate %d out of range [1, 1000]", e.TickRate)
	}
	if e.SnapshotHistorySize < 1 {
		return fmt.Errorf("snapshot_history_size must be positive, got %d", e.SnapshotHistorySize)
	}
	if e.MaxInputBufferSize < 1 {
		return fmt.Errorf("max_input_buffer_size must be positive, got %d", e.MaxInputBufferSize)
	}
	if e.InterpolationDelay < 0 {
		return fmt.Errorf("interpolation_delay must not be negative, got %s", e.InterpolationDelay.Std())
	}
	if e.MaxRewind < 0 {
		return fmt.Errorf("max_rewind must not be negative, got %s", e.MaxRewind.Std())
	}
	if e.Rollback.HistorySize < 2 {
		return fmt.Errorf("rollback.history_size must be at least 2, got %d", e.Rollback.HistorySize)
	}
	if e.Rollback.InputDelay < 0 {
		return fmt.Errorf("rollback.input_delay must not be negative, got %d", e.Rollback.InputDelay)
	}
	return nil
}

// LoadServer reads a Server config from path. Missing fields take the
// defaults; an unreadable or invalid file is an error.
func LoadServer(path string) (Server, error) {
	cfg := Server{
		BindAddress: "0.0.0.0",
		Port:        7777,
		LogLevel:    "info",
		Engine:      DefaultEngine(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Server{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Server{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return Server{}, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}
