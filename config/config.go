package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"midiloop/logx"
)

// Defaults for the duration fields; an empty string in the file means "use the default".
const (
	DefaultHTTPAddr        = "127.0.0.1:5080"
	DefaultMinPassInterval = 10 * time.Millisecond
	DefaultShutdownTimeout = 5 * time.Second
	DefaultPollInterval    = 2 * time.Second
	DefaultScanTimeout     = 3 * time.Second
	DefaultErrorLogRate    = 5
)

// HTTPConfig configures the control endpoint.
type HTTPConfig struct {
	Addr string `json:"addr"`
}

// LogFileConfig enables the JSON file sink.
type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LoggingConfig is hot-reloadable.
type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

// PlaybackConfig tunes the scheduler. MinPassInterval is hot-reloadable.
type PlaybackConfig struct {
	MinPassInterval string `json:"min_pass_interval,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	ErrorLogRate    int    `json:"error_log_rate,omitempty"` // dispatch-failure log lines per second
}

// MIDIConfig controls port polling.
type MIDIConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	ScanTimeout  string `json:"scan_timeout,omitempty"`
}

// TUIConfig stores console preferences
type TUIConfig struct {
	Enabled bool   `json:"enabled"`
	Palette string `json:"palette,omitempty"` // optional GIMP .gpl file
}

// Config is the main configuration structure
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Logging  LoggingConfig  `json:"logging"`
	Playback PlaybackConfig `json:"playback"`
	MIDI     MIDIConfig     `json:"midi"`
	TUI      TUIConfig      `json:"tui"`
}

// Timings holds the parsed duration fields with defaults applied.
type Timings struct {
	MinPassInterval time.Duration
	ShutdownTimeout time.Duration
	PollInterval    time.Duration
	ScanTimeout     time.Duration
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: DefaultHTTPAddr},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Playback: PlaybackConfig{
			MinPassInterval: DefaultMinPassInterval.String(),
			ShutdownTimeout: DefaultShutdownTimeout.String(),
			ErrorLogRate:    DefaultErrorLogRate,
		},
		MIDI: MIDIConfig{
			PollInterval: DefaultPollInterval.String(),
			ScanTimeout:  DefaultScanTimeout.String(),
		},
	}
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "midiloop"), nil
}

// ConfigPath returns the full path to config.json
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// LoadFile reads a JSON or YAML config. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return Decode(path, data)
}

// Decode parses data (format picked by the extension of path) over the
// defaults, rejecting unknown fields, and validates the result.
func Decode(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: invalid config: trailing data", path)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// SaveFile writes the config as indented JSON, creating the directory if needed.
func (c *Config) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks every field that would otherwise fail at startup.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr: must not be empty"))
	}
	if !logx.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Playback.ErrorLogRate < 0 {
		errs = append(errs, errors.New("playback.error_log_rate: must be >= 0"))
	}
	for _, f := range c.durations() {
		if _, err := f.parse(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// durationField is one duration-valued string in the file. Zero or empty
// selects def.
type durationField struct {
	path string
	raw  string
	def  time.Duration
	dst  func(*Timings) *time.Duration
}

func (f durationField) parse() (time.Duration, error) {
	raw := strings.TrimSpace(f.raw)
	if raw == "" {
		return f.def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", f.path, f.raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", f.path, d)
	case d == 0:
		return f.def, nil
	}
	return d, nil
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"playback.min_pass_interval", c.Playback.MinPassInterval, DefaultMinPassInterval,
			func(t *Timings) *time.Duration { return &t.MinPassInterval }},
		{"playback.shutdown_timeout", c.Playback.ShutdownTimeout, DefaultShutdownTimeout,
			func(t *Timings) *time.Duration { return &t.ShutdownTimeout }},
		{"midi.poll_interval", c.MIDI.PollInterval, DefaultPollInterval,
			func(t *Timings) *time.Duration { return &t.PollInterval }},
		{"midi.scan_timeout", c.MIDI.ScanTimeout, DefaultScanTimeout,
			func(t *Timings) *time.Duration { return &t.ScanTimeout }},
	}
}

// Timings parses the duration fields. Call it on a validated config; unparsable
// values fall back to the defaults.
func (c *Config) Timings() Timings {
	var t Timings
	for _, f := range c.durations() {
		d, err := f.parse()
		if err != nil {
			d = f.def
		}
		*f.dst(&t) = d
	}
	return t
}

// LogConfig converts the logging section for logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// RestartRequired lists the sections that changed between old and new but
// only take effect after a restart.
func RestartRequired(old, new *Config) []string {
	if old == nil || new == nil {
		return nil
	}
	var out []string
	if old.HTTP != new.HTTP {
		out = append(out, "http")
	}
	if old.MIDI != new.MIDI {
		out = append(out, "midi")
	}
	if old.TUI != new.TUI {
		out = append(out, "tui")
	}
	if old.Playback.ShutdownTimeout != new.Playback.ShutdownTimeout || old.Playback.ErrorLogRate != new.Playback.ErrorLogRate {
		out = append(out, "playback")
	}
	return out
}
