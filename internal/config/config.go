// Package config loads and validates the player's YAML configuration.
// Every field has a working default, so running without a config file is
// the common case and a file only overrides what it names. Unknown keys
// are rejected rather than silently ignored.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/matinee/internal/media"
)

// Scale modes for fitting video into the window.
const (
	ScaleFit  = "fit"  // letterbox: whole frame visible
	ScaleFill = "fill" // crop: whole window covered
)

// Config is the root of the configuration file.
type Config struct {
	Window   Window   `yaml:"window"`
	Playback Playback `yaml:"playback"`
	Log      Log      `yaml:"log"`
}

// Window describes the presentation window.
type Window struct {
	Title  string `yaml:"title"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Scale  string `yaml:"scale"`
}

// Playback tunes the decode pipelines.
type Playback struct {
	QueueSize    int `yaml:"queue_size"`
	VideoThreads int `yaml:"video_threads"` // 0 means one per CPU
}

// Log configures the structured logger.
type Log struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Window: Window{
			Title:  "matinee",
			Width:  800,
			Height: 600,
			Scale:  ScaleFit,
		},
		Playback: Playback{
			QueueSize: media.PacketQueueSize,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return fmt.Errorf("window size %dx%d must be positive", c.Window.Width, c.Window.Height)
	}
	if c.Window.Scale != ScaleFit && c.Window.Scale != ScaleFill {
		return fmt.Errorf("window scale %q must be %q or %q", c.Window.Scale, ScaleFit, ScaleFill)
	}
	if c.Playback.QueueSize < 0 {
		return fmt.Errorf("playback queue_size %d must not be negative", c.Playback.QueueSize)
	}
	if c.Playback.VideoThreads < 0 {
		return fmt.Errorf("playback video_threads %d must not be negative", c.Playback.VideoThreads)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog level.
func (l Log) SlogLevel() (slog.Level, error) {
	switch l.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log level %q must be debug, info, warn, or error", l.Level)
	}
}
