package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
//
// Only ambient knobs live here. Acquisition geometry (sample rate, buffer
// size, filter coefficients, slot layout) is fixed at build time in the
// packages that own it.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Store    StoreConfig    `yaml:"store"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Sim      SimConfig      `yaml:"sim"`
	Log      LogConfig      `yaml:"log"`
}

// SerialConfig configures the command interface port.
// An empty port means the command interface runs on stdin/stdout.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// StoreConfig configures the persistent capture store.
// An empty path means a volatile in-memory store image.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// WatchdogConfig configures the main-loop stall watchdog.
type WatchdogConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SimConfig configures the simulated conversion engine.
type SimConfig struct {
	Frequency  float64 `yaml:"frequency"`   // Signal frequency (Hz)
	Amplitude  float64 `yaml:"amplitude"`   // Peak amplitude (ADC counts)
	Offset     float64 `yaml:"offset"`      // DC offset (ADC counts)
	NoiseLevel float64 `yaml:"noise_level"` // Noise amplitude (ADC counts)
	SpikeEvery int     `yaml:"spike_every"` // Inject an impulse every N samples (0 = none)
}

// LogConfig contains logging parameters.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "", // stdio command interface by default
			BaudRate: 115200,
		},
		Store: StoreConfig{
			Path: "",
		},
		Watchdog: WatchdogConfig{
			Timeout: 2 * time.Second,
		},
		Sim: SimConfig{
			Frequency:  50.0,
			Amplitude:  1200.0,
			Offset:     2048.0,
			NoiseLevel: 20.0,
			SpikeEvery: 1000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.Watchdog.Timeout == 0 {
		c.Watchdog.Timeout = def.Watchdog.Timeout
	}

	if c.Sim.Frequency == 0 {
		c.Sim.Frequency = def.Sim.Frequency
	}
	if c.Sim.Amplitude == 0 {
		c.Sim.Amplitude = def.Sim.Amplitude
	}
	if c.Sim.Offset == 0 {
		c.Sim.Offset = def.Sim.Offset
	}
	if c.Sim.NoiseLevel == 0 {
		c.Sim.NoiseLevel = def.Sim.NoiseLevel
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}
