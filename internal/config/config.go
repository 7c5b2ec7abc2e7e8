// Package config loads the mpdcore YAML configuration.
//
// Values are resolved in three layers: built-in defaults, the YAML file,
// then the MPD_HOST / MPD_PORT environment variables. MPD_HOST accepts the
// conventional "password@host" form.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Connector modes.
const (
	ModeIdle    = "idle"
	ModeCommand = "command"
)

// Config is the complete configuration tree.
type Config struct {
	MPD struct {
		Host     string        `yaml:"host"`
		Port     int           `yaml:"port"`
		Timeout  time.Duration `yaml:"timeout"`
		Mode     string        `yaml:"mode"`
		Password string        `yaml:"password"`
	} `yaml:"mpd"`

	Client struct {
		StatusInterval time.Duration `yaml:"status_interval"`
		PollCeiling    time.Duration `yaml:"poll_ceiling"`
	} `yaml:"client"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Server struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"server"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.MPD.Host = "localhost"
	cfg.MPD.Port = 6600
	cfg.MPD.Timeout = 5 * time.Second
	cfg.MPD.Mode = ModeIdle
	cfg.Client.StatusInterval = 500 * time.Millisecond
	cfg.Client.PollCeiling = 100 * time.Millisecond
	cfg.Metrics.Port = 9090
	cfg.Server.Port = 50051
	return &cfg
}

// Load reads path on top of the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides the server address from MPD_HOST and MPD_PORT as
// returned by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("MPD_HOST"); v != "" {
		if pw, host, ok := strings.Cut(v, "@"); ok && host != "" {
			c.MPD.Password = pw
			c.MPD.Host = host
		} else {
			c.MPD.Host = v
		}
	}
	if v := getenv("MPD_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MPD_PORT %q: %w", v, err)
		}
		c.MPD.Port = n
	}
	return nil
}

// Validate rejects values the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.MPD.Host) == "" {
		errs = append(errs, errors.New("mpd.host is empty"))
	}
	if !validPort(c.MPD.Port) {
		errs = append(errs, fmt.Errorf("mpd.port %d out of range", c.MPD.Port))
	}
	if c.MPD.Timeout < 0 {
		errs = append(errs, fmt.Errorf("mpd.timeout %s is negative", c.MPD.Timeout))
	}
	if c.MPD.Mode != ModeIdle && c.MPD.Mode != ModeCommand {
		errs = append(errs, fmt.Errorf("mpd.mode %q is not %q or %q", c.MPD.Mode, ModeIdle, ModeCommand))
	}
	if c.Client.StatusInterval < 0 {
		errs = append(errs, fmt.Errorf("client.status_interval %s is negative", c.Client.StatusInterval))
	}
	if c.Client.PollCeiling < 0 {
		errs = append(errs, fmt.Errorf("client.poll_ceiling %s is negative", c.Client.PollCeiling))
	}
	if c.Metrics.Enabled && !validPort(c.Metrics.Port) {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}
	if c.Server.Enabled && !validPort(c.Server.Port) {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool { return p > 0 && p <= 65535 }
