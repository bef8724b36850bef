// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treykane/bgtunnel/internal/model"
	"github.com/treykane/bgtunnel/internal/sshclient"
	"github.com/treykane/bgtunnel/internal/util"
)

const appName = "bgtunnel"

// UIConfig contains status view settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// Config holds application-level configuration. Command-line flags take
// precedence over every value here.
type Config struct {
	SSHPath               string        `yaml:"ssh_path"`
	SudoPath              string        `yaml:"sudo_path"`
	ValidationTimeout     time.Duration `yaml:"validation_timeout"`
	GracePeriod           time.Duration `yaml:"grace_period"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	HelloBanner           string        `yaml:"hello_banner"`
	ExpectHello           bool          `yaml:"expect_hello"`
	StrictHostKeyChecking string        `yaml:"strict_host_key_checking"`
	DefaultOptions        []string      `yaml:"default_options"`
	UsePTY                bool          `yaml:"use_pty"`
	RedactErrors          bool          `yaml:"redact_errors"`
	UI                    UIConfig      `yaml:"ui"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SSHPath:           "ssh",
		SudoPath:          "sudo",
		ValidationTimeout: util.DefaultValidationTimeout,
		GracePeriod:       util.DefaultGracePeriod,
		ConnectTimeout:    util.DefaultConnectTimeout,
		HelloBanner:       sshclient.DefaultBanner,
		ExpectHello:       true,
		RedactErrors:      true,
		UI:                UIConfig{RefreshSeconds: 1},
	}
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/bgtunnel.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appName), nil
}

func fileInConfigDir(name string) (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) { return fileInConfigDir("config.yaml") }

// RuntimeFilePath returns the full path to runtime.json.
func RuntimeFilePath() (string, error) { return fileInConfigDir("runtime.json") }

// ProfilesFilePath returns the full path to profiles.yaml.
func ProfilesFilePath() (string, error) { return fileInConfigDir("profiles.yaml") }

// EventsFilePath returns the full path to the lifecycle journal.
func EventsFilePath() (string, error) { return fileInConfigDir("events.jsonl") }

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	path, err := ConfigFilePath()
	if err != nil {
		return Config{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return normalize(cfg), nil
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	path, err := ConfigFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func normalize(cfg Config) Config {
	def := Default()
	cfg.SSHPath = util.DefaultString(strings.TrimSpace(cfg.SSHPath), def.SSHPath)
	cfg.SudoPath = util.DefaultString(strings.TrimSpace(cfg.SudoPath), def.SudoPath)
	cfg.HelloBanner = util.DefaultString(strings.TrimSpace(cfg.HelloBanner), def.HelloBanner)
	if cfg.ValidationTimeout <= 0 {
		cfg.ValidationTimeout = def.ValidationTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	switch v := strings.ToLower(strings.TrimSpace(cfg.StrictHostKeyChecking)); v {
	case "", "yes", "no", "accept-new", "off", "ask":
		cfg.StrictHostKeyChecking = v
	default:
		cfg.StrictHostKeyChecking = ""
	}
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = def.UI.RefreshSeconds
	}
	return cfg
}

// ApplyDefaults fills the request fields left at their zero value from the
// configuration. Default options are appended after the request's own: ssh
// keeps the first value it sees for each option.
func (c Config) ApplyDefaults(req model.Request) model.Request {
	if strings.TrimSpace(req.SSHPath) == "" {
		req.SSHPath = c.SSHPath
	}
	if req.Timeout <= 0 {
		req.Timeout = c.ValidationTimeout
	}
	if req.ConnectTimeout <= 0 {
		req.ConnectTimeout = c.ConnectTimeout
	}
	if req.StrictHostKeyChecking == "" {
		req.StrictHostKeyChecking = c.StrictHostKeyChecking
	}
	if len(c.DefaultOptions) > 0 {
		req.Options = append(append([]string(nil), req.Options...), c.DefaultOptions...)
	}
	return req
}
