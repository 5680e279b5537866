// Copyright (c) 2026 Storagelayer Team
// Storagelayer - Secure remote execution core
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads settings from defaults, a YAML file, STORAGELAYER_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Vault    VaultConfig    `mapstructure:"vault"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Log      LogConfig      `mapstructure:"log"`
	// Language selects the locale of human-readable CLI messages.
	Language string `mapstructure:"language"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	Dsn  string `mapstructure:"dsn"`
}

// VaultConfig holds the credential key. Key is usually supplied through
// STORAGELAYER_VAULT_KEY or the legacy ENCRYPTION_KEY variable rather
// than the file.
type VaultConfig struct {
	Key           string `mapstructure:"key"`
	WorkFactor    int    `mapstructure:"work_factor"`
	MaxWorkFactor int    `mapstructure:"max_work_factor"`
}

type SSHConfig struct {
	User           string        `mapstructure:"user"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// CommandTimeout of zero leaves commands unbounded.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	HostKeyPolicy  string        `mapstructure:"host_key_policy"`
}

type AuditConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	CaptureOutput bool `mapstructure:"capture_output"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LegacyKeyEnv is the variable older deployments used for the vault key.
const LegacyKeyEnv = "ENCRYPTION_KEY"

// Defaults returns the default value of every key.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":         "sqlite",
		"database.dsn":          "./storagelayer.db",
		"vault.key":             "",
		"vault.work_factor":     15,
		"vault.max_work_factor": 20,
		"ssh.user":              "root",
		"ssh.port":              22,
		"ssh.connect_timeout":   "10s",
		"ssh.command_timeout":   "0s",
		"ssh.host_key_policy":   "strict",
		"audit.enabled":         true,
		"audit.capture_output":  false,
		"log.level":             "info",
		"language":              "en",
	}
}

// FlagBindings maps config keys to the flag names that override them.
var FlagBindings = map[string]string{
	"database.type": "db-type",
	"database.dsn":  "db-dsn",
	"log.level":     "log-level",
	"language":      "lang",
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "storagelayer")
		default:
			configDir = "/etc/storagelayer"
		}
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(dir, "storagelayer")
	}
	return filepath.Join(configDir, "storagelayer.yaml"), nil
}

// LoadConfig decodes defaults, the config file, the environment and cmd's
// flags into T. A missing config file is not an error; an explicitly named
// file that cannot be read is.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFile *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("storagelayer")
	v.SetConfigType("yaml")
	if configFile != nil && *configFile != "" {
		v.SetConfigFile(*configFile)
	}
	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return c, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("storagelayer")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		for key, name := range FlagBindings {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return c, err
				}
			}
		}
	}

	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hooks); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// Load is LoadConfig for Config with the built-in defaults, the legacy key
// variable and validation applied.
func Load(cmd *cobra.Command, configFile *string) (Config, error) {
	c, err := LoadConfig[Config](cmd, Defaults(), configFile)
	if err != nil {
		return c, err
	}
	if c.Vault.Key == "" {
		c.Vault.Key = os.Getenv(LegacyKeyEnv)
	}
	return c, c.Validate()
}

// Validate reports configuration errors that would only surface later.
func (c Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.type %q: want sqlite, postgres or mysql", c.Database.Type))
	}
	if c.Database.Dsn == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port %d out of range", c.SSH.Port))
	}
	if c.SSH.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("ssh.connect_timeout must be positive"))
	}
	if c.SSH.CommandTimeout < 0 {
		errs = append(errs, errors.New("ssh.command_timeout must not be negative"))
	}
	switch strings.ToLower(c.SSH.HostKeyPolicy) {
	case "", "strict", "tofu", "insecure":
	default:
		errs = append(errs, fmt.Errorf("ssh.host_key_policy %q: want strict, tofu or insecure", c.SSH.HostKeyPolicy))
	}
	if c.Vault.WorkFactor < 1 || c.Vault.WorkFactor > 30 || c.Vault.MaxWorkFactor < c.Vault.WorkFactor {
		errs = append(errs, fmt.Errorf("vault work factors %d/%d invalid", c.Vault.WorkFactor, c.Vault.MaxWorkFactor))
	}
	return errors.Join(errs...)
}

// MarshalYAML renders the file form: durations as strings and the vault
// key omitted unless set.
func (c Config) MarshalYAML() (any, error) {
	vault := yaml.MapSlice{
		{Key: "work_factor", Value: c.Vault.WorkFactor},
		{Key: "max_work_factor", Value: c.Vault.MaxWorkFactor},
	}
	if c.Vault.Key != "" {
		vault = append(yaml.MapSlice{{Key: "key", Value: c.Vault.Key}}, vault...)
	}
	return yaml.MapSlice{
		{Key: "database", Value: yaml.MapSlice{
			{Key: "type", Value: c.Database.Type},
			{Key: "dsn", Value: c.Database.Dsn},
		}},
		{Key: "vault", Value: vault},
		{Key: "ssh", Value: yaml.MapSlice{
			{Key: "user", Value: c.SSH.User},
			{Key: "port", Value: c.SSH.Port},
			{Key: "connect_timeout", Value: c.SSH.ConnectTimeout.String()},
			{Key: "command_timeout", Value: c.SSH.CommandTimeout.String()},
			{Key: "host_key_policy", Value: c.SSH.HostKeyPolicy},
		}},
		{Key: "audit", Value: yaml.MapSlice{
			{Key: "enabled", Value: c.Audit.Enabled},
			{Key: "capture_output", Value: c.Audit.CaptureOutput},
		}},
		{Key: "log", Value: yaml.MapSlice{
			{Key: "level", Value: c.Log.Level},
		}},
		{Key: "language", Value: c.Language},
	}, nil
}

// WriteConfigFile writes c to the user or system config path.
func WriteConfigFile[T any](c *T, system bool) (string, error) {
	path, err := GetConfigPath(system)
	if err != nil {
		return "", err
	}
	return path, WriteConfigFileTo(c, path)
}

// WriteConfigFileTo writes c as YAML to path with mode 0600, since the file
// may hold the vault key.
func WriteConfigFileTo[T any](c *T, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", dir, err)
	}
	return os.WriteFile(path, data, 0o600)
}
