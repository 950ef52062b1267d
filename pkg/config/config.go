// Package config loads cmakectl settings from a config file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

const (
	// FileName is the config file name without extension
	FileName = "cmakectl"

	// EnvPrefix prefixes environment overrides, e.g. CMAKECTL_LOG_LEVEL
	EnvPrefix = "CMAKECTL"

	DefaultCMakePath = "cmake"
	DefaultLogLevel  = "info"
	DefaultDebounce  = 500 * time.Millisecond
	DefaultHistoryDB = ".cmakectl/history.db"
)

// Settings is the complete cmakectl configuration
type Settings struct {
	SourceDir     string              `mapstructure:"source" yaml:"source,omitempty"`
	BuildDir      string              `mapstructure:"build" yaml:"build,omitempty"`
	Generator     string              `mapstructure:"generator" yaml:"generator,omitempty"`
	CMakePath     string              `mapstructure:"cmake_path" yaml:"cmake_path"`
	LogLevel      string              `mapstructure:"log_level" yaml:"log_level"`
	LogFile       string              `mapstructure:"log_file" yaml:"log_file,omitempty"`
	Notifications bool                `mapstructure:"notifications" yaml:"notifications"`
	Warnings      interfaces.Warnings `mapstructure:"warnings" yaml:"warnings"`
	History       HistorySettings     `mapstructure:"history" yaml:"history"`
	Watch         WatchSettings       `mapstructure:"watch" yaml:"watch"`
}

// HistorySettings controls the operation history database
type HistorySettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// WatchSettings controls watch mode
type WatchSettings struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
	Patterns []string      `mapstructure:"patterns" yaml:"patterns"`
	Generate bool          `mapstructure:"generate" yaml:"generate"`
}

// HistoryPath resolves the history database relative to the build tree
func (s *Settings) HistoryPath() string {
	if filepath.IsAbs(s.History.Path) || s.BuildDir == "" {
		return s.History.Path
	}
	return filepath.Join(s.BuildDir, s.History.Path)
}

// Default returns the built-in settings
func Default() *Settings {
	return &Settings{
		CMakePath: DefaultCMakePath,
		LogLevel:  DefaultLogLevel,
		History: HistorySettings{
			Enabled: true,
			Path:    DefaultHistoryDB,
		},
		Watch: WatchSettings{
			Debounce: DefaultDebounce,
			Patterns: []string{"CMakeLists.txt", "*.cmake"},
		},
	}
}

// SetDefaults registers every key with its default so environment
// overrides are picked up by AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("source", d.SourceDir)
	v.SetDefault("build", d.BuildDir)
	v.SetDefault("generator", d.Generator)
	v.SetDefault("cmake_path", d.CMakePath)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("notifications", d.Notifications)
	v.SetDefault("warnings.suppress_dev", d.Warnings.SuppressDevWarnings)
	v.SetDefault("warnings.uninitialized", d.Warnings.WarnUninitialized)
	v.SetDefault("warnings.unused_vars", d.Warnings.WarnUnusedVars)
	v.SetDefault("warnings.debug_output", d.Warnings.DebugOutput)
	v.SetDefault("history.enabled", d.History.Enabled)
	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("watch.patterns", d.Watch.Patterns)
	v.SetDefault("watch.generate", d.Watch.Generate)
}

// New returns a viper instance with defaults and environment binding
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile, or cmakectl.{yaml,yml,json} from dir when
// configFile is empty, and decodes the merged settings. A missing default
// config file is not an error.
func Load(v *viper.Viper, configFile, dir string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		if dir == "" {
			dir = "."
		}
		v.AddConfigPath(dir)
		v.SetConfigName(FileName)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals the current viper state
func Decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	s.SourceDir = utils.NormalizePath(s.SourceDir)
	s.BuildDir = utils.NormalizePath(s.BuildDir)
	if s.CMakePath == "" {
		s.CMakePath = DefaultCMakePath
	}
	return &s, nil
}

// Marshal renders settings as YAML
func Marshal(s *Settings) ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

// Write stores settings as a YAML config file
func Write(path string, s *Settings) error {
	data, err := Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# cmakectl configuration\n")
	return utils.WriteFileAtomic(path, append(header, data...), 0o644)
}
