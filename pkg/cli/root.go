// Package cli provides the cmakectl command-line interface
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/poltergeist/cmakectl/pkg/config"
	"github.com/poltergeist/cmakectl/pkg/logger"
)

// CLI encapsulates the command tree and its configuration
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	settings *config.Settings
	logger   logger.Logger
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.ErrOut == nil {
		cfg.ErrOut = os.Stderr
	}

	c := &CLI{
		config: cfg,
		viper:  config.New(),
		logger: logger.Nop(),
	}
	c.setupCommands()
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "cmakectl",
		Short: "Drive CMake configure and generate runs",
		Long: `cmakectl configures and generates CMake build trees and edits their
cache. Operations run on a background worker and stream their output;
Ctrl+C interrupts the running operation, a second Ctrl+C aborts.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.initializeConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	c.rootCmd.SetOut(c.config.Out)
	c.rootCmd.SetErr(c.config.ErrOut)
	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("cmakectl v{{.Version}}\n")

	c.setupFlags()

	c.rootCmd.AddCommand(c.newConfigureCmd())
	c.rootCmd.AddCommand(c.newGenerateCmd())
	c.rootCmd.AddCommand(c.newCacheCmd())
	c.rootCmd.AddCommand(c.newWatchCmd())
	c.rootCmd.AddCommand(c.newHistoryCmd())
	c.rootCmd.AddCommand(c.newGeneratorsCmd())
	c.rootCmd.AddCommand(c.newInitCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", c.config.ConfigFile, "config file (default: ./cmakectl.yaml)")
	flags.StringVarP(&c.config.SourceDir, "source", "S", c.config.SourceDir, "source directory")
	flags.StringVarP(&c.config.BuildDir, "build", "B", c.config.BuildDir, "build directory")
	flags.StringVarP(&c.config.Generator, "generator", "G", c.config.Generator, "generator name")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", c.config.Verbosity, "log level (debug, info, warn, error)")

	_ = c.viper.BindPFlag("source", flags.Lookup("source"))
	_ = c.viper.BindPFlag("build", flags.Lookup("build"))
	_ = c.viper.BindPFlag("generator", flags.Lookup("generator"))
	_ = c.viper.BindPFlag("log_level", flags.Lookup("verbosity"))
}

func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(c.viper, c.config.ConfigFile, ".")
	if err != nil {
		return err
	}
	c.settings = settings

	if c.config.ErrOut == os.Stderr {
		c.logger = logger.CreateLogger(settings.LogFile, settings.LogLevel)
	} else {
		c.logger = logger.CreateLoggerWithOutput(settings.LogLevel, c.config.ErrOut)
	}

	if used := c.viper.ConfigFileUsed(); used != "" {
		c.logger.Debug("Using config file", logger.WithField("file", used))
	}
	return nil
}

func (c *CLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.config.Out, format, args...)
}
