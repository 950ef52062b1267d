package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/poltergeist/cmakectl/pkg/config"
	"github.com/poltergeist/cmakectl/pkg/logger"
	"github.com/poltergeist/cmakectl/pkg/utils"
	"github.com/poltergeist/cmakectl/pkg/validation"
)

func (c *CLI) newInitCmd() *cobra.Command {
	var (
		force bool
		dir   string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a cmakectl.yaml for the current project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(dir, config.FileName+".yaml")
			if utils.FileExists(path) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			settings := *c.settings
			if settings.SourceDir == "" {
				settings.SourceDir = utils.NormalizePath(dir)
			}
			if settings.BuildDir == "" {
				settings.BuildDir = utils.NormalizePath(filepath.Join(dir, "build"))
			}

			result := validation.NewSettingsValidator(nil).Validate(&settings)
			for _, e := range result.Errors {
				c.logger.Warn(e.Message, logger.WithField("field", e.Field))
			}

			if err := config.Write(path, &settings); err != nil {
				return err
			}
			c.logger.Success("Created configuration", logger.WithField("file", path))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().StringVar(&dir, "dir", ".", "project directory")
	return cmd
}

func (c *CLI) newGeneratorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generators",
		Short: "List the generators cmake supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.openSession(sessionOptions{})
			if err != nil {
				return err
			}
			defer sess.close()

			list, err := sess.ctl.Generators()
			if err != nil {
				return err
			}
			for _, g := range list {
				c.printf("%s\n", g)
			}
			return nil
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.printf("cmakectl v%s\n", c.config.Version)
			return nil
		},
	}
}
