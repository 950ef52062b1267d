package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/poltergeist/cmakectl/internal/worker"
	"github.com/poltergeist/cmakectl/pkg/controller"
	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/logger"
	"github.com/poltergeist/cmakectl/pkg/process"
	"github.com/poltergeist/cmakectl/pkg/watcher"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	var (
		initial  bool
		generate bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reconfigure whenever build scripts change",
		Long: `Watch the source tree and run a configure pass when CMakeLists.txt or
other build scripts change. Changes that arrive while an operation is
running are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("generate") {
				c.settings.Watch.Generate = generate
			}
			return c.runWatch(cmd.Context(), initial)
		},
	}

	cmd.Flags().BoolVar(&initial, "initial", true, "configure once before watching")
	cmd.Flags().BoolVar(&generate, "generate", false, "generate after each successful configure")
	return cmd
}

func (c *CLI) runWatch(ctx context.Context, initial bool) error {
	sess, err := c.openSession(sessionOptions{requireBuild: true})
	if err != nil {
		return err
	}
	defer sess.close()

	if err := sess.validate(c); err != nil {
		return err
	}

	status := sess.ctl.Status()
	w, err := watcher.New(status.SourceDirectory, c.settings.Watch.Patterns,
		watcher.WithDebounce(c.settings.Watch.Debounce),
		watcher.WithExcludedDir(status.BinaryDirectory),
		watcher.WithLogger(c.logger))
	if err != nil {
		return err
	}
	defer w.Close()

	relay := process.NewSignalRelay(sess.ctl, c.logger)
	ctx = relay.Start(ctx)
	defer relay.Stop()

	log := c.logger.WithComponent("watch")
	group, gctx := worker.NewSafeGroup(ctx, c.logger)

	group.Go(func() error {
		return w.Run(gctx, func(paths []string) {
			log.Info("Build scripts changed", logger.WithField("files", strings.Join(paths, ", ")))
			startOperation(log, sess.ctl.Configure)
		})
	})

	group.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev := <-sess.sink.Done():
				if ev.Op == interfaces.OperationConfigure && ev.Succeeded() && c.settings.Watch.Generate {
					startOperation(log, sess.ctl.Generate)
				}
			}
		}
	})

	if initial {
		startOperation(log, sess.ctl.Configure)
	}
	log.Info("Watching for changes", logger.WithField("source_dir", status.SourceDirectory))

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		return err
	}
	return exitError(sess.sink.LastExitCode())
}

func startOperation(log logger.Logger, start func() error) {
	err := start()
	switch {
	case err == nil:
	case errors.Is(err, controller.ErrBusy):
		log.Info("Operation in progress; skipping change")
	default:
		log.Error("Failed to start operation", logger.WithError(err))
	}
}
