package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/poltergeist/cmakectl/pkg/cmake"
	"github.com/poltergeist/cmakectl/pkg/controller"
	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/logger"
	"github.com/poltergeist/cmakectl/pkg/notifier"
	"github.com/poltergeist/cmakectl/pkg/process"
	"github.com/poltergeist/cmakectl/pkg/state"
	"github.com/poltergeist/cmakectl/pkg/validation"
)

// session is one controller with its event sink and history store
type session struct {
	ctl     *controller.Controller
	sink    *ConsoleSink
	history *state.History
	logger  logger.Logger
	wg      sync.WaitGroup
}

type sessionOptions struct {
	// requireBuild fails early when no build directory is configured
	requireBuild bool
}

func (c *CLI) openSession(opts sessionOptions) (*session, error) {
	s := c.settings
	if opts.requireBuild && s.BuildDir == "" {
		return nil, fmt.Errorf("no build directory; pass --build or set build in cmakectl.yaml")
	}

	factory := c.config.EngineFactory
	if factory == nil {
		factory = cmake.Factory(
			cmake.WithCMakePath(s.CMakePath),
			cmake.WithLogger(c.logger),
		)
	}

	sess := &session{
		sink:   NewConsoleSink(c.config.Out, c.config.ErrOut),
		logger: c.logger,
	}

	ctlOpts := []controller.Option{controller.WithLogger(c.logger)}
	if s.History.Enabled && s.BuildDir != "" {
		h, err := state.Open(s.HistoryPath())
		if err != nil {
			c.logger.Warn("History disabled", logger.WithError(err))
		} else {
			sess.history = h
			ctlOpts = append(ctlOpts, controller.WithHistory(h))
		}
	}
	if s.Notifications {
		ctlOpts = append(ctlOpts, controller.WithNotifier(notifier.New(notifier.Config{
			Enabled: true,
			Sound:   true,
		}, c.logger)))
	}

	sess.ctl = controller.New(factory, ctlOpts...)
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		sess.sink.Run(sess.ctl.Events())
	}()

	if err := sess.apply(s.BuildDir, s.SourceDir, s.Generator, s.Warnings); err != nil {
		sess.close()
		return nil, err
	}
	return sess, nil
}

// apply loads the build tree first so explicit settings override what its
// cache names
func (s *session) apply(build, source, generator string, w interfaces.Warnings) error {
	if build != "" {
		if err := s.ctl.SetBinaryDirectory(build); err != nil {
			return err
		}
	}
	if source != "" {
		if err := s.ctl.SetSourceDirectory(source); err != nil {
			return err
		}
	}
	if generator != "" {
		if err := s.ctl.SetGenerator(generator); err != nil {
			return err
		}
	}
	return s.ctl.SetWarnings(w)
}

func (s *session) close() {
	if err := s.ctl.Close(); err != nil && !errors.Is(err, controller.ErrClosed) {
		s.logger.Warn("Failed to close controller", logger.WithError(err))
	}
	s.wg.Wait()
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Warn("Failed to close history", logger.WithError(err))
		}
	}
}

// validate checks the controller's effective settings
func (s *session) validate(c *CLI) error {
	status := s.ctl.Status()
	effective := *c.settings
	effective.SourceDir = status.SourceDirectory
	effective.BuildDir = status.BinaryDirectory
	effective.Generator = status.Generator

	var generators []string
	if effective.Generator != "" {
		list, err := s.ctl.Generators()
		if err != nil {
			return err
		}
		generators = list
	}

	result := validation.NewSettingsValidator(generators).Validate(&effective)
	for _, w := range result.Warnings() {
		s.logger.Warn(w.Message, logger.WithField("field", w.Field))
	}
	return result.Err()
}

// run starts an operation and waits for its OperationDone. The first
// interrupt signal stops the operation; the second abandons the wait.
func (s *session) run(ctx context.Context, start func() error) (int, error) {
	relay := process.NewSignalRelay(s.ctl, s.logger)
	ctx = relay.Start(ctx)
	defer relay.Stop()

	if err := start(); err != nil {
		return 0, err
	}

	select {
	case ev := <-s.sink.Done():
		return ev.ExitCode, nil
	case <-ctx.Done():
		return exitCodeAborted, nil
	}
}

// exitError converts a non-zero exit code to an *ExitError
func exitError(code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}
