// Package notifier sends desktop notifications for finished operations
package notifier

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/logger"
)

// SendFunc delivers one notification
type SendFunc func(title, message string) error

// Config represents notification configuration
type Config struct {
	Enabled bool
	// NotifyStart also announces operations when they begin
	NotifyStart bool
	// Sound beeps on failure
	Sound bool
}

// BuildNotifier implements interfaces.BuildNotifier with beeep
type BuildNotifier struct {
	config Config
	logger logger.Logger
	send   SendFunc
	beep   func() error
}

var _ interfaces.BuildNotifier = (*BuildNotifier)(nil)

// Option customizes a BuildNotifier
type Option func(*BuildNotifier)

// WithSender replaces the desktop notification backend
func WithSender(fn SendFunc) Option {
	return func(n *BuildNotifier) { n.send = fn }
}

// WithBeeper replaces the failure sound backend
func WithBeeper(fn func() error) Option {
	return func(n *BuildNotifier) { n.beep = fn }
}

// New creates a new build notifier
func New(config Config, log logger.Logger, opts ...Option) *BuildNotifier {
	n := &BuildNotifier{
		config: config,
		logger: logger.OrNop(log).WithComponent("notifier"),
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyOperationStart announces a started operation when enabled
func (n *BuildNotifier) NotifyOperationStart(op interfaces.Operation, binaryDir string) {
	if !n.config.Enabled || !n.config.NotifyStart {
		return
	}
	n.notify("cmakectl", fmt.Sprintf("%s %s...", verb(op), filepath.Base(binaryDir)))
}

// NotifyOperationDone reports the outcome of an operation
func (n *BuildNotifier) NotifyOperationDone(rec interfaces.OperationRecord) {
	if !n.config.Enabled {
		return
	}

	name := filepath.Base(rec.Binary)
	if rec.Succeeded() {
		n.notify(
			fmt.Sprintf("✅ %s succeeded", title(rec.Operation)),
			fmt.Sprintf("%s finished in %s", name, formatDuration(rec.Duration)))
		return
	}

	n.notify(
		fmt.Sprintf("❌ %s failed", title(rec.Operation)),
		fmt.Sprintf("%s exited with code %d after %s", name, rec.ExitCode, formatDuration(rec.Duration)))
	if n.config.Sound {
		if err := n.beep(); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithError(err))
		}
	}
}

func (n *BuildNotifier) notify(title, message string) {
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
	}
}

func verb(op interfaces.Operation) string {
	if op == interfaces.OperationGenerate {
		return "Generating"
	}
	return "Configuring"
}

func title(op interfaces.Operation) string {
	if op == interfaces.OperationGenerate {
		return "Generate"
	}
	return "Configure"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
