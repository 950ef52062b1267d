package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/poltergeist/cmakectl/pkg/controller"
)

// doneBuffer bounds undelivered OperationDone notifications
const doneBuffer = 16

// ConsoleSink prints controller events to the terminal
type ConsoleSink struct {
	out    io.Writer
	errOut io.Writer

	mu       sync.Mutex
	lastCode int
	done     chan controller.OperationDoneEvent
}

// NewConsoleSink creates a sink writing output to out and diagnostics to errOut
func NewConsoleSink(out, errOut io.Writer) *ConsoleSink {
	return &ConsoleSink{
		out:    out,
		errOut: errOut,
		done:   make(chan controller.OperationDoneEvent, doneBuffer),
	}
}

// Run handles events until the channel is closed
func (s *ConsoleSink) Run(events <-chan controller.Event) {
	for ev := range events {
		s.Handle(ev)
	}
}

// Done delivers every OperationDone event after it is printed
func (s *ConsoleSink) Done() <-chan controller.OperationDoneEvent {
	return s.done
}

// LastExitCode returns the exit code of the most recent operation
func (s *ConsoleSink) LastExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode
}

// Handle prints one event
func (s *ConsoleSink) Handle(ev controller.Event) {
	switch e := ev.(type) {
	case controller.ProgressEvent:
		if e.Percent < 0 {
			fmt.Fprintf(s.out, "%s %s\n", color.CyanString("--"), e.Message)
			return
		}
		fmt.Fprintf(s.out, "%s %s\n", color.CyanString("[%3.0f%%]", e.Percent*100), e.Message)

	case controller.OutputEvent:
		fmt.Fprintln(s.out, strings.TrimRight(e.Text, "\n"))

	case controller.ErrorMessageEvent:
		fmt.Fprintln(s.errOut, color.YellowString(strings.TrimRight(e.Text, "\n")))

	case controller.SettingsChangedEvent:
		if e.SourceDirectory != "" {
			fmt.Fprintf(s.errOut, "%s source %s\n", color.HiBlackString("--"), e.SourceDirectory)
		}
		if e.BinaryDirectory != "" {
			fmt.Fprintf(s.errOut, "%s build  %s\n", color.HiBlackString("--"), e.BinaryDirectory)
		}
		if e.Generator != "" {
			fmt.Fprintf(s.errOut, "%s generator %s\n", color.HiBlackString("--"), e.Generator)
		}

	case controller.PropertiesChangedEvent:
		// cache snapshots are printed by the cache commands

	case controller.OperationDoneEvent:
		s.mu.Lock()
		s.lastCode = e.ExitCode
		s.mu.Unlock()

		if e.Succeeded() {
			fmt.Fprintf(s.out, "%s %s finished in %s\n",
				color.GreenString("✓"), e.Op, e.Duration.Round(time.Millisecond))
		} else {
			fmt.Fprintf(s.errOut, "%s %s failed with exit code %d after %s\n",
				color.RedString("✗"), e.Op, e.ExitCode, e.Duration.Round(time.Millisecond))
		}

		select {
		case s.done <- e:
		default:
		}
	}
}
