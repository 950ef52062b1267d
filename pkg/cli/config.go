package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/poltergeist/cmakectl/pkg/interfaces"
)

// Config holds the CLI's injectable dependencies and flag values
type Config struct {
	ConfigFile string
	SourceDir  string
	BuildDir   string
	Generator  string
	Verbosity  string
	Version    string

	// Out receives command output, ErrOut logs and diagnostics
	Out    io.Writer
	ErrOut io.Writer

	// EngineFactory overrides the cmake engine, for tests
	EngineFactory interfaces.EngineFactory
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		Version: "dev",
		Out:     os.Stdout,
		ErrOut:  os.Stderr,
	}
}

// ExitError carries the exit code of a failed operation
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("operation exited with code %d", e.Code)
}

// exitCodeAborted is returned when an operation is abandoned by a second
// interrupt
const exitCodeAborted = 130
