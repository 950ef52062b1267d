package cmake

import (
	"errors"
	"fmt"
)

// Sentinel errors for the cmake engine. These enable reliable error
// checking with errors.Is()
var (
	// ErrCMakeNotFound indicates the cmake executable could not be located
	ErrCMakeNotFound = errors.New("cmake executable not found")

	// ErrNoBinaryDirectory indicates an operation that needs a build tree
	ErrNoBinaryDirectory = errors.New("binary directory is not set")
)

// ParseError reports a malformed cache line
type ParseError struct {
	Line int
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: malformed entry %q", CacheFileName, e.Line, e.Text)
}
