// Package interfaces provides abstractions for dependency injection and testability
package interfaces

import (
	"time"

	"github.com/poltergeist/cmakectl/pkg/types"
)

// Callbacks are invoked by an Engine synchronously on the thread running
// Configure or Generate. Any field may be nil.
type Callbacks struct {
	// Progress reports a status message. percent is in [0,1]; a negative
	// value marks a log-only message.
	Progress func(message string, percent float64)
	// Output carries standard output text
	Output func(text string)
	// ErrorMessage carries error and warning text
	ErrorMessage func(text string)
	// InterruptPoll is polled during long operations. Once it returns
	// true the engine should abort as soon as it can.
	InterruptPoll func() bool
}

// Warnings toggles the engine's diagnostic options
type Warnings struct {
	SuppressDevWarnings bool `mapstructure:"suppress_dev" yaml:"suppress_dev"`
	WarnUninitialized   bool `mapstructure:"uninitialized" yaml:"uninitialized"`
	WarnUnusedVars      bool `mapstructure:"unused_vars" yaml:"unused_vars"`
	DebugOutput         bool `mapstructure:"debug_output" yaml:"debug_output"`
}

// Engine is the build-system driver owned by a single worker. Implementations
// need not be safe for concurrent use.
type Engine interface {
	SetCallbacks(cb Callbacks)
	SetDirectories(source, binary string)
	SetGenerator(name string)
	SetWarnings(w Warnings)

	LoadCache(binaryDir string) error
	SaveCache(binaryDir string) error
	DeleteCache(binaryDir string) error

	// Configure and Generate block and return a process-style exit code
	Configure() int
	Generate() int

	GetCacheEntryKeys() []string
	GetCacheEntryType(key string) types.EntryType
	GetCacheEntryValue(key string) string
	GetCacheEntryProperty(key, property string) (string, bool)
	SetCacheEntryValue(key, value string)
	SetCacheEntryType(key string, t types.EntryType)
	SetCacheEntryProperty(key, property, value string)
	AddCacheEntry(key, value, help string, t types.EntryType)
	RemoveCacheEntry(key string)

	WatchUnusedVariable(key string)
	UnwatchUnusedVariable(key string)

	// Generators lists the generator names the engine supports
	Generators() []string
}

// EngineFactory creates the engine a worker owns. It is called once, on the
// worker's own thread.
type EngineFactory func() Engine

// Operation names a long-running engine phase
type Operation string

const (
	OperationConfigure Operation = "configure"
	OperationGenerate  Operation = "generate"
)

// OperationRecord describes a finished operation
type OperationRecord struct {
	ID        string        `json:"id"`
	Operation Operation     `json:"operation"`
	ExitCode  int           `json:"exitCode"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration"`
	Source    string        `json:"source"`
	Binary    string        `json:"binary"`
	Generator string        `json:"generator,omitempty"`
}

// Succeeded reports whether the operation exited cleanly
func (r OperationRecord) Succeeded() bool {
	return r.ExitCode == 0
}

// HistoryRecorder persists finished operations
type HistoryRecorder interface {
	Record(rec OperationRecord) error
}

// BuildNotifier handles completion notifications
type BuildNotifier interface {
	NotifyOperationStart(op Operation, binaryDir string)
	NotifyOperationDone(rec OperationRecord)
}
