// Package cmake implements interfaces.Engine on top of the cmake
// executable and the CMakeCache.txt file it maintains.
package cmake

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/logger"
	"github.com/poltergeist/cmakectl/pkg/types"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

const (
	// DefaultPollInterval is how often a running process checks for interrupts
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultKillGrace is how long an interrupted process may take to exit
	DefaultKillGrace = 5 * time.Second

	// ExitCodeInterrupted is returned by an interrupted Configure or Generate
	ExitCodeInterrupted = 1

	filesDirName = "CMakeFiles"
	lineBacklog  = 256
)

// Option configures an Engine
type Option func(*Engine)

// WithCMakePath sets the cmake executable
func WithCMakePath(path string) Option {
	return func(e *Engine) {
		if path != "" {
			e.cmakePath = path
		}
	}
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) { e.logger = logger.OrNop(log) }
}

// WithPollInterval sets how often InterruptPoll is consulted
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithKillGrace sets the delay between interrupting and killing cmake
func WithKillGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.killGrace = d
		}
	}
}

// Engine drives cmake. It is not safe for concurrent use; the worker
// serializes every call.
type Engine struct {
	cmakePath    string
	logger       logger.Logger
	pollInterval time.Duration
	killGrace    time.Duration

	callbacks interfaces.Callbacks
	source    string
	binary    string
	generator string
	warnings  interfaces.Warnings

	cache   *Cache
	dirty   bool
	watched map[string]bool
}

var _ interfaces.Engine = (*Engine)(nil)

// NewEngine creates an engine with an empty cache
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		cmakePath:    "cmake",
		logger:       logger.Nop(),
		pollInterval: DefaultPollInterval,
		killGrace:    DefaultKillGrace,
		cache:        NewCache(),
		watched:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithComponent("cmake")
	return e
}

// Factory returns an EngineFactory building engines with opts
func Factory(opts ...Option) interfaces.EngineFactory {
	return func() interfaces.Engine { return NewEngine(opts...) }
}

// Settings

func (e *Engine) SetCallbacks(cb interfaces.Callbacks) { e.callbacks = cb }

func (e *Engine) SetDirectories(source, binary string) {
	e.source, e.binary = source, binary
}

func (e *Engine) SetGenerator(name string) { e.generator = name }

func (e *Engine) SetWarnings(w interfaces.Warnings) { e.warnings = w }

// Cache file

// LoadCache replaces the in-memory cache with the one in binaryDir
func (e *Engine) LoadCache(binaryDir string) error {
	c, err := ReadCacheFile(binaryDir)
	if err != nil {
		return err
	}
	e.cache = c
	e.dirty = false
	e.logger.Debug("Cache loaded",
		logger.WithField("binary_dir", binaryDir),
		logger.WithField("entries", c.Len()))
	return nil
}

// SaveCache writes the in-memory cache to binaryDir
func (e *Engine) SaveCache(binaryDir string) error {
	if binaryDir == "" {
		return ErrNoBinaryDirectory
	}
	if err := WriteCacheFile(binaryDir, e.cache); err != nil {
		return err
	}
	e.dirty = false
	e.logger.Debug("Cache saved",
		logger.WithField("binary_dir", binaryDir),
		logger.WithField("entries", e.cache.Len()))
	return nil
}

// DeleteCache removes the cache file and the CMakeFiles directory
func (e *Engine) DeleteCache(binaryDir string) error {
	if binaryDir == "" {
		return ErrNoBinaryDirectory
	}
	if err := os.Remove(filepath.Join(binaryDir, CacheFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(binaryDir, filesDirName)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", filesDirName, err)
	}
	return nil
}

// Entries

func (e *Engine) GetCacheEntryKeys() []string { return e.cache.Keys() }

func (e *Engine) GetCacheEntryType(key string) types.EntryType {
	if entry, ok := e.cache.Get(key); ok {
		return entry.Type
	}
	return ""
}

func (e *Engine) GetCacheEntryValue(key string) string {
	if entry, ok := e.cache.Get(key); ok {
		return entry.Value
	}
	return ""
}

func (e *Engine) GetCacheEntryProperty(key, property string) (string, bool) {
	entry, ok := e.cache.Get(key)
	if !ok {
		return "", false
	}
	v, ok := entry.Properties[property]
	return v, ok
}

// singleLine cuts value at its first line break, which a cache row cannot
// hold, and warns like cmake does when it reads such a value.
func (e *Engine) singleLine(key, value string) string {
	i := strings.IndexAny(value, "\r\n")
	if i < 0 {
		return value
	}
	e.logger.Warn("Cache value contains a line break; truncating", logger.WithField("key", key))
	e.errorMessage(fmt.Sprintf("CMake Warning: Value of %s contained a newline; truncating", key))
	return value[:i]
}

func (e *Engine) SetCacheEntryValue(key, value string) {
	value = e.singleLine(key, value)
	if entry, ok := e.cache.Get(key); ok && entry.Value != value {
		entry.Value = value
		e.dirty = true
	}
}

func (e *Engine) SetCacheEntryType(key string, t types.EntryType) {
	if entry, ok := e.cache.Get(key); ok && entry.Type != t {
		entry.Type = t
		e.dirty = true
	}
}

func (e *Engine) SetCacheEntryProperty(key, property, value string) {
	entry, ok := e.cache.Get(key)
	if !ok {
		return
	}
	if property != types.PropertyHelpString {
		value = e.singleLine(key, value)
	}
	switch {
	case property == types.PropertyAdvanced && !types.IsTrue(value),
		property == types.PropertyStrings && value == "":
		delete(entry.Properties, property)
	default:
		entry.Properties[property] = value
	}
	e.dirty = true
}

func (e *Engine) AddCacheEntry(key, value, help string, t types.EntryType) {
	e.cache.Set(key, e.singleLine(key, value), help, t)
	e.dirty = true
}

func (e *Engine) RemoveCacheEntry(key string) {
	e.cache.Remove(key)
	e.dirty = true
}

// WatchUnusedVariable marks key to be passed on the next configure command
// line, so cmake reports it if the project never reads it.
func (e *Engine) WatchUnusedVariable(key string) { e.watched[key] = true }

func (e *Engine) UnwatchUnusedVariable(key string) { delete(e.watched, key) }

// Operations

// Configure runs cmake on the source and binary directories and reloads
// the resulting cache.
func (e *Engine) Configure() int {
	if e.binary == "" {
		e.errorMessage("No binary directory selected")
		return 1
	}
	if e.source == "" && !utils.FileExists(filepath.Join(e.binary, CacheFileName)) {
		e.errorMessage("No source directory selected")
		return 1
	}
	if e.dirty {
		if err := e.SaveCache(e.binary); err != nil {
			e.errorMessage(fmt.Sprintf("Failed to save cache: %v", err))
			return 1
		}
	}

	code := e.run("Configuring", e.configureArgs())
	if code == 0 {
		e.watched = make(map[string]bool)
	}
	return e.reload(code)
}

// Generate reruns cmake on an existing build tree, which regenerates the
// build system from the cached configuration.
func (e *Engine) Generate() int {
	if e.binary == "" {
		e.errorMessage("No binary directory selected")
		return 1
	}
	if !utils.FileExists(filepath.Join(e.binary, CacheFileName)) {
		e.errorMessage("The build tree has not been configured")
		return 1
	}

	return e.reload(e.run("Generating", []string{e.binary}))
}

func (e *Engine) reload(code int) int {
	if err := e.LoadCache(e.binary); err != nil {
		e.errorMessage(fmt.Sprintf("Failed to read cache: %v", err))
		if code == 0 {
			return 1
		}
	}
	return code
}

func (e *Engine) configureArgs() []string {
	var args []string
	if e.source != "" {
		args = append(args, "-S", e.source)
	}
	args = append(args, "-B", e.binary)
	if e.generator != "" {
		args = append(args, "-G", e.generator)
	}

	if e.warnings.SuppressDevWarnings {
		args = append(args, "-Wno-dev")
	}
	if e.warnings.WarnUninitialized {
		args = append(args, "--warn-uninitialized")
	}
	if e.warnings.WarnUnusedVars {
		args = append(args, "--warn-unused-vars")
	}
	if e.warnings.DebugOutput {
		args = append(args, "--debug-output")
	}

	keys := make([]string, 0, len(e.watched))
	for key := range e.watched {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if entry, ok := e.cache.Get(key); ok {
			args = append(args, fmt.Sprintf("-D%s:%s=%s", key, entry.Type, entry.Value))
		}
	}

	return args
}

// Generators lists generators reported by cmake -E capabilities.
// Extra generators are named "Extra - Main" as cmake expects them.
func (e *Engine) Generators() []string {
	out, err := exec.Command(e.cmakePath, "-E", "capabilities").Output()
	if err != nil {
		e.logger.Warn("Failed to query cmake capabilities", logger.WithError(err))
		return nil
	}

	names, err := parseCapabilities(out)
	if err != nil {
		e.logger.Warn("Failed to parse cmake capabilities", logger.WithError(err))
		return nil
	}
	return names
}

type capabilities struct {
	Generators []struct {
		Name            string   `json:"name"`
		ExtraGenerators []string `json:"extraGenerators"`
	} `json:"generators"`
}

func parseCapabilities(data []byte) ([]string, error) {
	var caps capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("invalid capabilities: %w", err)
	}

	names := make([]string, 0, len(caps.Generators))
	for _, g := range caps.Generators {
		names = append(names, g.Name)
		for _, extra := range g.ExtraGenerators {
			names = append(names, extra+" - "+g.Name)
		}
	}
	return names, nil
}

// run executes cmake and forwards its output through the callbacks on the
// calling goroutine while polling for interrupts.
func (e *Engine) run(phase string, args []string) int {
	path, err := exec.LookPath(e.cmakePath)
	if err != nil {
		e.errorMessage(fmt.Sprintf("%v: %s", ErrCMakeNotFound, e.cmakePath))
		return 1
	}

	lines := make(chan streamLine, lineBacklog)
	stdout := newLineWriter(lines, false)
	stderr := newLineWriter(lines, true)

	cmd := exec.Command(path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.killGrace

	e.logger.Debug("Running cmake", logger.WithField("args", strings.Join(args, " ")))
	e.progress(phase, 0)

	if err := cmd.Start(); err != nil {
		e.errorMessage(fmt.Sprintf("Failed to start cmake: %v", err))
		return 1
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var (
		interrupted bool
		killTimer   <-chan time.Time
		result      error
	)

loop:
	for {
		select {
		case l := <-lines:
			e.deliver(l)
		case <-ticker.C:
			if !interrupted && e.interruptRequested() {
				interrupted = true
				e.interruptProcess(cmd)
				killTimer = time.After(e.killGrace)
			}
		case <-killTimer:
			e.logger.Warn("cmake ignored interrupt, killing", logger.WithField("pid", cmd.Process.Pid))
			_ = cmd.Process.Kill()
			killTimer = nil
		case result = <-waitErr:
			break loop
		}
	}

	for drained := false; !drained; {
		select {
		case l := <-lines:
			e.deliver(l)
		default:
			drained = true
		}
	}
	for _, l := range append(stdout.flush(), stderr.flush()...) {
		e.deliver(l)
	}

	if interrupted {
		e.errorMessage(phase + " interrupted")
		return ExitCodeInterrupted
	}

	code := cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if result != nil && !errors.As(result, &exitErr) {
		e.logger.Warn("cmake wait failed", logger.WithError(result))
	}
	if code < 0 {
		code = 1
	}
	if code == 0 {
		e.progress(phase+" done", 1)
	}
	return code
}

func (e *Engine) interruptProcess(cmd *exec.Cmd) {
	e.logger.Info("Interrupting cmake", logger.WithField("pid", cmd.Process.Pid))
	if runtime.GOOS == "windows" {
		_ = cmd.Process.Kill()
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}
}

func (e *Engine) interruptRequested() bool {
	return e.callbacks.InterruptPoll != nil && e.callbacks.InterruptPoll()
}

func (e *Engine) deliver(l streamLine) {
	if l.stderr {
		e.errorMessage(l.text)
		return
	}
	if e.callbacks.Output != nil {
		e.callbacks.Output(l.text)
	}
}

func (e *Engine) progress(msg string, percent float64) {
	if e.callbacks.Progress != nil {
		e.callbacks.Progress(msg, percent)
	}
}

func (e *Engine) errorMessage(msg string) {
	if e.callbacks.ErrorMessage != nil {
		e.callbacks.ErrorMessage(msg)
	}
}
