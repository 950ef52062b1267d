// Package mocks provides test doubles for the engine and its collaborators.
package mocks

import (
	"fmt"
	"sort"
	"sync"

	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/types"
)

// FakeEntry is a cache entry as the fake engine stores it
type FakeEntry struct {
	Value string
	Type  types.EntryType
	Props map[string]string
}

func (e FakeEntry) clone() FakeEntry {
	props := make(map[string]string, len(e.Props))
	for k, v := range e.Props {
		props[k] = v
	}
	e.Props = props
	return e
}

// Entry is a convenience constructor for seeding
func Entry(value string, t types.EntryType) FakeEntry {
	return FakeEntry{Value: value, Type: t, Props: map[string]string{}}
}

// OperationFunc scripts Configure or Generate
type OperationFunc func(e *FakeEngine, cb interfaces.Callbacks) int

// FakeEngine is an in-memory Engine. Its "disk" is a map keyed by binary
// directory. All methods are safe to call from tests while the worker owns it.
type FakeEngine struct {
	mu sync.Mutex

	entries map[string]FakeEntry
	disk    map[string]map[string]FakeEntry
	watched map[string]bool
	calls   []string

	callbacks  interfaces.Callbacks
	source     string
	binary     string
	generator  string
	warnings   interfaces.Warnings
	generators []string

	configureFunc  OperationFunc
	generateFunc   OperationFunc
	configureCount int
	generateCount  int

	loadError   error
	saveError   error
	deleteError error
}

var _ interfaces.Engine = (*FakeEngine)(nil)

// NewFakeEngine creates an empty fake engine
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		entries:    make(map[string]FakeEntry),
		disk:       make(map[string]map[string]FakeEntry),
		watched:    make(map[string]bool),
		generators: []string{"Ninja", "Unix Makefiles"},
	}
}

// Factory returns an EngineFactory handing out e
func (e *FakeEngine) Factory() interfaces.EngineFactory {
	return func() interfaces.Engine { return e }
}

// SeedCache places entries on the fake disk for binaryDir
func (e *FakeEngine) SeedCache(binaryDir string, entries map[string]FakeEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stored := make(map[string]FakeEntry, len(entries))
	for k, v := range entries {
		stored[k] = v.clone()
	}
	e.disk[binaryDir] = stored
}

// DiskCache returns a copy of what is persisted for binaryDir
func (e *FakeEngine) DiskCache(binaryDir string) (map[string]FakeEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stored, ok := e.disk[binaryDir]
	if !ok {
		return nil, false
	}
	out := make(map[string]FakeEntry, len(stored))
	for k, v := range stored {
		out[k] = v.clone()
	}
	return out, true
}

// SetConfigureFunc scripts Configure
func (e *FakeEngine) SetConfigureFunc(fn OperationFunc) {
	e.mu.Lock()
	e.configureFunc = fn
	e.mu.Unlock()
}

// SetGenerateFunc scripts Generate
func (e *FakeEngine) SetGenerateFunc(fn OperationFunc) {
	e.mu.Lock()
	e.generateFunc = fn
	e.mu.Unlock()
}

// SetLoadError makes LoadCache fail
func (e *FakeEngine) SetLoadError(err error) {
	e.mu.Lock()
	e.loadError = err
	e.mu.Unlock()
}

// SetSaveError makes SaveCache fail
func (e *FakeEngine) SetSaveError(err error) {
	e.mu.Lock()
	e.saveError = err
	e.mu.Unlock()
}

// SetDeleteError makes DeleteCache fail
func (e *FakeEngine) SetDeleteError(err error) {
	e.mu.Lock()
	e.deleteError = err
	e.mu.Unlock()
}

// Calls returns the log of mutating calls, e.g. "unwatch B"
func (e *FakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

// ResetCalls clears the call log
func (e *FakeEngine) ResetCalls() {
	e.mu.Lock()
	e.calls = nil
	e.mu.Unlock()
}

// IsWatched reports whether key is watched for unused-variable warnings
func (e *FakeEngine) IsWatched(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watched[key]
}

// GetConfigureCount returns how often Configure ran
func (e *FakeEngine) GetConfigureCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configureCount
}

// GetGenerateCount returns how often Generate ran
func (e *FakeEngine) GetGenerateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generateCount
}

// Directories returns the directories last set
func (e *FakeEngine) Directories() (source, binary string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source, e.binary
}

// Generator returns the generator last set
func (e *FakeEngine) Generator() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generator
}

// Warnings returns the warning options last set
func (e *FakeEngine) Warnings() interfaces.Warnings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warnings
}

func (e *FakeEngine) record(format string, args ...interface{}) {
	e.calls = append(e.calls, fmt.Sprintf(format, args...))
}

// Engine implementation

func (e *FakeEngine) SetCallbacks(cb interfaces.Callbacks) {
	e.mu.Lock()
	e.callbacks = cb
	e.mu.Unlock()
}

func (e *FakeEngine) SetDirectories(source, binary string) {
	e.mu.Lock()
	e.source, e.binary = source, binary
	e.mu.Unlock()
}

func (e *FakeEngine) SetGenerator(name string) {
	e.mu.Lock()
	e.generator = name
	e.mu.Unlock()
}

func (e *FakeEngine) SetWarnings(w interfaces.Warnings) {
	e.mu.Lock()
	e.warnings = w
	e.mu.Unlock()
}

func (e *FakeEngine) LoadCache(binaryDir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loadError != nil {
		return e.loadError
	}
	e.entries = make(map[string]FakeEntry)
	for k, v := range e.disk[binaryDir] {
		e.entries[k] = v.clone()
	}
	e.record("load %s", binaryDir)
	return nil
}

func (e *FakeEngine) SaveCache(binaryDir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.saveError != nil {
		return e.saveError
	}
	stored := make(map[string]FakeEntry, len(e.entries))
	for k, v := range e.entries {
		stored[k] = v.clone()
	}
	e.disk[binaryDir] = stored
	e.record("save %s", binaryDir)
	return nil
}

func (e *FakeEngine) DeleteCache(binaryDir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleteError != nil {
		return e.deleteError
	}
	delete(e.disk, binaryDir)
	e.record("delete %s", binaryDir)
	return nil
}

func (e *FakeEngine) Configure() int {
	e.mu.Lock()
	e.configureCount++
	fn, cb := e.configureFunc, e.callbacks
	e.mu.Unlock()

	if fn == nil {
		return 0
	}
	return fn(e, cb)
}

func (e *FakeEngine) Generate() int {
	e.mu.Lock()
	e.generateCount++
	fn, cb := e.generateFunc, e.callbacks
	e.mu.Unlock()

	if fn == nil {
		return 0
	}
	return fn(e, cb)
}

func (e *FakeEngine) GetCacheEntryKeys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make([]string, 0, len(e.entries))
	for k := range e.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *FakeEngine) GetCacheEntryType(key string) types.EntryType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries[key].Type
}

func (e *FakeEngine) GetCacheEntryValue(key string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries[key].Value
}

func (e *FakeEngine) GetCacheEntryProperty(key, property string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[key]
	if !ok {
		return "", false
	}
	v, ok := entry.Props[property]
	return v, ok
}

func (e *FakeEngine) SetCacheEntryValue(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[key]
	if !ok {
		return
	}
	entry.Value = value
	e.entries[key] = entry
	e.record("set %s=%s", key, value)
}

func (e *FakeEngine) SetCacheEntryType(key string, t types.EntryType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[key]
	if !ok {
		return
	}
	entry.Type = t
	e.entries[key] = entry
}

func (e *FakeEngine) SetCacheEntryProperty(key, property, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.entries[key]
	if !ok {
		return
	}
	if entry.Props == nil {
		entry.Props = make(map[string]string)
	}
	entry.Props[property] = value
	e.entries[key] = entry
}

func (e *FakeEngine) AddCacheEntry(key, value, help string, t types.EntryType) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries[key] = FakeEntry{
		Value: value,
		Type:  t,
		Props: map[string]string{types.PropertyHelpString: help},
	}
	e.record("add %s=%s", key, value)
}

func (e *FakeEngine) RemoveCacheEntry(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.entries, key)
	e.record("remove %s", key)
}

func (e *FakeEngine) WatchUnusedVariable(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.watched[key] = true
	e.record("watch %s", key)
}

func (e *FakeEngine) UnwatchUnusedVariable(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.watched, key)
	e.record("unwatch %s", key)
}

func (e *FakeEngine) Generators() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.generators...)
}

// MockHistoryRecorder collects records in memory
type MockHistoryRecorder struct {
	mu      sync.Mutex
	records []interfaces.OperationRecord
	err     error
}

// NewMockHistoryRecorder creates an empty recorder
func NewMockHistoryRecorder() *MockHistoryRecorder {
	return &MockHistoryRecorder{}
}

// Record stores rec
func (m *MockHistoryRecorder) Record(rec interfaces.OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

// SetError makes Record fail
func (m *MockHistoryRecorder) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Records returns everything recorded so far
func (m *MockHistoryRecorder) Records() []interfaces.OperationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interfaces.OperationRecord(nil), m.records...)
}

// MockNotifier counts notifications
type MockNotifier struct {
	mu     sync.Mutex
	starts []interfaces.Operation
	dones  []interfaces.OperationRecord
}

// NewMockNotifier creates a notifier double
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// NotifyOperationStart records a start
func (m *MockNotifier) NotifyOperationStart(op interfaces.Operation, binaryDir string) {
	m.mu.Lock()
	m.starts = append(m.starts, op)
	m.mu.Unlock()
}

// NotifyOperationDone records a completion
func (m *MockNotifier) NotifyOperationDone(rec interfaces.OperationRecord) {
	m.mu.Lock()
	m.dones = append(m.dones, rec)
	m.mu.Unlock()
}

// Dones returns recorded completions
func (m *MockNotifier) Dones() []interfaces.OperationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interfaces.OperationRecord(nil), m.dones...)
}

// Starts returns recorded starts
func (m *MockNotifier) Starts() []interfaces.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]interfaces.Operation(nil), m.starts...)
}
