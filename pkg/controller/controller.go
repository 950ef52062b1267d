// Package controller drives an engine's configure and generate lifecycle.
//
// A Controller owns one worker thread and the engine living on it. Long
// operations (Configure, Generate) are dispatched asynchronously and
// report through the event stream, ending with an OperationDoneEvent.
// Short cache operations run synchronously on the same worker. All engine
// callbacks become events on a single ordered channel that never blocks
// the worker.
package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/poltergeist/cmakectl/internal/worker"
	pcontext "github.com/poltergeist/cmakectl/pkg/context"
	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/logger"
	"github.com/poltergeist/cmakectl/pkg/types"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

// Cache entries consulted when a binary directory is selected
const (
	HomeDirectoryKey = "CMAKE_HOME_DIRECTORY"
	GeneratorKey     = "CMAKE_GENERATOR"
)

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(c *Controller) { c.logger = logger.OrNop(log) }
}

// WithHistory records every finished operation
func WithHistory(h interfaces.HistoryRecorder) Option {
	return func(c *Controller) { c.history = h }
}

// WithNotifier announces operation start and completion
func WithNotifier(n interfaces.BuildNotifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// Controller is safe for concurrent use
type Controller struct {
	worker   *worker.Worker
	events   *eventQueue
	logger   logger.Logger
	history  interfaces.HistoryRecorder
	notifier interfaces.BuildNotifier

	mu         sync.Mutex
	state      State
	configured bool
	closed     bool
	source     string
	binary     string
	generator  string
	warnings   interfaces.Warnings
	properties types.PropertySet
	generators []string

	interrupt   atomic.Bool
	operationID atomic.Value
	pending     sync.WaitGroup
}

// New creates a controller and its worker. The engine is built by factory
// on the worker thread.
func New(factory interfaces.EngineFactory, opts ...Option) *Controller {
	c := &Controller{
		events:     newEventQueue(),
		logger:     logger.Nop(),
		properties: types.NewPropertySet(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("controller")
	c.operationID.Store("")

	c.worker = worker.New(factory, c.logger)
	if err := c.worker.Do(func(engine interfaces.Engine) error {
		engine.SetCallbacks(c.callbacks())
		return nil
	}); err != nil {
		c.logger.Error("Engine unavailable", logger.WithError(err))
	}

	return c
}

// callbacks routes engine callbacks onto the event queue. They run on the
// worker thread and never take c.mu.
func (c *Controller) callbacks() interfaces.Callbacks {
	return interfaces.Callbacks{
		Progress: func(message string, percent float64) {
			c.events.push(ProgressEvent{OperationID: c.currentOperation(), Message: message, Percent: percent})
		},
		Output: func(text string) {
			c.events.push(OutputEvent{OperationID: c.currentOperation(), Text: text})
		},
		ErrorMessage: func(text string) {
			c.events.push(ErrorMessageEvent{OperationID: c.currentOperation(), Text: text})
		},
		InterruptPoll: c.interrupt.Load,
	}
}

func (c *Controller) currentOperation() string {
	id, _ := c.operationID.Load().(string)
	return id
}

// Events returns the ordered event stream. It is closed by Close after all
// pending events have been delivered.
func (c *Controller) Events() <-chan Event {
	return c.events.out
}

// Status returns a snapshot of the controller state
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		State:           c.state,
		Configured:      c.configured,
		SourceDirectory: c.source,
		BinaryDirectory: c.binary,
		Generator:       c.generator,
	}
}

// Properties returns a copy of the last synchronized cache view
func (c *Controller) Properties() types.PropertySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.properties.Clone()
}

// checkIdleLocked must be called with c.mu held
func (c *Controller) checkIdleLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.state != StateIdle {
		return ErrBusy
	}
	return nil
}

// do runs fn on the worker thread
func (c *Controller) do(fn func(engine interfaces.Engine) error) error {
	err := c.worker.Do(fn)
	if errors.Is(err, worker.ErrStopped) {
		return ErrClosed
	}
	return err
}

func (c *Controller) settingsEventLocked() SettingsChangedEvent {
	return SettingsChangedEvent{
		SourceDirectory: c.source,
		BinaryDirectory: c.binary,
		Generator:       c.generator,
	}
}

// SetSourceDirectory sets the directory holding the top-level build script
func (c *Controller) SetSourceDirectory(path string) error {
	path = utils.NormalizePath(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	if path == c.source {
		return nil
	}
	c.source = path
	c.events.push(c.settingsEventLocked())
	return nil
}

// SetGenerator selects the generator used by the next configure
func (c *Controller) SetGenerator(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	if name == c.generator {
		return nil
	}
	c.generator = name
	c.events.push(c.settingsEventLocked())
	return nil
}

// SetWarnings sets the diagnostics forwarded to the engine before configure
func (c *Controller) SetWarnings(w interfaces.Warnings) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	c.warnings = w
	return nil
}

// SetBinaryDirectory selects the build tree and loads its cache. A cache
// naming a source directory or generator overrides the current ones. On a
// load failure nothing changes and an *IOError is returned.
func (c *Controller) SetBinaryDirectory(path string) error {
	path = utils.NormalizePath(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	if path == c.binary {
		return nil
	}

	var (
		props     types.PropertySet
		home, gen string
	)
	if path != "" {
		err := c.do(func(engine interfaces.Engine) error {
			if err := engine.LoadCache(path); err != nil {
				return err
			}
			home = engine.GetCacheEntryValue(HomeDirectoryKey)
			gen = engine.GetCacheEntryValue(GeneratorKey)
			props = readProperties(engine)
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			c.logger.Error("Failed to load cache",
				logger.WithField("binary_dir", path),
				logger.WithError(err))
			return &IOError{Op: "load", Dir: path, Err: err}
		}
	} else {
		props = types.NewPropertySet()
	}

	c.binary = path
	c.configured = false
	if home != "" {
		c.source = utils.NormalizePath(home)
	}
	if gen != "" {
		c.generator = gen
	}
	c.properties = props

	c.logger.Info("Binary directory selected",
		logger.WithField("binary_dir", path),
		logger.WithField("entries", len(props)))

	c.events.push(c.settingsEventLocked())
	c.events.push(PropertiesChangedEvent{Properties: props.Clone()})
	return nil
}

// Configure starts a configure run. It returns once the run is queued.
func (c *Controller) Configure() error {
	return c.start(interfaces.OperationConfigure, StateConfiguring)
}

// Generate starts a generate run. A prior configure is not required; the
// engine reports the failure if one is needed.
func (c *Controller) Generate() error {
	return c.start(interfaces.OperationGenerate, StateGenerating)
}

type operationSettings struct {
	source    string
	binary    string
	generator string
	warnings  interfaces.Warnings
}

func (c *Controller) start(op interfaces.Operation, st State) error {
	c.mu.Lock()
	if err := c.checkIdleLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.binary == "" {
		c.mu.Unlock()
		return ErrNoBinaryDirectory
	}

	ctx := pcontext.NewOperation(context.Background(), string(op))
	id := pcontext.GetOperationID(ctx)
	settings := operationSettings{
		source:    c.source,
		binary:    c.binary,
		generator: c.generator,
		warnings:  c.warnings,
	}

	c.state = st
	c.interrupt.Store(false)
	c.operationID.Store(id)
	c.pending.Add(1)
	c.mu.Unlock()

	log := logger.WithContext(ctx, c.logger)
	log.Info("Operation started", logger.WithField("binary_dir", settings.binary))
	if c.notifier != nil {
		c.notifier.NotifyOperationStart(op, settings.binary)
	}

	var run func(engine interfaces.Engine) int
	switch op {
	case interfaces.OperationGenerate:
		run = c.generateOp(id, settings)
	default:
		run = c.configureOp(id, settings)
	}

	result := c.worker.Run(run)
	go c.finish(ctx, op, settings, result)

	return nil
}

func applySettings(engine interfaces.Engine, s operationSettings) {
	engine.SetDirectories(s.source, s.binary)
	engine.SetGenerator(s.generator)
	engine.SetWarnings(s.warnings)
}

func (c *Controller) configureOp(id string, s operationSettings) func(engine interfaces.Engine) int {
	return func(engine interfaces.Engine) int {
		applySettings(engine, s)
		code := engine.Configure()

		props := readProperties(engine)
		c.mu.Lock()
		c.properties = props
		c.events.push(PropertiesChangedEvent{OperationID: id, Properties: props.Clone()})
		c.mu.Unlock()

		return code
	}
}

func (c *Controller) generateOp(id string, s operationSettings) func(engine interfaces.Engine) int {
	return func(engine interfaces.Engine) int {
		applySettings(engine, s)
		code := engine.Generate()

		props := readProperties(engine)
		c.mu.Lock()
		if !props.Equal(c.properties) {
			c.properties = props
			c.events.push(PropertiesChangedEvent{OperationID: id, Properties: props.Clone()})
		}
		c.mu.Unlock()

		return code
	}
}

// finish waits for the exit code, returns the controller to Idle and then
// publishes OperationDone.
func (c *Controller) finish(ctx context.Context, op interfaces.Operation, s operationSettings, result <-chan int) {
	defer c.pending.Done()

	code := <-result
	start, _ := pcontext.GetStartTime(ctx)
	rec := interfaces.OperationRecord{
		ID:        pcontext.GetOperationID(ctx),
		Operation: op,
		ExitCode:  code,
		Start:     start,
		Duration:  pcontext.GetDuration(ctx),
		Source:    s.source,
		Binary:    s.binary,
		Generator: s.generator,
	}

	log := logger.WithContext(ctx, c.logger)
	if c.history != nil {
		if err := c.history.Record(rec); err != nil {
			log.Warn("Failed to record operation", logger.WithError(err))
		}
	}
	if c.notifier != nil {
		c.notifier.NotifyOperationDone(rec)
	}

	c.mu.Lock()
	c.state = StateIdle
	if op == interfaces.OperationConfigure {
		c.configured = code == 0
	}
	c.interrupt.Store(false)
	c.operationID.Store("")
	c.events.push(OperationDoneEvent{
		OperationID: rec.ID,
		Op:          op,
		ExitCode:    code,
		Duration:    rec.Duration,
	})
	c.mu.Unlock()

	if code == 0 {
		log.Success("Operation finished", logger.WithField("exit_code", code))
	} else {
		log.Warn("Operation failed", logger.WithField("exit_code", code))
	}
}

// Interrupt asks the running operation to stop. Outside an operation it
// does nothing.
func (c *Controller) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConfiguring && c.state != StateGenerating {
		return
	}
	c.state = StateInterrupting
	c.interrupt.Store(true)
	c.logger.Info("Interrupt requested", logger.WithField("operation_id", c.currentOperation()))
}

// ReloadCache rereads the cache of the binary directory
func (c *Controller) ReloadCache() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	if c.binary == "" {
		return ErrNoBinaryDirectory
	}

	binary := c.binary
	var props types.PropertySet
	err := c.do(func(engine interfaces.Engine) error {
		if err := engine.LoadCache(binary); err != nil {
			return &IOError{Op: "load", Dir: binary, Err: err}
		}
		props = readProperties(engine)
		return nil
	})
	if err != nil {
		return err
	}

	c.properties = props
	c.events.push(PropertiesChangedEvent{Properties: props.Clone()})
	return nil
}

// DeleteCache removes the cache of the binary directory and leaves the
// controller with an empty property set.
func (c *Controller) DeleteCache() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	if c.binary == "" {
		return ErrNoBinaryDirectory
	}

	binary := c.binary
	var props types.PropertySet
	err := c.do(func(engine interfaces.Engine) error {
		if err := engine.DeleteCache(binary); err != nil {
			return &IOError{Op: "delete", Dir: binary, Err: err}
		}
		if err := engine.LoadCache(binary); err != nil {
			return &IOError{Op: "load", Dir: binary, Err: err}
		}
		props = readProperties(engine)
		return nil
	})
	if err != nil {
		return err
	}

	c.configured = false
	c.properties = props
	c.logger.Info("Cache deleted", logger.WithField("binary_dir", binary))
	c.events.push(PropertiesChangedEvent{Properties: props.Clone()})
	return nil
}

// SetProperties makes the persisted cache hold exactly desired, apart from
// reserved engine entries. A key rejected by types.ValidateKey fails the
// call before the engine is touched. The whole reconciliation and the save run as one
// job on the worker while c.mu is held. A failed save restores the
// engine's view from disk and returns an *IOError.
func (c *Controller) SetProperties(desired types.PropertySet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	if c.binary == "" {
		return ErrNoBinaryDirectory
	}

	for key := range desired {
		if err := types.ValidateKey(key); err != nil {
			return err
		}
	}

	binary := c.binary
	desired = normalizeDesired(desired)
	var props types.PropertySet
	err := c.do(func(engine interfaces.Engine) error {
		reconcile(engine, desired, c.logger)

		if err := engine.SaveCache(binary); err != nil {
			if lerr := engine.LoadCache(binary); lerr != nil {
				c.logger.Warn("Failed to restore cache after save error", logger.WithError(lerr))
			}
			return &IOError{Op: "save", Dir: binary, Err: err}
		}

		props = readProperties(engine)
		return nil
	})
	if err != nil {
		return err
	}

	c.properties = props
	c.events.push(PropertiesChangedEvent{Properties: props.Clone()})
	return nil
}

// Generators lists the generators the engine supports. The list is fetched
// once and cached.
func (c *Controller) Generators() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generators != nil {
		return append([]string(nil), c.generators...), nil
	}
	if err := c.checkIdleLocked(); err != nil {
		return nil, err
	}

	var list []string
	if err := c.do(func(engine interfaces.Engine) error {
		list = engine.Generators()
		return nil
	}); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	c.generators = list
	return append([]string(nil), list...), nil
}

// Close interrupts any running operation, stops the worker and closes the
// event stream once the remaining events are delivered. Later calls return
// ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	if c.state != StateIdle {
		c.interrupt.Store(true)
	}
	c.mu.Unlock()

	c.worker.Stop()
	c.pending.Wait()
	c.events.close()

	c.logger.Debug("Controller closed")
	return nil
}
