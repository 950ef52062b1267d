// Package worker runs engine operations on a single dedicated thread.
//
// A Worker owns exactly one Engine. The engine is created by the factory on
// the worker's goroutine, which stays locked to its OS thread for its whole
// life, and every call against the engine is made from there. Jobs run one
// at a time in submission order.
package worker

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/poltergeist/cmakectl/pkg/interfaces"
	"github.com/poltergeist/cmakectl/pkg/logger"
)

// ExitCodePanic is reported for operations that panicked or could not run
const ExitCodePanic = -1

var (
	// ErrStopped is returned when submitting to a stopped worker
	ErrStopped = errors.New("worker is stopped")

	// ErrNoEngine is returned when the engine factory failed
	ErrNoEngine = errors.New("worker has no engine")
)

const jobBacklog = 16

type job func(engine interfaces.Engine)

// Worker serializes operations against its engine
type Worker struct {
	jobs    chan job
	done    chan struct{}
	logger  logger.Logger
	mu      sync.RWMutex
	stopped bool
}

// New starts the worker thread and creates the engine on it. It returns once
// the engine exists.
func New(factory interfaces.EngineFactory, log logger.Logger) *Worker {
	w := &Worker{
		jobs:   make(chan job, jobBacklog),
		done:   make(chan struct{}),
		logger: logger.OrNop(log).WithComponent("worker"),
	}

	ready := make(chan struct{})
	go w.loop(factory, ready)
	<-ready

	return w
}

func (w *Worker) loop(factory interfaces.EngineFactory, ready chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	engine := w.createEngine(factory)
	close(ready)

	for j := range w.jobs {
		j(engine)
	}

	w.logger.Debug("Worker thread exiting")
}

func (w *Worker) createEngine(factory interfaces.EngineFactory) (engine interfaces.Engine) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Engine factory panicked",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			engine = nil
		}
	}()

	if factory == nil {
		w.logger.Error("No engine factory supplied")
		return nil
	}
	return factory()
}

// submit queues a job. It reports false once the worker is stopped.
func (w *Worker) submit(j job) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		return false
	}
	w.jobs <- j
	return true
}

// Run executes op on the worker thread and delivers its exit code on the
// returned channel. It never blocks on op itself. A stopped worker or a
// panicking op yields ExitCodePanic.
//
// Run and Do must not be called from inside a running op.
func (w *Worker) Run(op func(engine interfaces.Engine) int) <-chan int {
	result := make(chan int, 1)

	ok := w.submit(func(engine interfaces.Engine) {
		result <- w.safeRun(op, engine)
	})
	if !ok {
		result <- ExitCodePanic
	}

	return result
}

// Do executes fn on the worker thread and waits for it
func (w *Worker) Do(fn func(engine interfaces.Engine) error) error {
	result := make(chan error, 1)

	ok := w.submit(func(engine interfaces.Engine) {
		result <- w.safeDo(fn, engine)
	})
	if !ok {
		return ErrStopped
	}

	return <-result
}

func (w *Worker) safeRun(op func(engine interfaces.Engine) int, engine interfaces.Engine) (code int) {
	if engine == nil {
		w.logger.Error("Operation skipped", logger.WithError(ErrNoEngine))
		return ExitCodePanic
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Operation panic recovered",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			code = ExitCodePanic
		}
	}()

	return op(engine)
}

func (w *Worker) safeDo(fn func(engine interfaces.Engine) error, engine interfaces.Engine) (err error) {
	if engine == nil {
		return ErrNoEngine
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Engine call panic recovered",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	return fn(engine)
}

// Stop lets queued jobs finish, then ends the worker thread. It is safe to
// call more than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	close(w.jobs)
	w.mu.Unlock()

	<-w.done
}

// Done is closed once the worker thread has exited
func (w *Worker) Done() <-chan struct{} {
	return w.done
}
