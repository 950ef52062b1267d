// Package process relays OS signals to the running operation
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/poltergeist/cmakectl/pkg/logger"
)

// Interrupter stops a running operation cooperatively
type Interrupter interface {
	Interrupt()
}

// SignalRelay turns the first SIGINT or SIGTERM into an Interrupt call and
// the second into a cancelled context
type SignalRelay struct {
	target Interrupter
	logger logger.Logger

	mu      sync.Mutex
	count   int
	cancel  context.CancelFunc
	sigs    chan os.Signal
	wg      sync.WaitGroup
	running bool
}

// NewSignalRelay creates a relay for target
func NewSignalRelay(target Interrupter, log logger.Logger) *SignalRelay {
	return &SignalRelay{
		target: target,
		logger: logger.OrNop(log).WithComponent("signals"),
	}
}

// Start begins listening for signals. The returned context is cancelled on
// the second signal, when parent is done, or by Stop.
func (r *SignalRelay) Start(parent context.Context) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	if r.running {
		cancel()
		return ctx
	}
	r.running = true
	r.cancel = cancel
	r.sigs = make(chan os.Signal, 2)
	signal.Notify(r.sigs, os.Interrupt, syscall.SIGTERM)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-r.sigs:
				r.Handle(sig)
			}
		}
	}()

	return ctx
}

// Handle processes one signal
func (r *SignalRelay) Handle(sig os.Signal) {
	r.mu.Lock()
	r.count++
	count := r.count
	cancel := r.cancel
	r.mu.Unlock()

	if count == 1 {
		r.logger.Warn("Interrupting; press Ctrl+C again to abort", logger.WithField("signal", sig.String()))
		r.target.Interrupt()
		return
	}

	r.logger.Warn("Aborting", logger.WithField("signal", sig.String()))
	if cancel != nil {
		cancel()
	}
}

// Stop stops listening and cancels the context returned by Start
func (r *SignalRelay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	signal.Stop(r.sigs)
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}
