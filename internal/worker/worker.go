// Package worker provides a halt-channel goroutine lifecycle. It is
// embedded by security.Security only; the daemon's other goroutines
// (the UART relay, ServerCore's accept and connection loops, cmd/cpcd's
// rekey and link-reset drivers) are started with plain go statements.
package worker

import "sync"

// Worker is embedded by types that own one or more background goroutines.
// Call Go to start a goroutine tracked by the worker; call Halt to signal
// shutdown via HaltCh, then Wait for all tracked goroutines to return.
type Worker struct {
	wg     sync.WaitGroup
	haltCh chan struct{}
	once   sync.Once
}

func (w *Worker) init() {
	if w.haltCh == nil {
		w.haltCh = make(chan struct{})
	}
}

// Go starts fn in a goroutine tracked by this Worker.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called.
// Tracked goroutines should select on it to notice shutdown requests.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Halt signals shutdown to all goroutines selecting on HaltCh. Safe to
// call more than once.
func (w *Worker) Halt() {
	w.init()
	w.once.Do(func() { close(w.haltCh) })
}

// Wait blocks until every goroutine started with Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}
