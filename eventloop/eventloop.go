// Package eventloop is the default implementation of the event-loop
// abstraction the core package consumes: one-shot timers and a
// persistent read watcher over a datagram socket, plus Break for the
// demo CLI tools. The core assumes nothing about thread identity beyond
// single-threaded execution per loop; this implementation keeps that
// guarantee by running every timer and IO callback on one dedicated
// goroutine.
package eventloop

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// action is one callback invocation queued for the loop goroutine.
type action func()

// Loop is a single-goroutine dispatcher. Exactly one callback runs at a
// time, in the order its triggering event (timer fire, datagram
// arrival) was observed.
type Loop struct {
	actions chan action
	breakCh chan struct{}
	once    sync.Once
}

// New constructs an idle Loop. Call Run to start dispatching.
func New() *Loop {
	return &Loop{
		actions: make(chan action, 64),
		breakCh: make(chan struct{}),
	}
}

// Run dispatches queued actions until ctx is cancelled or Break is
// called. It is meant to be the only goroutine that ever invokes a
// timer or IO-watch callback.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.breakCh:
			return
		case a := <-l.actions:
			a()
		}
	}
}

// Break stops Run. Only the demo CLI tools use it; library code
// cancels the Run context instead.
func (l *Loop) Break() {
	l.once.Do(func() { close(l.breakCh) })
}

// post enqueues a callback to run on the loop goroutine. Timers and IO
// watches call it from their own goroutines, never from Run. The
// channel holds 64 pending actions; a post beyond that waits until Run
// takes one.
func (l *Loop) post(a action) {
	l.actions <- a
}

// Timer is a one-shot timer bound to a Loop. A Timer may be re-armed
// any number of times; arming cancels any pending fire first, so a
// double-arm is impossible.
type Timer struct {
	loop     *Loop
	callback func(arg any)
	arg      any

	mu    sync.Mutex
	timer *time.Timer
	seq   uint64 // invalidates stale fires from a timer that was re-armed or cancelled
}

// NewTimer creates an unarmed timer whose callback runs on the loop
// goroutine.
func (l *Loop) NewTimer(callback func(arg any), arg any) *Timer {
	return &Timer{loop: l, callback: callback, arg: arg}
}

// Arm schedules the timer delta from now. Any pending fire is
// cancelled first; only the most recent arm can fire.
func (t *Timer) Arm(delta time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.timer = time.AfterFunc(delta, func() {
		t.mu.Lock()
		fire := seq == t.seq
		t.mu.Unlock()
		if !fire {
			return
		}
		t.loop.post(func() { t.callback(t.arg) })
	})
}

// Cancel discards any pending fire.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.seq++
}

// Free releases the timer. Equivalent to Cancel; kept separate so
// owners can signal intent.
func (t *Timer) Free() {
	t.Cancel()
}

// IOWatch is a persistent read watcher over a datagram socket. Go's
// net.PacketConn has no "readable" notification distinct from the read
// itself, so the watch goroutine performs the ReadFrom and hands the
// result to the loop goroutine as a single action; the callback
// (normally Endpoint's dispatch) runs with the datagram already in
// hand. This preserves the single-dispatch-at-a-time guarantee the
// core relies on.
type IOWatch struct {
	loop     *Loop
	conn     net.PacketConn
	bufSize  int
	callback func(arg any, buf []byte, addr net.Addr, err error)
	arg      any

	cancel context.CancelFunc
	group  errgroup.Group
}

// NewIOWatch creates a watcher for conn. bufSize bounds a single
// datagram; the watch owns one reusable read buffer of that size.
func (l *Loop) NewIOWatch(conn net.PacketConn, bufSize int, callback func(arg any, buf []byte, addr net.Addr, err error), arg any) *IOWatch {
	return &IOWatch{
		loop:     l,
		conn:     conn,
		bufSize:  bufSize,
		callback: callback,
		arg:      arg,
	}
}

// Add starts the persistent read loop, delivering one datagram per
// callback. The loop runs under an errgroup so Free can wait for a
// clean shutdown.
func (w *IOWatch) Add() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.group.Go(func() error { return w.readLoop(ctx) })
}

func (w *IOWatch) readLoop(ctx context.Context) error {
	buf := make([]byte, w.bufSize)
	for ctx.Err() == nil {
		w.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := w.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			w.loop.post(func() { w.callback(w.arg, nil, addr, err) })
			return err
		}
		delivered := make([]byte, n)
		copy(delivered, buf[:n])
		w.loop.post(func() { w.callback(w.arg, delivered, addr, nil) })
	}
	return nil
}

// Free stops the read loop and waits for it to exit. It does not close
// the underlying conn; the endpoint owns that.
func (w *IOWatch) Free() {
	if w.cancel != nil {
		w.cancel()
	}
	_ = w.group.Wait()
}
