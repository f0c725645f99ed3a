// Package loop provides a single-goroutine cooperative event loop, the
// Go-idiomatic stand-in for the external "event loop / I/O reactor"
// collaborator the core dispatch engine assumes (one per pool). Every
// backend connection's bookkeeping and every transaction's buffer
// mutation runs on its pool's Loop, so none of that state needs its own
// lock.
package loop

import "sync"

// Loop runs queued functions strictly in submission order on one
// dedicated goroutine.
type Loop struct {
	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Loop and starts its goroutine. Call Stop to shut it down.
func New() *Loop {
	l := &Loop{
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			l.drain()
			return
		}
	}
}

// drain runs every task already buffered in tasks before the loop
// exits, so work queued right before Stop still executes.
func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}

// RunInLoop runs fn on the loop goroutine. Go has no cheap way to test
// "am I already on goroutine G", so RunInLoop always queues; on an idle
// loop this costs one channel round trip, negligible next to the
// network I/O every queued task ultimately does. Code that is already
// executing as a loop task and wants synchronous-looking chaining should
// call fn() directly instead of going through RunInLoop.
func (l *Loop) RunInLoop(fn func()) {
	l.QueueInLoop(fn)
}

// QueueInLoop always defers fn to run after any work already queued. A
// task submitted after Stop is silently dropped instead of running —
// the tasks channel itself is never closed, so concurrent producers
// (a connecting backend, a closing connection's readLoop) never race a
// send against a closed channel.
func (l *Loop) QueueInLoop(fn func()) {
	select {
	case <-l.quit:
		return
	default:
	}
	select {
	case l.tasks <- fn:
	case <-l.quit:
	}
}

// Stop signals the loop to drain and exit, and waits for it to do so.
// Safe to call more than once; only the first call has any effect. No
// task queued after Stop returns is guaranteed to run.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.quit) })
	<-l.done
}
