package ably

import (
	"sync"

	"github.com/pkg/errors"
)

var errLoopStopped = errors.New("client has been shut down")

// eventLoop runs closures one at a time on a single goroutine. Every piece of
// connection state is owned by that goroutine; other goroutines (socket
// readers, timers, API callers) hand work over with post.
//
// Code already running on the loop must never post and wait, and must never
// call stop.
type eventLoop struct {
	ops  chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		ops:  make(chan func(), 64),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.ops:
			fn()
		case <-l.quit:
			return
		}
	}
}

// post schedules fn and reports whether the loop accepted it.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.ops <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// call runs fn on the loop and waits for it to return.
func (l *eventLoop) call(fn func()) error {
	ran := make(chan struct{})
	if !l.post(func() {
		defer close(ran)
		fn()
	}) {
		return errLoopStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return errLoopStopped
	}
}

// stop ends the loop and waits for the running closure, if any, to return.
// Closures still queued are dropped.
func (l *eventLoop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
