// Package eventloop is the store's event-loop glue (spec §4.6): it sits
// on top of a bare epoll primitive and gives the dispatcher a
// register/unregister-by-fd API with per-fd read and write callbacks.
// The underlying reactor (epoll itself) is treated as an out-of-scope
// collaborator in the design this implements; this package is the
// thinnest wrapper that still runs on a real kernel, modeled on the
// register/dispatch shape the teacher's queue runner uses for io_uring
// completions, collapsed here to one event per readiness notification.
package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Callback is invoked when fd becomes ready. A read callback returning
// an error causes the fd to be deregistered and closed by the loop
// (e.g. on client EOF/disconnect). A callback that panics (a dispatcher
// fatal-programming-error condition, e.g. duplicate CREATE) is instead
// treated as unrecoverable for the whole loop: Run recovers it, closes
// fd, and returns a *PanicError so the caller can escalate.
type Callback func(fd int) error

// PanicError wraps a value recovered from a panicking Callback. Run
// returns one of these instead of looping on when a callback panics.
type PanicError struct {
	FD    int
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("eventloop: callback for fd=%d panicked: %v", e.FD, e.Value)
}

// callSafely invokes cb, converting a panic into a *PanicError so Run
// can distinguish "this connection is done" (ordinary returned error)
// from "the store hit a fatal programming error" (panic).
func callSafely(cb Callback, fd int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{FD: fd, Value: r}
		}
	}()
	return cb(fd)
}

type registration struct {
	onRead  Callback
	onWrite Callback
}

// Loop is a single-threaded, cooperative epoll reactor: exactly one
// callback executes at a time, so no store-side mutation inside a
// callback needs a lock (spec §5).
type Loop struct {
	epfd  int
	regs  map[int]*registration
	stop  chan struct{}
	stopped bool
}

// New creates an epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{
		epfd: epfd,
		regs: make(map[int]*registration),
		stop: make(chan struct{}),
	}, nil
}

// RegisterRead registers fd for read readiness.
func (l *Loop) RegisterRead(fd int, cb Callback) error {
	return l.register(fd, unix.EPOLLIN, &registration{onRead: cb})
}

// RegisterWrite registers fd for write readiness, used for a
// subscriber's notification fd (spec §4.3's permanent write-readiness
// registration set up at subscribe time).
func (l *Loop) RegisterWrite(fd int, cb Callback) error {
	return l.register(fd, unix.EPOLLOUT, &registration{onWrite: cb})
}

func (l *Loop) register(fd int, events uint32, reg *registration) error {
	event := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, event); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd=%d: %w", fd, err)
	}
	l.regs[fd] = reg
	return nil
}

// Unregister removes fd from the loop. Unregister itself does not close
// fd; a caller invoking it directly still owns the fd's lifetime. Run's
// own error-handling path (see below) calls Unregister and then closes
// the fd itself, which is what the Callback doc above refers to.
func (l *Loop) Unregister(fd int) error {
	if _, ok := l.regs[fd]; !ok {
		return nil
	}
	delete(l.regs, fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Run blocks, dispatching callbacks until Stop is called. Each callback
// runs to completion before the next epoll_wait, matching the
// cooperative, non-suspending scheduling model spec §5 requires.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("eventloop: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			reg, ok := l.regs[fd]
			if !ok {
				continue
			}
			ev := events[i].Events
			if ev&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 && reg.onRead != nil {
				if err := callSafely(reg.onRead, fd); err != nil {
					l.Unregister(fd)
					unix.Close(fd)
					if pe, ok := err.(*PanicError); ok {
						return pe
					}
				}
			}
			if ev&unix.EPOLLOUT != 0 && reg.onWrite != nil {
				if err := callSafely(reg.onWrite, fd); err != nil {
					if pe, ok := err.(*PanicError); ok {
						l.Unregister(fd)
						unix.Close(fd)
						return pe
					}
				}
			}
		}
	}
}

// Stop causes Run to return once it next wakes.
func (l *Loop) Stop() {
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stop)
}

// Close releases the epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
