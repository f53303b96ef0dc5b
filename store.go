package plasma

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/plasma-store/plasma-store/internal/allocator"
	"github.com/plasma-store/plasma-store/internal/constants"
	"github.com/plasma-store/plasma-store/internal/dispatcher"
	"github.com/plasma-store/plasma-store/internal/eventloop"
	"github.com/plasma-store/plasma-store/internal/logging"
	"github.com/plasma-store/plasma-store/internal/objecttable"
	"github.com/plasma-store/plasma-store/internal/subscriber"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

// Store is a single plasma store instance bound to one Unix socket. It
// owns the object table, the shared memory allocator, the subscriber
// registry and the event loop that drives all three, mirroring the
// single bound Device a ublk backend owns for one block device.
type Store struct {
	socketPath string
	listener   *net.UnixListener

	table *objecttable.Table
	alloc *allocator.Allocator
	subs  *subscriber.Registry
	loop  *eventloop.Loop
	disp  *dispatcher.Dispatcher

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger
}

// Option configures a Store at construction time.
type Option func(*options)

type options struct {
	regionSize int64
	observer   Observer
	logger     *logging.Logger
}

// WithRegionSize overrides the mmap region size the allocator carves
// object buffers from (default constants.DefaultRegionSize).
func WithRegionSize(size int64) Option {
	return func(o *options) { o.regionSize = size }
}

// WithObserver overrides the default prometheus-backed Observer.
func WithObserver(observer Observer) Option {
	return func(o *options) { o.observer = observer }
}

// WithLogger overrides the default logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New binds a Store to socketPath, creating the listening Unix socket.
// It does not start serving; call Run to drive the event loop.
func New(socketPath string, opts ...Option) (*Store, error) {
	cfg := &options{
		regionSize: constants.DefaultRegionSize,
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	// A stale socket file from a previous, uncleanly terminated run
	// blocks bind; removing it first matches how a local daemon usually
	// reclaims its own socket path on restart.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("plasma: remove stale socket %s: %w", socketPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("plasma: resolve socket address: %w", err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("plasma: listen on %s: %w", socketPath, err)
	}

	metrics := NewMetrics()
	observer := cfg.observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	table := objecttable.New()
	alloc := allocator.New(cfg.regionSize)

	subs, err := subscriber.NewRegistry(func(id subscriber.ID) {
		metrics.RecordSubscriberDrop()
		cfg.logger.Warn("dropped subscriber after failed notification write", "subscriber_id", id)
	})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("plasma: create subscriber registry: %w", err)
	}

	loop, err := eventloop.New()
	if err != nil {
		listener.Close()
		subs.Close()
		return nil, fmt.Errorf("plasma: create event loop: %w", err)
	}

	disp := dispatcher.New(table, alloc, subs, loop, cfg.logger, observer)

	return &Store{
		socketPath: socketPath,
		listener:   listener,
		table:      table,
		alloc:      alloc,
		subs:       subs,
		loop:       loop,
		disp:       disp,
		metrics:    metrics,
		observer:   observer,
		logger:     cfg.logger,
	}, nil
}

// SocketPath returns the Unix socket path this Store is bound to.
func (s *Store) SocketPath() string {
	return s.socketPath
}

// Registry returns the Prometheus registry metrics are collected into,
// for a caller that wants to expose /metrics itself.
func (s *Store) Registry() *prometheus.Registry {
	return s.metrics.Registry()
}

// MetricsSnapshot reads the current value of every collector, for a
// caller that wants plain numbers rather than a Prometheus registry
// (e.g. a periodic log line).
func (s *Store) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// Info reports id's current state (open or sealed) and handle fields
// without registering a waiter or blocking, for an operational caller
// that wants to inspect an object before issuing a GET that would
// otherwise defer until seal. ok is false if id is unknown to the store.
func (s *Store) Info(id ObjectID) (info ObjectInfo, ok bool) {
	raw, found := s.table.Info(id)
	if !found {
		return ObjectInfo{}, false
	}

	state := StateOpen
	if raw.Sealed {
		state = StateSealed
	}
	return ObjectInfo{
		ID:             id,
		DataSize:       raw.DataSize,
		MetadataSize:   raw.MetadataSize,
		DataOffset:     raw.DataOffset,
		MetadataOffset: raw.MetadataOffset,
		RegionFD:       raw.StoreFD,
		MapSize:        raw.MapSize,
		State:          state,
	}, true
}

// Run accepts connections and drives the event loop and subscriber
// drain loop until ctx is cancelled, an unrecoverable accept error
// occurs, or either background loop exits (including a fatal
// *eventloop.PanicError from a dispatcher programming-error panic). It
// blocks; callers typically run it in its own goroutine.
func (s *Store) Run(ctx context.Context) error {
	loopErrCh := make(chan error, 1)
	go func() { loopErrCh <- s.loop.Run() }()

	subsErrCh := make(chan error, 1)
	go func() { subsErrCh <- s.subs.Run() }()

	acceptErrCh := make(chan error, 1)
	go func() {
		for {
			conn, err := s.listener.AcceptUnix()
			if err != nil {
				acceptErrCh <- err
				return
			}
			s.acceptConnection(conn)
		}
	}()

	select {
	case <-ctx.Done():
		s.listener.Close()
		return nil
	case err := <-acceptErrCh:
		select {
		case <-ctx.Done():
			return nil
		default:
			return fmt.Errorf("plasma: accept: %w", err)
		}
	case err := <-loopErrCh:
		if err != nil {
			return fmt.Errorf("plasma: event loop: %w", err)
		}
		return nil
	case err := <-subsErrCh:
		if err != nil {
			return fmt.Errorf("plasma: subscriber drain: %w", err)
		}
		return nil
	}
}

// acceptConnection detaches the accepted connection's fd from the Go
// runtime's netpoller (via File, which dup()s and switches it back to
// blocking mode) so the raw fd can be driven by our own epoll loop
// instead of competing with it. The dup'd fd is the only descriptor
// left open for this connection once conn.Close() runs, so it must
// survive past this function: we disarm file's finalizer rather than
// closing it, handing the fd's lifetime to the event loop/dispatcher,
// which owns closing it on disconnect.
func (s *Store) acceptConnection(conn *net.UnixConn) {
	file, err := conn.File()
	conn.Close()
	if err != nil {
		s.logger.Warn("failed to detach connection fd", "error", err)
		return
	}

	fd := int(file.Fd())
	runtime.SetFinalizer(file, nil)

	if err := s.disp.HandleConnection(fd); err != nil {
		s.logger.Warn("failed to register connection with event loop", "fd", fd, "error", err)
		unix.Close(fd)
	}
}

// Close stops the event loop and releases every resource the Store
// owns: the listening socket, the shared memory regions and the
// subscriber watcher.
func (s *Store) Close() error {
	s.loop.Stop()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.listener.Close())
	record(s.alloc.Close())
	record(s.subs.Close())
	record(s.loop.Close())
	return firstErr
}
