package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRegisterReadFiresOnData(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fired := make(chan struct{}, 1)
	require.NoError(t, l.RegisterRead(fds[0], func(fd int) error {
		buf := make([]byte, 1)
		unix.Read(fd, buf)
		fired <- struct{}{}
		return nil
	}))

	go l.Run()
	defer l.Stop()

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("read callback did not fire")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, l.RegisterRead(fds[0], func(fd int) error { return nil }))
	require.NoError(t, l.Unregister(fds[0]))
	require.NoError(t, l.Unregister(fds[0])) // idempotent
}

// TestRunRecoversCallbackPanic verifies a callback panic (the shape a
// dispatcher fatal-programming-error condition takes) stops Run and
// surfaces as a *PanicError rather than crashing the whole process
// silently inside the loop goroutine.
func TestRunRecoversCallbackPanic(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	require.NoError(t, l.RegisterRead(fds[0], func(fd int) error {
		panic("fatal: duplicate CREATE")
	}))

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- l.Run() }()

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case err := <-runErrCh:
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		require.Equal(t, "fatal: duplicate CREATE", pe.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after callback panic")
	}
}
