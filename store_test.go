package plasma

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/plasma-store/plasma-store/internal/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestStore starts a Store and leaves it running for the caller to
// dial against. It does not register a Close cleanup, since
// TestStoreClose needs to call Close itself and assert its result;
// other callers should defer store.Close() explicitly.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "plasma.sock")

	store, err := New(sockPath, WithRegionSize(1<<20))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- store.Run(ctx) }()

	return store, sockPath
}

func dialStore(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	return conn
}

func TestStoreBindsSocket(t *testing.T) {
	store, sockPath := newTestStore(t)
	defer store.Close()
	_, err := os.Stat(sockPath)
	require.NoError(t, err)
}

func TestStoreCreateSealGetRoundTrip(t *testing.T) {
	store, sockPath := newTestStore(t)
	defer store.Close()
	conn := dialStore(t, sockPath)
	defer conn.Close()

	unixConn := conn.(*net.UnixConn)
	file, err := unixConn.File()
	require.NoError(t, err)
	defer file.Close()
	fd := int(file.Fd())

	var id [20]byte
	id[0] = 0x42

	req := wire.Request{ObjectID: id, DataSize: 64, MetadataSize: 8}
	payload := req.Marshal()
	hdr := wire.MarshalHeader(wire.Header{Type: wire.OpCreate, Length: int64(len(payload))})
	require.NoError(t, wire.Send(fd, hdr))
	require.NoError(t, wire.Send(fd, payload))

	replyBuf := make([]byte, 48)
	require.NoError(t, wire.Recv(fd, replyBuf))
	reply, err := wire.UnmarshalReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, int32(1), reply.HasObject)
	require.Equal(t, int64(64), reply.DataSize)

	hdr = wire.MarshalHeader(wire.Header{Type: wire.OpSeal, Length: int64(len(payload))})
	require.NoError(t, wire.Send(fd, hdr))
	require.NoError(t, wire.Send(fd, payload))

	hdr = wire.MarshalHeader(wire.Header{Type: wire.OpContains, Length: int64(len(payload))})
	require.NoError(t, wire.Send(fd, hdr))
	require.NoError(t, wire.Send(fd, payload))

	containsBuf := make([]byte, 48)
	require.NoError(t, wire.Recv(fd, containsBuf))
	containsReply, err := wire.UnmarshalReply(containsBuf)
	require.NoError(t, err)
	require.Equal(t, int32(1), containsReply.HasObject)
}

func TestStoreClose(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Close())
}

func TestStoreInfoUnknownObject(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()

	var id ObjectID
	id[0] = 0x99
	_, ok := store.Info(id)
	require.False(t, ok)
}

func TestStoreInfoReflectsOpenThenSealedState(t *testing.T) {
	store, sockPath := newTestStore(t)
	defer store.Close()
	conn := dialStore(t, sockPath)
	defer conn.Close()
	fd := detachFD(t, conn)

	var id ObjectID
	id[0] = 0x77

	req := wire.Request{ObjectID: id, DataSize: 16, MetadataSize: 4}
	payload := req.Marshal()
	hdr := wire.MarshalHeader(wire.Header{Type: wire.OpCreate, Length: int64(len(payload))})
	require.NoError(t, wire.Send(fd, hdr))
	require.NoError(t, wire.Send(fd, payload))

	replyBuf := make([]byte, 48)
	n, createFD, err := wire.RecvFD(fd, replyBuf)
	require.NoError(t, err)
	require.Equal(t, 48, n)
	defer unix.Close(createFD)

	info, ok := store.Info(id)
	require.True(t, ok)
	require.Equal(t, StateOpen, info.State)
	require.Equal(t, int64(16), info.DataSize)

	hdr = wire.MarshalHeader(wire.Header{Type: wire.OpSeal, Length: int64(len(payload))})
	require.NoError(t, wire.Send(fd, hdr))
	require.NoError(t, wire.Send(fd, payload))

	require.Eventually(t, func() bool {
		info, ok := store.Info(id)
		return ok && info.State == StateSealed
	}, time.Second, 10*time.Millisecond)
}

// TestStoreCreateWriteSealGetExposesExactBytes exercises the store's
// whole reason for existing: the fd handed back on CREATE and the fd
// handed back on a later GET are dups of the same memfd, so a write
// through one client's mmap is visible through another's without the
// store ever touching the bytes.
func TestStoreCreateWriteSealGetExposesExactBytes(t *testing.T) {
	store, sockPath := newTestStore(t)
	defer store.Close()

	writer := dialStore(t, sockPath)
	defer writer.Close()
	writerFD := detachFD(t, writer)

	var id [20]byte
	id[0] = 0xAA

	req := wire.Request{ObjectID: id, DataSize: 8, MetadataSize: 2}
	payload := req.Marshal()
	hdr := wire.MarshalHeader(wire.Header{Type: wire.OpCreate, Length: int64(len(payload))})
	require.NoError(t, wire.Send(writerFD, hdr))
	require.NoError(t, wire.Send(writerFD, payload))

	replyBuf := make([]byte, 48)
	n, createFD, err := wire.RecvFD(writerFD, replyBuf)
	require.NoError(t, err)
	require.Equal(t, 48, n)
	require.GreaterOrEqual(t, createFD, 0)
	defer unix.Close(createFD)

	reply, err := wire.UnmarshalReply(replyBuf)
	require.NoError(t, err)
	require.Equal(t, int32(1), reply.HasObject)

	region, err := unix.Mmap(createFD, 0, int(reply.MapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	require.NoError(t, err)
	defer unix.Munmap(region)

	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	meta := []byte{0xAA, 0xBB}
	copy(region[reply.DataOffset:], data)
	copy(region[reply.MetadataOffset:], meta)

	hdr = wire.MarshalHeader(wire.Header{Type: wire.OpSeal, Length: int64(len(payload))})
	require.NoError(t, wire.Send(writerFD, hdr))
	require.NoError(t, wire.Send(writerFD, payload))

	reader := dialStore(t, sockPath)
	defer reader.Close()
	readerFD := detachFD(t, reader)

	hdr = wire.MarshalHeader(wire.Header{Type: wire.OpContains, Length: int64(len(payload))})
	require.NoError(t, wire.Send(readerFD, hdr))
	require.NoError(t, wire.Send(readerFD, payload))

	containsBuf := make([]byte, 48)
	require.NoError(t, wire.Recv(readerFD, containsBuf))
	containsReply, err := wire.UnmarshalReply(containsBuf)
	require.NoError(t, err)
	require.Equal(t, int32(1), containsReply.HasObject, "sealed object must be visible to CONTAINS")

	hdr = wire.MarshalHeader(wire.Header{Type: wire.OpGet, Length: int64(len(payload))})
	require.NoError(t, wire.Send(readerFD, hdr))
	require.NoError(t, wire.Send(readerFD, payload))

	getBuf := make([]byte, 48)
	n, getFD, err := wire.RecvFD(readerFD, getBuf)
	require.NoError(t, err)
	require.Equal(t, 48, n)
	require.GreaterOrEqual(t, getFD, 0)
	defer unix.Close(getFD)

	getReply, err := wire.UnmarshalReply(getBuf)
	require.NoError(t, err)
	require.Equal(t, reply.DataOffset, getReply.DataOffset)
	require.Equal(t, reply.MetadataOffset, getReply.MetadataOffset)

	readerRegion, err := unix.Mmap(getFD, 0, int(getReply.MapSize), unix.PROT_READ, unix.MAP_SHARED)
	require.NoError(t, err)
	defer unix.Munmap(readerRegion)

	require.Equal(t, data, readerRegion[getReply.DataOffset:getReply.DataOffset+8])
	require.Equal(t, meta, readerRegion[getReply.MetadataOffset:getReply.MetadataOffset+2])
}

// detachFD pulls the raw fd out of a net.Conn the way acceptConnection
// does on the store side, so a test can drive the wire protocol and
// ancillary fd passing directly.
func detachFD(t *testing.T, conn net.Conn) int {
	t.Helper()
	file, err := conn.(*net.UnixConn).File()
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })
	return int(file.Fd())
}
