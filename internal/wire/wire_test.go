package wire

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		ObjectID:     [ObjectIDSize]byte{1, 2, 3, 4},
		DataSize:     128,
		MetadataSize: 16,
		Addr:         [4]byte{127, 0, 0, 1},
		Port:         9999,
	}

	data := req.Marshal()
	require.Len(t, data, requestPayloadSize)

	got, err := UnmarshalRequest(data)
	require.NoError(t, err)
	require.Equal(t, req, got)
}

func TestUnmarshalRequestTooShort(t *testing.T) {
	_, err := UnmarshalRequest(make([]byte, 4))
	require.Error(t, err)
}

func TestReplyRoundTrip(t *testing.T) {
	rep := Reply{
		DataOffset:     4096,
		MetadataOffset: 4224,
		MapSize:        1 << 20,
		DataSize:       128,
		MetadataSize:   16,
		HasObject:      1,
		StoreFDVal:     7,
	}

	data := rep.Marshal()
	require.Len(t, data, replyPayloadSize)

	got, err := UnmarshalReply(data)
	require.NoError(t, err)
	require.Equal(t, rep, got)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Type: OpSeal, Length: requestPayloadSize}

	data := MarshalHeader(h)
	require.Len(t, data, headerSize)

	got, err := UnmarshalHeader(data)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestOpcodeString(t *testing.T) {
	require.Equal(t, "CREATE", OpCreate.String())
	require.Equal(t, "SUBSCRIBE", OpSubscribe.String())
	require.Contains(t, Opcode(99).String(), "opcode(99)")
}

func TestSendRecvFDOverSocketPair(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	a, b := fds[0], fds[1]
	defer unix.Close(a)
	defer unix.Close(b)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, SendFD(a, []byte("x"), int(r.Fd())))

	buf := make([]byte, 1)
	n, recvFD, err := RecvFD(b, buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.GreaterOrEqual(t, recvFD, 0)
	defer unix.Close(recvFD)
}
