// Package wire implements the store's request/reply marshaling and its
// out-of-band file descriptor passing over a Unix domain socket. Byte
// order is the host's native order: the protocol never leaves the local
// machine, so there is nothing to normalize.
package wire

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// ObjectIDSize is the width of an object id on the wire.
const ObjectIDSize = 20

// Opcode identifies the operation a Request performs.
type Opcode int64

const (
	OpCreate Opcode = iota
	OpGet
	OpContains
	OpSeal
	OpDelete
	OpSubscribe
	OpDisconnect
	// OpTransfer and OpData are defined on the wire for compatibility
	// with a separate cross-node manager daemon; this store treats
	// receipt of either as an unknown opcode.
	OpTransfer
	OpData
)

func (o Opcode) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpGet:
		return "GET"
	case OpContains:
		return "CONTAINS"
	case OpSeal:
		return "SEAL"
	case OpDelete:
		return "DELETE"
	case OpSubscribe:
		return "SUBSCRIBE"
	case OpDisconnect:
		return "DISCONNECT"
	case OpTransfer:
		return "TRANSFER"
	case OpData:
		return "DATA"
	default:
		return fmt.Sprintf("opcode(%d)", int64(o))
	}
}

// headerSize is the on-wire size of the {type, length} message header.
const headerSize = 16

// requestPayloadSize is the on-wire size of a Request payload:
// object_id(20) + data_size(8) + metadata_size(8) + addr(4) + port(4),
// rounded up to an 8-byte multiple by the trailing pad.
const requestPayloadSize = 20 + 8 + 8 + 4 + 4 + 4

// replyPayloadSize is the on-wire size of a Reply: two offsets, map
// size, two object sizes, has_object, store_fd_val, all as i64/i32.
const replyPayloadSize = 8 + 8 + 8 + 8 + 8 + 4 + 4

// Request is the decoded payload of a non-empty opcode's message.
type Request struct {
	ObjectID     [ObjectIDSize]byte
	DataSize     int64
	MetadataSize int64
	Addr         [4]byte
	Port         int32
}

// Marshal encodes r in the on-wire layout.
func (r *Request) Marshal() []byte {
	buf := make([]byte, requestPayloadSize)
	copy(buf[0:20], r.ObjectID[:])
	binary.NativeEndian.PutUint64(buf[20:28], uint64(r.DataSize))
	binary.NativeEndian.PutUint64(buf[28:36], uint64(r.MetadataSize))
	copy(buf[36:40], r.Addr[:])
	binary.NativeEndian.PutUint32(buf[40:44], uint32(r.Port))
	return buf
}

// UnmarshalRequest decodes a Request from data.
func UnmarshalRequest(data []byte) (Request, error) {
	var r Request
	if len(data) < requestPayloadSize {
		return r, fmt.Errorf("wire: request payload too short: %d < %d", len(data), requestPayloadSize)
	}
	copy(r.ObjectID[:], data[0:20])
	r.DataSize = int64(binary.NativeEndian.Uint64(data[20:28]))
	r.MetadataSize = int64(binary.NativeEndian.Uint64(data[28:36]))
	copy(r.Addr[:], data[36:40])
	r.Port = int32(binary.NativeEndian.Uint32(data[40:44]))
	return r, nil
}

// Reply is the fixed-size handle record returned for CREATE, GET,
// CONTAINS and SEAL. The actual fd, when attached, travels as ancillary
// data alongside these bytes; StoreFDVal is only a correlation key.
type Reply struct {
	DataOffset     int64
	MetadataOffset int64
	MapSize        int64
	DataSize       int64
	MetadataSize   int64
	HasObject      int32
	StoreFDVal     int32
}

// Marshal encodes rep in the on-wire layout.
func (rep *Reply) Marshal() []byte {
	buf := make([]byte, replyPayloadSize)
	binary.NativeEndian.PutUint64(buf[0:8], uint64(rep.DataOffset))
	binary.NativeEndian.PutUint64(buf[8:16], uint64(rep.MetadataOffset))
	binary.NativeEndian.PutUint64(buf[16:24], uint64(rep.MapSize))
	binary.NativeEndian.PutUint64(buf[24:32], uint64(rep.DataSize))
	binary.NativeEndian.PutUint64(buf[32:40], uint64(rep.MetadataSize))
	binary.NativeEndian.PutUint32(buf[40:44], uint32(rep.HasObject))
	binary.NativeEndian.PutUint32(buf[44:48], uint32(rep.StoreFDVal))
	return buf
}

// UnmarshalReply decodes a Reply from data, used by test clients driving
// the store end to end.
func UnmarshalReply(data []byte) (Reply, error) {
	var rep Reply
	if len(data) < replyPayloadSize {
		return rep, fmt.Errorf("wire: reply payload too short: %d < %d", len(data), replyPayloadSize)
	}
	rep.DataOffset = int64(binary.NativeEndian.Uint64(data[0:8]))
	rep.MetadataOffset = int64(binary.NativeEndian.Uint64(data[8:16]))
	rep.MapSize = int64(binary.NativeEndian.Uint64(data[16:24]))
	rep.DataSize = int64(binary.NativeEndian.Uint64(data[24:32]))
	rep.MetadataSize = int64(binary.NativeEndian.Uint64(data[32:40]))
	rep.HasObject = int32(binary.NativeEndian.Uint32(data[40:44]))
	rep.StoreFDVal = int32(binary.NativeEndian.Uint32(data[44:48]))
	return rep, nil
}

// Header is the {type, length} prefix of every message on the request
// connection.
type Header struct {
	Type   Opcode
	Length int64
}

// MarshalHeader encodes h.
func MarshalHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.NativeEndian.PutUint64(buf[0:8], uint64(h.Type))
	binary.NativeEndian.PutUint64(buf[8:16], uint64(h.Length))
	return buf
}

// UnmarshalHeader decodes a Header from data.
func UnmarshalHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < headerSize {
		return h, fmt.Errorf("wire: header too short: %d < %d", len(data), headerSize)
	}
	h.Type = Opcode(binary.NativeEndian.Uint64(data[0:8]))
	h.Length = int64(binary.NativeEndian.Uint64(data[8:16]))
	return h, nil
}

// SendFD writes payload on conn fd along with a single ancillary file
// descriptor, matching the protocol's CREATE/GET/SEAL reply shape.
func SendFD(connFD int, payload []byte, attach int) error {
	rights := unix.UnixRights(attach)
	return unix.Sendmsg(connFD, payload, rights, nil, 0)
}

// Send writes payload on conn fd with no ancillary data, used for
// CONTAINS and request headers.
func Send(connFD int, payload []byte) error {
	return unix.Sendmsg(connFD, payload, nil, nil, 0)
}

// RecvFD reads up to len(buf) bytes plus at most one ancillary file
// descriptor from connFD, as used by SUBSCRIBE's notification-fd
// handoff. recvFD is -1 if no fd was attached.
func RecvFD(connFD int, buf []byte) (n int, recvFD int, err error) {
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(connFD, buf, oob, 0)
	if err != nil {
		return n, -1, err
	}
	if oobn == 0 {
		return n, -1, nil
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, -1, fmt.Errorf("wire: parse control message: %w", err)
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return n, fds[0], nil
		}
	}
	return n, -1, nil
}

// Recv reads exactly len(buf) bytes from connFD, looping over short
// reads the way a stream socket can produce them.
func Recv(connFD int, buf []byte) error {
	read := 0
	for read < len(buf) {
		n, err := unix.Read(connFD, buf[read:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("wire: connection closed mid-message")
		}
		read += n
	}
	return nil
}
