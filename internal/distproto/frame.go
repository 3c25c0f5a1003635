// Package distproto implements the length-prefixed, versioned wire
// frame the Distributed Coordinator and Worker exchange, plus the
// compact binary payload codec for each message kind. The format is
// literal bytes on a plain TCP stream (no TLS layer is set up by
// cmd/builder's serve or work), not a generated-stub protocol:
// the frame header is hand-rolled encoding/binary the way the
// teacher's internal/squashfs package hand-rolls its superblock and
// inode binary layouts, and payload fields use binary.{Put,}Uvarint
// the way squashfs uses varint-ish metadata block pointers.
package distproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/distr1/builder/internal/errs"
)

// CurrentVersion is the only version this build speaks. A peer
// advertising a different version is rejected outright per the
// explicit-version-negotiation decision: no compatibility shims.
const CurrentVersion uint8 = 1

// Opcode identifies a frame's payload kind.
type Opcode uint8

const (
	OpEnqueue Opcode = iota + 1
	OpSteal
	OpResult
	OpFetchBlob
	OpPutBlob
	OpBlobData
	OpHeartbeat
	OpAbortAction
	OpAck
	OpError
)

func (o Opcode) String() string {
	switch o {
	case OpEnqueue:
		return "Enqueue"
	case OpSteal:
		return "Steal"
	case OpResult:
		return "Result"
	case OpFetchBlob:
		return "FetchBlob"
	case OpPutBlob:
		return "PutBlob"
	case OpBlobData:
		return "BlobData"
	case OpHeartbeat:
		return "Heartbeat"
	case OpAbortAction:
		return "AbortAction"
	case OpAck:
		return "Ack"
	case OpError:
		return "Error"
	default:
		return fmt.Sprintf("Opcode(%d)", o)
	}
}

// Flag bits carried in a frame's flags field.
const (
	FlagNone Flag = 0
	// FlagCompressed marks a payload compressed with the scheme
	// negotiated out-of-band; unused by the Core itself today but
	// reserved so a future frame can set it without a version bump.
	FlagCompressed Flag = 1 << 0
)

type Flag uint16

// maxFrameLength bounds total_length to guard a misbehaving or
// corrupt peer from driving an unbounded allocation.
const maxFrameLength = 64 << 20 // 64 MiB

// headerLength is the byte size of every field preceding the payload:
// version(1) + opcode(1) + flags(2) + correlation_id(8).
const headerLength = 1 + 1 + 2 + 8

// Frame is one decoded wire message.
type Frame struct {
	Version       uint8
	Opcode        Opcode
	Flags         Flag
	CorrelationID uint64
	Payload       []byte
}

// Encode writes f to w in the §6 wire format:
//
//	u32  total_length  (big-endian, excludes this field)
//	u8   version
//	u8   opcode
//	u16  flags
//	u64  correlation_id
//	...  payload
func Encode(w io.Writer, f Frame) error {
	total := headerLength + len(f.Payload)
	if total > maxFrameLength {
		return errs.New(errs.ProtocolVersion, fmt.Sprintf("frame too large: %d bytes", total), nil)
	}

	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	buf[4] = f.Version
	buf[5] = byte(f.Opcode)
	binary.BigEndian.PutUint16(buf[6:8], uint16(f.Flags))
	binary.BigEndian.PutUint64(buf[8:16], f.CorrelationID)
	copy(buf[16:], f.Payload)

	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r, a buffered reader so a single short
// read never splits the header across two syscalls.
func Decode(r *bufio.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < headerLength {
		return Frame{}, errs.New(errs.ProtocolVersion, fmt.Sprintf("frame length %d shorter than header", total), nil)
	}
	if total > maxFrameLength {
		return Frame{}, errs.New(errs.ProtocolVersion, fmt.Sprintf("frame length %d exceeds maximum", total), nil)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Version:       body[0],
		Opcode:        Opcode(body[1]),
		Flags:         Flag(binary.BigEndian.Uint16(body[2:4])),
		CorrelationID: binary.BigEndian.Uint64(body[4:12]),
		Payload:       body[12:],
	}
	if f.Version != CurrentVersion {
		return Frame{}, errs.New(errs.ProtocolVersion,
			fmt.Sprintf("unsupported frame version %d, want %d", f.Version, CurrentVersion), nil)
	}
	return f, nil
}
