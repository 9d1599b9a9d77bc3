package ttrpc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/sagernet/sing/common/bufio"
)

// messageType distinguishes a REQUEST frame from a RESPONSE frame on
// the wire, same role as smux's frame cmd byte.
type messageType uint8

const (
	messageTypeRequest  messageType = 1
	messageTypeResponse messageType = 2
)

// headerSize is the fixed 10-byte wire header: length(4) stream_id(4)
// type(1) flags(1).
const headerSize = 10

// defaultMaxMessageSize caps a single frame's payload; a length field
// beyond this is treated as a protocol error rather than an attempt to
// allocate an attacker-controlled buffer.
const defaultMaxMessageSize = 4 << 20 // 4 MiB

// messageHeader is the decoded form of the 10-byte wire header.
type messageHeader struct {
	length   uint32
	streamID uint32
	msgType  messageType
	flags    uint8
}

func (h messageHeader) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.length)
	binary.BigEndian.PutUint32(buf[4:8], h.streamID)
	buf[8] = byte(h.msgType)
	buf[9] = h.flags
}

func decodeHeader(buf []byte) messageHeader {
	return messageHeader{
		length:   binary.BigEndian.Uint32(buf[0:4]),
		streamID: binary.BigEndian.Uint32(buf[4:8]),
		msgType:  messageType(buf[8]),
		flags:    buf[9],
	}
}

// readFrame performs a blocking read of one full frame from fd:
// exactly headerSize header bytes followed by exactly header.length
// payload bytes. Partial reads are retried by io.ReadFull until
// complete or fatal.
func readFrame(conn io.Reader, maxMessageSize uint32) (messageHeader, []byte, error) {
	var hdrBuf [headerSize]byte
	if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
		return messageHeader{}, nil, newSocketError(errors.Wrap(err, "read header"))
	}

	hdr := decodeHeader(hdrBuf[:])
	if maxMessageSize == 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if hdr.length > maxMessageSize {
		return messageHeader{}, nil, newProtocolError(errors.Errorf("frame length %d exceeds cap %d", hdr.length, maxMessageSize))
	}

	payload := make([]byte, hdr.length)
	if hdr.length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return messageHeader{}, nil, newSocketError(errors.Wrap(err, "read payload"))
		}
	}
	return hdr, payload, nil
}

// writeFrame writes a full frame to conn, batching the header and
// payload into a single vectorised write when the underlying writer
// supports it, exactly as smux's sendLoop batches its own header and
// frame data via sing's bufio helpers.
func writeFrame(conn io.Writer, hdr messageHeader, payload []byte) error {
	var hdrBuf [headerSize]byte
	hdr.encode(hdrBuf[:])

	if bw, ok := bufio.CreateVectorisedWriter(conn); ok {
		vec := [][]byte{hdrBuf[:], payload}
		if _, err := bufio.WriteVectorised(bw, vec); err != nil {
			return newSocketError(errors.Wrap(err, "write frame"))
		}
		return nil
	}

	buf := make([]byte, headerSize+len(payload))
	copy(buf, hdrBuf[:])
	copy(buf[headerSize:], payload)
	if _, err := conn.Write(buf); err != nil {
		return newSocketError(errors.Wrap(err, "write frame"))
	}
	return nil
}
