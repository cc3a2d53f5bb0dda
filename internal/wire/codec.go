package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// Frame layout: a 10-byte big-endian header followed by a JSON payload.
//
//	[0:4]  magic  "ELNK"
//	[4]    version
//	[5]    type tag
//	[6:10] payload length
const (
	Magic      uint32 = 0x454C4E4B
	Version    uint8  = 1
	HeaderSize        = 10
)

// ErrMalformed is returned for any undecodable input: bad magic, unknown
// version or type, truncated data, oversized payload or invalid JSON.
// Decoding never panics.
var ErrMalformed = errors.New("malformed frame")

// Limits bounds what a reader will accept from the peer.
type Limits struct {
	// MaxPayloadBytes caps a single frame payload
	MaxPayloadBytes int
}

// DefaultLimits returns the reader limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 << 20}
}

// Encode marshals a message into a single frame.
func Encode(msg Message) ([]byte, error) {
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msg.Type(), err)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(msg.Type())
	binary.BigEndian.PutUint32(buf[6:10], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses a complete frame held in buf, typically one UDP datagram.
// The payload length in the header must match the buffer exactly.
func Decode(buf []byte) (Message, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformed, len(buf), HeaderSize)
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformed, magic)
	}
	if buf[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, buf[4])
	}
	payloadLen := binary.BigEndian.Uint32(buf[6:10])
	if int(payloadLen) != len(buf)-HeaderSize {
		return nil, fmt.Errorf("%w: header says %d payload bytes, frame has %d", ErrMalformed, payloadLen, len(buf)-HeaderSize)
	}
	return decodePayload(MsgType(buf[5]), buf[HeaderSize:])
}

// WriteMessage encodes msg and writes the frame in a single call.
func WriteMessage(w io.Writer, msg Message) error {
	buf, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Type(), err)
	}
	return nil
}

// ReadMessage reads exactly one frame from r. A clean EOF before any header
// byte is returned as io.EOF so callers can tell an orderly close from a
// truncated frame; everything else undecodable is ErrMalformed.
func ReadMessage(r io.Reader, limits Limits) (Message, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated header: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	if magic := binary.BigEndian.Uint32(header[0:4]); magic != Magic {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformed, magic)
	}
	if header[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, header[4])
	}
	payloadLen := int(binary.BigEndian.Uint32(header[6:10]))
	if payloadLen > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: payload %d exceeds limit %d", ErrMalformed, payloadLen, limits.MaxPayloadBytes)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return nil, fmt.Errorf("%w: truncated payload: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return decodePayload(MsgType(header[5]), payload)
}

func decodePayload(t MsgType, payload []byte) (Message, error) {
	var msg Message
	switch t {
	case TypeBeacon:
		msg = &Beacon{}
	case TypeConnectRequest:
		msg = &ConnectRequest{}
	case TypeConnectAck:
		msg = &ConnectAck{}
	case TypeExecRequest:
		msg = &ExecRequest{}
	case TypeExecOutputChunk:
		msg = &ExecOutputChunk{}
	case TypeExecResult:
		msg = &ExecResult{}
	default:
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformed, uint8(t))
	}
	if err := sonic.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, t, err)
	}
	return msg, nil
}
