// Package protocol implements the length-framed byte stream spoken by a
// dedicated server's remote-control port.
//
// A connection starts with a preamble exchange (see Handshake), then carries
// a stream of frames. The receiver reads the fixed 8-byte header first to
// learn how many bytes follow, then reads exactly that many, so message
// boundaries survive TCP's stream semantics.
//
// Frame format (all integers little-endian):
//
//	0         4         8
//	┌─────────┬─────────┬──────────────────────┐
//	│ length  │ handle  │ payload ...          │
//	│ uint32  │ uint32  │ length-4 bytes       │
//	└─────────┴─────────┴──────────────────────┘
//
// length counts the handle and the payload. The handle's high bit tells
// request/response traffic (set) from server-pushed events (clear).
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	HeaderSize = 8 // 4 (length) + 4 (handle)

	// DefaultMaxPayload bounds a single frame's payload. The length field is
	// checked before any payload buffer is allocated.
	DefaultMaxPayload = 4 << 20
)

var (
	ErrFraming        = errors.New("framing error")
	ErrOversizedFrame = fmt.Errorf("%w: oversized frame", ErrFraming)
	ErrMalformedFrame = fmt.Errorf("%w: malformed frame", ErrFraming)
)

// Handle correlates a request with its response, or tags an event.
type Handle uint32

// HandleKind classifies a frame by the range its handle falls in.
type HandleKind uint8

const (
	KindEvent   HandleKind = iota // 0x00000000-0x7FFFFFFF, pushed by the server
	KindRequest                   // 0x80000000-0xFFFFFFFF, issued by the client
)

// FirstRequestHandle is the lowest handle a client may issue.
const FirstRequestHandle Handle = 0x80000000

func (h Handle) Kind() HandleKind {
	if h >= FirstRequestHandle {
		return KindRequest
	}
	return KindEvent
}

func (k HandleKind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Header is the fixed part of a frame.
type Header struct {
	Length uint32 // handle + payload bytes
	Handle Handle
}

// Encode writes a complete frame to w with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Encode(w io.Writer, handle Handle, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32-4 {
		return fmt.Errorf("%w: %d payload bytes", ErrOversizedFrame, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)+4))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(handle))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r. A clean end of stream before the
// first header byte is reported as io.EOF; a stream cut inside a frame as
// io.ErrUnexpectedEOF. maxPayload <= 0 selects DefaultMaxPayload.
func Decode(r io.Reader, maxPayload int) (*Header, []byte, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}
	h := &Header{
		Length: binary.LittleEndian.Uint32(headerBuf[0:4]),
		Handle: Handle(binary.LittleEndian.Uint32(headerBuf[4:8])),
	}

	if h.Length < 4 {
		return nil, nil, fmt.Errorf("%w: length %d shorter than handle", ErrMalformedFrame, h.Length)
	}
	n := uint64(h.Length) - 4
	if n > uint64(maxPayload) {
		return nil, nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrOversizedFrame, n, maxPayload)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	return h, payload, nil
}
