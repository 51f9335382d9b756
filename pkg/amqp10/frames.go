package amqp10

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

const (
	frameTypeAMQP = 0
	frameTypeSASL = 1

	frameHeaderSize = 8
	frameDoff       = 2
)

// package logger used by the engine. Libraries should default to a no-op
// logger and let the embedding application configure logging. Use
// SetLogger to provide an application logger.
var logger zerolog.Logger = zerolog.Nop()

// SetLogger sets the package logger used by the engine. Callers should
// pass a configured `zerolog.Logger` (for example one created with
// `zerolog.New(os.Stderr).With().Timestamp().Logger()`).
func SetLogger(l zerolog.Logger) { logger = l }

// limits
const (
	// MinMaxFrameSize is the protocol-mandated lower bound for the
	// negotiated max-frame-size.
	MinMaxFrameSize = 512
	// DefaultMaxFrameSize is advertised when the Config leaves it zero.
	DefaultMaxFrameSize = 1 << 16
	// absolute cap on frames we will read regardless of negotiation
	hardMaxFrameSize = 1 << 20
)

// protocol headers exchanged before any frame
var (
	protoHeaderAMQP = [8]byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}
	protoHeaderSASL = [8]byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}
)

// Frame is a raw AMQP 1.0 frame: an 8-byte header followed by the encoded
// performative and an optional payload. An empty Body means the frame is a
// heartbeat.
type Frame struct {
	Type    uint8
	Channel uint16
	Body    []byte
}

// ReadFrame reads a single frame from r. maxSize bounds the declared frame
// size; pass 0 to use the hard limit only.
func ReadFrame(r io.Reader, maxSize uint32) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(hdr[0:4])
	doff := hdr[4]
	typ := hdr[5]
	ch := binary.BigEndian.Uint16(hdr[6:8])
	if size < frameHeaderSize {
		return Frame{}, &Error{Condition: CondFramingError, Description: fmt.Sprintf("frame size %d below header size", size)}
	}
	limit := uint32(hardMaxFrameSize)
	if maxSize >= MinMaxFrameSize && maxSize < limit {
		limit = maxSize
	}
	if size > limit {
		return Frame{}, &Error{Condition: CondFramingError, Description: fmt.Sprintf("frame size %d exceeds limit %d", size, limit)}
	}
	if doff < 2 || uint32(doff)*4 > size {
		return Frame{}, &Error{Condition: CondFramingError, Description: fmt.Sprintf("invalid doff %d", doff)}
	}
	if typ != frameTypeAMQP && typ != frameTypeSASL {
		return Frame{}, &Error{Condition: CondFramingError, Description: fmt.Sprintf("unknown frame type %d", typ)}
	}
	rest := make([]byte, size-frameHeaderSize)
	if len(rest) > 0 {
		if _, err := io.ReadFull(r, rest); err != nil {
			return Frame{}, err
		}
	}
	// skip any extended header bytes beyond the fixed 8
	ext := int(doff)*4 - frameHeaderSize
	return Frame{Type: typ, Channel: ch, Body: rest[ext:]}, nil
}

// WriteFrame writes a frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(frameHeaderSize+len(f.Body)))
	hdr[4] = frameDoff
	hdr[5] = f.Type
	binary.BigEndian.PutUint16(hdr[6:8], f.Channel)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Body) > 0 {
		if _, err := w.Write(f.Body); err != nil {
			return err
		}
	}
	return nil
}

// writeEmptyFrame writes the 8-byte heartbeat frame.
func writeEmptyFrame(w io.Writer) error {
	return WriteFrame(w, Frame{Type: frameTypeAMQP, Channel: 0})
}
