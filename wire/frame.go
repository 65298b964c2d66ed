package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the hard cap on a single frame's JSON payload (spec §4.1,
// §6): exactly 16 MiB. A length prefix naming anything larger is a protocol
// error, raised before the payload buffer is allocated.
const MaxFrameSize = 16 * 1024 * 1024 // 16 MiB

// ProtocolError reports a framing or envelope violation: a length prefix
// over MaxFrameSize, a short read, or JSON that doesn't decode to an
// Envelope. Per spec §7, a ProtocolError is local to the connection that
// produced it and never kills the plugin process.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wire: protocol error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("wire: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// FrameReader reads length-prefixed JSON envelopes from a stream.
type FrameReader struct {
	r io.Reader
}

// NewFrameReader wraps r for frame-at-a-time reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadEnvelope reads one frame and decodes it as an Envelope. A length
// prefix over MaxFrameSize is rejected without allocating the payload
// buffer. A short read of the length prefix surfaces the underlying io
// error unwrapped (io.EOF on a clean close, io.ErrUnexpectedEOF after a
// partial prefix), so callers can distinguish "peer hung up" from "peer sent
// garbage"; a short read of the body is a ProtocolError wrapping the io
// error.
func (fr *FrameReader) ReadEnvelope() (*Envelope, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(fr.r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > MaxFrameSize {
		return nil, &ProtocolError{Reason: fmt.Sprintf("frame length %d exceeds %d byte hard limit", length, MaxFrameSize)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, &ProtocolError{Reason: "short read of frame body", Cause: err}
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope JSON", Cause: err}
	}
	return &env, nil
}

// FrameWriter writes length-prefixed JSON envelopes to a stream.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w for frame-at-a-time writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteEnvelope encodes env as JSON and writes it as one length-prefixed
// frame. An encoded payload over MaxFrameSize is rejected before any bytes
// reach the stream, so a caller never half-writes an oversized frame.
func (fw *FrameWriter) WriteEnvelope(env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return &ProtocolError{Reason: "failed to encode envelope", Cause: err}
	}
	if len(body) > MaxFrameSize {
		return &ProtocolError{Reason: fmt.Sprintf("encoded frame length %d exceeds %d byte hard limit", len(body), MaxFrameSize)}
	}

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(body)))
	if _, err := fw.w.Write(lengthBuf[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(body); err != nil {
		return err
	}
	return nil
}
