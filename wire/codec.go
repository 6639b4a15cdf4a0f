package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ProtocolError reports malformed or out-of-range wire data. It names the
// offending field so callers can reject the specific send or, on the decode
// side, trigger framer resynchronization. It is always local to the side
// that detected it and never fatal to the process.
type ProtocolError struct {
	Field string
	Msg   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %s", e.Field, e.Msg)
}

// IsProtocolError returns true if the error is a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// ErrIncomplete signals that a buffer holds the prefix of a valid message
// but not yet the whole of it. It is not a protocol violation; the framer
// waits for more data.
var ErrIncomplete = errors.New("incomplete message")

// Codec encodes and decodes protocol messages against a set of valid method
// and level bytes. The sets are injectable so tests and embedders can extend
// the enums; NewCodec returns the standard sets.
//
// A Codec is immutable after construction and safe for concurrent use.
type Codec struct {
	methods map[Method]struct{}
	levels  map[Level]struct{}
}

// NewCodec returns a codec accepting the standard method and level sets.
func NewCodec() *Codec {
	return NewCodecWithSets(
		[]Method{MethodLog, MethodFlush, MethodReload, MethodShutdown},
		[]Level{LevelInfo, LevelWarn, LevelError, LevelDebug, LevelFatal},
	)
}

// NewCodecWithSets returns a codec accepting custom method and level sets.
func NewCodecWithSets(methods []Method, levels []Level) *Codec {
	c := &Codec{
		methods: make(map[Method]struct{}, len(methods)),
		levels:  make(map[Level]struct{}, len(levels)),
	}
	for _, m := range methods {
		c.methods[m] = struct{}{}
	}
	for _, l := range levels {
		c.levels[l] = struct{}{}
	}
	return c
}

// ValidMethod reports whether m is in the codec's method set.
func (c *Codec) ValidMethod(m Method) bool {
	_, ok := c.methods[m]
	return ok
}

// ValidLevel reports whether l is in the codec's level set.
func (c *Codec) ValidLevel(l Level) bool {
	_, ok := c.levels[l]
	return ok
}

// EncodeRequest encodes a request into a freshly allocated buffer.
// No partial encode is returned on validation failure.
func (c *Codec) EncodeRequest(r Request) ([]byte, error) {
	if !c.ValidMethod(r.Method) {
		return nil, &ProtocolError{Field: "method", Msg: fmt.Sprintf("invalid method byte 0x%02x", uint8(r.Method))}
	}
	if !c.ValidLevel(r.Level) {
		return nil, &ProtocolError{Field: "level", Msg: fmt.Sprintf("invalid level byte 0x%02x", uint8(r.Level))}
	}
	if len(r.Payload) > MaxPayloadSize {
		return nil, &ProtocolError{Field: "payload", Msg: fmt.Sprintf("payload length %d exceeds %d bytes", len(r.Payload), MaxPayloadSize)}
	}

	buf := make([]byte, RequestHeaderSize+len(r.Payload))
	binary.BigEndian.PutUint32(buf[0:4], r.ID)
	buf[4] = uint8(r.Method)
	buf[5] = uint8(r.Level)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(r.Payload)))
	copy(buf[RequestHeaderSize:], r.Payload)
	return buf, nil
}

// DecodeRequest decodes one request from the front of buf, returning the
// request and the number of bytes consumed. Requests are self-delimiting via
// payload_len; trailing bytes beyond the declared length are never read.
//
// Errors:
//   - ErrIncomplete: buf holds less than a full message (wait for more data)
//   - *ProtocolError: invalid method or level byte (resynchronize)
func (c *Codec) DecodeRequest(buf []byte) (Request, int, error) {
	if len(buf) < RequestHeaderSize {
		return Request{}, 0, ErrIncomplete
	}

	method := Method(buf[4])
	if !c.ValidMethod(method) {
		return Request{}, 0, &ProtocolError{Field: "method", Msg: fmt.Sprintf("invalid method byte 0x%02x", buf[4])}
	}
	level := Level(buf[5])
	if !c.ValidLevel(level) {
		return Request{}, 0, &ProtocolError{Field: "level", Msg: fmt.Sprintf("invalid level byte 0x%02x", buf[5])}
	}

	payloadLen := int(binary.BigEndian.Uint16(buf[6:8]))
	total := RequestHeaderSize + payloadLen
	if len(buf) < total {
		return Request{}, 0, ErrIncomplete
	}

	return Request{
		ID:      binary.BigEndian.Uint32(buf[0:4]),
		Method:  method,
		Level:   level,
		Payload: string(buf[RequestHeaderSize:total]),
	}, total, nil
}

// EncodeResponse encodes a response into a fixed 8-byte buffer.
// The reserved byte is always written as zero.
func (c *Codec) EncodeResponse(r Response) ([]byte, error) {
	if !c.ValidMethod(r.Method) {
		return nil, &ProtocolError{Field: "method", Msg: fmt.Sprintf("invalid method byte 0x%02x", uint8(r.Method))}
	}
	if !c.ValidLevel(r.Level) {
		return nil, &ProtocolError{Field: "level", Msg: fmt.Sprintf("invalid level byte 0x%02x", uint8(r.Level))}
	}

	buf := make([]byte, ResponseSize)
	binary.BigEndian.PutUint32(buf[0:4], r.ID)
	buf[4] = uint8(r.Method)
	buf[5] = uint8(r.Level)
	if r.Success {
		buf[6] = 0x01
	}
	// buf[7] reserved, zero
	return buf, nil
}

// DecodeResponse decodes a response from a buffer that must be exactly
// ResponseSize bytes. This is stricter than DecodeRequest: responses are not
// self-delimiting, so a mis-sized buffer is a protocol violation rather than
// an incomplete read. The reserved byte is ignored.
func (c *Codec) DecodeResponse(buf []byte) (Response, error) {
	if len(buf) != ResponseSize {
		return Response{}, &ProtocolError{Field: "length", Msg: fmt.Sprintf("response buffer is %d bytes, want %d", len(buf), ResponseSize)}
	}

	method := Method(buf[4])
	if !c.ValidMethod(method) {
		return Response{}, &ProtocolError{Field: "method", Msg: fmt.Sprintf("invalid method byte 0x%02x", buf[4])}
	}
	level := Level(buf[5])
	if !c.ValidLevel(level) {
		return Response{}, &ProtocolError{Field: "level", Msg: fmt.Sprintf("invalid level byte 0x%02x", buf[5])}
	}
	if buf[6] > 0x01 {
		return Response{}, &ProtocolError{Field: "success", Msg: fmt.Sprintf("invalid success byte 0x%02x", buf[6])}
	}

	return Response{
		ID:      binary.BigEndian.Uint32(buf[0:4]),
		Method:  method,
		Level:   level,
		Success: buf[6] == 0x01,
	}, nil
}
