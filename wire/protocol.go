// Package wire implements the producer/sidecar wire protocol.
//
// Requests flow producer -> sidecar, responses flow back, over any ordered
// reliable byte stream (in practice the sidecar's stdin/stdout pipes).
//
// Request layout (big-endian), 8-byte header plus variable payload:
//
//	offset 0-3: id          (u32)
//	offset 4:   method      (u8)
//	offset 5:   level       (u8)
//	offset 6-7: payload_len (u16)
//	offset 8+:  payload     (UTF-8, payload_len bytes)
//
// Response layout, fixed 8 bytes:
//
//	offset 0-3: id       (u32)
//	offset 4:   method   (u8)
//	offset 5:   level    (u8)
//	offset 6:   success  (u8: 0x00 or 0x01)
//	offset 7:   reserved (u8, written as zero, ignored on read)
package wire

import (
	"fmt"
	"strings"
)

// Method identifies the operation a request asks the sidecar to perform.
type Method uint8

// Wire method codes.
const (
	MethodLog      Method = 0x01
	MethodFlush    Method = 0x02
	MethodReload   Method = 0x03
	MethodShutdown Method = 0x04
)

// String returns the method name for diagnostics.
func (m Method) String() string {
	switch m {
	case MethodLog:
		return "LOG"
	case MethodFlush:
		return "FLUSH"
	case MethodReload:
		return "RELOAD"
	case MethodShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("METHOD(0x%02x)", uint8(m))
	}
}

// Level is the severity carried by a request.
// Informational only for non-LOG methods.
type Level uint8

// Wire level codes.
const (
	LevelInfo  Level = 0x01
	LevelWarn  Level = 0x02
	LevelError Level = 0x03
	LevelDebug Level = 0x04
	LevelFatal Level = 0x05
)

// String returns the level name for diagnostics and line formatting.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelDebug:
		return "DEBUG"
	case LevelFatal:
		return "FATAL"
	default:
		return fmt.Sprintf("LEVEL(0x%02x)", uint8(l))
	}
}

// Severity ranks levels for threshold filtering. Wire codes are not ordered
// by severity (DEBUG is 0x04 but ranks below INFO), so filtering must use
// this ordering, never the raw code.
func (l Level) Severity() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	case LevelFatal:
		return 4
	default:
		return -1
	}
}

// ParseLevel maps a case-insensitive level name ("info", "WARN", ...)
// to its wire code.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(name) {
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "DEBUG":
		return LevelDebug, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return 0, fmt.Errorf("unknown level %q", name)
	}
}

// Size constants.
const (
	// RequestHeaderSize is the fixed request header size in bytes.
	RequestHeaderSize = 8
	// ResponseSize is the total response size in bytes.
	ResponseSize = 8
	// MaxPayloadSize is the maximum request payload length in bytes.
	// The limit is on encoded byte length, not rune count.
	MaxPayloadSize = 65535
)

// Request is a unit of work sent to the sidecar.
// The producer does not retain a Request after encoding; only the ID is
// kept for response correlation.
type Request struct {
	ID      uint32
	Method  Method
	Level   Level
	Payload string
}

// Response is the sidecar's fixed-size acknowledgment of a request.
// Exactly one Response is emitted per accepted Request; process death is the
// only way a request goes unanswered.
type Response struct {
	ID      uint32
	Method  Method
	Level   Level
	Success bool
}
