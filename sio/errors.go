package sio

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorBase offsets protocol errors from local system errors: any Code at or
// above it came from the Atari side of the link.
const ErrorBase = 200

// Code is a protocol-level error in the fixed numeric space.
type Code int

const (
	ErrBlockTooLong    Code = ErrorBase + 1
	ErrCommandNAK      Code = ErrorBase + 2
	ErrCommandTimeout  Code = ErrorBase + 3
	ErrChecksum        Code = ErrorBase + 4
	ErrCommandComplete Code = ErrorBase + 5
	ErrDataNAK         Code = ErrorBase + 6
	ErrUnknownReply    Code = ErrorBase + 7
)

var codeStrings = map[Code]string{
	ErrBlockTooLong:    "block too long",
	ErrCommandNAK:      "command NAK",
	ErrCommandTimeout:  "command timeout",
	ErrChecksum:        "checksum error",
	ErrCommandComplete: "command complete error",
	ErrDataNAK:         "data NAK",
	ErrUnknownReply:    "unknown reply",
}

func (c Code) Error() string {
	if s, ok := codeStrings[c]; ok {
		return "sio: " + s
	}
	return fmt.Sprintf("sio: error %d", int(c))
}

// Local errors that never reach the wire.
var (
	ErrCancelled = errors.New("sio: cancelled")
	ErrConfig    = errors.New("sio: invalid configuration")
	ErrNoFrame   = errors.New("sio: no command frame available")
)

// CodeOf digs the protocol Code out of a wrapped error.
func CodeOf(err error) (Code, bool) {
	var c Code
	if errors.As(err, &c) {
		return c, true
	}
	return 0, false
}

// IsAtariError reports whether err is a protocol-level error rather than a
// local system error.
func IsAtariError(err error) bool {
	c, ok := CodeOf(err)
	return ok && int(c) > ErrorBase
}

// specificity ranks codes when several attempts failed differently; the
// caller is told about the most specific one.
func specificity(err error) int {
	c, ok := CodeOf(err)
	if !ok {
		if err == nil {
			return -1
		}
		return 0
	}
	switch c {
	case ErrUnknownReply:
		return 1
	case ErrCommandTimeout:
		return 2
	case ErrCommandNAK:
		return 3
	}
	return 4
}

// MoreSpecific returns whichever of a and b says more about what went wrong;
// on a tie the later error b wins.
func MoreSpecific(a, b error) error {
	if specificity(a) > specificity(b) {
		return a
	}
	return b
}
