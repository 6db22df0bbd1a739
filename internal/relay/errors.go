package relay

import (
	"errors"
	"fmt"
)

// Kind classifies a fatal relay error by the stage that produced it.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindSocketCreation
	KindSocketOption
	KindBind
	KindConnect
	KindReadinessWait
	KindRead
	KindShortWrite
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSocketCreation:
		return "socket creation"
	case KindSocketOption:
		return "setsockopt"
	case KindBind:
		return "bind"
	case KindConnect:
		return "connect"
	case KindReadinessWait:
		return "poll"
	case KindRead:
		return "read"
	case KindShortWrite:
		return "write"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrShortWrite is the cause of a KindShortWrite error when the write call
// itself succeeded but sent fewer bytes than the datagram held.
var ErrShortWrite = errors.New("short write")

// Error is a fatal relay error. Every error the engine returns, apart from
// the one reporting Close, is an *Error.
type Error struct {
	Kind Kind
	// Target names the binding involved, e.g. "dest 10.0.0.255:5353".
	// Empty for errors not tied to one binding.
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind, true
	}
	return 0, false
}
