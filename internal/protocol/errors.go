package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol matches every *ProtocolError via errors.Is.
var ErrProtocol = errors.New("protocol error")

// ErrIncomplete is returned by Decoder.Next when no complete frame is buffered.
var ErrIncomplete = errors.New("protocol: incomplete frame")

// ProtocolError reports a malformed frame. It is fatal to the connection that
// produced it and to nothing else.
type ProtocolError struct {
	Kind   Kind
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Kind == 0 {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error in %s frame: %s", e.Kind, e.Reason)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func protocolErrorf(kind Kind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}
