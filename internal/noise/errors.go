package noise

import (
	"errors"
	"fmt"
)

var (
	// ErrSocketClosed is returned when the peer closed the stream or a read failed.
	ErrSocketClosed = errors.New("noise: socket closed")

	// ErrHandshakeRemoteInvalidMessage is returned when the peer's handshake
	// message has the wrong size or shape.
	ErrHandshakeRemoteInvalidMessage = errors.New("noise: invalid handshake message from remote")

	// ErrMissingBytes signals that the decoder needs another read. It never
	// escapes ReadFrame.
	ErrMissingBytes = errors.New("noise: missing bytes")

	ErrInvalidCertificate = errors.New("noise: invalid certificate")
	ErrNonceExhausted     = errors.New("noise: nonce exhausted")
)

// CodecError wraps a malformed frame or a cryptographic failure.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("noise: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func codecError(op string, err error) error {
	return &CodecError{Op: op, Err: err}
}
