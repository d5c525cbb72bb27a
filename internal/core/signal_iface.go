package core

import "errors"

// Frame is a raw encoded event ready for the wire.
type Frame []byte

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend queues f without blocking. It returns ErrBackpressure when the
	// outbound queue is full and ErrConnClosed after Close.
	TrySend(f Frame) error
	Close()
}
