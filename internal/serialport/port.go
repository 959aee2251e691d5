// Package serialport owns the physical serial connection to the amplifier.
// It provides a byte-level write and a read-until-delimiter primitive with a
// bounded timeout, and knows nothing about the command grammar above it.
package serialport

import (
	"io"
	"time"
)

// Porter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPorter extends Porter with read timeout control. Ports that
// implement it (go.bug.st/serial does) let the Transport bound each
// read instead of blocking forever.
type TimeoutPorter interface {
	Porter
	// SetReadTimeout sets the read timeout for the serial port.
	SetReadTimeout(timeout time.Duration) error
}

// BufferedPorter extends Porter with input buffer control. The Transport
// drains the input buffer before each exchange so a stale partial frame
// from an earlier failure cannot poison the next read.
type BufferedPorter interface {
	Porter
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Opener is a function type for opening serial ports. It allows tests to
// replace the real opener with one backed by a SimPort.
type Opener func(path string, opts PortOptions) (Porter, error)
