package serialport

import (
	"fmt"
	"time"
)

var (
	// ErrWriteFailed indicates a short write to the serial port.
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")

	// ErrReadTimeout indicates no response delimiter arrived within the
	// deadline. Retryable by policy, unlike link-level I/O errors.
	ErrReadTimeout = fmt.Errorf("timed out waiting for serial response")
)

// pollInterval bounds each underlying read so the deadline is checked even on
// ports that cannot set a native read timeout.
const pollInterval = 50 * time.Millisecond

// Transport is a pure byte pipe over a serial port: write a frame, read back
// bytes until a delimiter. It performs no retries and never interprets the
// payload. Exclusive use of the port is the caller's responsibility.
type Transport struct {
	port Porter
}

// NewTransport wraps an open serial port.
func NewTransport(port Porter) *Transport {
	return &Transport{port: port}
}

// Write writes the full frame to the port.
func (t *Transport) Write(frame []byte) error {
	n, err := t.port.Write(frame)
	if err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	if n != len(frame) {
		return ErrWriteFailed
	}
	return nil
}

// ReadUntil reads from the port until delim is seen or the timeout elapses.
// The returned bytes include the delimiter. A lapsed deadline yields
// ErrReadTimeout with any partial bytes discarded; other read failures are
// surfaced as wrapped link errors.
func (t *Transport) ReadUntil(delim byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	if tp, ok := t.port.(TimeoutPorter); ok {
		if err := tp.SetReadTimeout(pollInterval); err != nil {
			return nil, fmt.Errorf("serial set read timeout: %w", err)
		}
	}

	line := make([]byte, 0, 64)
	buf := make([]byte, 1)
	for {
		n, err := t.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("serial read: %w", err)
		}
		if n > 0 {
			line = append(line, buf[0])
			if buf[0] == delim {
				return line, nil
			}
			continue
		}
		// n == 0 means the port's own read timeout lapsed with no data.
		if time.Now().After(deadline) {
			return nil, ErrReadTimeout
		}
	}
}

// Drain discards any pending bytes in the port buffers. Called before each
// exchange so leftovers from an aborted read cannot be mistaken for the next
// response.
func (t *Transport) Drain() error {
	bp, ok := t.port.(BufferedPorter)
	if !ok {
		return nil
	}
	if err := bp.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("serial reset output buffer: %w", err)
	}
	if err := bp.ResetInputBuffer(); err != nil {
		return fmt.Errorf("serial reset input buffer: %w", err)
	}
	return nil
}

// Close releases the serial handle.
func (t *Transport) Close() error {
	return t.port.Close()
}
