package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by SimPort operations after Close.
var ErrPortClosed = errors.New("serial port closed")

// SimPort implements Porter with configurable behaviour for testing. It
// mimics go.bug.st/serial semantics: a read with a lapsed timeout returns
// (0, nil), not an error. A Respond hook turns it into a scripted amplifier,
// answering each written frame without real hardware or timing.
type SimPort struct {
	mu sync.Mutex

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// Respond, if set, is invoked for every Write with the written frame;
	// its return value is queued for subsequent reads. Returning nil means
	// the simulated device stays silent.
	Respond func(frame []byte) []byte

	// ReadError and WriteError are returned by the next Read/Write call
	// when set, then cleared.
	ReadError  error
	WriteError error

	// CloseError is returned by Close if set.
	CloseError error

	readTimeout time.Duration
	closed      bool
	dataCh      chan struct{}
	closeCh     chan struct{}

	writeCalls int
}

// NewSimPort creates a SimPort with no scripted responses.
func NewSimPort() *SimPort {
	return &SimPort{
		dataCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Read returns buffered data, waiting up to the configured read timeout for
// some to arrive. With no timeout set it blocks until data or Close.
func (p *SimPort) Read(buf []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, ErrPortClosed
		}
		if p.ReadError != nil {
			err := p.ReadError
			p.ReadError = nil
			p.mu.Unlock()
			return 0, err
		}
		if p.readBuf.Len() > 0 {
			n, _ := p.readBuf.Read(buf)
			p.mu.Unlock()
			return n, nil
		}
		timeout := p.readTimeout
		p.mu.Unlock()

		if timeout > 0 {
			select {
			case <-p.dataCh:
			case <-p.closeCh:
			case <-time.After(timeout):
				return 0, nil
			}
		} else {
			select {
			case <-p.dataCh:
			case <-p.closeCh:
			}
		}
	}
}

// Write records the frame and, when a Respond hook is set, queues the
// scripted reply for the next reads.
func (p *SimPort) Write(frame []byte) (int, error) {
	p.mu.Lock()
	p.writeCalls++
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		p.mu.Unlock()
		return 0, err
	}
	p.writeBuf.Write(frame)
	respond := p.Respond
	p.mu.Unlock()

	if respond != nil {
		if reply := respond(frame); len(reply) > 0 {
			p.Feed(reply)
		}
	}
	return len(frame), nil
}

// Close marks the port as closed and wakes any blocked readers.
func (p *SimPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closeCh)
	}
	return p.CloseError
}

// SetReadTimeout implements TimeoutPorter.
func (p *SimPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = timeout
	return nil
}

// ResetInputBuffer implements BufferedPorter.
func (p *SimPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.Reset()
	return nil
}

// ResetOutputBuffer implements BufferedPorter.
func (p *SimPort) ResetOutputBuffer() error {
	return nil
}

// Feed queues data to be returned by subsequent Read calls.
func (p *SimPort) Feed(data []byte) {
	p.mu.Lock()
	p.readBuf.Write(data)
	p.mu.Unlock()

	select {
	case p.dataCh <- struct{}{}:
	default:
	}
}

// WriteCount returns the number of Write calls so far.
func (p *SimPort) WriteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeCalls
}

// Written returns all frames written to the port so far.
func (p *SimPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.writeBuf.Bytes()...)
}

var (
	_ TimeoutPorter  = (*SimPort)(nil)
	_ BufferedPorter = (*SimPort)(nil)
)
