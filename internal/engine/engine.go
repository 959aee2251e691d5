// Package engine serializes all command/response exchanges against the
// shared serial line. The amplifier is half-duplex: exactly one exchange may
// occupy the wire at a time, so a single worker goroutine owns the transport
// and serves queued requests strictly in submission order. The engine is the
// only writer of the zone state store, and only confirmed status frames ever
// reach it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/soundpost/breatheamp/internal/protocol"
	"github.com/soundpost/breatheamp/internal/serialport"
	"github.com/soundpost/breatheamp/internal/state"
)

// ErrStopped is returned for requests submitted after the engine's worker
// has exited.
var ErrStopped = errors.New("protocol engine stopped")

// Wire is the byte transport the engine drives. *serialport.Transport
// implements it; tests substitute a scripted one.
type Wire interface {
	Write(frame []byte) error
	ReadUntil(delim byte, timeout time.Duration) ([]byte, error)
	Drain() error
}

// Options controls the per-exchange retry and timeout policy.
type Options struct {
	// ReadTimeout bounds each response read. Default 500ms.
	ReadTimeout time.Duration

	// Retries is how many times a timed-out or malformed exchange is
	// re-attempted before surfacing the failure. Default 2.
	Retries int

	// Backoff holds the waits between attempts; the last entry repeats if
	// Retries exceeds its length. Default 100ms then 250ms.
	Backoff []time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 500 * time.Millisecond
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if len(o.Backoff) == 0 {
		o.Backoff = []time.Duration{100 * time.Millisecond, 250 * time.Millisecond}
	}
	return o
}

type result struct {
	zone state.ZoneState
	err  error
}

type request struct {
	ctx  context.Context
	cmd  protocol.Command
	done chan result
}

// Engine owns the wire and the state store. Construct with New, start the
// worker with Run, submit exchanges with Do.
type Engine struct {
	wire  Wire
	store *state.Store
	opts  Options
	log   zerolog.Logger

	requests chan *request
	stopped  chan struct{}
}

// New creates an engine. The store passed here must not be written by anyone
// else.
func New(wire Wire, store *state.Store, opts Options, log zerolog.Logger) *Engine {
	return &Engine{
		wire:     wire,
		store:    store,
		opts:     opts.withDefaults(),
		log:      log,
		requests: make(chan *request, 16),
		stopped:  make(chan struct{}),
	}
}

// Run serves queued exchanges until ctx is cancelled. It must be called
// exactly once, typically in its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-e.requests:
			// A caller that gave up before its turn is dequeued
			// without touching the wire.
			if err := req.ctx.Err(); err != nil {
				req.done <- result{err: err}
				continue
			}
			zone, err := e.exchange(req.ctx, req.cmd)
			req.done <- result{zone: zone, err: err}
		}
	}
}

// Do submits one command and blocks until its exchange completes, fails
// terminally, or ctx is cancelled. Exchanges complete in submission order; a
// retried exchange keeps its turn rather than re-queuing behind newer
// requests. If ctx is cancelled mid-exchange the in-flight write/read still
// completes on the worker so the next exchange starts from a clean wire.
func (e *Engine) Do(ctx context.Context, cmd protocol.Command) (state.ZoneState, error) {
	if err := cmd.Validate(); err != nil {
		return state.ZoneState{}, err
	}
	req := &request{ctx: ctx, cmd: cmd, done: make(chan result, 1)}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return state.ZoneState{}, ctx.Err()
	case <-e.stopped:
		return state.ZoneState{}, ErrStopped
	}

	select {
	case res := <-req.done:
		return res.zone, res.err
	case <-ctx.Done():
		return state.ZoneState{}, ctx.Err()
	case <-e.stopped:
		return state.ZoneState{}, ErrStopped
	}
}

// exchange runs the full retry loop for one command while the worker holds
// the wire turn. Only framing errors and read timeouts are retried; link
// failures and caller cancellation surface immediately.
func (e *Engine) exchange(ctx context.Context, cmd protocol.Command) (state.ZoneState, error) {
	attempts := e.opts.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := e.backoff(ctx, attempt); err != nil {
				return state.ZoneState{}, err
			}
		}

		frame, err := e.attempt(ctx, cmd)
		if err == nil {
			e.log.Debug().Str("command", cmd.String()).Msg("exchange confirmed")
			return e.apply(frame)
		}
		if !retryable(err) {
			return state.ZoneState{}, err
		}
		lastErr = err
		e.log.Warn().Err(err).Str("command", cmd.String()).
			Int("attempt", attempt+1).Int("attempts", attempts).
			Msg("exchange failed, retrying")
	}
	return state.ZoneState{}, fmt.Errorf("%s: giving up after %d attempts: %w", cmd, attempts, lastErr)
}

// attempt performs one Sent -> AwaitingResponse -> Decoded pass. A write
// command answered by a bare ack is confirmed with a status query inside the
// same wire turn, so the store never reflects an unconfirmed write.
func (e *Engine) attempt(ctx context.Context, cmd protocol.Command) (protocol.StatusFrame, error) {
	if err := e.wire.Drain(); err != nil {
		return protocol.StatusFrame{}, err
	}

	frame, err := e.roundTrip(ctx, cmd)
	if err != nil {
		return protocol.StatusFrame{}, err
	}
	if frame.FrameZone() != cmd.Zone() {
		return protocol.StatusFrame{}, &protocol.FramingError{
			Reason: fmt.Sprintf("response for zone %d, expected zone %d", frame.FrameZone(), cmd.Zone()),
		}
	}

	switch f := frame.(type) {
	case protocol.StatusFrame:
		return f, nil
	case protocol.Ack:
		if !cmd.IsWrite() {
			return protocol.StatusFrame{}, &protocol.FramingError{
				Reason: fmt.Sprintf("ack %q in reply to a status query", f.Verb),
			}
		}
		return e.confirm(ctx, cmd.Zone())
	default:
		return protocol.StatusFrame{}, &protocol.FramingError{Reason: "unhandled frame type"}
	}
}

// confirm reads back full zone state after an acked write.
func (e *Engine) confirm(ctx context.Context, zone int) (protocol.StatusFrame, error) {
	query, err := protocol.QueryStatus(zone)
	if err != nil {
		return protocol.StatusFrame{}, err
	}
	frame, err := e.roundTrip(ctx, query)
	if err != nil {
		return protocol.StatusFrame{}, err
	}
	status, ok := frame.(protocol.StatusFrame)
	if !ok {
		return protocol.StatusFrame{}, &protocol.FramingError{
			Reason: "ack in reply to the confirmatory status query",
		}
	}
	if status.Zone != zone {
		return protocol.StatusFrame{}, &protocol.FramingError{
			Reason: fmt.Sprintf("confirmation for zone %d, expected zone %d", status.Zone, zone),
		}
	}
	return status, nil
}

// roundTrip writes one frame and reads one delimited response. A caller
// deadline shorter than the configured read timeout wins, and cancellation
// is reported as the caller's error rather than the underlying read detail.
func (e *Engine) roundTrip(ctx context.Context, cmd protocol.Command) (protocol.Frame, error) {
	timeout := e.opts.ReadTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ctx.Err()
		}
		if remaining < timeout {
			timeout = remaining
		}
	}

	if err := e.wire.Write(protocol.Encode(cmd)); err != nil {
		return nil, err
	}
	raw, err := e.wire.ReadUntil(protocol.Terminator, timeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return protocol.Decode(raw)
}

// apply merges a confirmed status frame over the zone's previous snapshot
// and publishes it. A powered-off frame carries no volume/source fields and
// a muted frame no level, so the last confirmed values are kept for those.
func (e *Engine) apply(frame protocol.StatusFrame) (state.ZoneState, error) {
	prev, err := e.store.Get(frame.Zone)
	if err != nil {
		return state.ZoneState{}, err
	}

	next := state.ZoneState{
		ID:     frame.Zone,
		Power:  frame.Power,
		Volume: frame.Volume,
		Source: frame.Source,
		Mute:   frame.Mute,
	}
	if !frame.Power {
		next.Volume = prev.Volume
		next.Source = prev.Source
		next.Mute = false
	} else if frame.Mute {
		next.Volume = prev.Volume
	}

	if err := e.store.Apply(next); err != nil {
		return state.ZoneState{}, err
	}
	return e.store.Get(frame.Zone)
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	idx := attempt - 1
	if idx >= len(e.opts.Backoff) {
		idx = len(e.opts.Backoff) - 1
	}
	timer := time.NewTimer(e.opts.Backoff[idx])
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryable(err error) bool {
	var ferr *protocol.FramingError
	if errors.As(err, &ferr) {
		return true
	}
	return errors.Is(err, serialport.ErrReadTimeout)
}
