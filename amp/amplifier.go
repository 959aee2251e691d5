// Package amp is the host-facing surface of the BreatheAudio driver: an
// Amplifier wrapping the serial protocol engine, and per-zone handles with
// one call per logical operation. Host integrations use this package and the
// store's change feed, nothing below it.
package amp

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/soundpost/breatheamp/internal/config"
	"github.com/soundpost/breatheamp/internal/engine"
	"github.com/soundpost/breatheamp/internal/protocol"
	"github.com/soundpost/breatheamp/internal/serialport"
	"github.com/soundpost/breatheamp/internal/state"
)

// Amplifier is one six-zone BreatheAudio unit on a serial link.
type Amplifier struct {
	eng   *engine.Engine
	store *state.Store

	zones map[int]*Zone

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	transport *serialport.Transport
}

// Open connects to the amplifier described by cfg: it opens the serial port,
// starts the protocol engine, and returns the ready facade. Close releases
// the port.
func Open(cfg config.Config, log zerolog.Logger) (*Amplifier, error) {
	return open(cfg, log, serialport.Open)
}

// OpenWith is Open with a custom port opener, for tests and simulators.
func OpenWith(cfg config.Config, log zerolog.Logger, opener serialport.Opener) (*Amplifier, error) {
	return open(cfg, log, opener)
}

func open(cfg config.Config, log zerolog.Logger, opener serialport.Opener) (*Amplifier, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}

	port, err := opener(cfg.Port, cfg.Serial)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}

	transport := serialport.NewTransport(port)
	store := state.NewStore()
	eng := engine.New(transport, store, cfg.EngineOptions(), log)

	ctx, cancel := context.WithCancel(context.Background())
	a := &Amplifier{
		eng:       eng,
		store:     store,
		zones:     make(map[int]*Zone),
		cancel:    cancel,
		done:      make(chan struct{}),
		transport: transport,
	}
	for id := 1; id <= state.NumZones; id++ {
		a.zones[id] = &Zone{id: id, name: cfg.ZoneName(id), amp: a}
	}

	go func() {
		defer close(a.done)
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("protocol engine exited")
		}
	}()

	return a, nil
}

// Zone returns the handle for zone id (1-6).
func (a *Amplifier) Zone(id int) (*Zone, error) {
	z, ok := a.zones[id]
	if !ok {
		return nil, fmt.Errorf("zone %d: %w", id, protocol.ErrInvalidZone)
	}
	return z, nil
}

// Zones returns all six zone handles in id order.
func (a *Amplifier) Zones() []*Zone {
	out := make([]*Zone, 0, len(a.zones))
	for id := 1; id <= state.NumZones; id++ {
		out = append(out, a.zones[id])
	}
	return out
}

// Snapshot returns the last confirmed state of all zones without touching
// the wire.
func (a *Amplifier) Snapshot() []state.ZoneState {
	return a.store.Snapshot()
}

// RefreshAll queries every zone in turn, priming the state store.
func (a *Amplifier) RefreshAll(ctx context.Context) error {
	for id := 1; id <= state.NumZones; id++ {
		if _, err := a.zones[id].Refresh(ctx); err != nil {
			return fmt.Errorf("refresh zone %d: %w", id, err)
		}
	}
	return nil
}

// Subscribe registers for zone change notifications. Every confirmed status
// update is delivered as an old/new pair; the returned id is passed to
// Unsubscribe.
func (a *Amplifier) Subscribe() (string, <-chan state.Change) {
	return a.store.Subscribe()
}

// Unsubscribe removes a change observer.
func (a *Amplifier) Unsubscribe(id string) {
	a.store.Unsubscribe(id)
}

// Close stops the engine and releases the serial port. Safe to call more
// than once.
func (a *Amplifier) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.cancel()
		<-a.done
		a.store.Close()
		err = a.transport.Close()
	})
	return err
}
