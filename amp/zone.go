package amp

import (
	"context"

	"github.com/soundpost/breatheamp/internal/protocol"
	"github.com/soundpost/breatheamp/internal/state"
)

// Zone is the per-zone control surface. Every setter validates its
// parameters before any bytes reach the wire, drives one exchange through
// the protocol engine, and returns only after the hardware has confirmed the
// new state.
type Zone struct {
	id   int
	name string
	amp  *Amplifier
}

// ID returns the zone id (1-6).
func (z *Zone) ID() int { return z.id }

// Name returns the operator-configured zone name.
func (z *Zone) Name() string { return z.name }

// SetPower turns the zone on or off.
func (z *Zone) SetPower(ctx context.Context, on bool) error {
	cmd, err := protocol.SetPower(z.id, on)
	if err != nil {
		return err
	}
	_, err = z.amp.eng.Do(ctx, cmd)
	return err
}

// SetVolume sets the zone volume (0-38).
func (z *Zone) SetVolume(ctx context.Context, level int) error {
	cmd, err := protocol.SetVolume(z.id, level)
	if err != nil {
		return err
	}
	_, err = z.amp.eng.Do(ctx, cmd)
	return err
}

// SetSource selects the zone's input source (1-6).
func (z *Zone) SetSource(ctx context.Context, source int) error {
	cmd, err := protocol.SetSource(z.id, source)
	if err != nil {
		return err
	}
	_, err = z.amp.eng.Do(ctx, cmd)
	return err
}

// SetMute mutes or unmutes the zone.
func (z *Zone) SetMute(ctx context.Context, on bool) error {
	cmd, err := protocol.SetMute(z.id, on)
	if err != nil {
		return err
	}
	_, err = z.amp.eng.Do(ctx, cmd)
	return err
}

// Refresh reads the zone's current state from the hardware and returns the
// confirmed snapshot.
func (z *Zone) Refresh(ctx context.Context) (state.ZoneState, error) {
	cmd, err := protocol.QueryStatus(z.id)
	if err != nil {
		return state.ZoneState{}, err
	}
	return z.amp.eng.Do(ctx, cmd)
}

// State returns the last confirmed snapshot without touching the wire.
func (z *Zone) State() (state.ZoneState, error) {
	return z.amp.store.Get(z.id)
}

// Restore replays a previously captured snapshot onto the zone: power, then
// mute, then volume and source while the zone is on. Used to put a zone back
// the way it was after an interruption.
func (z *Zone) Restore(ctx context.Context, snap state.ZoneState) error {
	if err := z.SetPower(ctx, snap.Power); err != nil {
		return err
	}
	if !snap.Power {
		return nil
	}
	if err := z.SetMute(ctx, snap.Mute); err != nil {
		return err
	}
	if err := z.SetVolume(ctx, snap.Volume); err != nil {
		return err
	}
	return z.SetSource(ctx, snap.Source)
}
