// Package protocol implements the BreatheAudio wire grammar: validated
// command values, deterministic encoding to the ASCII frames the amplifier
// expects, and strict decoding of its responses. The package does no I/O, so
// the grammar can be tested without hardware timing.
package protocol

import (
	"errors"
	"fmt"
)

// Protocol limits fixed by the amplifier.
const (
	NumZones   = 6
	NumSources = 6
	MaxVolume  = 38

	// Terminator ends every command and response frame on the wire.
	Terminator = '\r'
)

// Validation errors. These indicate a caller bug and are rejected before any
// bytes reach the wire; they are never retried.
var (
	ErrInvalidZone   = errors.New("zone id out of range 1-6")
	ErrInvalidVolume = errors.New("volume out of range 0-38")
	ErrInvalidSource = errors.New("source out of range 1-6")
)

type op int

const (
	opQuery op = iota
	opPower
	opVolume
	opSource
	opMute
)

// Command is an immutable request directed at one amplifier zone. The zero
// value is not valid; use the constructors, which range-check every field.
type Command struct {
	op    op
	zone  int
	value int
}

// QueryStatus asks a zone for its full status.
func QueryStatus(zone int) (Command, error) {
	if err := checkZone(zone); err != nil {
		return Command{}, err
	}
	return Command{op: opQuery, zone: zone}, nil
}

// SetPower turns a zone on or off.
func SetPower(zone int, on bool) (Command, error) {
	if err := checkZone(zone); err != nil {
		return Command{}, err
	}
	return Command{op: opPower, zone: zone, value: boolValue(on)}, nil
}

// SetVolume sets a zone's volume level (0-38).
func SetVolume(zone, level int) (Command, error) {
	if err := checkZone(zone); err != nil {
		return Command{}, err
	}
	if level < 0 || level > MaxVolume {
		return Command{}, fmt.Errorf("volume %d: %w", level, ErrInvalidVolume)
	}
	return Command{op: opVolume, zone: zone, value: level}, nil
}

// SetSource selects a zone's input source (1-6).
func SetSource(zone, source int) (Command, error) {
	if err := checkZone(zone); err != nil {
		return Command{}, err
	}
	if source < 1 || source > NumSources {
		return Command{}, fmt.Errorf("source %d: %w", source, ErrInvalidSource)
	}
	return Command{op: opSource, zone: zone, value: source}, nil
}

// SetMute mutes or unmutes a zone.
func SetMute(zone int, on bool) (Command, error) {
	if err := checkZone(zone); err != nil {
		return Command{}, err
	}
	return Command{op: opMute, zone: zone, value: boolValue(on)}, nil
}

// Zone returns the zone the command addresses.
func (c Command) Zone() int { return c.zone }

// Validate re-checks the command's ranges. The constructors already enforce
// them; this guards against a zero Command reaching the wire.
func (c Command) Validate() error {
	if err := checkZone(c.zone); err != nil {
		return err
	}
	switch c.op {
	case opVolume:
		if c.value < 0 || c.value > MaxVolume {
			return fmt.Errorf("volume %d: %w", c.value, ErrInvalidVolume)
		}
	case opSource:
		if c.value < 1 || c.value > NumSources {
			return fmt.Errorf("source %d: %w", c.value, ErrInvalidSource)
		}
	}
	return nil
}

// IsWrite reports whether the command changes amplifier state. Write
// commands are acknowledged with an echo, not a full status frame, and need
// a confirmatory status query.
func (c Command) IsWrite() bool { return c.op != opQuery }

// String describes the command for logs.
func (c Command) String() string {
	switch c.op {
	case opQuery:
		return fmt.Sprintf("query status zone %d", c.zone)
	case opPower:
		return fmt.Sprintf("set power zone %d %s", c.zone, onOff(c.value))
	case opVolume:
		return fmt.Sprintf("set volume zone %d level %d", c.zone, c.value)
	case opSource:
		return fmt.Sprintf("set source zone %d input %d", c.zone, c.value)
	case opMute:
		return fmt.Sprintf("set mute zone %d %s", c.zone, onOff(c.value))
	}
	return fmt.Sprintf("unknown command zone %d", c.zone)
}

// IsValidation reports whether err stems from command parameter validation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidZone) ||
		errors.Is(err, ErrInvalidVolume) ||
		errors.Is(err, ErrInvalidSource)
}

func checkZone(zone int) error {
	if zone < 1 || zone > NumZones {
		return fmt.Errorf("zone %d: %w", zone, ErrInvalidZone)
	}
	return nil
}

func boolValue(on bool) int {
	if on {
		return 1
	}
	return 0
}

func onOff(v int) string {
	if v != 0 {
		return "on"
	}
	return "off"
}
