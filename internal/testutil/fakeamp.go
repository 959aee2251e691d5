// Package testutil provides shared test fixtures, chiefly a simulated
// BreatheAudio amplifier that answers wire frames the way the real unit
// does, so the protocol stack can be exercised without hardware.
package testutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var commandPattern = regexp.MustCompile(`^\*Z0([1-6])(CONSR|ON|OFF|MTON|MTOFF|VOL([0-9]{2})|SRC([1-6]))$`)

// FakeZone is the simulated hardware state of one zone.
type FakeZone struct {
	Power  bool
	Mute   bool
	Volume int
	Source int
}

// FakeAmp simulates the amplifier. Wire its Respond method to a SimPort and
// every written frame is answered per the vendor grammar. With AckWrites set
// it echoes write commands as bare acks, which forces the engine down the
// confirmatory-query path; otherwise writes are answered with a full status
// frame.
type FakeAmp struct {
	mu        sync.Mutex
	zones     map[int]FakeZone
	AckWrites bool
}

// NewFakeAmp creates a powered-down amplifier with all zones on source 1.
func NewFakeAmp() *FakeAmp {
	a := &FakeAmp{zones: make(map[int]FakeZone)}
	for z := 1; z <= 6; z++ {
		a.zones[z] = FakeZone{Source: 1}
	}
	return a
}

// SetZone seeds a zone's simulated state.
func (a *FakeAmp) SetZone(id int, z FakeZone) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.zones[id] = z
}

// Zone returns a zone's current simulated state.
func (a *FakeAmp) Zone(id int) FakeZone {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.zones[id]
}

// Respond answers one written command frame. Unknown commands get silence,
// like the real unit.
func (a *FakeAmp) Respond(frame []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	line := strings.TrimSuffix(string(frame), "\r")
	m := commandPattern.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	zone, _ := strconv.Atoi(m[1])
	verb := m[2]
	z := a.zones[zone]

	switch {
	case verb == "CONSR":
		return a.status(zone)
	case verb == "ON":
		z.Power = true
	case verb == "OFF":
		z.Power = false
	case verb == "MTON":
		z.Mute = true
	case verb == "MTOFF":
		z.Mute = false
	case strings.HasPrefix(verb, "VOL"):
		z.Volume, _ = strconv.Atoi(m[3])
	case strings.HasPrefix(verb, "SRC"):
		z.Source, _ = strconv.Atoi(m[4])
	}
	a.zones[zone] = z

	if a.AckWrites {
		return []byte(fmt.Sprintf("#Z0%d%s\r", zone, verb))
	}
	return a.status(zone)
}

func (a *FakeAmp) status(zone int) []byte {
	z := a.zones[zone]
	if !z.Power {
		return []byte(fmt.Sprintf("#Z0%dPWROFF\r", zone))
	}
	vol := fmt.Sprintf("%02d", z.Volume)
	if z.Mute {
		vol = "MT"
	}
	return []byte(fmt.Sprintf("#Z0%dPWRON,SRC%d,GRP0,VOL-%s,POFF\r", zone, z.Source, vol))
}
