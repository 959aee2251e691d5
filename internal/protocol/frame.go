package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Wire grammar, per the BreatheAudio command reference. Commands are
// `*Z0<z>...` lines, responses `#Z0<z>...` lines, both CR-terminated with no
// checksum. A muted zone reports its volume as the literal token MT, or XM
// on some firmware revisions.
var (
	statusOnPattern  = regexp.MustCompile(`^#Z0([1-6])PWRON,SRC([0-9]),GRP([0-9]),VOL-([0-9]{2}|MT|XM),POFF$`)
	statusOffPattern = regexp.MustCompile(`^#Z0([1-6])PWROFF$`)
	ackPattern       = regexp.MustCompile(`^#Z0([1-6])(ON|OFF|MTON|MTOFF|VOL[0-9]{2}|SRC[1-6])$`)
)

const (
	mutedVolumeToken    = "MT"
	mutedVolumeAltToken = "XM"
)

// Frame is a decoded response: either a full StatusFrame or a write Ack.
type Frame interface {
	// FrameZone returns the zone the response refers to.
	FrameZone() int
}

// StatusFrame is a zone's full reported state.
type StatusFrame struct {
	Zone   int
	Power  bool
	Volume int
	Source int
	Mute   bool

	// group and mutedToken are retained from the decoded frame so Encode
	// reproduces its bytes exactly. group is the GRP digit, meaningless to
	// this driver; mutedToken is whichever muted spelling the unit sent.
	group      int
	mutedToken string
}

// FrameZone implements Frame.
func (f StatusFrame) FrameZone() int { return f.Zone }

// Encode serializes the status frame back to its wire form. Decode followed
// by Encode reproduces the original bytes.
func (f StatusFrame) Encode() []byte {
	if !f.Power {
		return []byte(fmt.Sprintf("#Z0%dPWROFF%c", f.Zone, Terminator))
	}
	vol := fmt.Sprintf("%02d", f.Volume)
	if f.Mute {
		vol = f.mutedToken
		if vol == "" {
			vol = mutedVolumeToken
		}
	}
	return []byte(fmt.Sprintf("#Z0%dPWRON,SRC%d,GRP%d,VOL-%s,POFF%c",
		f.Zone, f.Source, f.group, vol, Terminator))
}

// Ack is the amplifier's echo acknowledging a write command. It carries no
// zone state; the engine follows it with a status query.
type Ack struct {
	Zone int
	Verb string
}

// FrameZone implements Frame.
func (a Ack) FrameZone() int { return a.Zone }

// FramingError reports a response that does not match the wire grammar. The
// raw line is retained for diagnostics.
type FramingError struct {
	Raw    string
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("malformed response %q: %s", e.Raw, e.Reason)
}

// Encode renders a command as the exact byte sequence the amplifier expects.
// The same command always yields the same bytes.
func Encode(c Command) []byte {
	var body string
	switch c.op {
	case opQuery:
		body = fmt.Sprintf("*Z0%dCONSR", c.zone)
	case opPower:
		if c.value != 0 {
			body = fmt.Sprintf("*Z0%dON", c.zone)
		} else {
			body = fmt.Sprintf("*Z0%dOFF", c.zone)
		}
	case opVolume:
		body = fmt.Sprintf("*Z0%dVOL%02d", c.zone, c.value)
	case opSource:
		body = fmt.Sprintf("*Z0%dSRC%d", c.zone, c.value)
	case opMute:
		if c.value != 0 {
			body = fmt.Sprintf("*Z0%dMTON", c.zone)
		} else {
			body = fmt.Sprintf("*Z0%dMTOFF", c.zone)
		}
	}
	return append([]byte(body), Terminator)
}

// Decode parses one raw response line into a Frame. It is strict: a missing
// terminator, an unknown shape, or a numeric field outside its documented
// range is a *FramingError, never a partially populated frame.
func Decode(raw []byte) (Frame, error) {
	line := string(raw)
	if !strings.HasSuffix(line, string(Terminator)) {
		return nil, &FramingError{Raw: line, Reason: "missing terminator"}
	}
	line = strings.TrimSuffix(line, string(Terminator))

	if m := statusOffPattern.FindStringSubmatch(line); m != nil {
		zone, _ := strconv.Atoi(m[1])
		return StatusFrame{Zone: zone}, nil
	}

	if m := statusOnPattern.FindStringSubmatch(line); m != nil {
		zone, _ := strconv.Atoi(m[1])
		source, _ := strconv.Atoi(m[2])
		group, _ := strconv.Atoi(m[3])
		if source < 1 || source > NumSources {
			return nil, &FramingError{Raw: line, Reason: fmt.Sprintf("source %d out of range", source)}
		}
		frame := StatusFrame{Zone: zone, Power: true, Source: source, group: group}
		if m[4] == mutedVolumeToken || m[4] == mutedVolumeAltToken {
			frame.Mute = true
			frame.mutedToken = m[4]
		} else {
			volume, _ := strconv.Atoi(m[4])
			if volume > MaxVolume {
				return nil, &FramingError{Raw: line, Reason: fmt.Sprintf("volume %d out of range", volume)}
			}
			frame.Volume = volume
		}
		return frame, nil
	}

	if m := ackPattern.FindStringSubmatch(line); m != nil {
		zone, _ := strconv.Atoi(m[1])
		return Ack{Zone: zone, Verb: m[2]}, nil
	}

	return nil, &FramingError{Raw: line, Reason: "does not match response grammar"}
}
