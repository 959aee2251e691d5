package protocol

import (
	"errors"
	"testing"
)

func TestCommandValidation(t *testing.T) {
	t.Run("rejects out-of-range zones", func(t *testing.T) {
		for _, zone := range []int{0, -1, 7, 100} {
			if _, err := QueryStatus(zone); !errors.Is(err, ErrInvalidZone) {
				t.Errorf("QueryStatus(%d): got %v, want ErrInvalidZone", zone, err)
			}
			if _, err := SetPower(zone, true); !errors.Is(err, ErrInvalidZone) {
				t.Errorf("SetPower(%d): got %v, want ErrInvalidZone", zone, err)
			}
		}
	})

	t.Run("rejects out-of-range volume", func(t *testing.T) {
		for _, level := range []int{-1, 39, 100} {
			if _, err := SetVolume(1, level); !errors.Is(err, ErrInvalidVolume) {
				t.Errorf("SetVolume(1, %d): got %v, want ErrInvalidVolume", level, err)
			}
		}
	})

	t.Run("rejects out-of-range source", func(t *testing.T) {
		for _, source := range []int{0, 7, -3} {
			if _, err := SetSource(1, source); !errors.Is(err, ErrInvalidSource) {
				t.Errorf("SetSource(1, %d): got %v, want ErrInvalidSource", source, err)
			}
		}
	})

	t.Run("accepts the full valid range", func(t *testing.T) {
		for zone := 1; zone <= NumZones; zone++ {
			if _, err := QueryStatus(zone); err != nil {
				t.Errorf("QueryStatus(%d) failed: %v", zone, err)
			}
		}
		for level := 0; level <= MaxVolume; level++ {
			if _, err := SetVolume(1, level); err != nil {
				t.Errorf("SetVolume(1, %d) failed: %v", level, err)
			}
		}
		for source := 1; source <= NumSources; source++ {
			if _, err := SetSource(1, source); err != nil {
				t.Errorf("SetSource(1, %d) failed: %v", source, err)
			}
		}
	})
}

func TestIsValidation(t *testing.T) {
	_, err := SetVolume(1, 99)
	if !IsValidation(err) {
		t.Errorf("IsValidation(%v) = false, want true", err)
	}
	if IsValidation(errors.New("link down")) {
		t.Error("IsValidation reported true for an unrelated error")
	}
}

func TestCommandIsWrite(t *testing.T) {
	query, _ := QueryStatus(1)
	if query.IsWrite() {
		t.Error("QueryStatus should not be a write command")
	}
	for _, c := range mustCommands(t) {
		if !c.IsWrite() {
			t.Errorf("%s should be a write command", c)
		}
	}
}

func mustCommands(t *testing.T) []Command {
	t.Helper()
	power, err := SetPower(2, true)
	if err != nil {
		t.Fatal(err)
	}
	volume, err := SetVolume(2, 20)
	if err != nil {
		t.Fatal(err)
	}
	source, err := SetSource(2, 3)
	if err != nil {
		t.Fatal(err)
	}
	mute, err := SetMute(2, false)
	if err != nil {
		t.Fatal(err)
	}
	return []Command{power, volume, source, mute}
}
