package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundpost/breatheamp/internal/protocol"
	"github.com/soundpost/breatheamp/internal/serialport"
	"github.com/soundpost/breatheamp/internal/state"
	"github.com/soundpost/breatheamp/internal/testutil"
)

func testOptions() Options {
	return Options{
		ReadTimeout: 100 * time.Millisecond,
		Retries:     2,
		Backoff:     []time.Duration{time.Millisecond, 2 * time.Millisecond},
	}
}

func startEngine(t *testing.T, port *serialport.SimPort, opts Options) (*Engine, *state.Store) {
	t.Helper()
	store := state.NewStore()
	eng := New(serialport.NewTransport(port), store, opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return eng, store
}

func mustCmd(cmd protocol.Command, err error) protocol.Command {
	if err != nil {
		panic(err)
	}
	return cmd
}

var ignoreUpdated = cmpopts.IgnoreFields(state.ZoneState{}, "LastUpdated")

func TestQueryStatusUpdatesStore(t *testing.T) {
	amp := testutil.NewFakeAmp()
	amp.SetZone(4, testutil.FakeZone{Power: true, Volume: 12, Source: 3})

	port := serialport.NewSimPort()
	port.Respond = amp.Respond
	eng, store := startEngine(t, port, testOptions())

	got, err := eng.Do(context.Background(), mustCmd(protocol.QueryStatus(4)))
	require.NoError(t, err)

	want := state.ZoneState{ID: 4, Power: true, Volume: 12, Source: 3, Known: true}
	if diff := cmp.Diff(want, got, ignoreUpdated); diff != "" {
		t.Errorf("zone state mismatch (-want +got):\n%s", diff)
	}

	stored, err := store.Get(4)
	require.NoError(t, err)
	if diff := cmp.Diff(want, stored, ignoreUpdated); diff != "" {
		t.Errorf("store mismatch (-want +got):\n%s", diff)
	}
}

// SetPower on an amp that answers with a full status frame must land in the
// store and fire a change notification from the prior unknown state.
func TestSetPowerScenario(t *testing.T) {
	amp := testutil.NewFakeAmp()
	// remembered level from before the last power-off
	amp.SetZone(3, testutil.FakeZone{Volume: 20, Source: 1})

	port := serialport.NewSimPort()
	port.Respond = amp.Respond
	eng, store := startEngine(t, port, testOptions())

	id, changes := store.Subscribe()
	defer store.Unsubscribe(id)

	got, err := eng.Do(context.Background(), mustCmd(protocol.SetPower(3, true)))
	require.NoError(t, err)

	want := state.ZoneState{ID: 3, Power: true, Volume: 20, Source: 1, Known: true}
	if diff := cmp.Diff(want, got, ignoreUpdated); diff != "" {
		t.Errorf("zone state mismatch (-want +got):\n%s", diff)
	}

	select {
	case change := <-changes:
		assert.False(t, change.Old.Known, "old state should be unknown")
		assert.True(t, change.New.Power)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestWriteConfirmedByStatusQuery(t *testing.T) {
	amp := testutil.NewFakeAmp()
	amp.AckWrites = true
	amp.SetZone(2, testutil.FakeZone{Power: true, Source: 1})

	port := serialport.NewSimPort()
	port.Respond = amp.Respond
	eng, _ := startEngine(t, port, testOptions())

	got, err := eng.Do(context.Background(), mustCmd(protocol.SetVolume(2, 25)))
	require.NoError(t, err)
	assert.Equal(t, 25, got.Volume)

	// the wire must show the write followed by the confirmatory query
	writes := strings.Split(strings.TrimSuffix(string(port.Written()), "\r"), "\r")
	require.Equal(t, []string{"*Z02VOL25", "*Z02CONSR"}, writes)
}

func TestRetryBoundOnSilentLink(t *testing.T) {
	port := serialport.NewSimPort() // never responds
	opts := testOptions()
	eng, store := startEngine(t, port, opts)

	_, err := eng.Do(context.Background(), mustCmd(protocol.QueryStatus(1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, serialport.ErrReadTimeout)

	// one initial attempt plus exactly Retries re-attempts
	assert.Equal(t, opts.Retries+1, port.WriteCount())

	z, err := store.Get(1)
	require.NoError(t, err)
	assert.False(t, z.Known, "store must stay untouched on failure")
}

func TestRetryOnGarbageThenSuccess(t *testing.T) {
	amp := testutil.NewFakeAmp()
	amp.SetZone(1, testutil.FakeZone{Power: true, Volume: 7, Source: 1})

	var calls int
	port := serialport.NewSimPort()
	port.Respond = func(frame []byte) []byte {
		calls++
		if calls == 1 {
			return []byte("#Z01PWR@@@garbage\r")
		}
		return amp.Respond(frame)
	}
	eng, _ := startEngine(t, port, testOptions())

	got, err := eng.Do(context.Background(), mustCmd(protocol.QueryStatus(1)))
	require.NoError(t, err)
	assert.Equal(t, 7, got.Volume)
	assert.Equal(t, 2, calls)
}

func TestGarbageExhaustsRetries(t *testing.T) {
	port := serialport.NewSimPort()
	port.Respond = func([]byte) []byte { return []byte("noise\r") }
	opts := testOptions()
	eng, store := startEngine(t, port, opts)

	_, err := eng.Do(context.Background(), mustCmd(protocol.QueryStatus(2)))
	require.Error(t, err)
	var ferr *protocol.FramingError
	assert.ErrorAs(t, err, &ferr)
	assert.Equal(t, opts.Retries+1, port.WriteCount())

	z, _ := store.Get(2)
	assert.False(t, z.Known)
}

func TestZoneMismatchIsFramingError(t *testing.T) {
	port := serialport.NewSimPort()
	port.Respond = func([]byte) []byte { return []byte("#Z05PWROFF\r") }
	eng, _ := startEngine(t, port, testOptions())

	_, err := eng.Do(context.Background(), mustCmd(protocol.QueryStatus(1)))
	require.Error(t, err)
	var ferr *protocol.FramingError
	assert.ErrorAs(t, err, &ferr)
}

func TestLinkErrorNotRetried(t *testing.T) {
	port := serialport.NewSimPort()
	port.WriteError = errors.New("device unplugged")
	eng, _ := startEngine(t, port, testOptions())

	_, err := eng.Do(context.Background(), mustCmd(protocol.QueryStatus(1)))
	require.Error(t, err)
	assert.NotErrorIs(t, err, serialport.ErrReadTimeout)
	assert.Equal(t, 1, port.WriteCount(), "link failures must not be retried")
}

func TestCancelledBeforeTurnNeverTouchesWire(t *testing.T) {
	amp := testutil.NewFakeAmp()
	release := make(chan struct{})
	port := serialport.NewSimPort()
	port.Respond = func(frame []byte) []byte {
		<-release // hold the first exchange on the wire
		return amp.Respond(frame)
	}
	eng, _ := startEngine(t, port, testOptions())

	// occupy the wire turn
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = eng.Do(context.Background(), mustCmd(protocol.QueryStatus(1)))
	}()

	// wait for the first command to hit the port
	require.Eventually(t, func() bool { return port.WriteCount() >= 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Do(ctx, mustCmd(protocol.QueryStatus(2)))
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	<-firstDone
	assert.Equal(t, 1, port.WriteCount(), "cancelled caller must never reach the wire")
}

func TestCallerDeadlineAbortsRetries(t *testing.T) {
	port := serialport.NewSimPort() // silent
	opts := testOptions()
	opts.ReadTimeout = time.Second
	eng, _ := startEngine(t, port, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := eng.Do(ctx, mustCmd(protocol.QueryStatus(1)))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "deadline must cut the retry loop short")
}

// Two concurrent callers on different zones must never interleave frames on
// the wire: each exchange's write and confirmatory query stay adjacent.
func TestExclusiveTurnNoInterleaving(t *testing.T) {
	amp := testutil.NewFakeAmp()
	amp.AckWrites = true
	amp.SetZone(1, testutil.FakeZone{Power: true, Source: 1})
	amp.SetZone(2, testutil.FakeZone{Power: true, Source: 1})

	port := serialport.NewSimPort()
	port.Respond = amp.Respond
	eng, _ := startEngine(t, port, testOptions())

	var wg sync.WaitGroup
	for _, zone := range []int{1, 2} {
		wg.Add(1)
		go func(zone int) {
			defer wg.Done()
			_, err := eng.Do(context.Background(), mustCmd(protocol.SetVolume(zone, 10)))
			assert.NoError(t, err)
		}(zone)
	}
	wg.Wait()

	writes := strings.Split(strings.TrimSuffix(string(port.Written()), "\r"), "\r")
	require.Len(t, writes, 4)
	for i := 0; i < len(writes); i += 2 {
		// e.g. "*Z01VOL10" directly followed by "*Z01CONSR"
		require.True(t, strings.HasPrefix(writes[i], "*Z0"), "unexpected frame %q", writes[i])
		zonePrefix := writes[i][:4]
		assert.Equal(t, zonePrefix+"CONSR", writes[i+1],
			"confirmatory query must directly follow its write, got %v", writes)
	}
}

func TestPowerOffKeepsRememberedVolumeAndSource(t *testing.T) {
	amp := testutil.NewFakeAmp()
	amp.SetZone(5, testutil.FakeZone{Power: true, Volume: 30, Source: 4})

	port := serialport.NewSimPort()
	port.Respond = amp.Respond
	eng, store := startEngine(t, port, testOptions())

	_, err := eng.Do(context.Background(), mustCmd(protocol.QueryStatus(5)))
	require.NoError(t, err)

	got, err := eng.Do(context.Background(), mustCmd(protocol.SetPower(5, false)))
	require.NoError(t, err)
	assert.False(t, got.Power)
	assert.Equal(t, 30, got.Volume, "last known volume survives power-off")
	assert.Equal(t, 4, got.Source, "last known source survives power-off")

	stored, _ := store.Get(5)
	assert.Equal(t, 30, stored.Volume)
}

func TestMutedFrameKeepsLastConfirmedVolume(t *testing.T) {
	amp := testutil.NewFakeAmp()
	amp.SetZone(6, testutil.FakeZone{Power: true, Volume: 22, Source: 1})

	port := serialport.NewSimPort()
	port.Respond = amp.Respond
	eng, _ := startEngine(t, port, testOptions())

	_, err := eng.Do(context.Background(), mustCmd(protocol.QueryStatus(6)))
	require.NoError(t, err)

	got, err := eng.Do(context.Background(), mustCmd(protocol.SetMute(6, true)))
	require.NoError(t, err)
	assert.True(t, got.Mute)
	assert.Equal(t, 22, got.Volume, "volume remembered across mute")
}

func TestZeroCommandRejectedBeforeWire(t *testing.T) {
	port := serialport.NewSimPort()
	eng, _ := startEngine(t, port, testOptions())

	_, err := eng.Do(context.Background(), protocol.Command{})
	assert.ErrorIs(t, err, protocol.ErrInvalidZone)
	assert.Equal(t, 0, port.WriteCount())
}

func TestDoAfterStop(t *testing.T) {
	port := serialport.NewSimPort()
	store := state.NewStore()
	eng := New(serialport.NewTransport(port), store, testOptions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	cancel()
	<-done

	_, err := eng.Do(context.Background(), mustCmd(protocol.QueryStatus(1)))
	assert.ErrorIs(t, err, ErrStopped)
}
