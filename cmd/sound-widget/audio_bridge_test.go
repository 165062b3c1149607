package main

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type audioFixture struct {
	audio *AudioBridge
	bus   *fakeBus
	core  *fakeObject
	sink  *fakeSink
	pub   *fakePublisher
}

func newAudioFixture(t *testing.T) *audioFixture {
	t.Helper()
	bus := newFakeBus()
	sink := &fakeSink{}
	pub := &fakePublisher{}
	audio := NewAudioBridge(bus, sink, AudioBridgeConfig{Step: 2000, MaxVolume: 65536}, testLogger())
	audio.SetPublisher(pub)
	return &audioFixture{audio: audio, bus: bus, core: bus.object(pulseCorePath), sink: sink, pub: pub}
}

// start runs Start and answers the fallback identity read with device.
func (f *audioFixture) start(t *testing.T, device dbus.ObjectPath) {
	t.Helper()
	require.NoError(t, f.audio.Start())

	gets := f.core.callsTo(propertiesInterface, "Get")
	require.Len(t, gets, 1)
	assert.Equal(t, []any{pulseCoreInterface, "FallbackSink"}, gets[0].Args)
	gets[0].reply(dbus.MakeVariant(device))
}

// volumeReads returns the pending Volume reads issued against device.
func (f *audioFixture) volumeReads(device dbus.ObjectPath) []*fakeCall {
	return f.bus.object(device).callsTo(propertiesInterface, "Get")
}

func (f *audioFixture) volumeWrites(device dbus.ObjectPath) []*fakeCall {
	return f.bus.object(device).callsTo(propertiesInterface, "Set")
}

// startWithVolume starts on device and answers its first volume read.
func (f *audioFixture) startWithVolume(t *testing.T, device dbus.ObjectPath, vol ...uint32) {
	t.Helper()
	f.start(t, device)
	reads := f.volumeReads(device)
	require.Len(t, reads, 1)
	reads[0].reply(dbus.MakeVariant(vol))
}

func TestAudioBridge_BootstrapRescopesThenFetches(t *testing.T) {
	f := newAudioFixture(t)
	f.start(t, sink0)

	assert.Equal(t, sink0, f.audio.Snapshot().Fallback)
	assert.True(t, f.audio.Router().IsActive(SignalDeviceVolumeUpdated, sink0))
	assert.True(t, f.audio.Router().IsActive(SignalFallbackSinkUpdated, ""))
	assert.True(t, f.audio.Router().IsActive(SignalFallbackSinkUnset, ""))

	reads := f.volumeReads(sink0)
	require.Len(t, reads, 1)
	assert.Equal(t, []any{pulseDeviceIface, "Volume"}, reads[0].Args)

	subscribed := indexOf(f.bus.events, "subscribe "+volumeName()+"@"+string(sink0))
	fetched := indexOf(f.bus.events, "call "+string(sink0)+" "+propertiesInterface+".Get")
	require.NotEqual(t, -1, subscribed)
	require.NotEqual(t, -1, fetched)
	assert.Less(t, subscribed, fetched)

	reads[0].reply(dbus.MakeVariant([]uint32{30000, 28000}))
	snap := f.audio.Snapshot()
	assert.True(t, snap.VolumeKnown)
	assert.Equal(t, VolumeVector{30000, 28000}, snap.Volume)
	assert.Equal(t, uint32(30000), snap.Effective)
	assert.Equal(t, []uint32{30000}, f.sink.volumes)
	assert.Equal(t, []StateChange{StateFallbackChanged, StateVolumeChanged}, f.pub.changes)
}

func TestAudioBridge_ListenForSignalSentForEverySignal(t *testing.T) {
	f := newAudioFixture(t)
	f.start(t, sink0)

	var names []any
	for _, c := range f.core.callsTo(pulseCoreInterface, "ListenForSignal") {
		names = append(names, c.Args[0])
	}
	assert.ElementsMatch(t, []any{
		SignalFallbackSinkUpdated.Name(),
		SignalFallbackSinkUnset.Name(),
		SignalDeviceVolumeUpdated.Name(),
	}, names)
}

func TestAudioBridge_StartTwiceRefused(t *testing.T) {
	f := newAudioFixture(t)
	f.start(t, sink0)

	assert.ErrorIs(t, f.audio.Start(), ErrRouterLive)
}

func TestAudioBridge_VolumeStepping(t *testing.T) {
	tests := []struct {
		name    string
		current uint32
		up      bool
		want    uint32
	}{
		{name: "step up", current: 30000, up: true, want: 32000},
		{name: "clamped to max", current: 64500, up: true, want: 65536},
		{name: "clamped to zero", current: 1000, up: false, want: 0},
		{name: "step down", current: 30000, up: false, want: 28000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newAudioFixture(t)
			f.startWithVolume(t, sink0, tc.current)

			if tc.up {
				require.NoError(t, f.audio.IncreaseVolume())
			} else {
				require.NoError(t, f.audio.DecreaseVolume())
			}

			writes := f.volumeWrites(sink0)
			require.Len(t, writes, 1)
			assert.Equal(t, []any{pulseDeviceIface, "Volume", dbus.MakeVariant([]uint32{tc.want})}, writes[0].Args)

			// The write is not applied locally; the server echoes it.
			assert.Equal(t, tc.current, f.audio.Snapshot().Effective)
		})
	}
}

func TestAudioBridge_SteppingUsesLoudestChannel(t *testing.T) {
	f := newAudioFixture(t)
	f.startWithVolume(t, sink0, 20000, 40000)

	require.NoError(t, f.audio.DecreaseVolume())
	writes := f.volumeWrites(sink0)
	require.Len(t, writes, 1)
	assert.Equal(t, dbus.MakeVariant([]uint32{38000}), writes[0].Args[2])
}

func TestAudioBridge_SteppingWithoutStateFails(t *testing.T) {
	f := newAudioFixture(t)
	assert.ErrorIs(t, f.audio.IncreaseVolume(), ErrNoFallback)

	f.start(t, sink0)
	assert.ErrorIs(t, f.audio.IncreaseVolume(), ErrVolumeUnknown)
	assert.Empty(t, f.volumeWrites(sink0))
}

func TestAudioBridge_FallbackChangeRescopesInOrder(t *testing.T) {
	f := newAudioFixture(t)
	f.startWithVolume(t, sink0, 30000)
	f.bus.events = nil

	n := f.bus.emit(pulseCorePath, SignalFallbackSinkUpdated.Name(), sink1)
	require.Equal(t, 1, n)

	assert.Equal(t, []string{
		"unsubscribe " + volumeName() + "@" + string(sink0),
		"subscribe " + volumeName() + "@" + string(sink1),
	}, filterPrefix(f.bus.events, "subscribe ", "unsubscribe "))

	snap := f.audio.Snapshot()
	assert.Equal(t, sink1, snap.Fallback)
	assert.False(t, snap.VolumeKnown)
	assert.Len(t, f.volumeReads(sink1), 1)
	assert.Equal(t, []SubscriptionKey{
		{Signal: SignalFallbackSinkUpdated},
		{Signal: SignalFallbackSinkUnset},
		{Signal: SignalDeviceVolumeUpdated, Scope: sink1},
	}, f.audio.Router().Active())
}

func TestAudioBridge_VolumeForPreviousDeviceDropped(t *testing.T) {
	f := newAudioFixture(t)
	f.startWithVolume(t, sink0, 30000)

	stale := f.bus.deliverFuncFor(volumeName() + "@" + string(sink0))
	require.NotNil(t, stale)

	f.bus.emit(pulseCorePath, SignalFallbackSinkUpdated.Name(), sink1)
	f.volumeReads(sink1)[0].reply(dbus.MakeVariant([]uint32{50000}))
	before := f.audio.Snapshot()
	pushed := len(f.sink.volumes)

	stale(&dbus.Signal{Path: sink0, Name: volumeName(), Body: []any{[]uint32{1000}}})

	assert.Equal(t, before, f.audio.Snapshot())
	assert.Len(t, f.sink.volumes, pushed)
	assert.Equal(t, uint32(50000), f.audio.Snapshot().Effective)
}

func TestAudioBridge_VolumeReplyForPreviousDeviceDropped(t *testing.T) {
	f := newAudioFixture(t)
	f.start(t, sink0)
	pending := f.volumeReads(sink0)[0]

	f.bus.emit(pulseCorePath, SignalFallbackSinkUpdated.Name(), sink1)
	pending.reply(dbus.MakeVariant([]uint32{12345}))

	assert.False(t, f.audio.Snapshot().VolumeKnown)
	assert.Empty(t, f.sink.volumes)
}

func TestAudioBridge_LateBootstrapReplyDropped(t *testing.T) {
	f := newAudioFixture(t)
	require.NoError(t, f.audio.Start())
	bootstrap := f.core.callsTo(propertiesInterface, "Get")
	require.Len(t, bootstrap, 1)

	f.bus.emit(pulseCorePath, SignalFallbackSinkUpdated.Name(), sink1)
	bootstrap[0].reply(dbus.MakeVariant(sink0))

	assert.Equal(t, sink1, f.audio.Snapshot().Fallback)
	assert.True(t, f.audio.Router().IsActive(SignalDeviceVolumeUpdated, sink1))
	assert.False(t, f.audio.Router().IsActive(SignalDeviceVolumeUpdated, sink0))
	assert.Empty(t, f.volumeReads(sink0))
	assert.Equal(t, []StateChange{StateFallbackChanged}, f.pub.changes)
}

func TestAudioBridge_VolumeUpdatedPushesToWidget(t *testing.T) {
	f := newAudioFixture(t)
	f.startWithVolume(t, sink0, 30000)

	f.bus.emit(sink0, volumeName(), []uint32{32000, 31000})

	assert.Equal(t, []uint32{30000, 32000}, f.sink.volumes)
	assert.Equal(t, VolumeVector{32000, 31000}, f.audio.Snapshot().Volume)

	// Other devices are not subscribed.
	assert.Zero(t, f.bus.emit(sink1, volumeName(), []uint32{1}))
}

func TestAudioBridge_MalformedVolumeIgnored(t *testing.T) {
	f := newAudioFixture(t)
	f.startWithVolume(t, sink0, 30000)

	f.bus.emit(sink0, volumeName())
	f.bus.emit(sink0, volumeName(), "loud")

	assert.Equal(t, uint32(30000), f.audio.Snapshot().Effective)
	assert.Equal(t, []uint32{30000}, f.sink.volumes)
	assert.True(t, f.audio.Router().IsActive(SignalDeviceVolumeUpdated, sink0))
}

func TestAudioBridge_SameFallbackRefetchesWithoutRescope(t *testing.T) {
	f := newAudioFixture(t)
	f.startWithVolume(t, sink0, 30000)
	f.bus.events = nil

	f.bus.emit(pulseCorePath, SignalFallbackSinkUpdated.Name(), sink0)

	assert.Empty(t, filterPrefix(f.bus.events, "subscribe ", "unsubscribe "))
	assert.Len(t, f.volumeReads(sink0), 2)
	assert.True(t, f.audio.Snapshot().VolumeKnown)
}

func TestAudioBridge_FallbackUnsetKeepsState(t *testing.T) {
	f := newAudioFixture(t)
	f.startWithVolume(t, sink0, 30000)
	before := f.audio.Snapshot()
	f.bus.events = nil

	f.bus.emit(pulseCorePath, SignalFallbackSinkUnset.Name())

	assert.Equal(t, before, f.audio.Snapshot())
	assert.Empty(t, f.bus.events)
}

func TestAudioBridge_RemoteErrorsAreSunk(t *testing.T) {
	f := newAudioFixture(t)
	require.NoError(t, f.audio.Start())

	assert.NotPanics(t, func() {
		f.core.callsTo(propertiesInterface, "Get")[0].fail(errors.New("org.freedesktop.DBus.Error.Failed"))
	})
	assert.Empty(t, f.audio.Snapshot().Fallback)

	f.bus.emit(pulseCorePath, SignalFallbackSinkUpdated.Name(), sink0)
	f.volumeReads(sink0)[0].reply(dbus.MakeVariant([]uint32{30000}))
	require.NoError(t, f.audio.IncreaseVolume())
	assert.NotPanics(t, func() {
		f.volumeWrites(sink0)[0].fail(errors.New("access denied"))
	})
	assert.Equal(t, uint32(30000), f.audio.Snapshot().Effective)
}

func TestAudioBridge_Refresh(t *testing.T) {
	f := newAudioFixture(t)
	assert.ErrorIs(t, f.audio.Refresh(), ErrNoFallback)

	f.startWithVolume(t, sink0, 30000)
	require.NoError(t, f.audio.Refresh())

	reads := f.volumeReads(sink0)
	require.Len(t, reads, 2)
	reads[1].reply(dbus.MakeVariant([]uint32{40000}))
	assert.Equal(t, uint32(40000), f.audio.Snapshot().Effective)
}

func TestAudioBridge_SnapshotIsACopy(t *testing.T) {
	f := newAudioFixture(t)
	f.startWithVolume(t, sink0, 30000)

	snap := f.audio.Snapshot()
	snap.Volume[0] = 1
	assert.Equal(t, uint32(30000), f.audio.Snapshot().Effective)
}
