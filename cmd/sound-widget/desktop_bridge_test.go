package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStepper struct {
	ups, downs int
	err        error
}

func (s *fakeStepper) IncreaseVolume() error { s.ups++; return s.err }
func (s *fakeStepper) DecreaseVolume() error { s.downs++; return s.err }

func newTestDesktop(t *testing.T) (*DesktopBridge, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	cfg := DefaultConfig()
	return NewDesktopBridge(bus, cfg.DesktopConfig(), testLogger()), bus
}

func gestureName(g Gesture) string {
	return defaultDesktopSignalInterface + "." + g.Member()
}

func TestDesktopBridge_RegisterGesturesIsIdempotent(t *testing.T) {
	d, bus := newTestDesktop(t)

	require.NoError(t, d.RegisterGestures())
	require.NoError(t, d.RegisterGestures())
	require.NoError(t, d.RegisterGestureSignal(GestureWheelUp))

	assert.ElementsMatch(t, []string{
		gestureName(GesturePointerEnter),
		gestureName(GesturePointerLeave),
		gestureName(GestureWheelUp),
		gestureName(GestureWheelDown),
	}, bus.subscriptions())
}

func TestDesktopBridge_RegisterUnknownGesture(t *testing.T) {
	d, bus := newTestDesktop(t)

	assert.Error(t, d.RegisterGestureSignal(Gesture(42)))
	assert.Empty(t, bus.subscriptions())
}

func TestDesktopBridge_RegisterFailure(t *testing.T) {
	d, bus := newTestDesktop(t)
	bus.subscribeErr = errors.New("add match failed")

	require.Error(t, d.RegisterGestures())

	// A later attempt subscribes normally.
	bus.subscribeErr = nil
	require.NoError(t, d.RegisterGestures())
	assert.Len(t, bus.subscriptions(), len(AllGestures))
}

func TestDesktopBridge_WheelForwardsToAudio(t *testing.T) {
	d, bus := newTestDesktop(t)
	stepper := &fakeStepper{}
	d.Attach(stepper)
	require.NoError(t, d.RegisterGestures())

	bus.emit("/", gestureName(GestureWheelUp))
	bus.emit("/", gestureName(GestureWheelUp))
	bus.emit("/", gestureName(GestureWheelDown))
	bus.emit("/", gestureName(GesturePointerEnter), "widget")
	bus.emit("/", gestureName(GesturePointerLeave))

	assert.Equal(t, 2, stepper.ups)
	assert.Equal(t, 1, stepper.downs)
}

func TestDesktopBridge_WheelErrorsAreContained(t *testing.T) {
	d, bus := newTestDesktop(t)
	require.NoError(t, d.RegisterGestures())

	// No audio bridge attached yet.
	assert.NotPanics(t, func() { bus.emit("/", gestureName(GestureWheelUp)) })

	stepper := &fakeStepper{err: ErrVolumeUnknown}
	d.Attach(stepper)
	assert.NotPanics(t, func() { bus.emit("/", gestureName(GestureWheelDown)) })
	assert.Equal(t, 1, stepper.downs)
}

func TestDesktopBridge_SetDefaultVolume(t *testing.T) {
	d, bus := newTestDesktop(t)

	d.SetDefaultVolume(32000)

	calls := bus.object("/").callsTo(defaultDesktopInterface, defaultDesktopVolumeMethod)
	require.Len(t, calls, 1)
	assert.Equal(t, []any{uint32(32000)}, calls[0].Args)
	assert.Nil(t, calls[0].onSuccess)

	// Failures are only logged.
	assert.NotPanics(t, func() { calls[0].fail(errors.New("no such object")) })
}

func TestDesktopBridge_VolumeFlowsFromAudioToWidget(t *testing.T) {
	session := newFakeBus()
	pulse := newFakeBus()

	cfg := DefaultConfig()
	desktop := NewDesktopBridge(session, cfg.DesktopConfig(), testLogger())
	audio := NewAudioBridge(pulse, desktop, AudioBridgeConfig{Step: 2000, MaxVolume: 65536}, testLogger())
	desktop.Attach(audio)
	require.NoError(t, desktop.RegisterGestures())
	require.NoError(t, audio.Start())

	pulse.object(pulseCorePath).callsTo(propertiesInterface, "Get")[0].reply(sink0)
	pulse.object(sink0).callsTo(propertiesInterface, "Get")[0].reply([]uint32{30000, 30000})

	widget := session.object("/")
	pushes := widget.callsTo(defaultDesktopInterface, defaultDesktopVolumeMethod)
	require.Len(t, pushes, 1)
	assert.Equal(t, []any{uint32(30000)}, pushes[0].Args)

	session.emit("/", gestureName(GestureWheelUp))

	writes := pulse.object(sink0).callsTo(propertiesInterface, "Set")
	require.Len(t, writes, 1)
	assert.Equal(t, "Volume", writes[0].Args[1])
}
