package main

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestSignalRule_Matches(t *testing.T) {
	broad := SignalRule{Interface: pulseCoreInterface, Member: "FallbackSinkUpdated"}
	scoped := SignalRule{Interface: pulseDeviceIface, Member: "VolumeUpdated", Path: sink0}

	assert.Equal(t, "org.PulseAudio.Core1.FallbackSinkUpdated", broad.Name())

	assert.True(t, broad.matches(&dbus.Signal{Path: pulseCorePath, Name: broad.Name()}))
	assert.True(t, broad.matches(&dbus.Signal{Path: "/anything", Name: broad.Name()}))
	assert.False(t, broad.matches(&dbus.Signal{Path: pulseCorePath, Name: scoped.Name()}))
	assert.False(t, broad.matches(nil))

	assert.True(t, scoped.matches(&dbus.Signal{Path: sink0, Name: scoped.Name()}))
	assert.False(t, scoped.matches(&dbus.Signal{Path: sink1, Name: scoped.Name()}))
}

func TestSignalRule_MatchOptions(t *testing.T) {
	broad := SignalRule{Interface: pulseCoreInterface, Member: "FallbackSinkUpdated"}
	scoped := SignalRule{Interface: pulseDeviceIface, Member: "VolumeUpdated", Path: sink0}

	assert.Len(t, broad.matchOptions(), 2)
	assert.Len(t, scoped.matchOptions(), 3)
}

func TestLookupPulseAddress(t *testing.T) {
	bus := newFakeBus()
	lookup := bus.object(pulseLookupPath)

	_, err := lookupPulseAddress(lookup)
	assert.ErrorContains(t, err, "lookup pulseaudio address")

	lookup.props[pulseLookupInterface+".Address"] = dbus.MakeVariant("")
	_, err = lookupPulseAddress(lookup)
	assert.ErrorContains(t, err, "unexpected value")

	lookup.props[pulseLookupInterface+".Address"] = dbus.MakeVariant("unix:path=/run/user/1000/pulse/dbus-socket")
	addr, err := lookupPulseAddress(lookup)
	assert.NoError(t, err)
	assert.Equal(t, "unix:path=/run/user/1000/pulse/dbus-socket", addr)
}
