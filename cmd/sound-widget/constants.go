package main

// PulseAudio D-Bus names (module-dbus-protocol).
const (
	pulseLookupService   = "org.PulseAudio1"
	pulseLookupPath      = "/org/pulseaudio/server_lookup1"
	pulseLookupInterface = "org.PulseAudio.ServerLookup1"

	pulseCoreService   = "org.PulseAudio.Core1"
	pulseCorePath      = "/org/pulseaudio/core1"
	pulseCoreInterface = "org.PulseAudio.Core1"
	pulseDeviceIface   = "org.PulseAudio.Core1.Device"

	propertiesInterface = "org.freedesktop.DBus.Properties"
)

// awesome WM widget names.
const (
	defaultDesktopService         = "org.awesomewm.awful"
	defaultDesktopPath            = "/"
	defaultDesktopInterface       = "org.awesomewm.awful.sototools.Tools"
	defaultDesktopSignalInterface = "org.awesomewm.awful.sototools.Tools1"
	defaultDesktopVolumeMethod    = "set_default_vol"
)

// Volume defaults. PulseAudio's PA_VOLUME_NORM is 0x10000; the server
// accepts larger values but the widget never goes above 100%.
const (
	defaultMaxVolume  = 65536
	defaultVolumeStep = 2000
)

const (
	defaultStateWSAddr = "127.0.0.1:3002"
	defaultStateWSPath = "/state"
	socketName         = "sound-widget.sock"
)
