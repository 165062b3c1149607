package main

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// DeviceIdentity is the object path of a PulseAudio device. An empty
// identity means no fallback device is known.
type DeviceIdentity = dbus.ObjectPath

// VolumeVector holds one volume level per channel.
type VolumeVector []uint32

// Max returns the effective scalar volume, the loudest channel.
func (v VolumeVector) Max() uint32 {
	var m uint32
	for _, c := range v {
		if c > m {
			m = c
		}
	}
	return m
}

// Clone returns a copy that does not share the backing array.
func (v VolumeVector) Clone() VolumeVector {
	if v == nil {
		return nil
	}
	out := make(VolumeVector, len(v))
	copy(out, v)
	return out
}

// clampVolume limits v to [0, maxVolume].
func clampVolume(v int64, maxVolume uint32) uint32 {
	if v < 0 {
		return 0
	}
	if v > int64(maxVolume) {
		return maxVolume
	}
	return uint32(v)
}

// stepVolume moves the effective volume of current by delta and clamps the
// result.
func stepVolume(current VolumeVector, delta int64, maxVolume uint32) uint32 {
	return clampVolume(int64(current.Max())+delta, maxVolume)
}

// decodeVolume extracts a volume vector from a signal or reply body value.
// Property reads arrive wrapped in a variant, VolumeUpdated carries the
// array directly.
func decodeVolume(v any) (VolumeVector, error) {
	if variant, ok := v.(dbus.Variant); ok {
		v = variant.Value()
	}
	switch vol := v.(type) {
	case []uint32:
		return VolumeVector(vol).Clone(), nil
	case VolumeVector:
		return vol.Clone(), nil
	default:
		return nil, fmt.Errorf("unexpected volume type %T", v)
	}
}

// decodeIdentity extracts an object path from a signal or reply body value.
func decodeIdentity(v any) (DeviceIdentity, error) {
	if variant, ok := v.(dbus.Variant); ok {
		v = variant.Value()
	}
	switch p := v.(type) {
	case dbus.ObjectPath:
		return p, nil
	case string:
		return dbus.ObjectPath(p), nil
	default:
		return "", fmt.Errorf("unexpected device identity type %T", v)
	}
}
