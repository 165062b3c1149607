package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

var (
	ErrNoFallback     = errors.New("no fallback device known")
	ErrVolumeUnknown  = errors.New("fallback device volume not known yet")
	ErrMissingPayload = errors.New("signal body is empty")
)

// Audio bridge reactions.
const (
	ReactionVolumeUpdated   ReactionName = "onVolumeUpdated"
	ReactionFetchVolume     ReactionName = "fetchVolume"
	ReactionIncreaseVolume  ReactionName = "increaseVolume"
	ReactionDecreaseVolume  ReactionName = "decreaseVolume"
	ReactionFallbackChanged ReactionName = "onFallbackChanged"
	ReactionFallbackUnset   ReactionName = "onFallbackUnset"
	ReactionFetchFallback   ReactionName = "fetchFallbackIdentity"
	ReactionErrorSink       ReactionName = "errorSink"
)

var audioReactions = ReactionRegistry[*AudioBridge]{
	ReactionVolumeUpdated:   (*AudioBridge).onVolumeUpdated,
	ReactionFetchVolume:     (*AudioBridge).fetchVolume,
	ReactionIncreaseVolume:  (*AudioBridge).increaseVolume,
	ReactionDecreaseVolume:  (*AudioBridge).decreaseVolume,
	ReactionFallbackChanged: (*AudioBridge).onFallbackChanged,
	ReactionFallbackUnset:   (*AudioBridge).onFallbackUnset,
	ReactionFetchFallback:   (*AudioBridge).fetchFallbackIdentity,
	ReactionErrorSink:       (*AudioBridge).errorSink,
}

// Reaction lists. The fallback list must rescope before it fetches: the
// fetch reads the identity that onFallbackChanged stores.
var (
	initReactions     = []ReactionName{ReactionFetchFallback}
	fallbackReactions = []ReactionName{ReactionFallbackChanged, ReactionFetchVolume}
	unsetReactions    = []ReactionName{ReactionFallbackUnset}
	volumeReactions   = []ReactionName{ReactionVolumeUpdated}
	errorReactions    = []ReactionName{ReactionErrorSink}
)

// VolumeSink receives the effective volume of the fallback device.
type VolumeSink interface {
	SetDefaultVolume(volume uint32)
}

// StateChange names a change published to the state stream.
type StateChange string

const (
	StateFallbackChanged StateChange = "fallback_changed"
	StateVolumeChanged   StateChange = "volume_changed"
)

// StatePublisher is notified after the bridge state changed. Publish is
// called on the event loop and must not block.
type StatePublisher interface {
	Publish(change StateChange, snap AudioSnapshot)
}

// AudioSnapshot is a copy of the bridge state.
type AudioSnapshot struct {
	Fallback    DeviceIdentity `json:"fallback"`
	Volume      VolumeVector   `json:"volume"`
	VolumeKnown bool           `json:"volume_known"`
	Effective   uint32         `json:"effective"`
}

// AudioBridgeConfig holds the volume stepping parameters.
type AudioBridgeConfig struct {
	Step      uint32
	MaxVolume uint32
}

// AudioBridge owns the fallback device identity and its volume, reacts to
// PulseAudio signals and issues reads/writes against the server.
//
// All methods run on the event loop.
type AudioBridge struct {
	bus       Bus
	core      RemoteObject
	desktop   VolumeSink
	publisher StatePublisher
	router    *SignalRouter[*AudioBridge]
	logger    *slog.Logger

	step      uint32
	maxVolume uint32

	fallback DeviceIdentity
	volume   VolumeVector

	// fallbackSeq counts onFallbackChanged runs. A bootstrap reply that
	// arrives after a newer fallback was applied is stale.
	fallbackSeq uint64
}

// NewAudioBridge creates the bridge and its router. Nothing is sent to the
// server until Start.
func NewAudioBridge(bus Bus, desktop VolumeSink, cfg AudioBridgeConfig, logger *slog.Logger) *AudioBridge {
	if cfg.Step == 0 {
		cfg.Step = defaultVolumeStep
	}
	if cfg.MaxVolume == 0 {
		cfg.MaxVolume = defaultMaxVolume
	}

	a := &AudioBridge{
		bus:       bus,
		core:      bus.Object(pulseCoreService, pulseCorePath),
		desktop:   desktop,
		logger:    logger.With("component", "audio"),
		step:      cfg.Step,
		maxVolume: cfg.MaxVolume,
	}
	a.router = NewSignalRouter(bus, a.core, a, audioReactions, a.logger)
	return a
}

// SetPublisher installs the state publisher. Call before Start.
func (a *AudioBridge) SetPublisher(p StatePublisher) { a.publisher = p }

// Router exposes the bridge's signal router.
func (a *AudioBridge) Router() *SignalRouter[*AudioBridge] { return a.router }

// Start declares the subscription table, bootstraps the fallback identity
// and activates the device-independent subscriptions. The VolumeUpdated
// subscription is activated once the fallback identity is known.
func (a *AudioBridge) Start() error {
	if _, err := a.router.Declare(SignalFallbackSinkUpdated, "", fallbackReactions); err != nil {
		return err
	}
	if _, err := a.router.Declare(SignalFallbackSinkUnset, "", unsetReactions); err != nil {
		return err
	}

	if err := a.router.DispatchInit(initReactions); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := a.router.ActivateDeclared(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	a.logger.Info("audio bridge started")
	return nil
}

// IncreaseVolume steps the fallback device volume up.
func (a *AudioBridge) IncreaseVolume() error { return a.increaseVolume(nil) }

// DecreaseVolume steps the fallback device volume down.
func (a *AudioBridge) DecreaseVolume() error { return a.decreaseVolume(nil) }

// Refresh re-reads the fallback device volume.
func (a *AudioBridge) Refresh() error { return a.fetchVolume(nil) }

// Snapshot returns a copy of the current state.
func (a *AudioBridge) Snapshot() AudioSnapshot {
	return AudioSnapshot{
		Fallback:    a.fallback,
		Volume:      a.volume.Clone(),
		VolumeKnown: a.volume != nil,
		Effective:   a.volume.Max(),
	}
}

func (a *AudioBridge) publish(change StateChange) {
	if a.publisher != nil {
		a.publisher.Publish(change, a.Snapshot())
	}
}

// ----------------------------------------------------------------------------
// Reactions
// ----------------------------------------------------------------------------

func (a *AudioBridge) onVolumeUpdated(body []any) error {
	if len(body) == 0 {
		return ErrMissingPayload
	}
	vol, err := decodeVolume(body[0])
	if err != nil {
		return err
	}

	a.volume = vol
	a.logger.Debug("volume updated", "device", a.fallback, "volume", []uint32(vol), "effective", vol.Max())

	if a.desktop != nil {
		a.desktop.SetDefaultVolume(vol.Max())
	}
	a.publish(StateVolumeChanged)
	return nil
}

func (a *AudioBridge) fetchVolume(_ []any) error {
	device := a.fallback
	if device == "" {
		return ErrNoFallback
	}

	a.bus.Object(pulseCoreService, device).CallAsync(propertiesInterface, "Get",
		[]any{pulseDeviceIface, "Volume"},
		func(body []any) {
			if a.fallback != device {
				a.logger.Debug("dropping volume reply for previous fallback", "device", device, "fallback", a.fallback)
				return
			}
			_ = a.router.DispatchReply("volume reply", volumeReactions, body)
		},
		a.reportError)
	return nil
}

func (a *AudioBridge) increaseVolume(_ []any) error {
	return a.adjustVolume(int64(a.step))
}

func (a *AudioBridge) decreaseVolume(_ []any) error {
	return a.adjustVolume(-int64(a.step))
}

// adjustVolume writes a single-channel volume of max(current)+delta, clamped.
// Success has no follow-up; the server echoes VolumeUpdated.
func (a *AudioBridge) adjustVolume(delta int64) error {
	if a.fallback == "" {
		return ErrNoFallback
	}
	if a.volume == nil {
		return ErrVolumeUnknown
	}

	v := stepVolume(a.volume, delta, a.maxVolume)
	a.logger.Debug("setting volume", "device", a.fallback, "from", a.volume.Max(), "to", v)

	a.bus.Object(pulseCoreService, a.fallback).CallAsync(propertiesInterface, "Set",
		[]any{pulseDeviceIface, "Volume", dbus.MakeVariant([]uint32{v})},
		nil,
		a.reportError)
	return nil
}

func (a *AudioBridge) onFallbackChanged(body []any) error {
	if len(body) == 0 {
		return ErrMissingPayload
	}
	id, err := decodeIdentity(body[0])
	if err != nil {
		return err
	}

	a.fallbackSeq++
	old := a.fallback
	rerr := a.router.Rescope(SignalDeviceVolumeUpdated, old, id, volumeReactions)

	if old != id {
		a.fallback = id
		a.volume = nil
		a.logger.Info("fallback device changed", "from", old, "to", id)
		a.publish(StateFallbackChanged)
	}
	if rerr != nil {
		return fmt.Errorf("rescope volume updates to %s: %w", id, rerr)
	}
	return nil
}

// onFallbackUnset only logs. The bridge keeps its last device until a new
// FallbackSinkUpdated arrives.
func (a *AudioBridge) onFallbackUnset(_ []any) error {
	a.logger.Info("fallback device unset by server", "fallback", a.fallback)
	return nil
}

func (a *AudioBridge) fetchFallbackIdentity(_ []any) error {
	seq := a.fallbackSeq
	a.core.CallAsync(propertiesInterface, "Get",
		[]any{pulseCoreInterface, "FallbackSink"},
		func(body []any) {
			if a.fallbackSeq != seq {
				a.logger.Debug("dropping stale fallback reply", "fallback", a.fallback)
				return
			}
			_ = a.router.DispatchReply("fallback reply", fallbackReactions, body)
		},
		a.reportError)
	return nil
}

func (a *AudioBridge) errorSink(body []any) error {
	var reason any = "unknown"
	if len(body) > 0 {
		reason = body[0]
	}
	a.logger.Error("remote call failed", "error", reason)
	return nil
}

// reportError is the error callback of every async call.
func (a *AudioBridge) reportError(err error) {
	_ = a.router.DispatchReply("call error", errorReactions, []any{err})
}
