package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// Gesture is a pointer gesture reported by the desktop widget.
type Gesture int

const (
	GesturePointerEnter Gesture = iota + 1
	GesturePointerLeave
	GestureWheelUp
	GestureWheelDown
)

var gestureMembers = map[Gesture]string{
	GesturePointerEnter: "pawMouseEnter",
	GesturePointerLeave: "pawMouseLeave",
	GestureWheelUp:      "pawMouseWheelUp",
	GestureWheelDown:    "pawMouseWheelDown",
}

// Member returns the signal member the widget emits for g.
func (g Gesture) Member() string { return gestureMembers[g] }

func (g Gesture) String() string {
	if m, ok := gestureMembers[g]; ok {
		return m
	}
	return fmt.Sprintf("Gesture(%d)", int(g))
}

// AllGestures lists the gestures registered at startup.
var AllGestures = []Gesture{GesturePointerEnter, GesturePointerLeave, GestureWheelUp, GestureWheelDown}

// VolumeStepper is the part of the audio bridge gestures drive.
type VolumeStepper interface {
	IncreaseVolume() error
	DecreaseVolume() error
}

type gestureReaction func(d *DesktopBridge, body []any) error

var gestureReactions = map[Gesture]gestureReaction{
	GesturePointerEnter: (*DesktopBridge).onPointerEnter,
	GesturePointerLeave: (*DesktopBridge).onPointerLeave,
	GestureWheelUp:      (*DesktopBridge).onWheelUp,
	GestureWheelDown:    (*DesktopBridge).onWheelDown,
}

var errNoAudio = errors.New("desktop bridge has no audio bridge attached")

// DesktopConfig names the widget's D-Bus endpoint.
type DesktopConfig struct {
	Service         string
	Path            dbus.ObjectPath
	Interface       string
	SignalInterface string
	VolumeMethod    string
}

// DesktopBridge forwards widget gestures to the audio bridge and pushes the
// effective volume back to the widget.
type DesktopBridge struct {
	bus    Bus
	obj    RemoteObject
	cfg    DesktopConfig
	audio  VolumeStepper
	logger *slog.Logger

	registered map[Gesture]SubscriptionHandle
}

// NewDesktopBridge creates the bridge. Gestures are not subscribed until
// RegisterGestures.
func NewDesktopBridge(bus Bus, cfg DesktopConfig, logger *slog.Logger) *DesktopBridge {
	return &DesktopBridge{
		bus:        bus,
		obj:        bus.Object(cfg.Service, cfg.Path),
		cfg:        cfg,
		logger:     logger.With("component", "desktop"),
		registered: make(map[Gesture]SubscriptionHandle),
	}
}

// Attach sets the audio bridge wheel gestures are forwarded to.
func (d *DesktopBridge) Attach(audio VolumeStepper) { d.audio = audio }

// SetDefaultVolume shows volume on the widget. Fire-and-forget: failures
// are logged and not retried.
func (d *DesktopBridge) SetDefaultVolume(volume uint32) {
	d.logger.Debug("pushing volume to widget", "volume", volume)
	d.obj.CallAsync(d.cfg.Interface, d.cfg.VolumeMethod, []any{volume}, nil, func(err error) {
		d.logger.Warn("widget volume update failed", "volume", volume, "error", err)
	})
}

// RegisterGestures subscribes every gesture signal.
func (d *DesktopBridge) RegisterGestures() error {
	for _, g := range AllGestures {
		if err := d.RegisterGestureSignal(g); err != nil {
			return err
		}
	}
	return nil
}

// RegisterGestureSignal subscribes one gesture signal. Gesture signals are
// never device scoped and never rescoped; registering twice is a no-op.
func (d *DesktopBridge) RegisterGestureSignal(g Gesture) error {
	if _, ok := d.registered[g]; ok {
		return nil
	}
	if _, ok := gestureReactions[g]; !ok {
		return fmt.Errorf("register gesture: unknown gesture %d", int(g))
	}

	rule := SignalRule{Interface: d.cfg.SignalInterface, Member: g.Member()}
	h, err := d.bus.Subscribe(rule, func(sig *dbus.Signal) {
		d.dispatch(g, sig.Body)
	})
	if err != nil {
		return fmt.Errorf("register gesture %s: %w", g, err)
	}
	d.registered[g] = h
	d.logger.Info("gesture connected", "signal", rule.Name())
	return nil
}

func (d *DesktopBridge) dispatch(g Gesture, body []any) {
	d.logger.Debug("gesture", "gesture", g.String(), "body", body)

	fn := gestureReactions[g]
	if err := invokeGesture(fn, d, body); err != nil {
		d.logger.Error("gesture reaction failed", "gesture", g.String(), "error", err)
	}
}

func invokeGesture(fn gestureReaction, d *DesktopBridge, body []any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(d, body)
}

func (d *DesktopBridge) onPointerEnter(body []any) error {
	d.logger.Debug("pointer entered widget", "body", body)
	return nil
}

func (d *DesktopBridge) onPointerLeave(body []any) error {
	d.logger.Debug("pointer left widget", "body", body)
	return nil
}

func (d *DesktopBridge) onWheelUp(_ []any) error {
	if d.audio == nil {
		return errNoAudio
	}
	return d.audio.IncreaseVolume()
}

func (d *DesktopBridge) onWheelDown(_ []any) error {
	if d.audio == nil {
		return errNoAudio
	}
	return d.audio.DecreaseVolume()
}
