package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// ============================================================================
// Bus transport facade
// ============================================================================
//
// The bridges and the router only see the narrow Bus / RemoteObject
// interfaces below. The godbus implementation delivers every signal and every
// async reply through the event loop, so callbacks never run concurrently
// with reactions.
// ============================================================================

// ErrBusClosed is returned for operations on a bus that has been closed.
var ErrBusClosed = errors.New("bus connection closed")

// SignalRule selects the signals a subscription receives. An empty Path
// matches every object.
type SignalRule struct {
	Interface string
	Member    string
	Path      dbus.ObjectPath
}

// Name returns the fully qualified signal name (interface.member).
func (r SignalRule) Name() string { return r.Interface + "." + r.Member }

func (r SignalRule) matches(sig *dbus.Signal) bool {
	if sig == nil || sig.Name != r.Name() {
		return false
	}
	return r.Path == "" || sig.Path == r.Path
}

func (r SignalRule) matchOptions() []dbus.MatchOption {
	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(r.Interface),
		dbus.WithMatchMember(r.Member),
	}
	if r.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(r.Path))
	}
	return opts
}

// SubscriptionHandle identifies one local signal subscription.
type SubscriptionHandle uint64

// Bus is the transport facade used by the bridges and the router.
type Bus interface {
	Object(service string, path dbus.ObjectPath) RemoteObject
	Subscribe(rule SignalRule, deliver func(*dbus.Signal)) (SubscriptionHandle, error)
	Unsubscribe(h SubscriptionHandle) error
}

// RemoteObject is a handle to one object on a bus.
type RemoteObject interface {
	Path() dbus.ObjectPath

	// GetProperty reads a property synchronously.
	GetProperty(iface, name string) (dbus.Variant, error)

	// CallAsync issues iface.method and returns immediately. Exactly one of
	// onSuccess / onError runs later on the event loop; either may be nil.
	CallAsync(iface, method string, args []any, onSuccess func(body []any), onError func(error))
}

// poster schedules a callback on the event loop.
type poster interface {
	Post(fn func()) bool
}

// ----------------------------------------------------------------------------
// godbus implementation
// ----------------------------------------------------------------------------

type busSubscription struct {
	rule    SignalRule
	deliver func(*dbus.Signal)
}

// DBusBus adapts a godbus connection to the Bus interface.
type DBusBus struct {
	conn   *dbus.Conn
	name   string
	loop   poster
	logger *slog.Logger

	// matchRules is true on a message bus, where the daemon must be told
	// which signals to route to us. Peer-to-peer connections (PulseAudio)
	// send everything the server was asked to emit.
	matchRules bool

	mu     sync.Mutex
	nextID SubscriptionHandle
	subs   map[SubscriptionHandle]*busSubscription
	closed bool

	signals  chan *dbus.Signal
	done     chan struct{}
	doneOnce sync.Once
}

// NewDBusBus wraps conn and starts the signal pump.
func NewDBusBus(conn *dbus.Conn, name string, matchRules bool, loop poster, logger *slog.Logger) *DBusBus {
	b := &DBusBus{
		conn:       conn,
		name:       name,
		loop:       loop,
		logger:     logger.With("bus", name),
		matchRules: matchRules,
		subs:       make(map[SubscriptionHandle]*busSubscription),
		signals:    make(chan *dbus.Signal, 64),
		done:       make(chan struct{}),
	}
	conn.Signal(b.signals)
	go b.pump()
	return b
}

// Done is closed when the underlying connection is gone.
func (b *DBusBus) Done() <-chan struct{} { return b.done }

// Close closes the connection. Done is closed once the pump drains.
func (b *DBusBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}

// pump fans incoming signals out to matching subscriptions. godbus closes
// the channel when the connection terminates.
func (b *DBusBus) pump() {
	defer b.doneOnce.Do(func() { close(b.done) })

	for sig := range b.signals {
		b.mu.Lock()
		var targets []func(*dbus.Signal)
		for _, s := range b.subs {
			if s.rule.matches(sig) {
				targets = append(targets, s.deliver)
			}
		}
		b.mu.Unlock()

		for _, deliver := range targets {
			deliver := deliver
			sig := sig
			if !b.loop.Post(func() { deliver(sig) }) {
				return
			}
		}
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		b.logger.Error("bus connection lost")
	}
}

// Object returns a handle for service/path.
func (b *DBusBus) Object(service string, path dbus.ObjectPath) RemoteObject {
	return &dbusObject{bus: b, obj: b.conn.Object(service, path)}
}

// Subscribe registers deliver for signals matching rule.
func (b *DBusBus) Subscribe(rule SignalRule, deliver func(*dbus.Signal)) (SubscriptionHandle, error) {
	if deliver == nil {
		return 0, errors.New("subscribe: nil deliver func")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrBusClosed
	}
	b.mu.Unlock()

	if b.matchRules {
		if err := b.conn.AddMatchSignal(rule.matchOptions()...); err != nil {
			return 0, fmt.Errorf("add match %s: %w", rule.Name(), err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	h := b.nextID
	b.subs[h] = &busSubscription{rule: rule, deliver: deliver}

	b.logger.Debug("signal subscribed", "signal", rule.Name(), "path", rule.Path, "handle", h)
	return h, nil
}

// Unsubscribe removes a subscription. Unknown handles are ignored.
func (b *DBusBus) Unsubscribe(h SubscriptionHandle) error {
	b.mu.Lock()
	s, ok := b.subs[h]
	if ok {
		delete(b.subs, h)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	b.logger.Debug("signal unsubscribed", "signal", s.rule.Name(), "path", s.rule.Path, "handle", h)

	if b.matchRules {
		if err := b.conn.RemoveMatchSignal(s.rule.matchOptions()...); err != nil {
			return fmt.Errorf("remove match %s: %w", s.rule.Name(), err)
		}
	}
	return nil
}

type dbusObject struct {
	bus *DBusBus
	obj dbus.BusObject
}

func (o *dbusObject) Path() dbus.ObjectPath { return o.obj.Path() }

func (o *dbusObject) GetProperty(iface, name string) (dbus.Variant, error) {
	v, err := o.obj.GetProperty(iface + "." + name)
	if err != nil {
		return dbus.Variant{}, fmt.Errorf("get %s.%s on %s: %w", iface, name, o.obj.Path(), err)
	}
	return v, nil
}

func (o *dbusObject) CallAsync(iface, method string, args []any, onSuccess func(body []any), onError func(error)) {
	member := iface + "." + method
	ch := make(chan *dbus.Call, 1)
	o.obj.Go(member, 0, ch, args...)

	go func() {
		call := <-ch
		o.bus.loop.Post(func() {
			if call.Err != nil {
				if onError != nil {
					onError(fmt.Errorf("%s on %s: %w", member, o.obj.Path(), call.Err))
				}
				return
			}
			if onSuccess != nil {
				onSuccess(call.Body)
			}
		})
	}()
}

// ----------------------------------------------------------------------------
// Connections
// ----------------------------------------------------------------------------

// connectSessionBus opens a private session bus connection. An empty address
// uses DBUS_SESSION_BUS_ADDRESS.
func connectSessionBus(address string) (*dbus.Conn, error) {
	if address == "" {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, fmt.Errorf("connect session bus: %w", err)
		}
		return conn, nil
	}
	conn, err := dbus.Connect(address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	return conn, nil
}

// lookupPulseAddress asks the PulseAudio server lookup object on the
// session bus for the address of its private D-Bus server.
func lookupPulseAddress(lookup RemoteObject) (string, error) {
	v, err := lookup.GetProperty(pulseLookupInterface, "Address")
	if err != nil {
		return "", fmt.Errorf("lookup pulseaudio address: %w", err)
	}
	addr, ok := v.Value().(string)
	if !ok || addr == "" {
		return "", fmt.Errorf("lookup pulseaudio address: unexpected value %v", v)
	}
	return addr, nil
}

// dialPulse opens the peer-to-peer connection to the PulseAudio server.
// There is no bus daemon on the other end, so no Hello is sent.
func dialPulse(address string) (*dbus.Conn, error) {
	conn, err := dbus.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("dial pulseaudio %s: %w", address, err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth pulseaudio %s: %w", address, err)
	}
	return conn, nil
}
