package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ============================================================================
// SignalRouter - subscription table + dispatch
// ============================================================================
//
// The router owns two pieces of state:
//   - table:  the declared subscriptions, (signal, scope) -> reaction names
//   - active: the subscriptions that are live on the bus right now
//
// Deliveries are dispatched by running the entry's reactions in list order,
// synchronously, inside one event loop callback. A reaction may change router
// state (Rescope) before the next reaction of the same list runs.
//
// Every activation gets a fresh generation number. A delivery carries the
// generation it was subscribed with; once the subscription is torn down or
// replaced, deliveries that were already queued on the loop no longer match
// and are dropped.
// ============================================================================

var (
	ErrUnknownSignal   = errors.New("unknown signal")
	ErrUnknownReaction = errors.New("unknown reaction")
	ErrRouterLive      = errors.New("router already has live subscriptions")
)

// Signal enumerates the PulseAudio signals the router can subscribe to.
type Signal int

const (
	SignalFallbackSinkUpdated Signal = iota + 1
	SignalFallbackSinkUnset
	SignalDeviceVolumeUpdated
)

type signalSpec struct {
	iface  string
	member string
}

var signalTable = map[Signal]signalSpec{
	SignalFallbackSinkUpdated: {iface: pulseCoreInterface, member: "FallbackSinkUpdated"},
	SignalFallbackSinkUnset:   {iface: pulseCoreInterface, member: "FallbackSinkUnset"},
	SignalDeviceVolumeUpdated: {iface: pulseDeviceIface, member: "VolumeUpdated"},
}

// Name returns the fully qualified wire name, e.g.
// "org.PulseAudio.Core1.Device.VolumeUpdated".
func (s Signal) Name() string {
	spec, ok := signalTable[s]
	if !ok {
		return fmt.Sprintf("Signal(%d)", int(s))
	}
	return spec.iface + "." + spec.member
}

func (s Signal) String() string { return s.Name() }

func (s Signal) rule(scope DeviceIdentity) SignalRule {
	spec := signalTable[s]
	return SignalRule{Interface: spec.iface, Member: spec.member, Path: scope}
}

// ParseSignal resolves a fully qualified signal name.
func ParseSignal(name string) (Signal, error) {
	for sig := range signalTable {
		if sig.Name() == name {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
}

// ReactionName is the stable key of a reaction in a ReactionRegistry.
type ReactionName string

// Reaction is a named effect of a signal. The owning component's state is
// passed explicitly; body is the signal or reply body (nil for init).
type Reaction[S any] func(state S, body []any) error

// ReactionRegistry maps reaction names to reactions. It is built once per
// component and never modified afterwards.
type ReactionRegistry[S any] map[ReactionName]Reaction[S]

// SubscriptionKey identifies a subscription. An empty Scope subscribes to
// the signal on every object.
type SubscriptionKey struct {
	Signal Signal
	Scope  DeviceIdentity
}

func (k SubscriptionKey) String() string {
	if k.Scope == "" {
		return k.Signal.Name()
	}
	return k.Signal.Name() + "@" + string(k.Scope)
}

// SubscriptionEntry is one row of the subscription table.
type SubscriptionEntry struct {
	Signal    Signal
	Scope     DeviceIdentity
	Reactions []ReactionName
}

func (e SubscriptionEntry) key() SubscriptionKey {
	return SubscriptionKey{Signal: e.Signal, Scope: e.Scope}
}

type activeSubscription struct {
	entry  SubscriptionEntry
	handle SubscriptionHandle
	gen    uint64
}

// SignalRouter subscribes to remote signals and dispatches them to the
// reactions of the owning component. All methods must be called from the
// event loop.
type SignalRouter[S any] struct {
	bus      Bus
	core     RemoteObject
	state    S
	registry ReactionRegistry[S]
	logger   *slog.Logger

	table     map[SubscriptionKey]SubscriptionEntry
	active    map[SubscriptionKey]*activeSubscription
	listening map[Signal]bool
	gen       uint64
}

// NewSignalRouter creates a router dispatching to registry with state as the
// reaction state handle. core is the object that accepts ListenForSignal.
func NewSignalRouter[S any](bus Bus, core RemoteObject, state S, registry ReactionRegistry[S], logger *slog.Logger) *SignalRouter[S] {
	return &SignalRouter[S]{
		bus:       bus,
		core:      core,
		state:     state,
		registry:  registry,
		logger:    logger,
		table:     make(map[SubscriptionKey]SubscriptionEntry),
		active:    make(map[SubscriptionKey]*activeSubscription),
		listening: make(map[Signal]bool),
	}
}

func (r *SignalRouter[S]) checkReactions(names []ReactionName) error {
	for _, name := range names {
		if _, ok := r.registry[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownReaction, name)
		}
	}
	return nil
}

// Declare records that signal (optionally scoped) runs reactions in order.
// Unknown signals and reaction names are rejected here, not at dispatch.
func (r *SignalRouter[S]) Declare(signal Signal, scope DeviceIdentity, reactions []ReactionName) (SubscriptionEntry, error) {
	if _, ok := signalTable[signal]; !ok {
		return SubscriptionEntry{}, fmt.Errorf("%w: %d", ErrUnknownSignal, int(signal))
	}
	if err := r.checkReactions(reactions); err != nil {
		return SubscriptionEntry{}, fmt.Errorf("declare %s: %w", signal, err)
	}

	entry := SubscriptionEntry{
		Signal:    signal,
		Scope:     scope,
		Reactions: slices.Clone(reactions),
	}
	r.table[entry.key()] = entry
	return entry, nil
}

// ActivateDeclared activates every declared entry that is not live yet.
func (r *SignalRouter[S]) ActivateDeclared() error {
	keys := make([]SubscriptionKey, 0, len(r.table))
	for k := range r.table {
		keys = append(keys, k)
	}
	sortKeys(keys)

	for _, k := range keys {
		if err := r.Activate(r.table[k]); err != nil {
			return err
		}
	}
	return nil
}

// Activate subscribes entry on the bus. Activating an entry whose
// (signal, scope) is already live is a no-op.
func (r *SignalRouter[S]) Activate(entry SubscriptionEntry) error {
	key := entry.key()
	if _, ok := r.active[key]; ok {
		return nil
	}
	if _, ok := signalTable[entry.Signal]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSignal, int(entry.Signal))
	}
	if err := r.checkReactions(entry.Reactions); err != nil {
		return fmt.Errorf("activate %s: %w", key, err)
	}

	r.listen(entry.Signal)

	r.gen++
	gen := r.gen
	h, err := r.bus.Subscribe(entry.Signal.rule(entry.Scope), func(sig *dbus.Signal) {
		r.deliver(key, gen, sig)
	})
	if err != nil {
		return fmt.Errorf("activate %s: %w", key, err)
	}

	entry.Reactions = slices.Clone(entry.Reactions)
	r.table[key] = entry
	r.active[key] = &activeSubscription{entry: entry, handle: h, gen: gen}
	r.logger.Info("signal connected", "signal", entry.Signal.Name(), "scope", entry.Scope, "reactions", entry.Reactions)
	return nil
}

// Deactivate removes the (signal, scope) subscription. Removing a
// subscription that was never activated is a no-op.
func (r *SignalRouter[S]) Deactivate(signal Signal, scope DeviceIdentity) error {
	key := SubscriptionKey{Signal: signal, Scope: scope}
	delete(r.table, key)

	sub, ok := r.active[key]
	if !ok {
		r.logger.Debug("no subscription to remove", "signal", signal.Name(), "scope", scope)
		return nil
	}
	// Drop the local entry first: anything still queued for this generation
	// is stale from here on, even if the bus call below fails.
	delete(r.active, key)

	if err := r.bus.Unsubscribe(sub.handle); err != nil {
		return fmt.Errorf("deactivate %s: %w", key, err)
	}
	r.logger.Info("signal disconnected", "signal", signal.Name(), "scope", scope)
	return nil
}

// Rescope moves the signal subscription from oldScope to newScope with the
// given reactions. The old subscription is gone and the new one is live when
// Rescope returns. An empty newScope only tears down.
func (r *SignalRouter[S]) Rescope(signal Signal, oldScope, newScope DeviceIdentity, reactions []ReactionName) error {
	if oldScope == newScope {
		if _, ok := r.active[SubscriptionKey{Signal: signal, Scope: newScope}]; ok {
			return nil
		}
	}

	if err := r.checkReactions(reactions); err != nil {
		return fmt.Errorf("rescope %s: %w", signal, err)
	}

	if err := r.Deactivate(signal, oldScope); err != nil {
		// The local entry is already gone; a failed bus-side removal only
		// leaves a match rule behind.
		r.logger.Warn("rescope teardown failed", "signal", signal.Name(), "scope", oldScope, "error", err)
	}

	if newScope == "" {
		return nil
	}

	entry, err := r.Declare(signal, newScope, reactions)
	if err != nil {
		return err
	}
	return r.Activate(entry)
}

// DispatchInit runs reactions once with no payload. It bootstraps state the
// live subscriptions depend on and is refused once anything is live.
func (r *SignalRouter[S]) DispatchInit(reactions []ReactionName) error {
	if len(r.active) > 0 {
		return ErrRouterLive
	}
	if err := r.checkReactions(reactions); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	r.dispatch("init", reactions, nil)
	return nil
}

// DispatchReply runs reactions for the body of an async reply.
func (r *SignalRouter[S]) DispatchReply(source string, reactions []ReactionName, body []any) error {
	if err := r.checkReactions(reactions); err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	r.dispatch(source, reactions, body)
	return nil
}

// IsActive reports whether (signal, scope) is live.
func (r *SignalRouter[S]) IsActive(signal Signal, scope DeviceIdentity) bool {
	_, ok := r.active[SubscriptionKey{Signal: signal, Scope: scope}]
	return ok
}

// Active returns the live subscriptions, sorted.
func (r *SignalRouter[S]) Active() []SubscriptionKey {
	keys := make([]SubscriptionKey, 0, len(r.active))
	for k := range r.active {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// listen asks the server to start emitting signal. PulseAudio only puts a
// signal on the connection after ListenForSignal; an empty object list means
// every object, so one request per signal name is enough.
func (r *SignalRouter[S]) listen(signal Signal) {
	if r.listening[signal] || r.core == nil {
		return
	}
	r.listening[signal] = true

	name := signal.Name()
	r.core.CallAsync(pulseCoreInterface, "ListenForSignal",
		[]any{name, []dbus.ObjectPath{}},
		nil,
		func(err error) {
			r.logger.Error("ListenForSignal failed", "signal", name, "error", err)
			r.listening[signal] = false
		})
	r.logger.Debug("requested signal emission", "signal", name)
}

func (r *SignalRouter[S]) deliver(key SubscriptionKey, gen uint64, sig *dbus.Signal) {
	sub, ok := r.active[key]
	if !ok || sub.gen != gen {
		r.logger.Debug("dropping stale delivery", "subscription", key.String(), "path", sig.Path)
		return
	}
	if key.Scope != "" && sig.Path != key.Scope {
		r.logger.Debug("dropping delivery for other scope", "subscription", key.String(), "path", sig.Path)
		return
	}
	r.dispatch(key.String(), sub.entry.Reactions, sig.Body)
}

// dispatch runs reactions in order. A failing reaction is logged and the
// rest of the list is skipped; later reactions may depend on its effect.
func (r *SignalRouter[S]) dispatch(source string, reactions []ReactionName, body []any) {
	r.logger.Debug("dispatching", "source", source, "reactions", reactions)

	for _, name := range reactions {
		fn, ok := r.registry[name]
		if !ok {
			r.logger.Error("reaction not registered", "source", source, "reaction", name)
			return
		}
		if err := r.invoke(fn, body); err != nil {
			r.logger.Error("reaction failed", "source", source, "reaction", name, "error", err)
			return
		}
	}
}

func (r *SignalRouter[S]) invoke(fn Reaction[S], body []any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(r.state, body)
}

func sortKeys(keys []SubscriptionKey) {
	slices.SortFunc(keys, func(a, b SubscriptionKey) int {
		if a.Signal != b.Signal {
			return int(a.Signal) - int(b.Signal)
		}
		return strings.Compare(string(a.Scope), string(b.Scope))
	})
}
