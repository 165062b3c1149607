package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeBus is an in-memory Bus. Deliveries and replies run synchronously
// in the test goroutine, which plays the event loop.
type fakeBus struct {
	events []string

	nextID  SubscriptionHandle
	subs    map[SubscriptionHandle]fakeSub
	objects map[dbus.ObjectPath]*fakeObject

	subscribeErr   error
	unsubscribeErr error
}

type fakeSub struct {
	rule    SignalRule
	deliver func(*dbus.Signal)
}

type fakeCall struct {
	Iface     string
	Method    string
	Args      []any
	onSuccess func([]any)
	onError   func(error)
}

type fakeObject struct {
	bus   *fakeBus
	path  dbus.ObjectPath
	calls []*fakeCall
	props map[string]dbus.Variant
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		subs:    make(map[SubscriptionHandle]fakeSub),
		objects: make(map[dbus.ObjectPath]*fakeObject),
	}
}

func (b *fakeBus) Object(_ string, path dbus.ObjectPath) RemoteObject {
	return b.object(path)
}

func (b *fakeBus) object(path dbus.ObjectPath) *fakeObject {
	o, ok := b.objects[path]
	if !ok {
		o = &fakeObject{bus: b, path: path, props: make(map[string]dbus.Variant)}
		b.objects[path] = o
	}
	return o
}

func ruleString(rule SignalRule) string {
	if rule.Path == "" {
		return rule.Name()
	}
	return rule.Name() + "@" + string(rule.Path)
}

func (b *fakeBus) Subscribe(rule SignalRule, deliver func(*dbus.Signal)) (SubscriptionHandle, error) {
	if b.subscribeErr != nil {
		return 0, b.subscribeErr
	}
	b.nextID++
	b.subs[b.nextID] = fakeSub{rule: rule, deliver: deliver}
	b.events = append(b.events, "subscribe "+ruleString(rule))
	return b.nextID, nil
}

func (b *fakeBus) Unsubscribe(h SubscriptionHandle) error {
	s, ok := b.subs[h]
	if !ok {
		return nil
	}
	delete(b.subs, h)
	b.events = append(b.events, "unsubscribe "+ruleString(s.rule))
	return b.unsubscribeErr
}

// emit delivers a signal to every matching subscription and returns how
// many matched.
func (b *fakeBus) emit(path dbus.ObjectPath, name string, body ...any) int {
	sig := &dbus.Signal{Path: path, Name: name, Body: body}

	handles := make([]SubscriptionHandle, 0, len(b.subs))
	for h := range b.subs {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })

	var targets []func(*dbus.Signal)
	for _, h := range handles {
		if s := b.subs[h]; s.rule.matches(sig) {
			targets = append(targets, s.deliver)
		}
	}
	for _, deliver := range targets {
		deliver(sig)
	}
	return len(targets)
}

// subscriptions lists live rules, sorted.
func (b *fakeBus) subscriptions() []string {
	out := make([]string, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, ruleString(s.rule))
	}
	sort.Strings(out)
	return out
}

// deliverFuncFor returns the deliver func of the live subscription for rule.
func (b *fakeBus) deliverFuncFor(rule string) func(*dbus.Signal) {
	for _, s := range b.subs {
		if ruleString(s.rule) == rule {
			return s.deliver
		}
	}
	return nil
}

// filterPrefix keeps the events starting with any of prefixes.
func filterPrefix(events []string, prefixes ...string) []string {
	var out []string
	for _, e := range events {
		for _, p := range prefixes {
			if strings.HasPrefix(e, p) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func indexOf(events []string, prefix string) int {
	for i, e := range events {
		if strings.HasPrefix(e, prefix) {
			return i
		}
	}
	return -1
}

func (o *fakeObject) Path() dbus.ObjectPath { return o.path }

func (o *fakeObject) GetProperty(iface, name string) (dbus.Variant, error) {
	v, ok := o.props[iface+"."+name]
	if !ok {
		return dbus.Variant{}, errors.New("no such property")
	}
	return v, nil
}

func (o *fakeObject) CallAsync(iface, method string, args []any, onSuccess func([]any), onError func(error)) {
	o.calls = append(o.calls, &fakeCall{Iface: iface, Method: method, Args: args, onSuccess: onSuccess, onError: onError})
	o.bus.events = append(o.bus.events, fmt.Sprintf("call %s %s.%s %v", o.path, iface, method, args))
}

// callsTo returns the calls to iface.method in order.
func (o *fakeObject) callsTo(iface, method string) []*fakeCall {
	var out []*fakeCall
	for _, c := range o.calls {
		if c.Iface == iface && c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (c *fakeCall) reply(body ...any) {
	if c.onSuccess != nil {
		c.onSuccess(body)
	}
}

func (c *fakeCall) fail(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// fakeSink records volumes pushed to the widget.
type fakeSink struct {
	volumes []uint32
}

func (s *fakeSink) SetDefaultVolume(v uint32) { s.volumes = append(s.volumes, v) }

// fakePublisher records state changes.
type fakePublisher struct {
	changes []StateChange
	snaps   []AudioSnapshot
}

func (p *fakePublisher) Publish(change StateChange, snap AudioSnapshot) {
	p.changes = append(p.changes, change)
	p.snaps = append(p.snaps, snap)
}

// inlinePoster runs posted callbacks immediately.
type inlinePoster struct{}

func (inlinePoster) Post(fn func()) bool {
	fn()
	return true
}
