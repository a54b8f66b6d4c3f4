// Package eventbus dispatches plain-data events to typed listeners on a
// chosen lane.
//
// Publish defers delivery by one unit on the event's lane (next tick for
// logic, next frame for render and audio, a pool task for worker), so
// listeners always run in that lane's context. PublishImmediate skips the
// hop and delivers on the caller.
//
// Listener lists are copy-on-write: subscribe installs a new snapshot,
// removal filters into a new snapshot, and dispatch iterates whichever
// snapshot it loaded. Concurrent publish and unsubscribe never observe a
// torn list.
package eventbus

import (
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roach88/enginecore/internal/fault"
	"github.com/roach88/enginecore/internal/lane"
	"github.com/roach88/enginecore/internal/scheduler"
)

// Deferrer is the slice of the scheduler the bus needs.
type Deferrer interface {
	RunNext(l lane.Lane, task func()) scheduler.Handle
}

// DefaultLane receives events of types with no lane of their own.
const DefaultLane = lane.Logic

// Stats counts bus traffic.
type Stats struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	Types       int    `json:"types"`
	Subscribers int    `json:"subscribers"`
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// Bus is the event bus.
//
// Thread-safety: every method is safe from any goroutine.
type Bus struct {
	sched  Deferrer
	logger *slog.Logger

	lists    sync.Map // reflect.Type -> *listenerList
	wildcard listenerList
	lanes    sync.Map // reflect.Type -> lane.Lane

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates a bus that defers delivery through sched.
func New(sched Deferrer, opts ...Option) *Bus {
	b := &Bus{sched: sched}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

type listenerList struct {
	subs atomic.Pointer[[]*Subscription]
}

func (l *listenerList) snapshot() []*Subscription {
	if p := l.subs.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *listenerList) add(s *Subscription) {
	for {
		old := l.subs.Load()
		var cur []*Subscription
		if old != nil {
			cur = *old
		}
		next := make([]*Subscription, len(cur), len(cur)+1)
		copy(next, cur)
		next = append(next, s)
		if l.subs.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (l *listenerList) remove(s *Subscription) {
	for {
		old := l.subs.Load()
		if old == nil {
			return
		}
		next := make([]*Subscription, 0, len(*old))
		for _, cur := range *old {
			if cur != s {
				next = append(next, cur)
			}
		}
		if l.subs.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (b *Bus) list(t reflect.Type) *listenerList {
	if v, ok := b.lists.Load(t); ok {
		return v.(*listenerList)
	}
	v, _ := b.lists.LoadOrStore(t, &listenerList{})
	return v.(*listenerList)
}

// Subscription is a registered listener. Once closed it never delivers again.
type Subscription struct {
	id     uuid.UUID
	typ    reflect.Type // nil for wildcard
	fn     func(any)
	active atomic.Bool
	list   *listenerList
}

// ID returns the subscription id.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// Cancel deactivates the subscription. Returns false if it was already
// inactive.
func (s *Subscription) Cancel() bool {
	if !s.active.CompareAndSwap(true, false) {
		return false
	}
	s.list.remove(s)
	return true
}

// Close deactivates the subscription. It is idempotent and never fails.
func (s *Subscription) Close() error {
	s.Cancel()
	return nil
}

func (b *Bus) subscribe(t reflect.Type, list *listenerList, fn func(any)) *Subscription {
	s := &Subscription{
		id:   uuid.Must(uuid.NewV7()),
		typ:  t,
		fn:   fn,
		list: list,
	}
	s.active.Store(true)
	list.add(s)
	return s
}

// Subscribe registers fn for events whose dynamic type is exactly E.
func Subscribe[E any](b *Bus, fn func(E)) *Subscription {
	t := reflect.TypeFor[E]()
	return b.subscribe(t, b.list(t), func(ev any) { fn(ev.(E)) })
}

// SubscribeAll registers fn for every event, after typed listeners.
func (b *Bus) SubscribeAll(fn func(any)) *Subscription {
	return b.subscribe(nil, &b.wildcard, fn)
}

// SetDefaultLane routes Publish of events of type E onto l.
func SetDefaultLane[E any](b *Bus, l lane.Lane) {
	b.SetLaneFor(reflect.TypeFor[E](), l)
}

// SetLaneFor routes Publish of events of type t onto l.
func (b *Bus) SetLaneFor(t reflect.Type, l lane.Lane) {
	if !l.Valid() {
		panic(fault.Violation("eventbus: invalid lane %s for %s", l, t))
	}
	b.lanes.Store(t, l)
}

// LaneFor returns the lane Publish uses for events of type t.
func (b *Bus) LaneFor(t reflect.Type) lane.Lane {
	if v, ok := b.lanes.Load(t); ok {
		return v.(lane.Lane)
	}
	return DefaultLane
}

// Publish delivers ev on its type's lane after one unit of deferral.
// A nil event is ignored.
func (b *Bus) Publish(ev any) {
	if ev == nil {
		return
	}
	b.PublishOn(ev, b.LaneFor(reflect.TypeOf(ev)))
}

// PublishOn delivers ev on l after one unit of deferral.
func (b *Bus) PublishOn(ev any, l lane.Lane) {
	if ev == nil {
		return
	}
	b.published.Add(1)
	b.sched.RunNext(l, func() { b.dispatch(ev) })
}

// PublishImmediate delivers ev synchronously on the caller. The caller is
// responsible for the listeners' thread safety.
func (b *Bus) PublishImmediate(ev any) {
	if ev == nil {
		return
	}
	b.published.Add(1)
	b.dispatch(ev)
}

func (b *Bus) dispatch(ev any) {
	t := reflect.TypeOf(ev)
	if v, ok := b.lists.Load(t); ok {
		b.deliver(v.(*listenerList).snapshot(), ev)
	}
	b.deliver(b.wildcard.snapshot(), ev)
}

func (b *Bus) deliver(subs []*Subscription, ev any) {
	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		if r := fault.Catch(func() { s.fn(ev) }); r != nil {
			b.failed.Add(1)
			b.logger.Error("event listener failed",
				"event", reflect.TypeOf(ev).String(),
				"subscription", s.id,
				"error", r.AsError(),
			)
			continue
		}
		b.delivered.Add(1)
	}
}

// SubscriberCount returns the active listeners for events of type t,
// excluding wildcard listeners.
func (b *Bus) SubscriberCount(t reflect.Type) int {
	v, ok := b.lists.Load(t)
	if !ok {
		return 0
	}
	return len(v.(*listenerList).snapshot())
}

// SubscriberCountOf returns the active listeners for events of type E.
func SubscriberCountOf[E any](b *Bus) int {
	return b.SubscriberCount(reflect.TypeFor[E]())
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	st := Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
	}
	b.lists.Range(func(_, v any) bool {
		st.Types++
		st.Subscribers += len(v.(*listenerList).snapshot())
		return true
	})
	st.Subscribers += len(b.wildcard.snapshot())
	return st
}
