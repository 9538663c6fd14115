package gossip

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgossip/internal/telemetry"
)

// EventLogger is the audit hook for membership changes: observer added or
// removed subject from its list. Calls are fire-and-forget.
type EventLogger interface {
	LogAdd(observer, subject Address)
	LogRemove(observer, subject Address)
}

// EventLoggers fans every event out to each logger in order.
type EventLoggers []EventLogger

func (ls EventLoggers) LogAdd(observer, subject Address) {
	for _, l := range ls {
		l.LogAdd(observer, subject)
	}
}

func (ls EventLoggers) LogRemove(observer, subject Address) {
	for _, l := range ls {
		l.LogRemove(observer, subject)
	}
}

// ZapEventLogger writes membership events as structured log lines.
type ZapEventLogger struct {
	Logger *zap.Logger
}

func (l ZapEventLogger) LogAdd(observer, subject Address) {
	l.Logger.Info("node added",
		zap.Stringer("observer", observer),
		zap.Stringer("subject", subject))
}

func (l ZapEventLogger) LogRemove(observer, subject Address) {
	l.Logger.Info("node removed",
		zap.Stringer("observer", observer),
		zap.Stringer("subject", subject))
}

// MetricsEventLogger counts membership events per observing node.
type MetricsEventLogger struct{}

func (MetricsEventLogger) LogAdd(observer, _ Address) {
	telemetry.MembershipEvents.WithLabelValues(observer.String(), EventAdd.String()).Inc()
}

func (MetricsEventLogger) LogRemove(observer, _ Address) {
	telemetry.MembershipEvents.WithLabelValues(observer.String(), EventRemove.String()).Inc()
}

type EventKind uint8

const (
	EventAdd EventKind = iota
	EventRemove
)

func (k EventKind) String() string {
	if k == EventRemove {
		return "remove"
	}
	return "add"
}

// Event is one recorded membership change.
type Event struct {
	Kind     EventKind
	Observer Address
	Subject  Address
}

// EventRecorder keeps every event in memory. It is safe for concurrent use.
type EventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *EventRecorder) LogAdd(observer, subject Address) {
	r.record(Event{Kind: EventAdd, Observer: observer, Subject: subject})
}

func (r *EventRecorder) LogRemove(observer, subject Address) {
	r.record(Event{Kind: EventRemove, Observer: observer, Subject: subject})
}

func (r *EventRecorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind k observer recorded about subject.
func (r *EventRecorder) Count(k EventKind, observer, subject Address) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k && e.Observer == observer && e.Subject == subject {
			n++
		}
	}
	return n
}
