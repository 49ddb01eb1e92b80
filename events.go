package lease

import (
	"time"

	"github.com/sirupsen/logrus"
)

// EventKind discriminates the three event shapes a Handle fires (spec.md §4.2).
type EventKind int

const (
	EventLeaseRenewed EventKind = iota
	EventLeaseRenewalFailed
	EventLeaseLost
)

func (k EventKind) String() string {
	switch k {
	case EventLeaseRenewed:
		return "LeaseRenewed"
	case EventLeaseRenewalFailed:
		return "LeaseRenewalFailed"
	case EventLeaseLost:
		return "LeaseLost"
	default:
		return "Unknown"
	}
}

// Event is the single fire-and-forget notification type delivered to
// Listeners. Only the fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	LeaseName string
	LeaseID   string
	Timestamp time.Time

	// EventLeaseRenewed fields.
	NewExpiresAt      time.Time
	ObservedExtension time.Duration

	// EventLeaseRenewalFailed fields.
	AttemptNumber int
	WillRetry     bool

	// EventLeaseLost fields.
	Reason                string
	LastSuccessfulRenewal time.Time

	// Err carries the triggering error for RenewalFailed/Lost events, nil
	// for Renewed.
	Err error
}

// Listener receives Events synchronously on the goroutine that fired them
// (spec.md §5). Implementations must not block or panic; the dispatcher
// recovers panics but a misbehaving listener still delays its siblings.
type Listener func(Event)

// eventBufferSize is not referenced by the dispatcher: events are delivered
// to Listeners only, and there is no channel-based subscription.
const eventBufferSize = 16

// dispatcher fans Events out to registered Listeners, swallowing listener
// panics so they can never corrupt the handle's internal state machine
// (spec.md §5, §7).
type dispatcher struct {
	log       logrus.FieldLogger
	listeners []Listener
}

func newDispatcher(log logrus.FieldLogger) *dispatcher {
	return &dispatcher{log: log}
}

// addListener registers a callback. Not safe for concurrent use with
// emit; callers serialize registration through the Handle's mutex.
func (d *dispatcher) addListener(l Listener) {
	if l != nil {
		d.listeners = append(d.listeners, l)
	}
}

func (d *dispatcher) emit(ev Event) {
	d.logEvent(ev)
	for _, l := range d.listeners {
		d.safeCall(l, ev)
	}
}

func (d *dispatcher) safeCall(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Warn("lease: event listener panicked, discarding")
		}
	}()
	l(ev)
}

func (d *dispatcher) logEvent(ev Event) {
	fields := logrus.Fields{
		"lease_name": ev.LeaseName,
		"lease_id":   ev.LeaseID,
		"event":      ev.Kind.String(),
	}
	switch ev.Kind {
	case EventLeaseRenewed:
		fields["renewal_count_advanced"] = true
		fields["observed_extension"] = ev.ObservedExtension
		d.log.WithFields(fields).Debug("lease renewed")
	case EventLeaseRenewalFailed:
		fields["attempt"] = ev.AttemptNumber
		fields["will_retry"] = ev.WillRetry
		d.log.WithFields(fields).WithError(ev.Err).Warn("lease renewal failed")
	case EventLeaseLost:
		fields["reason"] = ev.Reason
		d.log.WithFields(fields).WithError(ev.Err).Error("lease lost")
	}
}
