package realtime

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

const streamBuffer = 16

// Source is what a Dispatcher listens to. *Channel implements it.
type Source interface {
	SetHandler(func([]byte))
	WatchState(ctx context.Context) <-chan StateChange
}

// Dispatcher classifies inbound frames and fans them out to typed streams.
// Every subscriber of a stream receives every event of that stream once, in
// the order the connection delivered the frames. A slow subscriber slows the
// read loop down rather than losing events.
type Dispatcher struct {
	log          logrus.FieldLogger
	reservations fanout[ReservationEvent]
	tables       fanout[TableEvent]
	alerts       fanout[SystemAlert]
	errors       fanout[ServerError]
	states       fanout[StateChange]
	dropped      atomic.Uint64
}

func NewDispatcher(log logrus.FieldLogger) *Dispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{log: log.WithField("component", "dispatcher")}
}

// Attach makes d the receiver of src until ctx is done.
func (d *Dispatcher) Attach(ctx context.Context, src Source) {
	src.SetHandler(d.Handle)
	states := src.WatchState(ctx)
	go func() {
		for change := range states {
			d.PublishState(change)
		}
		src.SetHandler(nil)
	}()
}

// Handle parses one frame and delivers it. Malformed frames are logged,
// counted and dropped.
func (d *Dispatcher) Handle(raw []byte) {
	ev, err := ParseEvent(raw)
	if err != nil {
		d.dropped.Add(1)
		d.log.WithError(err).WithField("bytes", len(raw)).Error("dropping inbound message")
		return
	}
	switch e := ev.(type) {
	case ReservationEvent:
		d.reservations.publish(e)
	case TableEvent:
		d.tables.publish(e)
	case SystemAlert:
		d.alerts.publish(e)
	case ServerError:
		d.log.WithFields(logrus.Fields{
			"code":      e.Code,
			"entity_id": e.EntityID,
		}).Warn(e.Message)
		d.errors.publish(e)
	default:
		d.log.WithField("type", ev.Kind()).Warn("no stream for event")
	}
}

func (d *Dispatcher) PublishState(change StateChange) {
	d.states.publish(change)
}

// Dropped is the number of frames discarded as unparseable.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Reservations streams reservation and waitlist events until ctx is done.
func (d *Dispatcher) Reservations(ctx context.Context) <-chan ReservationEvent {
	return d.reservations.subscribe(ctx)
}

func (d *Dispatcher) Tables(ctx context.Context) <-chan TableEvent {
	return d.tables.subscribe(ctx)
}

func (d *Dispatcher) Alerts(ctx context.Context) <-chan SystemAlert {
	return d.alerts.subscribe(ctx)
}

// Errors streams the server's refusals of frames this client sent.
func (d *Dispatcher) Errors(ctx context.Context) <-chan ServerError {
	return d.errors.subscribe(ctx)
}

func (d *Dispatcher) ConnectionStates(ctx context.Context) <-chan StateChange {
	return d.states.subscribe(ctx)
}

type fanout[T any] struct {
	mu   sync.Mutex
	subs map[*subscription[T]]struct{}
}

type subscription[T any] struct {
	ctx    context.Context
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func (f *fanout[T]) subscribe(ctx context.Context) <-chan T {
	s := &subscription[T]{ctx: ctx, ch: make(chan T, streamBuffer)}
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[*subscription[T]]struct{})
	}
	f.subs[s] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, s)
		f.mu.Unlock()
		s.close()
	}()
	return s.ch
}

func (f *fanout[T]) publish(v T) {
	f.mu.Lock()
	subs := make([]*subscription[T], 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.send(v)
	}
}

func (s *subscription[T]) send(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- v:
	case <-s.ctx.Done():
	}
}

func (s *subscription[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
