package channel

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
)

var (
	// ErrTopicClaimed means another publisher owns the trip.
	ErrTopicClaimed = errors.New("trip already has a publisher")
	ErrNotPublisher = errors.New("not the trip publisher")
	ErrEmptyTripID  = errors.New("empty trip id")
)

type MessageKind int

const (
	KindSample MessageKind = iota
	KindEnded
)

type Message struct {
	Kind   MessageKind
	Sample models.LocationSample
}

// Subscription receives the latest sample of one trip. Delivery is
// coalesced, not every sample: the mailbox holds a single message and a newer
// sample replaces one that was not read yet, so a slow reader skips
// intermediate positions. An unread end-of-trip message is never replaced.
type Subscription struct {
	TripID string

	hub     *Hub
	mailbox chan Message
	once    sync.Once
	done    chan struct{}
}

func (s *Subscription) C() <-chan Message { return s.mailbox }

// Done is closed once the subscription is removed from the hub.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Close() { s.hub.Unsubscribe(s) }

// offer must be called with the topic lock held so offers never interleave.
func (s *Subscription) offer(m Message) {
	select {
	case s.mailbox <- m:
		return
	default:
	}
	select {
	case old := <-s.mailbox:
		if old.Kind == KindEnded {
			// an unread end is never replaced
			m = old
		} else {
			observability.SamplesReplaced.Inc()
		}
	default:
	}
	select {
	case s.mailbox <- m:
	default:
	}
}

type topic struct {
	publisher string
	subs      map[*Subscription]struct{}
	last      *models.LocationSample
}

func (t *topic) refs() int {
	n := len(t.subs)
	if t.publisher != "" {
		n++
	}
	return n
}

// Sink receives every accepted sample, e.g. for durable fan-out to Kafka.
type Sink interface {
	Enqueue(s models.LocationSample)
}

// Hub is an in-process topic-per-trip pub/sub. Topics appear on first claim,
// publish or subscribe and are dropped once no publisher and no subscriber
// references them.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	// seq is hub-wide so a trip's numbering stays increasing even when its
	// topic is collected and recreated.
	seq uint64
}

func NewHub(logger *slog.Logger, sink Sink) *Hub {
	return &Hub{topics: make(map[string]*topic), sink: sink, logger: logger, now: time.Now}
}

func (h *Hub) topicLocked(tripID string) *topic {
	t, ok := h.topics[tripID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[tripID] = t
		observability.TopicsActive.Inc()
	}
	return t
}

func (h *Hub) gcLocked(tripID string, t *topic) {
	if t.refs() == 0 {
		delete(h.topics, tripID)
		observability.TopicsActive.Dec()
	}
}

// Claim makes publisherID the trip's only publisher. Re-claiming by the
// current publisher succeeds so a reconnecting driver resumes the same trip.
func (h *Hub) Claim(tripID, publisherID string) error {
	if tripID == "" {
		return ErrEmptyTripID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(tripID)
	if t.publisher != "" && t.publisher != publisherID {
		return ErrTopicClaimed
	}
	t.publisher = publisherID
	return nil
}

// Release gives up the publisher role without ending the trip.
func (h *Hub) Release(tripID, publisherID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[tripID]
	if !ok || t.publisher != publisherID {
		return
	}
	t.publisher = ""
	h.gcLocked(tripID, t)
}

// Publish stores the sample as the trip's last-known position and offers it
// to every subscriber without waiting on any of them. An unclaimed trip is
// claimed by the caller.
func (h *Hub) Publish(tripID, publisherID string, lat, lon float64, capturedAt time.Time) (models.LocationSample, error) {
	if tripID == "" {
		return models.LocationSample{}, ErrEmptyTripID
	}
	if capturedAt.IsZero() {
		capturedAt = h.now()
	}
	h.mu.Lock()
	t := h.topicLocked(tripID)
	if t.publisher == "" {
		t.publisher = publisherID
	}
	if t.publisher != publisherID {
		h.mu.Unlock()
		return models.LocationSample{}, ErrNotPublisher
	}
	h.seq++
	s := models.LocationSample{TripID: tripID, Seq: h.seq, Lat: lat, Lon: lon, CapturedAt: capturedAt}
	t.last = &s
	for sub := range t.subs {
		sub.offer(Message{Kind: KindSample, Sample: s})
	}
	h.mu.Unlock()

	observability.SamplesPublished.Inc()
	if h.sink != nil {
		h.sink.Enqueue(s)
	}
	return s, nil
}

// Subscribe registers interest in a trip. The last-known sample, if any, is
// already in the mailbox when Subscribe returns.
func (h *Hub) Subscribe(tripID string) (*Subscription, error) {
	if tripID == "" {
		return nil, ErrEmptyTripID
	}
	sub := &Subscription{TripID: tripID, hub: h, mailbox: make(chan Message, 1), done: make(chan struct{})}
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topicLocked(tripID)
	t.subs[sub] = struct{}{}
	if t.last != nil {
		sub.offer(Message{Kind: KindSample, Sample: *t.last})
	}
	observability.Subscribers.Inc()
	return sub, nil
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	sub.once.Do(func() {
		h.mu.Lock()
		if t, ok := h.topics[sub.TripID]; ok {
			if _, ok := t.subs[sub]; ok {
				delete(t.subs, sub)
				observability.Subscribers.Dec()
				h.gcLocked(sub.TripID, t)
			}
		}
		h.mu.Unlock()
		close(sub.done)
	})
}

// EndTrip tells subscribers the trip is over and drops the publisher and
// the last-known sample. Only the current publisher may end a trip; an
// unclaimed trip cannot be ended this way.
func (h *Hub) EndTrip(tripID, publisherID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[tripID]
	if !ok {
		return nil
	}
	if t.publisher == "" || t.publisher != publisherID {
		return ErrNotPublisher
	}
	h.endLocked(tripID, t)
	return nil
}

// Finish ends a trip whoever holds it. It is for the server once the ride
// itself has completed.
func (h *Hub) Finish(tripID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[tripID]; ok {
		h.endLocked(tripID, t)
	}
}

func (h *Hub) endLocked(tripID string, t *topic) {
	for sub := range t.subs {
		sub.offer(Message{Kind: KindEnded, Sample: models.LocationSample{TripID: tripID}})
	}
	t.publisher = ""
	t.last = nil
	h.gcLocked(tripID, t)
	if h.logger != nil {
		h.logger.Info("trip ended", "trip_id", tripID, "subscribers", len(t.subs))
	}
}

// Last returns the trip's last-known sample held by this process.
func (h *Hub) Last(tripID string) (models.LocationSample, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[tripID]
	if !ok || t.last == nil {
		return models.LocationSample{}, false
	}
	return *t.last, true
}

// Stats reports the number of live topics and subscriptions.
func (h *Hub) Stats() (topics, subscribers int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.topics {
		subscribers += len(t.subs)
	}
	return len(h.topics), subscribers
}
