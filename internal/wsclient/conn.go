package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-tracking/internal/channel"
	"github.com/example/ride-tracking/internal/models"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrClosed       = errors.New("channel connection closed")
)

type Options struct {
	Token            string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	ReadTimeout      time.Duration
	WriteWait        time.Duration
	Logger           *slog.Logger
	Dialer           *websocket.Dialer
}

// Conn is the process-wide channel connection. It is created once, shared
// by every watcher and publisher in the process, and reconnects on its own:
// after a drop it re-subscribes watched trips and re-claims published ones
// under the same trip ids.
//
// Reconnect delay starts at ReconnectInitial, doubles per failed attempt,
// is capped at ReconnectMax and resets after a successful dial.
type Conn struct {
	url    string
	header http.Header
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	watches   map[string]map[*Watch]struct{}
	claims    map[string]channel.StartTrip
	connected chan struct{} // closed while a socket is attached
	closed    bool
	cancel    context.CancelFunc
	stopped   chan struct{}
	onError   func(channel.ErrorPayload)
}

func New(url string, opts Options) *Conn {
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 75 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	h := http.Header{}
	if opts.Token != "" {
		h.Set("Authorization", "Bearer "+opts.Token)
	}
	return &Conn{
		url:       url,
		header:    h,
		opts:      opts,
		logger:    opts.Logger.With("component", "wsclient"),
		watches:   make(map[string]map[*Watch]struct{}),
		claims:    make(map[string]channel.StartTrip),
		connected: make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// OnError registers a callback for error frames sent by the server.
func (c *Conn) OnError(fn func(channel.ErrorPayload)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// Start runs the connect loop in the background until Close or ctx ends.
func (c *Conn) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go func() {
		defer close(c.stopped)
		c.run(ctx)
	}()
}

// WaitConnected blocks until a socket is attached.
func (c *Conn) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	ch := c.connected
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	ws := c.ws
	var watches []*Watch
	for _, set := range c.watches {
		for w := range set {
			watches = append(watches, w)
		}
	}
	c.mu.Unlock()

	for _, w := range watches {
		w.finish()
	}
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	if cancel != nil {
		cancel()
		<-c.stopped
	}
	return nil
}

func (c *Conn) run(ctx context.Context) {
	delay := c.opts.ReconnectInitial
	for {
		ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("channel dial failed", "error", err, "retry_in", delay)
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay = nextDelay(delay, c.opts.ReconnectMax)
			continue
		}
		delay = c.opts.ReconnectInitial

		if !c.attach(ws) {
			_ = ws.Close()
			return
		}
		c.readLoop(ws)
		c.detach(ws)
		if ctx.Err() != nil {
			return
		}
		c.logger.Info("channel connection lost, reconnecting")
	}
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}

// attach installs ws as the live socket and replays claims and watches.
func (c *Conn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.ws = ws
	claims := make([]channel.StartTrip, 0, len(c.claims))
	for _, st := range c.claims {
		claims = append(claims, st)
	}
	trips := make([]string, 0, len(c.watches))
	for trip := range c.watches {
		trips = append(trips, trip)
	}
	close(c.connected)
	c.mu.Unlock()

	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteWait))
	})
	for _, st := range claims {
		if err := c.write(channel.EventStartTrip, st); err != nil {
			c.logger.Warn("re-claim failed", "trip_id", st.TripID, "error", err)
		}
	}
	for _, trip := range trips {
		if err := c.write(channel.EventSubscribe, channel.TripRef{TripID: trip}); err != nil {
			c.logger.Warn("re-subscribe failed", "trip_id", trip, "error", err)
		}
	}
	c.logger.Info("channel connected", "claims", len(claims), "watches", len(trips))
	return true
}

func (c *Conn) detach(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.connected = make(chan struct{})
	}
	c.mu.Unlock()
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env channel.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("invalid frame from server", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env channel.Envelope) {
	switch env.Event {
	case channel.EventLocationUpdate:
		var u channel.LocationUpdate
		if err := json.Unmarshal(env.Data, &u); err != nil {
			return
		}
		s := models.LocationSample{TripID: u.TripID, Seq: u.Seq, Lat: u.Location.Latitude, Lon: u.Location.Longitude, CapturedAt: u.CapturedAt}
		for _, w := range c.watchers(u.TripID) {
			w.offer(Update{Sample: s})
		}
	case channel.EventTripEnded:
		var ref channel.TripRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			return
		}
		for _, w := range c.watchers(ref.TripID) {
			w.offer(Update{Ended: true})
		}
	case channel.EventError:
		var p channel.ErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		c.mu.Lock()
		fn := c.onError
		c.mu.Unlock()
		c.logger.Warn("channel error", "trip_id", p.TripID, "message", p.Message)
		if fn != nil {
			fn(p)
		}
	}
}

func (c *Conn) watchers(trip string) []*Watch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Watch, 0, len(c.watches[trip]))
	for w := range c.watches[trip] {
		out = append(out, w)
	}
	return out
}

func (c *Conn) write(event string, data any) error {
	frame, err := channel.Encode(event, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = ws.Close()
		return ErrNotConnected
	}
	return nil
}

// Watch subscribes to a trip. The subscription survives reconnects until
// the Watch is closed.
func (c *Conn) Watch(tripID string) (*Watch, error) {
	if tripID == "" {
		return nil, channel.ErrEmptyTripID
	}
	w := &Watch{TripID: tripID, conn: c, updates: make(chan Update, 1), done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	set, first := c.watches[tripID], false
	if set == nil {
		set = make(map[*Watch]struct{})
		c.watches[tripID] = set
		first = true
	}
	set[w] = struct{}{}
	c.mu.Unlock()

	if first {
		// while disconnected the subscribe is sent on attach
		if err := c.write(channel.EventSubscribe, channel.TripRef{TripID: tripID}); err != nil && !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
	}
	return w, nil
}

func (c *Conn) unwatch(w *Watch) {
	c.mu.Lock()
	set := c.watches[w.TripID]
	delete(set, w)
	last := set != nil && len(set) == 0
	if last {
		delete(c.watches, w.TripID)
	}
	c.mu.Unlock()
	if last {
		_ = c.write(channel.EventUnsubscribe, channel.TripRef{TripID: w.TripID})
	}
}

// Claim announces this process as the publisher for a trip. The claim is
// recorded even when the write fails with ErrNotConnected and is replayed
// after every reconnect until EndTrip.
func (c *Conn) Claim(st channel.StartTrip) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.claims[st.TripID] = st
	c.mu.Unlock()
	return c.write(channel.EventStartTrip, st)
}

func (c *Conn) PublishLocation(tripID string, lat, lon float64, at time.Time) error {
	return c.write(channel.EventLocationUpdate, channel.LocationUpdate{
		TripID:     tripID,
		Location:   channel.Location{Latitude: lat, Longitude: lon},
		CapturedAt: at,
	})
}

// EndTrip drops the claim and tells subscribers the trip is over.
func (c *Conn) EndTrip(tripID string) error {
	c.mu.Lock()
	delete(c.claims, tripID)
	c.mu.Unlock()
	return c.write(channel.EventEndTrip, channel.TripRef{TripID: tripID})
}
