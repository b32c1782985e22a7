package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-tracking/internal/observability"
)

var ErrDriverOnly = errors.New("only drivers may publish")

// Peer is the authenticated user behind a connection.
type Peer struct {
	ID     string
	Driver bool
}

// PublishGuard decides whether a driver may publish for a trip.
type PublishGuard func(ctx context.Context, driverID, tripID string) error

type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	SendBuffer   int
	Guard        PublishGuard
}

// Server carries channel events between websocket connections and a Hub.
type Server struct {
	hub      *Hub
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, logger *slog.Logger, opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = 2 * opts.PingInterval
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}
	return &Server{
		hub:    hub,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type conn struct {
	id     string
	peer   Peer
	ws     *websocket.Conn
	srv    *Server
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	claims map[string]struct{}
}

// Serve upgrades the request and blocks until the connection closes.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, peer Peer) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws_upgrade_fail", "error", err)
		return
	}
	c := &conn{
		id:     uuid.NewString(),
		peer:   peer,
		ws:     ws,
		srv:    s,
		send:   make(chan []byte, s.opts.SendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*Subscription),
		claims: make(map[string]struct{}),
	}
	c.logger = s.logger.With("conn_id", c.id, "user_id", peer.ID)
	observability.WSConnections.Inc()
	c.logger.Info("ws_connected", "driver", peer.Driver)

	go c.writePump()
	c.readPump(r.Context())
	c.cleanup()
}

func (c *conn) cleanup() {
	close(c.done)
	c.mu.Lock()
	subs := c.subs
	claims := c.claims
	c.subs = nil
	c.claims = nil
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	// claims are released, not ended: the driver may reconnect and resume
	for trip := range claims {
		c.srv.hub.Release(trip, c.peer.ID)
	}
	_ = c.ws.Close()
	observability.WSConnections.Dec()
	c.logger.Info("ws_disconnected", "subscriptions", len(subs), "claims", len(claims))
}

func (c *conn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(8 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.srv.opts.PongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("ws_read_error", "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.sendError("", "invalid frame")
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("ws_write_fail", "error", err)
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.srv.opts.WriteWait)); err != nil {
				c.logger.Warn("ws_ping_fail", "error", err)
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *conn) handle(ctx context.Context, env Envelope) {
	switch env.Event {
	case EventLocationUpdate:
		var u LocationUpdate
		if err := json.Unmarshal(env.Data, &u); err != nil || u.TripID == "" {
			c.sendError(u.TripID, "invalid location update")
			return
		}
		if !validLocation(u.Location) {
			c.sendError(u.TripID, "location out of range")
			return
		}
		if err := c.claim(ctx, u.TripID); err != nil {
			c.sendError(u.TripID, err.Error())
			return
		}
		if _, err := c.srv.hub.Publish(u.TripID, c.peer.ID, u.Location.Latitude, u.Location.Longitude, u.CapturedAt); err != nil {
			c.sendError(u.TripID, err.Error())
		}

	case EventStartTrip:
		var st StartTrip
		if err := json.Unmarshal(env.Data, &st); err != nil || st.TripID == "" {
			c.sendError(st.TripID, "invalid start trip")
			return
		}
		if err := c.claim(ctx, st.TripID); err != nil {
			c.sendError(st.TripID, err.Error())
			return
		}
		c.logger.Info("trip_started", "trip_id", st.TripID, "passengers", len(st.Passengers))

	case EventEndTrip:
		var ref TripRef
		if err := json.Unmarshal(env.Data, &ref); err != nil || ref.TripID == "" {
			c.sendError("", "invalid end trip")
			return
		}
		// ending goes through the same guard and claim as publishing
		if err := c.claim(ctx, ref.TripID); err != nil {
			c.sendError(ref.TripID, err.Error())
			return
		}
		err := c.srv.hub.EndTrip(ref.TripID, c.peer.ID)
		c.mu.Lock()
		delete(c.claims, ref.TripID)
		c.mu.Unlock()
		if err != nil {
			c.sendError(ref.TripID, err.Error())
		}

	case EventSubscribe:
		var ref TripRef
		if err := json.Unmarshal(env.Data, &ref); err != nil || ref.TripID == "" {
			c.sendError("", "invalid subscribe")
			return
		}
		c.subscribe(ref.TripID)

	case EventUnsubscribe:
		var ref TripRef
		if err := json.Unmarshal(env.Data, &ref); err != nil || ref.TripID == "" {
			c.sendError("", "invalid unsubscribe")
			return
		}
		c.mu.Lock()
		sub := c.subs[ref.TripID]
		delete(c.subs, ref.TripID)
		c.mu.Unlock()
		if sub != nil {
			sub.Close()
		}

	default:
		c.sendError("", "unknown event "+env.Event)
	}
}

// claim checks the guard the first time this connection publishes for a
// trip and then holds the trip's publisher role.
func (c *conn) claim(ctx context.Context, tripID string) error {
	if !c.peer.Driver {
		return ErrDriverOnly
	}
	c.mu.Lock()
	_, held := c.claims[tripID]
	c.mu.Unlock()
	if held {
		return nil
	}
	if g := c.srv.opts.Guard; g != nil {
		if err := g(ctx, c.peer.ID, tripID); err != nil {
			return err
		}
	}
	if err := c.srv.hub.Claim(tripID, c.peer.ID); err != nil {
		return err
	}
	c.mu.Lock()
	if c.claims != nil {
		c.claims[tripID] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

func (c *conn) subscribe(tripID string) {
	sub, err := c.srv.hub.Subscribe(tripID)
	if err != nil {
		c.sendError(tripID, err.Error())
		return
	}
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		sub.Close()
		return
	}
	old := c.subs[tripID]
	c.subs[tripID] = sub
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go c.forward(sub)
}

// forward moves messages from a subscription mailbox to the socket. Only
// this goroutine waits on a slow socket; the hub never does.
func (c *conn) forward(sub *Subscription) {
	for {
		select {
		case <-c.done:
			return
		case <-sub.Done():
			return
		case m := <-sub.C():
			var frame []byte
			var err error
			if m.Kind == KindEnded {
				frame, err = Encode(EventTripEnded, TripRef{TripID: sub.TripID})
			} else {
				s := m.Sample
				frame, err = Encode(EventLocationUpdate, LocationUpdate{
					TripID:     s.TripID,
					Location:   Location{Latitude: s.Lat, Longitude: s.Lon},
					CapturedAt: s.CapturedAt,
					Seq:        s.Seq,
				})
			}
			if err != nil {
				c.logger.Error("encode frame", "error", err)
				continue
			}
			select {
			case c.send <- frame:
			case <-c.done:
				return
			}
		}
	}
}

func (c *conn) sendError(tripID, msg string) {
	frame, err := Encode(EventError, ErrorPayload{Message: msg, TripID: tripID})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("error frame dropped", "message", msg)
	}
}

func validLocation(l Location) bool {
	return !math.IsNaN(l.Latitude) && !math.IsNaN(l.Longitude) &&
		math.Abs(l.Latitude) <= 90 && math.Abs(l.Longitude) <= 180
}
