package rider

import (
	"log/slog"
	"sync"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/wsclient"
)

type ViewState int

const (
	// Waiting means the trip has not published a location yet.
	Waiting ViewState = iota
	Tracking
	Ended
	Closed
)

func (s ViewState) String() string {
	switch s {
	case Waiting:
		return "no location yet"
	case Tracking:
		return "tracking"
	case Ended:
		return "trip ended"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Watcher is satisfied by *wsclient.Conn.
type Watcher interface {
	Watch(tripID string) (*wsclient.Watch, error)
}

// View is an open tracking screen for one trip. It holds a subscription
// for exactly as long as it is open and drops it when closed or when the
// trip ends.
type View struct {
	TripID string

	watch   *wsclient.Watch
	logger  *slog.Logger
	updates chan models.LocationSample
	done    chan struct{}

	mu    sync.Mutex
	state ViewState
	last  models.LocationSample
	has   bool
	once  sync.Once
}

func Open(w Watcher, tripID string, logger *slog.Logger) (*View, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watch, err := w.Watch(tripID)
	if err != nil {
		return nil, err
	}
	v := &View{
		TripID:  tripID,
		watch:   watch,
		logger:  logger.With("component", "rider_view", "trip_id", tripID),
		updates: make(chan models.LocationSample, 1),
		done:    make(chan struct{}),
	}
	go v.loop()
	return v, nil
}

func (v *View) State() ViewState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// Last returns the newest location, if one arrived.
func (v *View) Last() (models.LocationSample, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last, v.has
}

// Updates delivers new locations; a slow reader sees only the newest.
func (v *View) Updates() <-chan models.LocationSample { return v.updates }

// Done is closed once the view stops receiving.
func (v *View) Done() <-chan struct{} { return v.done }

func (v *View) Close() { v.finish(Closed) }

func (v *View) finish(st ViewState) {
	v.once.Do(func() {
		v.mu.Lock()
		v.state = st
		v.mu.Unlock()
		v.watch.Close()
		close(v.done)
		v.logger.Info("view finished", "state", st.String())
	})
}

func (v *View) loop() {
	for {
		select {
		case <-v.done:
			return
		case <-v.watch.Done():
			v.finish(Closed)
			return
		case u := <-v.watch.C():
			if u.Ended {
				v.finish(Ended)
				return
			}
			v.mu.Lock()
			// replays after a reconnect may be older than what we hold
			if v.has && u.Sample.CapturedAt.Before(v.last.CapturedAt) {
				v.mu.Unlock()
				continue
			}
			v.last, v.has = u.Sample, true
			v.state = Tracking
			v.mu.Unlock()
			select {
			case <-v.updates:
			default:
			}
			v.updates <- u.Sample
		}
	}
}
