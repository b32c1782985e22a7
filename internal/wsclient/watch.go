package wsclient

import (
	"sync"

	"github.com/example/ride-tracking/internal/models"
)

// Update is either a new sample or the end-of-trip signal.
type Update struct {
	Sample models.LocationSample
	Ended  bool
}

// Watch receives updates for one trip. Only the newest undelivered update
// is kept; a reader that falls behind skips intermediate samples.
type Watch struct {
	TripID string

	conn    *Conn
	mu      sync.Mutex
	updates chan Update
	done    chan struct{}
	once    sync.Once
}

func (w *Watch) C() <-chan Update { return w.updates }

// Done is closed when the Watch is closed locally or the connection shuts down.
func (w *Watch) Done() <-chan struct{} { return w.done }

func (w *Watch) Close() {
	w.conn.unwatch(w)
	w.finish()
}

func (w *Watch) finish() {
	w.once.Do(func() { close(w.done) })
}

func (w *Watch) offer(u Update) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	// an end signal must not be replaced by a later sample
	select {
	case old := <-w.updates:
		if old.Ended {
			u = old
		}
	default:
	}
	w.updates <- u
}
