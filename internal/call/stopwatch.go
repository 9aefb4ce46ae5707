package call

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Stopwatch measures whole elapsed seconds on an injectable clock. The
// optional tick callback only drives the UI; the recorded value always comes
// from the clock, so dropped or late ticks never skew it. Not safe for
// concurrent use; the controller only touches it from its loop.
type Stopwatch struct {
	clock   clockwork.Clock
	start   time.Time
	elapsed time.Duration
	running bool
	stop    chan struct{}
}

func NewStopwatch(clock clockwork.Clock) *Stopwatch {
	return &Stopwatch{clock: clock}
}

// Start begins measuring from zero. tick, if non-nil, is called once per
// second from a background goroutine until Stop.
func (w *Stopwatch) Start(tick func()) {
	if w.running {
		return
	}
	w.running = true
	w.start = w.clock.Now()
	w.elapsed = 0

	if tick == nil {
		return
	}
	t := w.clock.NewTicker(time.Second)
	stop := make(chan struct{})
	w.stop = stop
	go func() {
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.Chan():
				select {
				case <-stop:
					return
				default:
				}
				tick()
			}
		}
	}()
}

// Stop freezes the value and returns it. Stopping twice keeps the first value.
func (w *Stopwatch) Stop() int {
	if !w.running {
		return w.Seconds()
	}
	w.elapsed = w.clock.Since(w.start)
	w.running = false
	if w.stop != nil {
		close(w.stop)
		w.stop = nil
	}
	return w.Seconds()
}

func (w *Stopwatch) Running() bool { return w.running }

func (w *Stopwatch) Seconds() int {
	d := w.elapsed
	if w.running {
		d = w.clock.Since(w.start)
	}
	return int(d / time.Second)
}
