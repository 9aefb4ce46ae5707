// Package call is the dating call session orchestrator. The Controller runs
// one call attempt at a time on a single event loop; every stimulus (relay
// messages, transport callbacks, timers, UI intents, persistence results) is
// queued and handled there, and nothing else mutates session state.
package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jonboulle/clockwork"

	"github.com/petervdpas/heartline/internal/game"
	"github.com/petervdpas/heartline/internal/media"
	"github.com/petervdpas/heartline/internal/metrics"
	"github.com/petervdpas/heartline/internal/proto"
	"github.com/petervdpas/heartline/internal/signaling"
	"github.com/petervdpas/heartline/internal/util"
)

var log = logging.Logger("call")

// inbound lists every relay message the controller subscribes to.
var inbound = []string{
	proto.MsgFindCallUser,
	proto.MsgQueueEmpty,
	proto.MsgCallTimeout,
	proto.MsgCallUser,
	proto.MsgCallAccepted,
	proto.MsgLeaveCall,
	proto.MsgEndCall,
	proto.MsgCreateDatingCall,
	proto.MsgRequestGame,
	proto.MsgRejectGame,
	proto.MsgAcceptGame,
	proto.MsgCompleteGame,
	proto.MsgDisconnect,
}

type Options struct {
	Profile proto.Profile

	// SettlementGrace is how long a callee that ended first waits for the
	// caller's end_call before creating the record itself.
	SettlementGrace time.Duration
	// SettlementTimeout bounds the wait for the peer's create_dating_call.
	SettlementTimeout time.Duration

	Game    game.Options
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
	// History is how many recent events Recent can return.
	History int
}

type Controller struct {
	ch    signaling.Channel
	tr    Transport
	media MediaSource
	store Store
	opts  Options
	clock clockwork.Clock
	m     *metrics.Metrics
	game  *game.Controller

	ctx    context.Context
	cancel context.CancelFunc

	qmu       sync.Mutex
	queue     []func()
	stopped   bool
	wake      chan struct{}
	quit      chan struct{}
	exited    chan struct{}
	offs      []func()
	closeOnce sync.Once

	// Loop-confined.
	local      *media.Stream
	acquiring  bool
	attempt    uint64
	s          *session
	violations int
	seq        uint64

	snapMu sync.RWMutex
	snap   Snapshot

	subMu   sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
	history *util.RingBuffer[Event]
}

// New creates a Controller attached to ch and starts its event loop.
func New(ch signaling.Channel, tr Transport, src MediaSource, store Store, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SettlementTimeout <= 0 {
		opts.SettlementTimeout = 10 * time.Second
	}
	if opts.History <= 0 {
		opts.History = 200
	}
	opts.Game.Clock = opts.Clock
	opts.Game.Metrics = opts.Metrics

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		ch:      ch,
		tr:      tr,
		media:   src,
		store:   store,
		opts:    opts,
		clock:   opts.Clock,
		m:       opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
		subs:    make(map[uint64]chan Event),
		history: util.NewRingBuffer[Event](opts.History),
	}
	c.s = newSession(0, c.clock)
	c.game = game.New(gameHost{c}, store, opts.Game)
	c.publish()

	for _, name := range inbound {
		name := name
		c.offs = append(c.offs, ch.On(name, func(payload json.RawMessage) {
			c.post(func() { c.handle(name, payload) })
		}))
	}
	go c.loop()
	return c
}

// ── Event loop ───────────────────────────────────────────────────────────────

// post queues fn for the loop. It never blocks; false means the controller
// is closed.
func (c *Controller) post(fn func()) bool {
	c.qmu.Lock()
	if c.stopped {
		c.qmu.Unlock()
		return false
	}
	c.queue = append(c.queue, fn)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Controller) next() (func(), bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	fn := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return fn, true
}

func (c *Controller) loop() {
	defer close(c.exited)
	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		}
		for {
			fn, ok := c.next()
			if !ok {
				break
			}
			fn()
			c.publish()
		}
	}
}

// do runs fn on the loop and waits for its result. The snapshot already
// reflects fn when do returns.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !c.post(func() {
		err := fn()
		c.publish()
		res <- err
	}) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.exited:
		return ErrClosed
	}
}

// ── Intents ──────────────────────────────────────────────────────────────────

// Find starts a new call attempt: acquire local media (first time only),
// then announce availability.
func (c *Controller) Find(ctx context.Context) error { return c.do(ctx, c.find) }

// Leave abandons the attempt from any active status without settlement.
func (c *Controller) Leave(ctx context.Context) error { return c.do(ctx, c.leave) }

// End finishes a connected call and settles it.
func (c *Controller) End(ctx context.Context) error { return c.do(ctx, c.end) }

func (c *Controller) RequestGame(ctx context.Context) error {
	return c.do(ctx, func() error { return c.withGame(c.game.Request) })
}

func (c *Controller) AcceptGame(ctx context.Context) error {
	return c.do(ctx, func() error { return c.withGame(c.game.Accept) })
}

func (c *Controller) RejectGame(ctx context.Context) error {
	return c.do(ctx, func() error { return c.withGame(c.game.Reject) })
}

func (c *Controller) Answer(ctx context.Context, option int) error {
	return c.do(ctx, func() error {
		return c.withGame(func() error { return c.game.Answer(option) })
	})
}

func (c *Controller) Highlight(ctx context.Context, option int) error {
	return c.do(ctx, func() error {
		return c.withGame(func() error { return c.game.Highlight(option) })
	})
}

func (c *Controller) withGame(fn func() error) error {
	if c.s.status != StatusConnected {
		return ErrInvalidState
	}
	return fn()
}

// Close leaves any active attempt, releases local media and stops the loop.
// Safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		_ = c.do(context.Background(), func() error {
			switch {
			case c.s.status.Active():
				_ = c.leave()
			case c.s.status == StatusEnding:
				log.Warnf("CALL [%d]: closed before settlement finished", c.s.attempt)
				c.stopSettleTimer()
				c.releaseTransport()
			}
			c.game.Teardown()
			return nil
		})
		for _, off := range c.offs {
			off()
		}
		c.cancel()

		c.qmu.Lock()
		c.stopped = true
		c.queue = nil
		c.qmu.Unlock()
		close(c.quit)
		<-c.exited

		c.media.Release()

		c.subMu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.subMu.Unlock()
	})
	return nil
}

// ── Observation ──────────────────────────────────────────────────────────────

// Snapshot returns the state as of the last handled event.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Subscribe returns a channel of events. Slow subscribers miss events rather
// than stall the loop. cancel is idempotent.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
		c.subMu.Unlock()
	}
}

// Recent returns up to n of the latest events, oldest first.
func (c *Controller) Recent(n int) []Event { return c.history.Last(n) }

func (c *Controller) publish() {
	s := Snapshot{
		Attempt:       c.s.attempt,
		Status:        c.s.status,
		Role:          c.s.role,
		Local:         c.opts.Profile,
		HasTransport:  c.s.hasHandle,
		PendingSignal: c.s.pendingRemote != nil,
		SearchSeconds: c.s.search.Seconds(),
		CallSeconds:   c.s.call.Seconds(),
		Record:        c.s.record,
		Game:          c.game.Snapshot(),
		Violations:    c.violations,
	}
	if c.s.remote != nil {
		r := *c.s.remote
		s.Remote = &r
	}
	if c.s.stream != nil {
		st := c.s.stream.Stats()
		s.RemoteStream = &st
	}

	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
}

func (c *Controller) emit(ev Event) {
	c.seq++
	ev.Seq = c.seq
	ev.Status = c.s.status
	ev.At = c.clock.Now()
	c.history.Push(ev)

	c.subMu.Lock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	c.subMu.Unlock()
}

func (c *Controller) notice(kind, msg string) {
	c.emit(Event{Kind: EventNotice, Notice: kind, Message: msg})
}

func (c *Controller) setStatus(s Status) {
	if c.s.status == s {
		return
	}
	log.Debugf("CALL [%d]: %s → %s", c.s.attempt, c.s.status, s)
	c.s.status = s
	c.emit(Event{Kind: EventStatus})
}

func (c *Controller) send(name string, payload any) error {
	return c.ch.Send(name, payload)
}

// gameHost lets the game controller share the call's event loop.
type gameHost struct{ c *Controller }

func (h gameHost) Context() context.Context            { return h.c.ctx }
func (h gameHost) Send(name string, payload any) error { return h.c.send(name, payload) }
func (h gameHost) Post(fn func())                      { h.c.post(fn) }
func (h gameHost) Notice(kind, msg string)             { h.c.notice(kind, msg) }

func (h gameHost) Changed() {
	snap := h.c.game.Snapshot()
	h.c.emit(Event{Kind: EventGame, Game: &snap})
}
