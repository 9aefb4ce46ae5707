// Package game runs the constructive game: a fixed sequence of questions
// both participants answer under a per-question countdown while the call is
// connected. The controller is confined to its host's event loop.
package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jonboulle/clockwork"

	"github.com/petervdpas/heartline/internal/metrics"
	"github.com/petervdpas/heartline/internal/proto"
)

var log = logging.Logger("game")

var (
	ErrInvalidState = errors.New("game: not allowed in current state")
	ErrBadOption    = errors.New("game: option out of range")
)

// Notice kinds raised through Host.Notice.
const (
	NoticeDeclined = "game_declined"
	NoticeFailed   = "game_failed"
)

type State int

const (
	StateNone State = iota
	StateProposed
	StateDeclined
	StateAccepted
	StateInProgress
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateProposed:
		return "proposed"
	case StateDeclined:
		return "declined"
	case StateAccepted:
		return "accepted"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Host is the owning event loop. Every Controller method must run on it;
// Post re-enters it from background work and timers.
type Host interface {
	Context() context.Context
	Send(name string, payload any) error
	Post(fn func())
	Notice(kind, message string)
	Changed()
}

// Store is the part of the persistence collaborator the game needs.
type Store interface {
	CreateConstructiveResult(ctx context.Context, firstUser, secondUser string) (proto.ConstructiveResult, error)
	UpdateAnswer(ctx context.Context, id, userID, questionID string, option int) (proto.ConstructiveResult, error)
	GetConstructiveResult(ctx context.Context, id string) (proto.ConstructiveResult, error)
}

type Options struct {
	Questions int
	Countdown time.Duration
	Bank      *QuestionBank
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
}

type Controller struct {
	host  Host
	store Store
	opts  Options

	active        bool
	gen           uint64
	local, remote string

	state          State
	requestPending bool
	proposer       string
	result         *proto.ConstructiveResult

	questions []Question
	index     int
	highlight int
	deadline  time.Time
	timer     clockwork.Timer
	timerGen  uint64

	inflight     int
	localDone    bool
	remoteDone   bool
	completeSent bool

	lastCompleted string
}

func New(host Host, store Store, opts Options) *Controller {
	if opts.Questions <= 0 {
		opts.Questions = 6
	}
	if opts.Countdown <= 0 {
		opts.Countdown = 15 * time.Second
	}
	if opts.Bank == nil {
		opts.Bank = DefaultBank()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Controller{host: host, store: store, opts: opts}
}

// Begin enables the game for a connected call between local and remote.
func (g *Controller) Begin(local, remote string) {
	g.reset()
	g.active = true
	g.local, g.remote = local, remote
	g.lastCompleted = ""
	g.host.Changed()
}

// Teardown removes the overlay when the call leaves Connected. The persisted
// game stays retrievable; it cannot be resumed.
func (g *Controller) Teardown() {
	if !g.active {
		return
	}
	if g.state == StateAccepted || g.state == StateInProgress {
		log.Infof("GAME [%s]: torn down at question %d/%d", g.sessionID(), g.index, len(g.questions))
		g.opts.Metrics.Game(metrics.GameAbandoned)
	}
	g.reset()
	g.active = false
	g.host.Changed()
}

// LastCompletedID is the id of the last game completed during this call.
func (g *Controller) LastCompletedID() string { return g.lastCompleted }

func (g *Controller) reset() {
	g.stopTimer()
	g.gen++
	g.state = StateNone
	g.requestPending = false
	g.proposer = ""
	g.result = nil
	g.questions = nil
	g.index, g.highlight, g.inflight = 0, 0, 0
	g.localDone, g.remoteDone, g.completeSent = false, false, false
}

// ── Local intents ────────────────────────────────────────────────────────────

func (g *Controller) Request() error {
	if !g.active {
		return ErrInvalidState
	}
	if g.requestPending {
		log.Debugf("GAME: request already pending, ignored")
		return nil
	}
	switch g.state {
	case StateNone, StateDeclined, StateCompleted:
	default:
		return ErrInvalidState
	}
	if err := g.host.Send(proto.MsgRequestGame, nil); err != nil {
		return err
	}
	g.reset()
	g.requestPending = true
	g.proposer = g.local
	g.state = StateProposed
	log.Infof("GAME: requested by %s", g.local)
	g.host.Changed()
	return nil
}

func (g *Controller) Accept() error {
	if !g.active || g.state != StateProposed || g.proposer != g.remote {
		return ErrInvalidState
	}
	g.accept()
	return nil
}

// Reject declines the peer's proposal or withdraws our own.
func (g *Controller) Reject() error {
	if !g.active || g.state != StateProposed {
		return ErrInvalidState
	}
	if err := g.host.Send(proto.MsgRejectGame, nil); err != nil {
		return err
	}
	g.requestPending = false
	g.state = StateDeclined
	g.opts.Metrics.Game(metrics.GameDeclined)
	log.Infof("GAME: declined by %s", g.local)
	g.host.Changed()
	return nil
}

// Answer submits option for the current question and advances.
func (g *Controller) Answer(option int) error {
	if err := g.checkOption(option); err != nil {
		return err
	}
	g.submit(option)
	return nil
}

// Highlight moves the option auto-submitted when the countdown expires.
func (g *Controller) Highlight(option int) error {
	if err := g.checkOption(option); err != nil {
		return err
	}
	g.highlight = option
	g.host.Changed()
	return nil
}

func (g *Controller) checkOption(option int) error {
	if !g.active || g.state != StateInProgress || g.localDone {
		return ErrInvalidState
	}
	if option < 0 || option >= len(g.questions[g.index].Options) {
		return ErrBadOption
	}
	return nil
}

// ── Inbound messages ─────────────────────────────────────────────────────────

// Handle processes one game message from the peer.
func (g *Controller) Handle(name string, payload json.RawMessage) {
	if !g.active {
		log.Debugf("GAME: %s ignored, no connected call", name)
		return
	}
	switch name {
	case proto.MsgRequestGame:
		g.onRequest()
	case proto.MsgRejectGame:
		g.onReject()
	case proto.MsgAcceptGame, proto.MsgCompleteGame:
		var p proto.GameResultPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.ConstructiveResult.ID == "" {
			log.Warnf("GAME: malformed %s payload", name)
			return
		}
		if name == proto.MsgAcceptGame {
			g.onAccept(p.ConstructiveResult)
		} else {
			g.onComplete(p.ConstructiveResult)
		}
	}
}

func (g *Controller) onRequest() {
	switch {
	case g.state == StateAccepted || g.state == StateInProgress:
		log.Warnf("GAME [%s]: request while a game is running, ignored", g.sessionID())
		return
	case g.requestPending:
		// Both sides asked at once; the higher user id accepts so exactly one
		// side creates the session.
		if g.local > g.remote {
			g.requestPending = false
			g.proposer = g.remote
			g.accept()
		}
		return
	}
	g.reset()
	g.state = StateProposed
	g.proposer = g.remote
	log.Infof("GAME: proposed by %s", g.remote)
	g.host.Changed()
}

func (g *Controller) onReject() {
	if g.state == StateInProgress {
		g.abort("the other side left the game")
		return
	}
	if g.state != StateProposed && g.state != StateAccepted {
		log.Debugf("GAME: reject in state %s ignored", g.state)
		return
	}
	g.gen++
	g.requestPending = false
	g.state = StateDeclined
	g.opts.Metrics.Game(metrics.GameDeclined)
	g.host.Notice(NoticeDeclined, "the other side declined the game")
	g.host.Changed()
}

func (g *Controller) onAccept(res proto.ConstructiveResult) {
	if g.state != StateProposed || !g.requestPending {
		log.Warnf("GAME: unexpected accept for %s in state %s", res.ID, g.state)
		return
	}
	g.requestPending = false
	g.start(res)
}

func (g *Controller) onComplete(res proto.ConstructiveResult) {
	if g.state != StateInProgress || g.result == nil || res.ID != g.result.ID {
		log.Debugf("GAME: complete for %s ignored in state %s", res.ID, g.state)
		return
	}
	g.remoteDone = true
	if g.localDone && g.inflight == 0 {
		g.fetch()
	}
}

// ── Session ──────────────────────────────────────────────────────────────────

func (g *Controller) accept() {
	if n := g.opts.Bank.Len(); n < g.opts.Questions {
		_ = g.host.Send(proto.MsgRejectGame, nil)
		g.abort(fmt.Sprintf("question bank has %d of %d questions", n, g.opts.Questions))
		return
	}
	g.state = StateAccepted
	g.host.Changed()

	gen, first, second := g.gen, g.proposer, g.local
	ctx := g.host.Context()
	go func() {
		res, err := g.store.CreateConstructiveResult(ctx, first, second)
		g.host.Post(func() { g.onCreated(gen, res, err) })
	}()
}

func (g *Controller) onCreated(gen uint64, res proto.ConstructiveResult, err error) {
	if gen != g.gen || g.state != StateAccepted {
		return
	}
	if err != nil {
		_ = g.host.Send(proto.MsgRejectGame, nil)
		g.abort(fmt.Sprintf("could not create game: %v", err))
		return
	}
	if err := g.host.Send(proto.MsgAcceptGame, proto.GameResultPayload{ConstructiveResult: res}); err != nil {
		g.abort(fmt.Sprintf("could not announce game: %v", err))
		return
	}
	g.start(res)
}

func (g *Controller) start(res proto.ConstructiveResult) {
	g.questions = g.opts.Bank.Pick(g.opts.Questions)
	if len(g.questions) < g.opts.Questions {
		// The peer expects a full sequence and would wait forever.
		_ = g.host.Send(proto.MsgRejectGame, nil)
		g.abort(fmt.Sprintf("question bank has %d of %d questions", len(g.questions), g.opts.Questions))
		return
	}
	g.result = &res
	g.index, g.highlight, g.inflight = 0, 0, 0
	g.localDone, g.remoteDone, g.completeSent = false, false, false
	g.state = StateInProgress
	log.Infof("GAME [%s]: started, %d questions", res.ID, len(g.questions))
	g.armCountdown()
	g.host.Changed()
}

func (g *Controller) armCountdown() {
	g.stopTimer()
	g.timerGen++
	gen, tg := g.gen, g.timerGen
	g.deadline = g.opts.Clock.Now().Add(g.opts.Countdown)
	g.timer = g.opts.Clock.AfterFunc(g.opts.Countdown, func() {
		g.host.Post(func() { g.expire(gen, tg) })
	})
}

func (g *Controller) stopTimer() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *Controller) expire(gen, tg uint64) {
	if gen != g.gen || tg != g.timerGen || g.state != StateInProgress || g.localDone {
		return
	}
	log.Debugf("GAME [%s]: question %d expired, submitting option %d", g.sessionID(), g.index, g.highlight)
	g.submit(g.highlight)
}

func (g *Controller) submit(option int) {
	g.stopTimer()
	q := g.questions[g.index]
	g.inflight++

	gen, id, user := g.gen, g.result.ID, g.local
	ctx := g.host.Context()
	go func() {
		res, err := g.store.UpdateAnswer(ctx, id, user, q.ID, option)
		g.host.Post(func() { g.onAnswered(gen, res, err) })
	}()

	g.index++
	g.highlight = 0
	if g.index >= len(g.questions) {
		g.localDone = true
	} else {
		g.armCountdown()
	}
	g.host.Changed()
}

func (g *Controller) onAnswered(gen uint64, res proto.ConstructiveResult, err error) {
	if gen != g.gen || g.state != StateInProgress {
		return
	}
	g.inflight--
	if err != nil {
		g.abort(fmt.Sprintf("answer not saved: %v", err))
		return
	}
	g.result = &res
	if !g.localDone || g.inflight > 0 {
		return
	}
	if !g.completeSent {
		g.completeSent = true
		if err := g.host.Send(proto.MsgCompleteGame, proto.GameResultPayload{ConstructiveResult: res}); err != nil {
			log.Warnf("GAME [%s]: send complete: %v", res.ID, err)
		}
	}
	g.fetch()
}

func (g *Controller) fetch() {
	gen, id := g.gen, g.result.ID
	ctx := g.host.Context()
	go func() {
		res, err := g.store.GetConstructiveResult(ctx, id)
		g.host.Post(func() { g.onFetched(gen, res, err) })
	}()
}

func (g *Controller) onFetched(gen uint64, res proto.ConstructiveResult, err error) {
	if gen != g.gen || g.state != StateInProgress {
		return
	}
	if err != nil {
		g.abort(fmt.Sprintf("could not read game result: %v", err))
		return
	}
	g.result = &res
	n := len(g.questions)
	if res.AnswerCount(g.local) < n || res.AnswerCount(g.remote) < n {
		log.Debugf("GAME [%s]: waiting for the other side (%d/%d)", res.ID, res.AnswerCount(g.remote), n)
		return
	}
	g.state = StateCompleted
	g.lastCompleted = res.ID
	g.opts.Metrics.Game(metrics.GameCompleted)
	if res.Compatibility != nil {
		log.Infof("GAME [%s]: completed, compatibility %d%%", res.ID, *res.Compatibility)
	} else {
		log.Infof("GAME [%s]: completed", res.ID)
	}
	g.host.Changed()
}

// abort tears the overlay down after a persistence failure.
func (g *Controller) abort(msg string) {
	log.Warnf("GAME [%s]: %s", g.sessionID(), msg)
	g.opts.Metrics.Game(metrics.GameFailed)
	g.reset()
	g.host.Notice(NoticeFailed, msg)
	g.host.Changed()
}

func (g *Controller) sessionID() string {
	if g.result == nil {
		return "-"
	}
	return g.result.ID
}

// ── View ─────────────────────────────────────────────────────────────────────

type Snapshot struct {
	State           string    `json:"state"`
	RequestPending  bool      `json:"request_pending"`
	ProposedByMe    bool      `json:"proposed_by_me,omitempty"`
	SessionID       string    `json:"session_id,omitempty"`
	Index           int       `json:"index"`
	Total           int       `json:"total"`
	Question        *Question `json:"question,omitempty"`
	Highlight       int       `json:"highlight"`
	Remaining       int       `json:"remaining_seconds,omitempty"`
	Compatibility   *int      `json:"compatibility,omitempty"`
	LastCompletedID string    `json:"last_completed_id,omitempty"`
}

func (g *Controller) Snapshot() Snapshot {
	s := Snapshot{
		State:           g.state.String(),
		RequestPending:  g.requestPending,
		ProposedByMe:    g.state == StateProposed && g.proposer == g.local,
		Index:           g.index,
		Total:           len(g.questions),
		Highlight:       g.highlight,
		LastCompletedID: g.lastCompleted,
	}
	if g.result != nil {
		s.SessionID = g.result.ID
		s.Compatibility = g.result.Compatibility
	}
	if g.state == StateInProgress && !g.localDone && g.index < len(g.questions) {
		q := g.questions[g.index]
		s.Question = &q
		if left := g.opts.Clock.Until(g.deadline); left > 0 {
			s.Remaining = int(math.Ceil(left.Seconds()))
		}
	}
	return s
}
