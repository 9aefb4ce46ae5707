package call

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/petervdpas/heartline/internal/media"
	"github.com/petervdpas/heartline/internal/peer"
	"github.com/petervdpas/heartline/internal/proto"
)

// session is one call attempt. It is replaced, never reused, when a new
// search starts.
type session struct {
	attempt uint64
	status  Status
	role    peer.Role
	remote  *proto.Profile

	handle    peer.HandleID
	hasHandle bool

	// One slot each way: an offer that arrived before the matched
	// notification, and a local offer produced before it could be sent.
	pendingRemote     *proto.CallUserPayload
	pendingLocalOffer *proto.Signal
	remoteApplied     bool
	offerSent         bool

	search *Stopwatch
	call   *Stopwatch
	stream *peer.RemoteStream

	duration    int
	gameID      string
	settle      settleMode
	settleTimer clockwork.Timer
	record      *proto.DatingCall
}

func newSession(attempt uint64, clock clockwork.Clock) *session {
	return &session{
		attempt: attempt,
		status:  StatusIdle,
		search:  NewStopwatch(clock),
		call:    NewStopwatch(clock),
	}
}

// handle routes one relay message. Runs on the loop.
func (c *Controller) handle(name string, payload json.RawMessage) {
	switch name {
	case proto.MsgFindCallUser:
		var p proto.FindCallUserPayload
		if c.decode(name, payload, &p) {
			c.onMatched(p)
		}
	case proto.MsgQueueEmpty:
		c.onQueueEmpty()
	case proto.MsgCallTimeout:
		c.onSearchTimeout()
	case proto.MsgCallUser:
		var p proto.CallUserPayload
		if c.decode(name, payload, &p) {
			c.onCallUser(p)
		}
	case proto.MsgCallAccepted:
		var p proto.CallAcceptedPayload
		if c.decode(name, payload, &p) {
			c.onCallAccepted(p.Signal)
		}
	case proto.MsgLeaveCall:
		c.onRemoteLeave()
	case proto.MsgEndCall:
		c.onRemoteEnd()
	case proto.MsgCreateDatingCall:
		var p proto.DatingCallPayload
		if c.decode(name, payload, &p) {
			c.onRecord(p.DatingCallRecord)
		}
	case proto.MsgDisconnect:
		c.transportLost("relay_disconnect", errors.New("relay connection lost"))
	case proto.MsgRequestGame, proto.MsgRejectGame, proto.MsgAcceptGame, proto.MsgCompleteGame:
		if c.s.status != StatusConnected {
			c.violation(name, "game message while "+c.s.status.String())
			return
		}
		c.game.Handle(name, payload)
	}
}

func (c *Controller) decode(name string, payload json.RawMessage, v any) bool {
	if len(payload) == 0 {
		c.violation(name, "missing payload")
		return false
	}
	if err := json.Unmarshal(payload, v); err != nil {
		c.violation(name, "malformed payload: "+err.Error())
		return false
	}
	return true
}

func (c *Controller) violation(msg, reason string) {
	c.violations++
	c.m.ProtocolViolation(msg)
	log.Warnf("CALL [%d]: protocol violation on %s: %s", c.s.attempt, msg, reason)
	c.notice(NoticeProtocol, msg+": "+reason)
}

// ── Searching ────────────────────────────────────────────────────────────────

func (c *Controller) find() error {
	if c.acquiring {
		return ErrBusy
	}
	if !c.s.status.Terminal() {
		return ErrInvalidState
	}
	if c.opts.Profile.UserID == "" {
		return ErrNoProfile
	}
	if c.local != nil {
		c.startSearch()
		return nil
	}

	c.acquiring = true
	go func() {
		st, err := c.media.Acquire(c.ctx)
		c.post(func() { c.onMedia(st, err) })
	}()
	return nil
}

func (c *Controller) onMedia(st *media.Stream, err error) {
	c.acquiring = false
	if err != nil {
		log.Errorf("CALL: local media unavailable: %v", err)
		c.notice(NoticeMedia, err.Error())
		return
	}
	c.local = st
	if c.s.status.Terminal() {
		c.startSearch()
	}
}

func (c *Controller) startSearch() {
	c.attempt++
	c.s = newSession(c.attempt, c.clock)
	c.setStatus(StatusSearching)
	c.s.search.Start(c.ticker(c.s.attempt, "search"))
	c.m.SearchStarted()
	log.Infof("CALL [%d]: searching as %s", c.s.attempt, c.opts.Profile.UserID)

	if err := c.send(proto.MsgFindCallUser, proto.FindCallUserPayload{MyProfile: c.opts.Profile}); err != nil {
		c.transportLost("send", err)
	}
}

// ticker returns a stopwatch tick callback that re-enters the loop.
func (c *Controller) ticker(attempt uint64, timer string) func() {
	return func() {
		c.post(func() {
			if c.s.attempt != attempt {
				return
			}
			w := c.s.search
			if timer == "call" {
				w = c.s.call
			}
			if w.Running() {
				c.emit(Event{Kind: EventTick, Timer: timer, Seconds: w.Seconds()})
			}
		})
	}
}

func (c *Controller) onQueueEmpty() {
	if c.s.status != StatusSearching {
		log.Debugf("CALL [%d]: queue-empty notice while %s", c.s.attempt, c.s.status)
		return
	}
	c.notice(NoticeQueueEmpty, "nobody is available right now, still searching")
}

func (c *Controller) onSearchTimeout() {
	if c.s.status != StatusSearching {
		log.Debugf("CALL [%d]: call_timeout while %s ignored", c.s.attempt, c.s.status)
		return
	}
	c.m.SearchTimedOut()
	c.toLeft("search_timeout", NoticeSearchTimeout, "no match found in time")
}

func (c *Controller) onMatched(p proto.FindCallUserPayload) {
	if c.s.status != StatusSearching {
		c.violation(proto.MsgFindCallUser, "matched while "+c.s.status.String())
		return
	}
	remote := p.UserProfile
	if remote == nil || remote.UserID == "" {
		c.violation(proto.MsgFindCallUser, "matched without user_profile")
		return
	}
	if remote.UserID == c.opts.Profile.UserID {
		c.violation(proto.MsgFindCallUser, "matched with ourselves")
		return
	}
	role, err := resolveRole(p.Role, c.opts.Profile.UserID, remote.UserID)
	if err != nil {
		c.violation(proto.MsgFindCallUser, err.Error())
		return
	}

	c.s.search.Stop()
	r := *remote
	c.s.remote = &r
	c.s.role = role
	c.m.Matched()
	log.Infof("CALL [%d]: matched with %s as %s after %ds", c.s.attempt, r.UserID, role, c.s.search.Seconds())

	id, err := c.tr.Open(c.local, role, c.transportCallbacks())
	if err != nil {
		c.transportLost("open", err)
		return
	}
	c.s.handle, c.s.hasHandle = id, true

	if role == peer.RoleCaller {
		c.setStatus(StatusOffering)
		if c.s.pendingRemote != nil {
			c.s.pendingRemote = nil
			c.violation(proto.MsgCallUser, "offer received by the caller")
		}
		c.flushLocalOffer()
		return
	}

	c.setStatus(StatusAnswering)
	if p := c.s.pendingRemote; p != nil {
		c.s.pendingRemote = nil
		log.Debugf("CALL [%d]: applying buffered offer", c.s.attempt)
		c.acceptOffer(*p)
	}
}

// resolveRole honours an explicit role, otherwise the lower user id calls.
// Both sides compute the same answer.
func resolveRole(role, local, remote string) (peer.Role, error) {
	switch role {
	case proto.RoleCaller:
		return peer.RoleCaller, nil
	case proto.RoleCallee:
		return peer.RoleCallee, nil
	case "":
		if local < remote {
			return peer.RoleCaller, nil
		}
		return peer.RoleCallee, nil
	}
	return "", fmt.Errorf("unknown role %q", role)
}

// ── Negotiation ──────────────────────────────────────────────────────────────

func (c *Controller) transportCallbacks() peer.Callbacks {
	return peer.Callbacks{
		OnState: func(id peer.HandleID, s peer.State, err error) {
			c.post(func() { c.onTransportState(id, s, err) })
		},
		OnLocalSignal: func(id peer.HandleID, sig proto.Signal) {
			c.post(func() { c.onLocalSignal(id, sig) })
		},
		OnRemoteStream: func(id peer.HandleID, rs *peer.RemoteStream) {
			c.post(func() { c.onRemoteStream(id, rs) })
		},
	}
}

func (c *Controller) current(id peer.HandleID) bool {
	return c.s.hasHandle && c.s.handle == id
}

func (c *Controller) onCallUser(p proto.CallUserPayload) {
	switch c.s.status {
	case StatusSearching:
		if c.s.pendingRemote != nil {
			c.violation(proto.MsgCallUser, "second offer before the first was consumed")
			return
		}
		cp := p
		c.s.pendingRemote = &cp
		log.Debugf("CALL [%d]: offer from %s buffered until matched", c.s.attempt, p.UserFrom.UserID)
	case StatusAnswering:
		c.acceptOffer(p)
	default:
		c.violation(proto.MsgCallUser, "offer while "+c.s.status.String())
	}
}

func (c *Controller) acceptOffer(p proto.CallUserPayload) {
	if p.UserFrom.UserID != "" && p.UserFrom.UserID != c.s.remote.UserID {
		c.violation(proto.MsgCallUser, fmt.Sprintf("offer from %s while matched with %s", p.UserFrom.UserID, c.s.remote.UserID))
		return
	}
	if p.Signal.Type != proto.SignalOffer {
		c.violation(proto.MsgCallUser, "signal is not an offer")
		return
	}
	c.applyRemote(proto.MsgCallUser, p.Signal)
}

func (c *Controller) onCallAccepted(sig proto.Signal) {
	if c.s.status != StatusOffering {
		c.violation(proto.MsgCallAccepted, "answer while "+c.s.status.String())
		return
	}
	if sig.Type != proto.SignalAnswer {
		c.violation(proto.MsgCallAccepted, "signal is not an answer")
		return
	}
	c.applyRemote(proto.MsgCallAccepted, sig)
}

func (c *Controller) applyRemote(msg string, sig proto.Signal) {
	if c.s.remoteApplied {
		c.violation(msg, "remote signal already applied")
		return
	}
	if err := c.tr.ApplyRemoteSignal(c.s.handle, sig); err != nil {
		if errors.Is(err, peer.ErrSignalApplied) || errors.Is(err, peer.ErrUnexpectedSignal) {
			c.violation(msg, err.Error())
			return
		}
		c.transportLost("apply_signal", err)
		return
	}
	c.s.remoteApplied = true
}

func (c *Controller) onLocalSignal(id peer.HandleID, sig proto.Signal) {
	if !c.current(id) {
		return
	}
	switch {
	case c.s.status == StatusOffering && sig.Type == proto.SignalOffer:
		cp := sig
		c.s.pendingLocalOffer = &cp
		c.flushLocalOffer()
	case c.s.status == StatusAnswering && sig.Type == proto.SignalAnswer:
		if err := c.send(proto.MsgCallAccepted, proto.CallAcceptedPayload{Signal: sig}); err != nil {
			c.transportLost("send", err)
		}
	default:
		log.Debugf("CALL [%d]: local %s while %s dropped", c.s.attempt, sig.Type, c.s.status)
	}
}

// flushLocalOffer sends the local offer once both it and the remote profile
// are known.
func (c *Controller) flushLocalOffer() {
	if c.s.offerSent || c.s.pendingLocalOffer == nil || c.s.remote == nil || c.s.status != StatusOffering {
		return
	}
	sig := *c.s.pendingLocalOffer
	c.s.pendingLocalOffer = nil
	c.s.offerSent = true
	if err := c.send(proto.MsgCallUser, proto.CallUserPayload{UserFrom: c.opts.Profile, Signal: sig}); err != nil {
		c.transportLost("send", err)
	}
}

func (c *Controller) onTransportState(id peer.HandleID, s peer.State, err error) {
	if !c.current(id) {
		return
	}
	switch s {
	case peer.StateConnected:
		if c.s.status != StatusOffering && c.s.status != StatusAnswering {
			return
		}
		c.setStatus(StatusConnected)
		c.s.call.Start(c.ticker(c.s.attempt, "call"))
		log.Infof("CALL [%d]: connected with %s", c.s.attempt, c.s.remote.UserID)
		c.game.Begin(c.opts.Profile.UserID, c.s.remote.UserID)
	case peer.StateFailed:
		reason := "transport_failed"
		if errors.Is(err, peer.ErrConnectTimeout) {
			reason = "connect_timeout"
		}
		c.transportLost(reason, err)
	}
}

func (c *Controller) onRemoteStream(id peer.HandleID, rs *peer.RemoteStream) {
	if !c.current(id) {
		return
	}
	c.s.stream = rs
	c.emit(Event{Kind: EventRemoteStream, Message: rs.Codec})
}

// ── Leaving ──────────────────────────────────────────────────────────────────

func (c *Controller) leave() error {
	if !c.s.status.Active() {
		return ErrInvalidState
	}
	if err := c.send(proto.MsgLeaveCall, proto.UserPayload{UserID: c.opts.Profile.UserID}); err != nil {
		log.Warnf("CALL [%d]: send leave_call: %v", c.s.attempt, err)
	}
	c.toLeft("local", "", "")
	return nil
}

func (c *Controller) onRemoteLeave() {
	switch c.s.status {
	case StatusOffering, StatusAnswering, StatusConnected:
		c.toLeft("remote_left", NoticeRemoteLeft, "the other side left the call")
	default:
		log.Debugf("CALL [%d]: leave_call while %s ignored", c.s.attempt, c.s.status)
	}
}

// transportLost handles every transport error path: connect timeout, ICE
// failure, relay disconnect, failed sends. No retry.
func (c *Controller) transportLost(reason string, err error) {
	switch {
	case c.s.status.Active():
		c.m.TransportError(reason)
		c.toLeft(reason, NoticeTransport, fmt.Sprintf("%s: %v", reason, err))
	case c.s.status == StatusEnding && reason == "relay_disconnect" && c.s.settle != settleCreating:
		c.abandon("relay connection lost before the record arrived")
	default:
		log.Debugf("CALL [%d]: %s while %s: %v", c.s.attempt, reason, c.s.status, err)
	}
}

// toLeft releases exactly what the attempt acquired and moves to Left.
func (c *Controller) toLeft(reason, notice, msg string) {
	c.s.search.Stop()
	c.s.call.Stop()
	if c.s.status == StatusConnected {
		c.game.Teardown()
	}
	c.releaseTransport()
	c.s.pendingRemote = nil
	c.s.pendingLocalOffer = nil
	c.m.Left(reason)
	log.Infof("CALL [%d]: left (%s)", c.s.attempt, reason)
	c.setStatus(StatusLeft)
	if notice != "" {
		c.notice(notice, msg)
	}
}

func (c *Controller) releaseTransport() {
	if c.s.hasHandle {
		c.tr.Close(c.s.handle)
		c.s.hasHandle = false
	}
}
