package call

import (
	"context"
	"fmt"

	"github.com/petervdpas/heartline/internal/metrics"
	"github.com/petervdpas/heartline/internal/peer"
	"github.com/petervdpas/heartline/internal/proto"
)

type settleMode int

const (
	settleNone settleMode = iota
	// settleGrace: a callee that ended first waits for the caller's end_call.
	settleGrace
	// settleCreating: createDatingCall is in flight.
	settleCreating
	// settleAwaiting: the peer creates; we wait for its create_dating_call.
	settleAwaiting
)

func (m settleMode) String() string {
	switch m {
	case settleGrace:
		return "grace"
	case settleCreating:
		return "creating"
	case settleAwaiting:
		return "awaiting"
	}
	return "none"
}

// end is the local end intent.
func (c *Controller) end() error {
	if c.s.status != StatusConnected {
		return ErrInvalidState
	}
	c.beginEnding()
	if err := c.send(proto.MsgEndCall, proto.UserPayload{UserID: c.opts.Profile.UserID}); err != nil {
		log.Warnf("CALL [%d]: send end_call: %v", c.s.attempt, err)
	}

	if c.s.role == peer.RoleCaller || c.opts.SettlementGrace <= 0 {
		c.createRecord()
		return nil
	}

	c.s.settle = settleGrace
	attempt := c.s.attempt
	c.s.settleTimer = c.clock.AfterFunc(c.opts.SettlementGrace, func() {
		c.post(func() { c.onGraceExpired(attempt) })
	})
	return nil
}

func (c *Controller) onRemoteEnd() {
	switch c.s.status {
	case StatusConnected:
		c.beginEnding()
		c.awaitRecord()
	case StatusEnding:
		if c.s.settle == settleGrace {
			log.Debugf("CALL [%d]: caller ended too, yielding record creation", c.s.attempt)
			c.stopSettleTimer()
			c.awaitRecord()
		}
	case StatusOffering, StatusAnswering:
		c.toLeft("remote_ended", NoticeRemoteLeft, "the other side ended before the call connected")
	default:
		log.Debugf("CALL [%d]: end_call while %s ignored", c.s.attempt, c.s.status)
	}
}

// beginEnding freezes the call duration and moves to Ending. The transport
// stays open until settlement finishes.
func (c *Controller) beginEnding() {
	c.s.duration = c.s.call.Stop()
	c.s.gameID = c.game.LastCompletedID()
	c.game.Teardown()
	c.setStatus(StatusEnding)
	log.Infof("CALL [%d]: ending after %ds", c.s.attempt, c.s.duration)
}

func (c *Controller) onGraceExpired(attempt uint64) {
	if c.s.attempt != attempt || c.s.status != StatusEnding || c.s.settle != settleGrace {
		return
	}
	c.s.settleTimer = nil
	c.createRecord()
}

func (c *Controller) awaitRecord() {
	c.s.settle = settleAwaiting
	attempt := c.s.attempt
	c.s.settleTimer = c.clock.AfterFunc(c.opts.SettlementTimeout, func() {
		c.post(func() {
			if c.s.attempt == attempt && c.s.status == StatusEnding && c.s.settle == settleAwaiting {
				c.abandon(fmt.Sprintf("no record from the peer within %s", c.opts.SettlementTimeout))
			}
		})
	})
}

func (c *Controller) createRecord() {
	c.s.settle = settleCreating
	first, second := c.participants()
	attempt, duration, gameID := c.s.attempt, c.s.duration, c.s.gameID
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.SettlementTimeout)
		defer cancel()
		rec, err := c.store.CreateDatingCall(ctx, first, second, duration, gameID)
		c.post(func() { c.onRecordCreated(attempt, rec, err) })
	}()
}

func (c *Controller) onRecordCreated(attempt uint64, rec proto.DatingCall, err error) {
	if c.s.attempt != attempt || c.s.status != StatusEnding || c.s.settle != settleCreating {
		return
	}
	if err != nil {
		log.Errorf("CALL [%d]: create dating call: %v", c.s.attempt, err)
		c.m.Settled(metrics.SettlementFailed)
		c.notice(NoticeSettlement, "the call could not be recorded")
		c.finish(nil)
		return
	}
	if err := c.send(proto.MsgCreateDatingCall, proto.DatingCallPayload{DatingCallRecord: rec}); err != nil {
		log.Warnf("CALL [%d]: broadcast record %s: %v", c.s.attempt, rec.ID, err)
	}
	c.m.Settled(metrics.SettlementCreated)
	log.Infof("CALL [%d]: recorded dating call %s (%ds)", c.s.attempt, rec.ID, rec.Duration)
	c.finish(&rec)
}

// onRecord adopts the record broadcast by the peer.
func (c *Controller) onRecord(rec proto.DatingCall) {
	if c.s.status != StatusEnding {
		c.violation(proto.MsgCreateDatingCall, "record while "+c.s.status.String())
		return
	}
	if c.s.settle == settleCreating {
		c.violation(proto.MsgCreateDatingCall, "record while creating our own")
		return
	}
	first, second := c.participants()
	if rec.ID == "" || rec.FirstParticipant != first || rec.SecondParticipant != second {
		c.violation(proto.MsgCreateDatingCall, "record does not match this call")
		return
	}
	c.m.Settled(metrics.SettlementAdopted)
	log.Infof("CALL [%d]: adopted dating call %s", c.s.attempt, rec.ID)
	c.finish(&rec)
}

func (c *Controller) abandon(reason string) {
	log.Warnf("CALL [%d]: settlement abandoned: %s", c.s.attempt, reason)
	c.m.Settled(metrics.SettlementAbandoned)
	c.notice(NoticeSettlement, reason)
	c.finish(nil)
}

func (c *Controller) finish(rec *proto.DatingCall) {
	c.stopSettleTimer()
	c.s.settle = settleNone
	c.s.record = rec
	c.releaseTransport()
	c.m.CallDuration(c.s.duration)
	if rec != nil {
		r := *rec
		c.emit(Event{Kind: EventRecord, Record: &r})
	}
	c.setStatus(StatusEnded)
}

func (c *Controller) stopSettleTimer() {
	if c.s.settleTimer != nil {
		c.s.settleTimer.Stop()
		c.s.settleTimer = nil
	}
}

// participants returns (caller, callee) user ids.
func (c *Controller) participants() (string, string) {
	local, remote := c.opts.Profile.UserID, ""
	if c.s.remote != nil {
		remote = c.s.remote.UserID
	}
	if c.s.role == peer.RoleCaller {
		return local, remote
	}
	return remote, local
}
