package peer

import (
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/heartline/internal/media"
	"github.com/petervdpas/heartline/internal/proto"
)

type handle struct {
	id   HandleID
	role Role
	pc   *webrtc.PeerConnection
	cb   Callbacks

	timer clockwork.Timer
	done  chan struct{}

	mu            sync.Mutex
	state         State
	closed        bool
	remoteApplied bool
	offerSet      bool
	heldAnswer    *proto.Signal
	local         *proto.Signal
	remote        *RemoteStream
	onLocal       func(proto.Signal)
	onRemote      func(*RemoteStream)
}

func newHandle(id HandleID, role Role, pc *webrtc.PeerConnection, cb Callbacks) *handle {
	h := &handle{
		id:    id,
		role:  role,
		pc:    pc,
		cb:    cb,
		done:  make(chan struct{}),
		state: StateConnecting,
	}
	if cb.OnLocalSignal != nil {
		h.onLocal = func(sig proto.Signal) { cb.OnLocalSignal(id, sig) }
	}
	if cb.OnRemoteStream != nil {
		h.onRemote = func(rs *RemoteStream) { cb.OnRemoteStream(id, rs) }
	}
	return h
}

// attach adds the local tracks (or a recvonly audio transceiver so the SDP
// still has an audio m-line with ICE credentials) and wires pion callbacks.
func (h *handle) attach(local *media.Stream) error {
	if local.ReceiveOnly() {
		if _, err := h.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly audio: %w", err)
		}
	} else {
		for _, track := range local.Tracks {
			sender, err := h.pc.AddTrack(track)
			if err != nil {
				return fmt.Errorf("add track: %w", err)
			}
			// Interceptors only see RTCP that somebody reads.
			go func() {
				buf := make([]byte, 1500)
				for {
					if _, _, err := sender.Read(buf); err != nil {
						return
					}
				}
			}()
		}
	}

	h.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("PEER [%d]: connection state %s", h.id, s)
		switch s {
		case webrtc.PeerConnectionStateConnected:
			h.connected()
		case webrtc.PeerConnectionStateDisconnected:
			log.Warnf("PEER [%d]: disconnected, waiting for ICE to recover", h.id)
		case webrtc.PeerConnectionStateFailed:
			h.fail(ErrTransportFailed)
		}
	})

	h.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rs := newRemoteStream(track)
		go rs.drainRTP(track)
		go rs.drainRTCP(receiver)
		log.Infof("PEER [%d]: remote %s track %s (%s)", h.id, track.Kind(), track.ID(), rs.Codec)

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		h.remote = rs
		cb := h.onRemote
		h.mu.Unlock()
		if cb != nil {
			cb(rs)
		}
	})
	return nil
}

func (h *handle) applyRemote(sig proto.Signal) error {
	typ := webrtc.NewSDPType(sig.Type)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrUnknownHandle
	}
	switch {
	case typ == webrtc.SDPTypeOffer && h.role == RoleCallee:
	case typ == webrtc.SDPTypeAnswer && h.role == RoleCaller:
	default:
		h.mu.Unlock()
		return fmt.Errorf("%w: %s as %s", ErrUnexpectedSignal, sig.Type, h.role)
	}
	if h.remoteApplied {
		h.mu.Unlock()
		return ErrSignalApplied
	}
	h.remoteApplied = true

	if typ == webrtc.SDPTypeAnswer && !h.offerSet {
		held := sig
		h.heldAnswer = &held
		h.mu.Unlock()
		log.Debugf("PEER [%d]: answer held until the local offer is set", h.id)
		return nil
	}
	h.mu.Unlock()

	if typ == webrtc.SDPTypeOffer {
		go h.answer(sig)
	} else {
		go h.setRemote(sig)
	}
	return nil
}

func (h *handle) offer() {
	sd, err := h.pc.CreateOffer(nil)
	if err != nil {
		h.fail(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := h.describe(sd); err != nil {
		h.fail(fmt.Errorf("set local offer: %w", err))
		return
	}

	h.mu.Lock()
	h.offerSet = true
	held := h.heldAnswer
	h.heldAnswer = nil
	h.mu.Unlock()

	if held != nil {
		h.setRemote(*held)
	}
}

func (h *handle) answer(offer proto.Signal) {
	if err := h.setRemoteDescription(offer); err != nil {
		h.fail(fmt.Errorf("set remote offer: %w", err))
		return
	}
	sd, err := h.pc.CreateAnswer(nil)
	if err != nil {
		h.fail(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := h.describe(sd); err != nil {
		h.fail(fmt.Errorf("set local answer: %w", err))
	}
}

func (h *handle) setRemote(sig proto.Signal) {
	if err := h.setRemoteDescription(sig); err != nil {
		h.fail(fmt.Errorf("set remote answer: %w", err))
	}
}

func (h *handle) setRemoteDescription(sig proto.Signal) error {
	return h.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sig.Type),
		SDP:  sig.SDP,
	})
}

// describe sets the local description and publishes it once ICE gathering
// is complete. Signals are never trickled.
func (h *handle) describe(sd webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(sd); err != nil {
		return err
	}
	select {
	case <-gathered:
	case <-h.done:
		return nil
	}

	ld := h.pc.LocalDescription()
	if ld == nil {
		return fmt.Errorf("no local description after gathering")
	}
	sig := proto.Signal{Type: ld.Type.String(), SDP: ld.SDP}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.local = &sig
	cb := h.onLocal
	h.mu.Unlock()

	log.Debugf("PEER [%d]: local %s ready (%d bytes)", h.id, sig.Type, len(sig.SDP))
	if cb != nil {
		cb(sig)
	}
	return nil
}

func (h *handle) setOnLocal(cb func(proto.Signal)) {
	h.mu.Lock()
	h.onLocal = cb
	sig := h.local
	h.mu.Unlock()
	if sig != nil && cb != nil {
		cb(*sig)
	}
}

func (h *handle) setOnRemote(cb func(*RemoteStream)) {
	h.mu.Lock()
	h.onRemote = cb
	rs := h.remote
	h.mu.Unlock()
	if rs != nil && cb != nil {
		cb(rs)
	}
}

func (h *handle) connected() {
	h.mu.Lock()
	if h.closed || h.state != StateConnecting {
		h.mu.Unlock()
		return
	}
	h.state = StateConnected
	h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}
	log.Infof("PEER [%d]: connected", h.id)
	h.emit(StateConnected, nil)
}

func (h *handle) connectTimeout() {
	h.mu.Lock()
	pending := !h.closed && h.state == StateConnecting
	h.mu.Unlock()
	if pending {
		h.fail(ErrConnectTimeout)
	}
}

// fail reports the first failure only.
func (h *handle) fail(err error) {
	h.mu.Lock()
	if h.closed || h.state == StateFailed {
		h.mu.Unlock()
		return
	}
	h.state = StateFailed
	h.mu.Unlock()

	if h.timer != nil {
		h.timer.Stop()
	}
	log.Warnf("PEER [%d]: %v", h.id, err)
	h.emit(StateFailed, err)
}

func (h *handle) emit(s State, err error) {
	if h.cb.OnState != nil {
		h.cb.OnState(h.id, s, err)
	}
}

func (h *handle) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.state = StateClosed
	h.mu.Unlock()

	close(h.done)
	if h.timer != nil {
		h.timer.Stop()
	}
	if err := h.pc.Close(); err != nil {
		log.Warnf("PEER [%d]: close: %v", h.id, err)
	}
	log.Infof("PEER [%d]: closed", h.id)
}
