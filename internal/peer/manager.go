// Package peer owns the WebRTC transport of a call. Coupling to the rest of
// heartline is through media.Stream, proto.Signal and Callbacks only.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/heartline/internal/media"
	"github.com/petervdpas/heartline/internal/proto"
)

var log = golog.Logger("peer")

var (
	ErrHandleOpen       = errors.New("peer: a transport is already open")
	ErrUnknownHandle    = errors.New("peer: unknown or closed handle")
	ErrUnexpectedSignal = errors.New("peer: signal does not fit this role")
	ErrSignalApplied    = errors.New("peer: remote signal already applied")
	ErrConnectTimeout   = errors.New("peer: connect timeout")
	ErrTransportFailed  = errors.New("peer: transport failed")
)

// HandleID identifies one transport for its whole life. IDs are never reused.
type HandleID uint64

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

type State int

const (
	StateConnecting State = iota
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Callbacks are invoked from pion goroutines. None of them fire after Close.
type Callbacks struct {
	OnState        func(id HandleID, s State, err error)
	OnLocalSignal  func(id HandleID, sig proto.Signal)
	OnRemoteStream func(id HandleID, rs *RemoteStream)
}

type Options struct {
	ICEServers     []string
	ConnectTimeout time.Duration

	Clock         clockwork.Clock
	LoggerFactory logging.LoggerFactory
	// Net replaces the host network stack (vnet in tests).
	Net transport.Net
}

// Manager owns at most one open transport.
type Manager struct {
	opts Options

	mu     sync.Mutex
	nextID HandleID
	cur    *handle
}

func New(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = NewLoggerFactory("warn")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	return &Manager{opts: opts}
}

// Open creates the transport for one call attempt. A caller starts producing
// its offer immediately; a callee waits for ApplyRemoteSignal.
func (m *Manager) Open(local *media.Stream, role Role, cb Callbacks) (HandleID, error) {
	if role != RoleCaller && role != RoleCallee {
		return 0, fmt.Errorf("peer: invalid role %q", role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return 0, ErrHandleOpen
	}

	pc, err := m.newPeerConnection(local)
	if err != nil {
		return 0, err
	}

	m.nextID++
	h := newHandle(m.nextID, role, pc, cb)
	if err := h.attach(local); err != nil {
		_ = pc.Close()
		return 0, err
	}
	h.timer = m.opts.Clock.AfterFunc(m.opts.ConnectTimeout, h.connectTimeout)
	m.cur = h

	log.Infof("PEER [%d]: opened as %s (%s)", h.id, role, streamLabel(local))
	if role == RoleCaller {
		go h.offer()
	}
	return h.id, nil
}

// ApplyRemoteSignal hands the peer's offer (callee) or answer (caller) to the
// transport. SDP work continues in the background; failures surface through
// OnState.
func (m *Manager) ApplyRemoteSignal(id HandleID, sig proto.Signal) error {
	h := m.lookup(id)
	if h == nil {
		return ErrUnknownHandle
	}
	return h.applyRemote(sig)
}

// OnLocalSignal replaces the local-signal callback. If the signal is already
// produced, cb runs immediately.
func (m *Manager) OnLocalSignal(id HandleID, cb func(proto.Signal)) error {
	h := m.lookup(id)
	if h == nil {
		return ErrUnknownHandle
	}
	h.setOnLocal(cb)
	return nil
}

// OnRemoteStream replaces the remote-stream callback. If the stream is
// already attached, cb runs immediately.
func (m *Manager) OnRemoteStream(id HandleID, cb func(*RemoteStream)) error {
	h := m.lookup(id)
	if h == nil {
		return ErrUnknownHandle
	}
	h.setOnRemote(cb)
	return nil
}

// Close tears the transport down. Safe on a closed or unknown handle.
func (m *Manager) Close(id HandleID) {
	m.mu.Lock()
	h := m.cur
	if h == nil || h.id != id {
		m.mu.Unlock()
		return
	}
	m.cur = nil
	m.mu.Unlock()

	h.close()
}

// Shutdown closes whatever transport is open.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	h := m.cur
	m.cur = nil
	m.mu.Unlock()

	if h != nil {
		h.close()
	}
}

// Current returns the open handle, if any.
func (m *Manager) Current() (HandleID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return 0, false
	}
	return m.cur.id, true
}

func (m *Manager) lookup(id HandleID) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.id != id {
		return nil
	}
	return m.cur
}

func (m *Manager) newPeerConnection(local *media.Stream) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := local.RegisterCodecs(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// A mid-call drop is treated as the remote leaving, so ICE gets a short
	// window to recover before the transport reports failed.
	se := webrtc.SettingEngine{LoggerFactory: m.opts.LoggerFactory}
	se.SetICETimeouts(5*time.Second, 15*time.Second, 2*time.Second)
	if m.opts.Net != nil {
		se.SetNet(m.opts.Net)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(m.opts.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: m.opts.ICEServers}}
	}
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}

func streamLabel(s *media.Stream) string {
	if s.ReceiveOnly() {
		return "receive-only"
	}
	return s.Label
}
