package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/heartline/internal/game"
	"github.com/petervdpas/heartline/internal/media"
	"github.com/petervdpas/heartline/internal/peer"
	"github.com/petervdpas/heartline/internal/proto"
)

var (
	ErrInvalidState = errors.New("call: not allowed in current state")
	ErrBusy         = errors.New("call: a search is already being prepared")
	ErrNoProfile    = errors.New("call: local profile has no user id")
	ErrClosed       = errors.New("call: controller closed")
)

// Transport is the only surface the controller needs from the peer package.
type Transport interface {
	Open(local *media.Stream, role peer.Role, cb peer.Callbacks) (peer.HandleID, error)
	ApplyRemoteSignal(id peer.HandleID, sig proto.Signal) error
	Close(id peer.HandleID)
}

// MediaSource hands out the local stream. Acquire may block on devices.
type MediaSource interface {
	Acquire(ctx context.Context) (*media.Stream, error)
	Release()
}

// Recorder is the settlement half of the persistence collaborator.
type Recorder interface {
	CreateDatingCall(ctx context.Context, first, second string, duration int, gameSessionID string) (proto.DatingCall, error)
	GetDatingCall(ctx context.Context, id string) (proto.DatingCall, error)
}

// Store is the full persistence collaborator.
type Store interface {
	Recorder
	game.Store
}

type Status int

const (
	StatusIdle Status = iota
	StatusSearching
	StatusOffering
	StatusAnswering
	StatusConnected
	StatusEnding
	StatusEnded
	StatusLeft
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSearching:
		return "searching"
	case StatusOffering:
		return "offering"
	case StatusAnswering:
		return "answering"
	case StatusConnected:
		return "connected"
	case StatusEnding:
		return "ending"
	case StatusEnded:
		return "ended"
	case StatusLeft:
		return "left"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether leave is allowed.
func (s Status) Active() bool {
	switch s {
	case StatusSearching, StatusOffering, StatusAnswering, StatusConnected:
		return true
	}
	return false
}

// Terminal reports whether a new search may start.
func (s Status) Terminal() bool {
	return s == StatusIdle || s == StatusEnded || s == StatusLeft
}

// Notice kinds. Notices are informational and never change the status.
const (
	NoticeQueueEmpty    = "queue_empty"
	NoticeSearchTimeout = "search_timeout"
	NoticeProtocol      = "protocol_violation"
	NoticeTransport     = "transport_error"
	NoticeRemoteLeft    = "remote_left"
	NoticeMedia         = "media_error"
	NoticeSettlement    = "settlement"
)

// Event kinds.
const (
	EventStatus       = "status"
	EventTick         = "tick"
	EventNotice       = "notice"
	EventRemoteStream = "remote_stream"
	EventGame         = "game"
	EventRecord       = "record"
)

// Event is published to subscribers for every observable change.
type Event struct {
	Seq     uint64            `json:"seq"`
	Kind    string            `json:"kind"`
	Status  Status            `json:"status"`
	Timer   string            `json:"timer,omitempty"` // "search" | "call"
	Seconds int               `json:"seconds,omitempty"`
	Notice  string            `json:"notice,omitempty"`
	Message string            `json:"message,omitempty"`
	Record  *proto.DatingCall `json:"record,omitempty"`
	Game    *game.Snapshot    `json:"game,omitempty"`
	At      time.Time         `json:"at"`
}

// Snapshot is the controller state as last published by the event loop.
type Snapshot struct {
	Attempt       uint64            `json:"attempt"`
	Status        Status            `json:"status"`
	Role          peer.Role         `json:"role,omitempty"`
	Local         proto.Profile     `json:"local"`
	Remote        *proto.Profile    `json:"remote,omitempty"`
	HasTransport  bool              `json:"has_transport"`
	PendingSignal bool              `json:"pending_signal"`
	SearchSeconds int               `json:"search_seconds"`
	CallSeconds   int               `json:"call_seconds"`
	Record        *proto.DatingCall `json:"record,omitempty"`
	RemoteStream  *peer.StreamStats `json:"remote_stream,omitempty"`
	Game          game.Snapshot     `json:"game"`
	Violations    int               `json:"violations"`
}
