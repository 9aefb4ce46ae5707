package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/heartline/internal/call"
	"github.com/petervdpas/heartline/internal/config"
	"github.com/petervdpas/heartline/internal/game"
	"github.com/petervdpas/heartline/internal/media"
	"github.com/petervdpas/heartline/internal/peer"
	"github.com/petervdpas/heartline/internal/proto"
	"github.com/petervdpas/heartline/internal/relay"
	"github.com/petervdpas/heartline/internal/signaling"
	"github.com/petervdpas/heartline/internal/storage"
)

// loopTransport answers every offer and reports connected as soon as the
// remote signal is applied. No media flows.
type loopTransport struct {
	mu   sync.Mutex
	next peer.HandleID
	id   peer.HandleID
	cb   peer.Callbacks
}

func (l *loopTransport) Open(_ *media.Stream, role peer.Role, cb peer.Callbacks) (peer.HandleID, error) {
	l.mu.Lock()
	if l.id != 0 {
		l.mu.Unlock()
		return 0, peer.ErrHandleOpen
	}
	l.next++
	l.id, l.cb = l.next, cb
	id := l.id
	l.mu.Unlock()

	if role == peer.RoleCaller {
		go cb.OnLocalSignal(id, proto.Signal{Type: proto.SignalOffer, SDP: "offer"})
	}
	return id, nil
}

func (l *loopTransport) ApplyRemoteSignal(id peer.HandleID, sig proto.Signal) error {
	l.mu.Lock()
	if id != l.id {
		l.mu.Unlock()
		return peer.ErrUnknownHandle
	}
	cb := l.cb
	l.mu.Unlock()

	go func() {
		if sig.Type == proto.SignalOffer {
			cb.OnLocalSignal(id, proto.Signal{Type: proto.SignalAnswer, SDP: "answer"})
		}
		cb.OnState(id, peer.StateConnected, nil)
	}()
	return nil
}

func (l *loopTransport) Close(id peer.HandleID) {
	l.mu.Lock()
	if id == l.id {
		l.id = 0
	}
	l.mu.Unlock()
}

type staticMedia struct{}

func (staticMedia) Acquire(context.Context) (*media.Stream, error) {
	return &media.Stream{Label: "test"}, nil
}
func (staticMedia) Release() {}

// testPeer is one orchestrator wired the way RunPeer wires it, minus real
// media and transport.
func testPeer(t *testing.T, srv *httptest.Server, p proto.Profile) (*call.Controller, call.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := signaling.Dial(ctx, srv.URL+"/ws", signaling.Options{HandshakeTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	store, closeStore, err := openStore(t.TempDir(), config.Storage{Backend: "rest", RESTURL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(closeStore)

	c := call.New(ch, &loopTransport{}, staticMedia{}, store, call.Options{
		Profile:           p,
		SettlementGrace:   200 * time.Millisecond,
		SettlementTimeout: 5 * time.Second,
		Game:              game.Options{Questions: 3, Countdown: time.Minute},
	})
	t.Cleanup(func() { _ = c.Close() })
	return c, store
}

func waitFor(t *testing.T, c *call.Controller, what string, ok func(call.Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return ok(c.Snapshot()) }, 5*time.Second, 10*time.Millisecond,
		"%s: waiting for %s, have %s", c.Snapshot().Local.UserID, what, c.Snapshot().Status)
}

func TestTwoPeersShareGameAndRecordThroughRelay(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	hub := relay.NewHub(relay.Options{SearchTimeout: time.Minute})
	srv := httptest.NewServer(relay.Handler(hub, relay.ServerOptions{Store: db}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		_ = db.Close()
	})

	ann, _ := testPeer(t, srv, proto.Profile{ProfileID: "p-ann", UserID: "u-ann", Name: "Ann"})
	bob, bobStore := testPeer(t, srv, proto.Profile{ProfileID: "p-bob", UserID: "u-bob", Name: "Bob"})
	ctx := context.Background()

	// Ann queues first and so becomes the caller.
	require.NoError(t, ann.Find(ctx))
	require.Eventually(t, func() bool { return hub.Waiting() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, bob.Find(ctx))

	connected := func(s call.Snapshot) bool { return s.Status == call.StatusConnected }
	waitFor(t, ann, "connected", connected)
	waitFor(t, bob, "connected", connected)
	assert.Equal(t, peer.RoleCaller, ann.Snapshot().Role)

	// Ann proposes, Bob accepts and creates the session on the relay.
	require.NoError(t, ann.RequestGame(ctx))
	waitFor(t, bob, "proposal", func(s call.Snapshot) bool { return s.Game.State == "proposed" })
	require.NoError(t, bob.AcceptGame(ctx))

	inProgress := func(s call.Snapshot) bool { return s.Game.State == "in_progress" }
	waitFor(t, ann, "game", inProgress)
	waitFor(t, bob, "game", inProgress)
	sessionID := ann.Snapshot().Game.SessionID
	require.NotEmpty(t, sessionID)
	assert.Equal(t, sessionID, bob.Snapshot().Game.SessionID)

	for _, opt := range []int{0, 1, 2} {
		require.NoError(t, ann.Answer(ctx, opt))
	}
	for _, opt := range []int{0, 1, 0} {
		require.NoError(t, bob.Answer(ctx, opt))
	}

	completed := func(s call.Snapshot) bool { return s.Game.State == "completed" }
	waitFor(t, ann, "completed game", completed)
	waitFor(t, bob, "completed game", completed)
	for _, c := range []*call.Controller{ann, bob} {
		g := c.Snapshot().Game
		require.NotNil(t, g.Compatibility)
		assert.Equal(t, 67, *g.Compatibility)
	}

	// The caller creates the record; Bob adopts the broadcast id.
	require.NoError(t, ann.End(ctx))
	ended := func(s call.Snapshot) bool { return s.Status == call.StatusEnded && s.Record != nil }
	waitFor(t, ann, "record", ended)
	waitFor(t, bob, "record", ended)

	rec := ann.Snapshot().Record
	assert.Equal(t, rec.ID, bob.Snapshot().Record.ID)
	assert.Equal(t, "u-ann", rec.FirstParticipant)
	assert.Equal(t, "u-bob", rec.SecondParticipant)
	assert.Equal(t, sessionID, rec.GameSessionID)

	got, err := bobStore.GetDatingCall(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	all, err := db.ListDatingCalls(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1, "exactly one record")
}
