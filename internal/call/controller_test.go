package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/heartline/internal/game"
	"github.com/petervdpas/heartline/internal/media"
	"github.com/petervdpas/heartline/internal/peer"
	"github.com/petervdpas/heartline/internal/proto"
)

var (
	alice = proto.Profile{ProfileID: "p-alice", UserID: "u-alice", Name: "Alice"}
	bob   = proto.Profile{ProfileID: "p-bob", UserID: "u-bob", Name: "Bob"}
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type sentFrame struct {
	name    string
	payload json.RawMessage
}

type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string][]func(json.RawMessage)
	sent     []sentFrame
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]func(json.RawMessage))}
}

func (f *fakeChannel) Send(name string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{name, b})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) On(name string, fn func(json.RawMessage)) func() {
	f.mu.Lock()
	f.handlers[name] = append(f.handlers[name], fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeChannel) deliver(t *testing.T, name string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	f.mu.Lock()
	hs := append([]func(json.RawMessage){}, f.handlers[name]...)
	f.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeChannel) named(name string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, s := range f.sent {
		if s.name == name {
			out = append(out, s.payload)
		}
	}
	return out
}

type fakeTransport struct {
	mu      sync.Mutex
	next    peer.HandleID
	open    bool
	cur     peer.HandleID
	cb      peer.Callbacks
	roles   []peer.Role
	applied []proto.Signal
	closed  []peer.HandleID
}

func (f *fakeTransport) Open(_ *media.Stream, role peer.Role, cb peer.Callbacks) (peer.HandleID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return 0, peer.ErrHandleOpen
	}
	f.next++
	f.open, f.cur, f.cb = true, f.next, cb
	f.roles = append(f.roles, role)
	return f.cur, nil
}

func (f *fakeTransport) ApplyRemoteSignal(id peer.HandleID, sig proto.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open || id != f.cur {
		return peer.ErrUnknownHandle
	}
	f.applied = append(f.applied, sig)
	return nil
}

func (f *fakeTransport) Close(id peer.HandleID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open && id == f.cur {
		f.open = false
		f.closed = append(f.closed, id)
	}
}

func (f *fakeTransport) localSignal(sig proto.Signal) {
	f.mu.Lock()
	id, cb := f.cur, f.cb
	f.mu.Unlock()
	cb.OnLocalSignal(id, sig)
}

func (f *fakeTransport) state(s peer.State, err error) {
	f.mu.Lock()
	id, cb := f.cur, f.cb
	f.mu.Unlock()
	cb.OnState(id, s, err)
}

func (f *fakeTransport) snapshot() (opened int, applied []proto.Signal, closed []peer.HandleID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.roles), append([]proto.Signal{}, f.applied...), append([]peer.HandleID{}, f.closed...)
}

type fakeMedia struct {
	mu       sync.Mutex
	acquired int
	err      error
}

func (f *fakeMedia) Acquire(context.Context) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	if f.err != nil {
		return nil, f.err
	}
	return &media.Stream{Label: "test"}, nil
}

func (f *fakeMedia) Release() {}

type mockStore struct{ mock.Mock }

func (m *mockStore) CreateDatingCall(ctx context.Context, first, second string, duration int, gameSessionID string) (proto.DatingCall, error) {
	args := m.Called(ctx, first, second, duration, gameSessionID)
	return args.Get(0).(proto.DatingCall), args.Error(1)
}

func (m *mockStore) GetDatingCall(ctx context.Context, id string) (proto.DatingCall, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(proto.DatingCall), args.Error(1)
}

func (m *mockStore) CreateConstructiveResult(ctx context.Context, first, second string) (proto.ConstructiveResult, error) {
	args := m.Called(ctx, first, second)
	return args.Get(0).(proto.ConstructiveResult), args.Error(1)
}

func (m *mockStore) UpdateAnswer(ctx context.Context, id, userID, questionID string, option int) (proto.ConstructiveResult, error) {
	args := m.Called(ctx, id, userID, questionID, option)
	return args.Get(0).(proto.ConstructiveResult), args.Error(1)
}

func (m *mockStore) GetConstructiveResult(ctx context.Context, id string) (proto.ConstructiveResult, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(proto.ConstructiveResult), args.Error(1)
}

// ── Harness ──────────────────────────────────────────────────────────────────

type rig struct {
	c     *Controller
	ch    *fakeChannel
	tr    *fakeTransport
	media *fakeMedia
	clock *clockwork.FakeClock
}

func newRig(t *testing.T, self proto.Profile, store Store, clock *clockwork.FakeClock) *rig {
	t.Helper()
	if clock == nil {
		clock = clockwork.NewFakeClock()
	}
	r := &rig{ch: newFakeChannel(), tr: &fakeTransport{}, media: &fakeMedia{}, clock: clock}
	r.c = New(r.ch, r.tr, r.media, store, Options{
		Profile:           self,
		SettlementGrace:   1500 * time.Millisecond,
		SettlementTimeout: 10 * time.Second,
		Game:              game.Options{Questions: 6, Countdown: 15 * time.Second},
		Clock:             clock,
	})
	t.Cleanup(func() { _ = r.c.Close() })
	return r
}

// drain waits until every event queued so far has been handled.
func (r *rig) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, r.c.do(context.Background(), func() error { return nil }))
}

func (r *rig) waitStatus(t *testing.T, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return r.c.Snapshot().Status == want },
		2*time.Second, 5*time.Millisecond, "want %s, have %s", want, r.c.Snapshot().Status)
}

func (r *rig) search(t *testing.T) {
	t.Helper()
	require.NoError(t, r.c.Find(context.Background()))
	r.waitStatus(t, StatusSearching)
}

func (r *rig) match(t *testing.T, self, other proto.Profile) {
	t.Helper()
	o := other
	r.ch.deliver(t, proto.MsgFindCallUser, proto.FindCallUserPayload{MyProfile: self, UserProfile: &o})
	r.drain(t)
}

// connect drives the rig to Connected in whichever role the ids dictate.
func (r *rig) connect(t *testing.T, self, other proto.Profile) {
	t.Helper()
	r.search(t)
	r.match(t, self, other)
	if self.UserID < other.UserID {
		r.tr.localSignal(proto.Signal{Type: proto.SignalOffer, SDP: "offer"})
		r.ch.deliver(t, proto.MsgCallAccepted, proto.CallAcceptedPayload{Signal: proto.Signal{Type: proto.SignalAnswer, SDP: "answer"}})
	} else {
		r.ch.deliver(t, proto.MsgCallUser, proto.CallUserPayload{UserFrom: other, Signal: proto.Signal{Type: proto.SignalOffer, SDP: "offer"}})
	}
	r.drain(t)
	r.tr.state(peer.StateConnected, nil)
	r.waitStatus(t, StatusConnected)
}

func (r *rig) events() <-chan Event {
	ch, _ := r.c.Subscribe()
	return ch
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestSearchTimeoutLeavesWithoutTransport(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.search(t)
	assert.Len(t, r.ch.named(proto.MsgFindCallUser), 1)

	r.clock.Advance(3 * time.Second)
	r.ch.deliver(t, proto.MsgCallTimeout, nil)
	r.waitStatus(t, StatusLeft)

	r.clock.Advance(10 * time.Second)
	r.drain(t)
	snap := r.c.Snapshot()
	assert.Equal(t, 3, snap.SearchSeconds)
	assert.False(t, snap.HasTransport)
	opened, _, _ := r.tr.snapshot()
	assert.Zero(t, opened)
}

func TestQueueEmptyKeepsSearching(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	evs := r.events()
	r.search(t)

	r.ch.deliver(t, proto.MsgQueueEmpty, nil)
	r.drain(t)
	assert.Equal(t, StatusSearching, r.c.Snapshot().Status)
	assert.True(t, hasNotice(evs, NoticeQueueEmpty))
}

func TestCallerSendsOfferAndAppliesAnswerOnce(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.search(t)
	r.match(t, alice, bob)
	assert.Equal(t, StatusOffering, r.c.Snapshot().Status)
	assert.Equal(t, []peer.Role{peer.RoleCaller}, r.tr.roles)

	s1 := proto.Signal{Type: proto.SignalOffer, SDP: "S1"}
	r.tr.localSignal(s1)
	r.drain(t)

	offers := r.ch.named(proto.MsgCallUser)
	require.Len(t, offers, 1)
	var p proto.CallUserPayload
	require.NoError(t, json.Unmarshal(offers[0], &p))
	assert.Equal(t, alice.UserID, p.UserFrom.UserID)
	assert.Equal(t, s1, p.Signal)

	s2 := proto.Signal{Type: proto.SignalAnswer, SDP: "S2"}
	r.ch.deliver(t, proto.MsgCallAccepted, proto.CallAcceptedPayload{Signal: s2})
	r.drain(t)
	assert.Equal(t, StatusOffering, r.c.Snapshot().Status, "connected only on transport state")

	r.ch.deliver(t, proto.MsgCallAccepted, proto.CallAcceptedPayload{Signal: s2})
	r.drain(t)
	_, applied, _ := r.tr.snapshot()
	assert.Equal(t, []proto.Signal{s2}, applied)
	assert.Equal(t, 1, r.c.Snapshot().Violations)

	r.tr.state(peer.StateConnected, nil)
	r.waitStatus(t, StatusConnected)
	assert.Equal(t, bob.UserID, r.c.Snapshot().Remote.UserID)
}

func TestOfferBeforeMatchIsAppliedOnce(t *testing.T) {
	r := newRig(t, bob, &mockStore{}, nil)
	r.search(t)

	s1 := proto.Signal{Type: proto.SignalOffer, SDP: "S1"}
	r.ch.deliver(t, proto.MsgCallUser, proto.CallUserPayload{UserFrom: alice, Signal: s1})
	r.drain(t)
	assert.True(t, r.c.Snapshot().PendingSignal)
	opened, _, _ := r.tr.snapshot()
	assert.Zero(t, opened)

	r.match(t, bob, alice)
	snap := r.c.Snapshot()
	assert.Equal(t, StatusAnswering, snap.Status)
	assert.False(t, snap.PendingSignal)
	_, applied, _ := r.tr.snapshot()
	assert.Equal(t, []proto.Signal{s1}, applied)

	r.tr.localSignal(proto.Signal{Type: proto.SignalAnswer, SDP: "S2"})
	r.drain(t)
	assert.Len(t, r.ch.named(proto.MsgCallAccepted), 1)
}

func TestSecondBufferedOfferIsViolation(t *testing.T) {
	r := newRig(t, bob, &mockStore{}, nil)
	evs := r.events()
	r.search(t)

	r.ch.deliver(t, proto.MsgCallUser, proto.CallUserPayload{UserFrom: alice, Signal: proto.Signal{Type: proto.SignalOffer, SDP: "first"}})
	r.ch.deliver(t, proto.MsgCallUser, proto.CallUserPayload{UserFrom: alice, Signal: proto.Signal{Type: proto.SignalOffer, SDP: "second"}})
	r.match(t, bob, alice)

	_, applied, _ := r.tr.snapshot()
	require.Len(t, applied, 1)
	assert.Equal(t, "first", applied[0].SDP)
	assert.Equal(t, 1, r.c.Snapshot().Violations)
	assert.True(t, hasNotice(evs, NoticeProtocol))
}

func TestExplicitRoleOverridesIDOrder(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.search(t)
	b := bob
	r.ch.deliver(t, proto.MsgFindCallUser, proto.FindCallUserPayload{MyProfile: alice, UserProfile: &b, Role: proto.RoleCallee})
	r.drain(t)
	assert.Equal(t, StatusAnswering, r.c.Snapshot().Status)
	assert.Equal(t, peer.RoleCallee, r.c.Snapshot().Role)
}

func TestLeaveSendsLeaveCallAndClosesTransport(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.search(t)
	r.match(t, alice, bob)

	require.NoError(t, r.c.Leave(context.Background()))
	assert.Equal(t, StatusLeft, r.c.Snapshot().Status)
	assert.Len(t, r.ch.named(proto.MsgLeaveCall), 1)
	_, _, closed := r.tr.snapshot()
	assert.Len(t, closed, 1)

	assert.ErrorIs(t, r.c.Leave(context.Background()), ErrInvalidState)
}

func TestRemoteLeaveSkipsSettlement(t *testing.T) {
	store := &mockStore{}
	r := newRig(t, alice, store, nil)
	r.connect(t, alice, bob)

	r.ch.deliver(t, proto.MsgLeaveCall, proto.UserPayload{UserID: bob.UserID})
	r.waitStatus(t, StatusLeft)
	store.AssertNotCalled(t, "CreateDatingCall", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Nil(t, r.c.Snapshot().Record)
}

func TestTransportFailureLeaves(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	evs := r.events()
	r.connect(t, alice, bob)

	r.tr.state(peer.StateFailed, peer.ErrTransportFailed)
	r.waitStatus(t, StatusLeft)
	assert.True(t, hasNotice(evs, NoticeTransport))
	_, _, closed := r.tr.snapshot()
	assert.Len(t, closed, 1)
}

func TestRelayDisconnectLeaves(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.search(t)
	r.ch.deliver(t, proto.MsgDisconnect, nil)
	r.waitStatus(t, StatusLeft)
}

func TestStaleTransportCallbacksAreIgnored(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.search(t)
	r.match(t, alice, bob)
	stale := r.tr.cb
	require.NoError(t, r.c.Leave(context.Background()))

	stale.OnState(1, peer.StateConnected, nil)
	r.drain(t)
	assert.Equal(t, StatusLeft, r.c.Snapshot().Status)
}

func TestEndCreatesRecordAndPeerAdopts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := proto.DatingCall{ID: "dc-1", FirstParticipant: alice.UserID, SecondParticipant: bob.UserID, Duration: 137}

	store := &mockStore{}
	store.On("CreateDatingCall", mock.Anything, alice.UserID, bob.UserID, 137, "").Return(rec, nil).Once()
	caller := newRig(t, alice, store, clock)
	caller.connect(t, alice, bob)

	clock.Advance(137 * time.Second)
	require.NoError(t, caller.c.End(context.Background()))
	caller.waitStatus(t, StatusEnded)

	snap := caller.c.Snapshot()
	require.NotNil(t, snap.Record)
	assert.Equal(t, "dc-1", snap.Record.ID)
	assert.Equal(t, 137, snap.CallSeconds)
	assert.Len(t, caller.ch.named(proto.MsgEndCall), 1)
	assert.Len(t, caller.ch.named(proto.MsgCreateDatingCall), 1)
	_, _, closed := caller.tr.snapshot()
	assert.Len(t, closed, 1)

	clock.Advance(time.Minute)
	caller.drain(t)
	assert.Equal(t, 137, caller.c.Snapshot().CallSeconds, "frozen once the call left connected")
	store.AssertExpectations(t)

	peerStore := &mockStore{}
	callee := newRig(t, bob, peerStore, clock)
	callee.connect(t, bob, alice)
	callee.ch.deliver(t, proto.MsgEndCall, proto.UserPayload{UserID: alice.UserID})
	callee.waitStatus(t, StatusEnding)
	callee.ch.deliver(t, proto.MsgCreateDatingCall, proto.DatingCallPayload{DatingCallRecord: rec})
	callee.waitStatus(t, StatusEnded)

	require.NotNil(t, callee.c.Snapshot().Record)
	assert.Equal(t, "dc-1", callee.c.Snapshot().Record.ID)
	peerStore.AssertNotCalled(t, "CreateDatingCall", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSimultaneousEndCreatesOneRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := proto.DatingCall{ID: "dc-2", FirstParticipant: alice.UserID, SecondParticipant: bob.UserID}
	store := &mockStore{}
	store.On("CreateDatingCall", mock.Anything, alice.UserID, bob.UserID, 0, "").Return(rec, nil)

	caller := newRig(t, alice, store, clock)
	callee := newRig(t, bob, store, clock)
	caller.connect(t, alice, bob)
	callee.connect(t, bob, alice)

	require.NoError(t, caller.c.End(context.Background()))
	require.NoError(t, callee.c.End(context.Background()))
	callee.drain(t)
	assert.Equal(t, StatusEnding, callee.c.Snapshot().Status)

	// Cross-deliver both end_calls, then the caller's record.
	caller.ch.deliver(t, proto.MsgEndCall, proto.UserPayload{UserID: bob.UserID})
	callee.ch.deliver(t, proto.MsgEndCall, proto.UserPayload{UserID: alice.UserID})
	caller.waitStatus(t, StatusEnded)
	callee.ch.deliver(t, proto.MsgCreateDatingCall, proto.DatingCallPayload{DatingCallRecord: rec})
	callee.waitStatus(t, StatusEnded)

	// The callee's grace window passing later must not create a second record.
	clock.Advance(5 * time.Second)
	callee.drain(t)

	store.AssertNumberOfCalls(t, "CreateDatingCall", 1)
	assert.Equal(t, caller.c.Snapshot().Record.ID, callee.c.Snapshot().Record.ID)
}

func TestCalleeCreatesAfterGrace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := proto.DatingCall{ID: "dc-3", FirstParticipant: alice.UserID, SecondParticipant: bob.UserID, Duration: 42}
	store := &mockStore{}
	store.On("CreateDatingCall", mock.Anything, alice.UserID, bob.UserID, 42, "").Return(rec, nil).Once()

	r := newRig(t, bob, store, clock)
	r.connect(t, bob, alice)
	clock.Advance(42 * time.Second)
	require.NoError(t, r.c.End(context.Background()))
	r.drain(t)
	assert.Equal(t, StatusEnding, r.c.Snapshot().Status)
	store.AssertNotCalled(t, "CreateDatingCall", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	clock.Advance(1500 * time.Millisecond)
	r.waitStatus(t, StatusEnded)
	assert.Equal(t, "dc-3", r.c.Snapshot().Record.ID)
	store.AssertExpectations(t)
}

func TestSettlementTimeoutEndsWithoutRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newRig(t, bob, &mockStore{}, clock)
	evs := r.events()
	r.connect(t, bob, alice)

	r.ch.deliver(t, proto.MsgEndCall, proto.UserPayload{UserID: alice.UserID})
	r.waitStatus(t, StatusEnding)

	clock.Advance(10 * time.Second)
	r.waitStatus(t, StatusEnded)
	assert.Nil(t, r.c.Snapshot().Record)
	assert.True(t, hasNotice(evs, NoticeSettlement))
	_, _, closed := r.tr.snapshot()
	assert.Len(t, closed, 1)
}

func TestFailedCreateEndsWithoutRecord(t *testing.T) {
	store := &mockStore{}
	store.On("CreateDatingCall", mock.Anything, alice.UserID, bob.UserID, 0, "").
		Return(proto.DatingCall{}, errors.New("db down")).Once()

	r := newRig(t, alice, store, nil)
	r.connect(t, alice, bob)
	require.NoError(t, r.c.End(context.Background()))
	r.waitStatus(t, StatusEnded)
	assert.Nil(t, r.c.Snapshot().Record)
	assert.Empty(t, r.ch.named(proto.MsgCreateDatingCall))
}

func TestMismatchedRecordIsViolation(t *testing.T) {
	r := newRig(t, bob, &mockStore{}, nil)
	r.connect(t, bob, alice)
	r.ch.deliver(t, proto.MsgEndCall, proto.UserPayload{UserID: alice.UserID})
	r.waitStatus(t, StatusEnding)

	r.ch.deliver(t, proto.MsgCreateDatingCall, proto.DatingCallPayload{DatingCallRecord: proto.DatingCall{ID: "x", FirstParticipant: "u-eve", SecondParticipant: bob.UserID}})
	r.drain(t)
	assert.Equal(t, StatusEnding, r.c.Snapshot().Status)
	assert.Equal(t, 1, r.c.Snapshot().Violations)
}

func TestIntentsInWrongStateAreRejected(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	ctx := context.Background()
	assert.ErrorIs(t, r.c.End(ctx), ErrInvalidState)
	assert.ErrorIs(t, r.c.Leave(ctx), ErrInvalidState)
	assert.ErrorIs(t, r.c.RequestGame(ctx), ErrInvalidState)
	assert.ErrorIs(t, r.c.Answer(ctx, 0), ErrInvalidState)

	r.search(t)
	assert.ErrorIs(t, r.c.Find(ctx), ErrInvalidState)
	assert.Equal(t, StatusSearching, r.c.Snapshot().Status)
}

func TestFindWithoutProfileFails(t *testing.T) {
	r := newRig(t, proto.Profile{}, &mockStore{}, nil)
	assert.ErrorIs(t, r.c.Find(context.Background()), ErrNoProfile)
}

func TestMediaAcquiredOncePerController(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.search(t)
	require.NoError(t, r.c.Leave(context.Background()))
	r.search(t)

	r.media.mu.Lock()
	defer r.media.mu.Unlock()
	assert.Equal(t, 1, r.media.acquired)
	assert.EqualValues(t, 2, r.c.Snapshot().Attempt)
}

func TestMediaFailureStaysIdle(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.media.err = errors.New("no microphone")
	evs := r.events()
	require.NoError(t, r.c.Find(context.Background()))

	require.Eventually(t, func() bool { return hasNotice(evs, NoticeMedia) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusIdle, r.c.Snapshot().Status)
	assert.Empty(t, r.ch.named(proto.MsgFindCallUser))
}

func TestGameMessageOutsideCallIsViolation(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.search(t)
	r.ch.deliver(t, proto.MsgRequestGame, struct{}{})
	r.drain(t)
	assert.Equal(t, 1, r.c.Snapshot().Violations)
}

func TestCloseLeavesActiveCall(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.connect(t, alice, bob)
	require.NoError(t, r.c.Close())
	require.NoError(t, r.c.Close())

	assert.Len(t, r.ch.named(proto.MsgLeaveCall), 1)
	assert.ErrorIs(t, r.c.Find(context.Background()), ErrClosed)
}

// hasNotice drains what is buffered on evs and reports whether a notice of
// kind was among it. Events consumed here are gone for later calls.
func hasNotice(evs <-chan Event, kind string) bool {
	found := false
	for {
		select {
		case ev := <-evs:
			if ev.Kind == EventNotice && ev.Notice == kind {
				found = true
			}
		default:
			return found
		}
	}
}

func TestIntentResultSeesOwnSnapshot(t *testing.T) {
	r := newRig(t, alice, &mockStore{}, nil)
	r.search(t)

	for i := 0; i < 20; i++ {
		require.NoError(t, r.c.Leave(context.Background()))
		require.Equal(t, StatusLeft, r.c.Snapshot().Status)
		// Media is already held, so the search starts inside the intent.
		require.NoError(t, r.c.Find(context.Background()))
		require.Equal(t, StatusSearching, r.c.Snapshot().Status)
	}
}
