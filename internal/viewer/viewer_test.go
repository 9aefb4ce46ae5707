package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/heartline/internal/call"
	"github.com/petervdpas/heartline/internal/game"
	"github.com/petervdpas/heartline/internal/metrics"
	"github.com/petervdpas/heartline/internal/proto"
)

var errMissing = errors.New("missing")

type fakeCaller struct {
	mu      sync.Mutex
	calls   []string
	err     error
	options []int
	events  chan call.Event
	snap    call.Snapshot
}

func (f *fakeCaller) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeCaller) Find(context.Context) error        { return f.record("find") }
func (f *fakeCaller) Leave(context.Context) error       { return f.record("leave") }
func (f *fakeCaller) End(context.Context) error         { return f.record("end") }
func (f *fakeCaller) RequestGame(context.Context) error { return f.record("request") }
func (f *fakeCaller) AcceptGame(context.Context) error  { return f.record("accept") }
func (f *fakeCaller) RejectGame(context.Context) error  { return f.record("reject") }

func (f *fakeCaller) Answer(_ context.Context, option int) error {
	f.mu.Lock()
	f.options = append(f.options, option)
	f.mu.Unlock()
	return f.record("answer")
}

func (f *fakeCaller) Highlight(_ context.Context, option int) error {
	f.mu.Lock()
	f.options = append(f.options, option)
	f.mu.Unlock()
	return f.record("highlight")
}

func (f *fakeCaller) Snapshot() call.Snapshot { return f.snap }
func (f *fakeCaller) Recent(n int) []call.Event {
	return []call.Event{{Seq: 1, Kind: call.EventStatus}}[:min(n, 1)]
}

func (f *fakeCaller) Subscribe() (<-chan call.Event, func()) {
	return f.events, func() {}
}

type fakeRecords struct{}

func (fakeRecords) CreateDatingCall(context.Context, string, string, int, string) (proto.DatingCall, error) {
	return proto.DatingCall{}, errors.New("not used")
}

func (fakeRecords) GetDatingCall(_ context.Context, id string) (proto.DatingCall, error) {
	if id == "dc-1" {
		return proto.DatingCall{ID: "dc-1", Duration: 137}, nil
	}
	return proto.DatingCall{}, errMissing
}

func (fakeRecords) ListDatingCalls(_ context.Context, userID string, limit int) ([]proto.DatingCall, error) {
	if userID != "u-a" {
		return nil, nil
	}
	return []proto.DatingCall{{ID: "dc-1", FirstParticipant: "u-a", Duration: limit}}, nil
}

func newTestViewer(t *testing.T, c *fakeCaller) *httptest.Server {
	srv := httptest.NewServer(Handler(Viewer{
		Call:       c,
		Records:    fakeRecords{},
		IsNotFound: func(err error) bool { return errors.Is(err, errMissing) },
		Metrics:    metrics.New(),
		Logs:       NewLogBuffer(10),
	}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIntentsReachController(t *testing.T) {
	c := &fakeCaller{snap: call.Snapshot{Status: call.StatusSearching}}
	srv := newTestViewer(t, c)

	resp := post(t, srv.URL+"/api/call/find", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "searching", body["status"])
	assert.Equal(t, "no-store, no-cache, must-revalidate, max-age=0", resp.Header.Get("Cache-Control"))

	for _, p := range []string{"leave", "end", "game/request", "game/accept", "game/reject"} {
		assert.Equal(t, http.StatusOK, post(t, srv.URL+"/api/call/"+p, "{}").StatusCode, p)
	}
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/api/call/game/answer", `{"option":2}`).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, srv.URL+"/api/call/game/highlight", `{"option":1}`).StatusCode)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, []string{"find", "leave", "end", "request", "accept", "reject", "answer", "highlight"}, c.calls)
	assert.Equal(t, []int{2, 1}, c.options)
}

func TestIntentErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{call.ErrInvalidState, http.StatusConflict},
		{game.ErrInvalidState, http.StatusConflict},
		{call.ErrNoProfile, http.StatusPreconditionFailed},
		{game.ErrBadOption, http.StatusBadRequest},
		{call.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := newTestViewer(t, &fakeCaller{err: tc.err})
		assert.Equal(t, tc.code, post(t, srv.URL+"/api/call/end", "").StatusCode, tc.err.Error())
	}
}

func TestWrongMethodAndBadJSON(t *testing.T) {
	srv := newTestViewer(t, &fakeCaller{})
	resp, err := http.Get(srv.URL + "/api/call/find")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/api/call/game/answer", `{"option":`).StatusCode)
}

func TestStatusAndRecords(t *testing.T) {
	c := &fakeCaller{snap: call.Snapshot{Status: call.StatusConnected, CallSeconds: 12}}
	srv := newTestViewer(t, c)

	resp, err := http.Get(srv.URL + "/api/call/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "connected", snap["status"])
	assert.EqualValues(t, 12, snap["call_seconds"])

	resp, err = http.Get(srv.URL + "/api/call/records/dc-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rec proto.DatingCall
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, 137, rec.Duration)

	resp, err = http.Get(srv.URL + "/api/call/records/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/call/recent?n=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	var evs []call.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&evs))
	assert.Len(t, evs, 1)
}

func TestRecordHistory(t *testing.T) {
	srv := newTestViewer(t, &fakeCaller{})

	resp, err := http.Get(srv.URL + "/api/call/records?user=u-a")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []proto.DatingCall
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, 20, list[0].Duration, "default limit")

	resp, err = http.Get(srv.URL + "/api/call/records?user=u-z&limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	list = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestEventStream(t *testing.T) {
	c := &fakeCaller{events: make(chan call.Event, 4), snap: call.Snapshot{Status: call.StatusIdle}}
	srv := newTestViewer(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	c.events <- call.Event{Seq: 7, Kind: call.EventNotice, Notice: call.NoticeQueueEmpty}

	sc := bufio.NewScanner(resp.Body)
	var names []string
	for sc.Scan() && len(names) < 2 {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	assert.Equal(t, []string{"snapshot", call.EventNotice}, names)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestViewer(t, &fakeCaller{})
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogBufferParsesPipeLines(t *testing.T) {
	b := NewLogBuffer(2)
	_, err := b.Write([]byte(`{"level":"info","ts":"2026-10-19T10:00:00.000Z","logger":"call","msg":"CALL [1]: searching"}` + "\n" + "plain line\n"))
	require.NoError(t, err)

	got := b.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "call", got[0].Logger)
	assert.Equal(t, "info", got[0].Level)
	assert.Equal(t, "CALL [1]: searching", got[0].Msg)
	assert.Equal(t, 2026, got[0].TS.Year())
	assert.Equal(t, "plain line", got[1].Msg)
	assert.Empty(t, got[1].Logger)
}
