package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/heartline/internal/call"
	"github.com/petervdpas/heartline/internal/game"
	"github.com/petervdpas/heartline/internal/proto"
)

var log = logging.Logger("viewer")

// Caller is the controller surface the control API drives.
type Caller interface {
	Find(ctx context.Context) error
	Leave(ctx context.Context) error
	End(ctx context.Context) error
	RequestGame(ctx context.Context) error
	AcceptGame(ctx context.Context) error
	RejectGame(ctx context.Context) error
	Answer(ctx context.Context, option int) error
	Highlight(ctx context.Context, option int) error
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Event, func())
	Recent(n int) []call.Event
}

// historyLister is implemented by the local store; the REST client has no
// listing endpoint.
type historyLister interface {
	ListDatingCalls(ctx context.Context, userID string, limit int) ([]proto.DatingCall, error)
}

type optionReq struct {
	Option int `json:"option"`
}

// RegisterCall registers the call control API. records may be nil, in which
// case /api/call/records/{id} is not served.
func RegisterCall(mux *http.ServeMux, c Caller, records call.Recorder, isNotFound func(error) bool) {
	// GET /api/call/status: the last published snapshot.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.Snapshot())
	})

	// GET /api/call/recent?n=50
	handleGet(mux, "/api/call/recent", func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get("n"))
		if err != nil || n <= 0 {
			n = 50
		}
		writeJSON(w, c.Recent(n))
	})

	intent := func(path string, fn func(context.Context) error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := fn(r.Context()); err != nil {
				writeIntentError(w, path, err)
				return
			}
			writeJSON(w, map[string]any{"status": c.Snapshot().Status})
		})
	}
	intent("/api/call/find", c.Find)
	intent("/api/call/leave", c.Leave)
	intent("/api/call/end", c.End)
	intent("/api/call/game/request", c.RequestGame)
	intent("/api/call/game/accept", c.AcceptGame)
	intent("/api/call/game/reject", c.RejectGame)

	handlePost(mux, "/api/call/game/answer", func(w http.ResponseWriter, r *http.Request, req optionReq) {
		if err := c.Answer(r.Context(), req.Option); err != nil {
			writeIntentError(w, "/api/call/game/answer", err)
			return
		}
		writeJSON(w, c.Snapshot().Game)
	})

	handlePost(mux, "/api/call/game/highlight", func(w http.ResponseWriter, r *http.Request, req optionReq) {
		if err := c.Highlight(r.Context(), req.Option); err != nil {
			writeIntentError(w, "/api/call/game/highlight", err)
			return
		}
		writeJSON(w, c.Snapshot().Game)
	})

	// GET /api/call/events: SSE, a snapshot first and then every event.
	// Each connection gets its own subscription, cancelled on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		evs, cancel := c.Subscribe()
		defer cancel()

		if writeSSE(w, "snapshot", c.Snapshot()) != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-evs:
				if !ok {
					return
				}
				if writeSSE(w, ev.Kind, ev) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	if records == nil {
		return
	}

	// GET /api/call/records/{id}
	handleGet(mux, "/api/call/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rec, err := records.GetDatingCall(r.Context(), id)
		if err != nil {
			if isNotFound != nil && isNotFound(err) {
				http.Error(w, "record not found", http.StatusNotFound)
				return
			}
			log.Warnf("VIEWER: record %s: %v", id, err)
			http.Error(w, "lookup failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, rec)
	})

	lister, ok := records.(historyLister)
	if !ok {
		return
	}

	// GET /api/call/records?user=<id>&limit=20
	handleGet(mux, "/api/call/records", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 20
		}
		list, err := lister.ListDatingCalls(r.Context(), r.URL.Query().Get("user"), limit)
		if err != nil {
			log.Warnf("VIEWER: records: %v", err)
			http.Error(w, "lookup failed", http.StatusBadGateway)
			return
		}
		if list == nil {
			list = []proto.DatingCall{}
		}
		writeJSON(w, list)
	})
}

func writeIntentError(w http.ResponseWriter, path string, err error) {
	switch {
	case errors.Is(err, call.ErrInvalidState), errors.Is(err, call.ErrBusy), errors.Is(err, game.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, call.ErrNoProfile):
		http.Error(w, err.Error(), http.StatusPreconditionFailed)
	case errors.Is(err, game.ErrBadOption):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, call.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusRequestTimeout)
	default:
		log.Warnf("VIEWER: %s: %v", path, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
