package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/petervdpas/heartline/internal/proto"
	"github.com/petervdpas/heartline/internal/storage"
)

// Store is the persistence collaborator the relay serves to both
// participants of a call.
type Store interface {
	CreateConstructiveResult(ctx context.Context, first, second string) (proto.ConstructiveResult, error)
	UpdateAnswer(ctx context.Context, id, userID, questionID string, option int) (proto.ConstructiveResult, error)
	GetConstructiveResult(ctx context.Context, id string) (proto.ConstructiveResult, error)
	CreateDatingCall(ctx context.Context, first, second string, duration int, gameSessionID string) (proto.DatingCall, error)
	GetDatingCall(ctx context.Context, id string) (proto.DatingCall, error)
}

const maxRecordBody = 64 << 10

// mountRecords registers the records API spoken by remote.Client.
func mountRecords(mux *http.ServeMux, s Store, token string) {
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			if token != "" && !bearerOK(r, token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			fn(w, r)
		})
	}

	handle("POST /constructive-results", func(w http.ResponseWriter, r *http.Request) {
		var req proto.CreateResultRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := s.CreateConstructiveResult(r.Context(), req.FirstUser, req.SecondUser)
		respond(w, r, http.StatusCreated, res, err)
	})

	handle("PATCH /constructive-results/{id}/answers", func(w http.ResponseWriter, r *http.Request) {
		var req proto.AnswerRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := s.UpdateAnswer(r.Context(), r.PathValue("id"), req.UserID, req.QuestionID, req.Option)
		respond(w, r, http.StatusOK, res, err)
	})

	handle("GET /constructive-results/{id}", func(w http.ResponseWriter, r *http.Request) {
		res, err := s.GetConstructiveResult(r.Context(), r.PathValue("id"))
		respond(w, r, http.StatusOK, res, err)
	})

	handle("POST /dating-calls", func(w http.ResponseWriter, r *http.Request) {
		var req proto.CreateCallRequest
		if !decodeBody(w, r, &req) {
			return
		}
		rec, err := s.CreateDatingCall(r.Context(), req.FirstParticipant, req.SecondParticipant, req.Duration, req.GameSessionID)
		respond(w, r, http.StatusCreated, rec, err)
	})

	handle("GET /dating-calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.GetDatingCall(r.Context(), r.PathValue("id"))
		respond(w, r, http.StatusOK, rec, err)
	})
}

func bearerOK(r *http.Request, token string) bool {
	got := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+token)) == 1
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, r *http.Request, code int, v any, err error) {
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrNotParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, storage.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		log.Warnf("RELAY: %s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, "storage error", http.StatusInternalServerError)
	}
}
