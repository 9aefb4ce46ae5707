// Package proto holds the signaling wire format shared by the orchestrator,
// the development relay and the persistence clients.
package proto

import (
	"encoding/json"
	"time"
)

// ── Message names ────────────────────────────────────────────────────────────
// Single source of truth for every named message on the signaling channel.
const (
	// Matchmaking, client ↔ server.
	MsgFindCallUser     = "find_call_user"        // → {my_profile}; ← {my_profile, user_profile, role?}
	MsgQueueEmpty       = "call_user_queue_empty" // ← {}
	MsgCallTimeout      = "call_timeout"          // ← {}
	MsgLeaveCall        = "leave_call"            // → {user_id}
	MsgEndCall          = "end_call"              // → {user_id}
	MsgCreateDatingCall = "create_dating_call"    // ↔ {dating_call_record}

	// Session negotiation, peer ↔ peer via relay.
	MsgCallUser     = "call_user"     // {user_from, signal}
	MsgCallAccepted = "call_accepted" // {signal}

	// Constructive game, peer ↔ peer via relay.
	MsgRequestGame  = "request_constructive_game"
	MsgRejectGame   = "reject_constructive_game"
	MsgAcceptGame   = "accept_constructive_game"   // {constructive_result}
	MsgCompleteGame = "complete_constructive_game" // {constructive_result}

	// Disconnect is never sent on the wire. The channel client synthesizes it
	// when the relay connection drops.
	MsgDisconnect = "disconnect"
)

// Roles assigned on match.
const (
	RoleCaller = "caller"
	RoleCallee = "callee"
)

// Signal types.
const (
	SignalOffer  = "offer"
	SignalAnswer = "answer"
)

// Frame is the JSON text frame carried by the WebSocket.
type Frame struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Profile is the lightweight identity record exchanged on match.
type Profile struct {
	ProfileID string `json:"profile_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	Age       int    `json:"age,omitempty"`
	City      string `json:"city,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// IsZero reports whether p carries no identity.
func (p Profile) IsZero() bool { return p.UserID == "" && p.ProfileID == "" }

// Signal is an opaque session description. The orchestrator never looks
// inside; only the peer transport does.
type Signal struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// IsZero reports whether s is empty.
func (s Signal) IsZero() bool { return s.Type == "" && s.SDP == "" }

// ── Payloads ─────────────────────────────────────────────────────────────────

// FindCallUserPayload is sent to announce availability (MyProfile only) and
// received when the server pairs two users.
type FindCallUserPayload struct {
	MyProfile   Profile  `json:"my_profile"`
	UserProfile *Profile `json:"user_profile,omitempty"`
	Role        string   `json:"role,omitempty"`
}

// CallUserPayload carries the caller's offer.
type CallUserPayload struct {
	UserFrom Profile `json:"user_from"`
	Signal   Signal  `json:"signal"`
}

// CallAcceptedPayload carries the callee's answer.
type CallAcceptedPayload struct {
	Signal Signal `json:"signal"`
}

// UserPayload is used by leave_call and end_call.
type UserPayload struct {
	UserID string `json:"user_id"`
}

// GameResultPayload is used by accept_constructive_game and
// complete_constructive_game.
type GameResultPayload struct {
	ConstructiveResult ConstructiveResult `json:"constructive_result"`
}

// DatingCallPayload broadcasts the stored settlement record.
type DatingCallPayload struct {
	DatingCallRecord DatingCall `json:"dating_call_record"`
}

// ── Records ──────────────────────────────────────────────────────────────────

// DatingCall is the settlement record of one finished call.
type DatingCall struct {
	ID                string    `json:"id"`
	FirstParticipant  string    `json:"first_participant"`
	SecondParticipant string    `json:"second_participant"`
	Duration          int       `json:"duration"` // seconds
	GameSessionID     string    `json:"game_session_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Answer is one participant's answer to one question.
type Answer struct {
	QuestionID string `json:"question_id"`
	Option     int    `json:"option"`
}

// ConstructiveResult is the persisted constructive game session.
type ConstructiveResult struct {
	ID            string              `json:"id"`
	FirstUser     string              `json:"first_user"`
	SecondUser    string              `json:"second_user"`
	Answers       map[string][]Answer `json:"answers,omitempty"` // user id → answer sequence
	Compatibility *int                `json:"compatibility,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// ── Records API bodies ───────────────────────────────────────────────────────

// CreateResultRequest is the body of POST /constructive-results.
type CreateResultRequest struct {
	FirstUser  string `json:"first_user"`
	SecondUser string `json:"second_user"`
}

// AnswerRequest is the body of PATCH /constructive-results/{id}/answers.
type AnswerRequest struct {
	UserID     string `json:"user_id"`
	QuestionID string `json:"question_id"`
	Option     int    `json:"option"`
}

// CreateCallRequest is the body of POST /dating-calls.
type CreateCallRequest struct {
	FirstParticipant  string `json:"first_participant"`
	SecondParticipant string `json:"second_participant"`
	Duration          int    `json:"duration"`
	GameSessionID     string `json:"game_session_id,omitempty"`
}

// AnswerCount returns how many answers userID has recorded.
func (r ConstructiveResult) AnswerCount(userID string) int {
	return len(r.Answers[userID])
}

// Marshal encodes a named message as a wire frame.
func Marshal(name string, payload any) ([]byte, error) {
	f := Frame{Name: name}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = b
	}
	return json.Marshal(f)
}
