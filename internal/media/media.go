// Package media acquires and releases the local audio stream.
// Coupling to the peer transport is through Stream only.
package media

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Stream is the local audio handed to the peer transport. The zero value is
// a valid receive-only stream.
type Stream struct {
	Tracks []webrtc.TrackLocal
	Label  string

	populate func(*webrtc.MediaEngine)
	close    func()
}

// ReceiveOnly reports whether the stream carries no local tracks.
func (s *Stream) ReceiveOnly() bool { return s == nil || len(s.Tracks) == 0 }

// RegisterCodecs fills m with the codecs the stream's tracks were encoded
// for, or with pion's defaults for a receive-only stream.
func (s *Stream) RegisterCodecs(m *webrtc.MediaEngine) error {
	if s != nil && s.populate != nil {
		s.populate(m)
		return nil
	}
	return m.RegisterDefaultCodecs()
}

// Source owns the local stream for an orchestrator's lifetime: the first
// Acquire captures, later calls reuse the same stream until Release.
type Source struct {
	capture bool

	mu     sync.Mutex
	stream *Stream
}

// NewSource returns a Source. With capture false every stream is receive-only.
func NewSource(capture bool) *Source {
	return &Source{capture: capture}
}

func (s *Source) Acquire(ctx context.Context) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return s.stream, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st := &Stream{Label: "receive-only"}
	if s.capture {
		st = captureAudio()
	}
	s.stream = st
	log.Infof("MEDIA: local stream ready (%s, %d tracks)", st.Label, len(st.Tracks))
	return st, nil
}

// Release stops local capture. Safe to call more than once.
func (s *Source) Release() {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.mu.Unlock()

	if st != nil && st.close != nil {
		st.close()
		log.Infof("MEDIA: local stream released")
	}
}
