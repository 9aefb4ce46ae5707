//go:build linux

package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// captureAudio opens the default microphone with an Opus encoder (malgo on
// Linux). Any failure falls back to a receive-only stream so a call can
// still hear the other side.
func captureAudio() *Stream {
	opusParams, err := opus.NewParams()
	if err != nil {
		log.Warnf("MEDIA: opus params: %v, proceeding receive-only", err)
		return &Stream{Label: "receive-only"}
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("MEDIA: no media devices found by pion/mediadevices")
	}
	for _, d := range devices {
		log.Debugf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
	}

	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		log.Warnf("MEDIA: GetUserMedia(audio) failed: %v, proceeding receive-only", err)
		return &Stream{Label: "receive-only"}
	}

	tracks := ms.GetAudioTracks()
	st := &Stream{
		Label:    "microphone",
		populate: codecSelector.Populate,
	}
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("MEDIA: local track ended: %v", err)
			}
		})
		st.Tracks = append(st.Tracks, webrtc.TrackLocal(track))
	}
	st.close = func() {
		for _, t := range tracks {
			_ = t.Close()
		}
	}
	return st
}
