//go:build !linux

package media

// captureAudio has no capture driver on this platform; calls run
// receive-only and the browser side provides the microphone.
func captureAudio() *Stream {
	log.Warnf("MEDIA: no local capture on this platform, proceeding receive-only")
	return &Stream{Label: "receive-only"}
}
