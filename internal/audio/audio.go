// Package audio turns synthesized speech into a paced stream of PCM frames.
package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// Utterance is one decoded announcement ready for playback.
type Utterance struct {
	ID      string
	Text    string
	Label   string
	Samples []int16 // interleaved stereo at SampleRate
}

// Duration returns the playback length of u.
func (u Utterance) Duration() time.Duration {
	frames := (len(u.Samples) + FrameSamples - 1) / FrameSamples
	return time.Duration(frames) * FrameDuration
}

// SilenceLevel is the peak amplitude at or below which a frame is silent.
const SilenceLevel = 32

// Silent reports whether every sample in frame is within SilenceLevel of zero.
func Silent(frame []int16) bool {
	for _, s := range frame {
		if s > SilenceLevel || s < -SilenceLevel {
			return false
		}
	}
	return true
}
