package stream

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/moodlens/internal/audio"
)

// OpusBitrate suits mono-ish synthesized speech on a stereo track.
const OpusBitrate = 48000

// silenceHangover is how many silent frames after speech are still encoded,
// so the tail of an utterance decays naturally (200ms).
const silenceHangover = 10

// silenceGate tells frames worth encoding from the silence between
// announcements, which is most of the stream.
type silenceGate struct {
	quiet int
}

// voiced reports whether frame must be encoded. It stays true for
// silenceHangover frames after the last voiced one.
func (g *silenceGate) voiced(frame []int16) bool {
	if !audio.Silent(frame) {
		g.quiet = 0
		return true
	}
	if g.quiet < silenceHangover {
		g.quiet++
		return true
	}
	return false
}

// speechEncoder turns PCM frames into Opus packets. Silence outside the
// hangover reuses one pre-encoded packet instead of running the encoder.
type speechEncoder struct {
	enc     *opus.Encoder
	gate    silenceGate
	buf     []byte
	silence []byte

	encoded  uint64
	silenced uint64
}

func newSpeechEncoder() (*speechEncoder, error) {
	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	if err := enc.SetBitrate(OpusBitrate); err != nil {
		return nil, fmt.Errorf("opus bitrate: %w", err)
	}

	s := &speechEncoder{enc: enc, buf: make([]byte, 4000)}
	n, err := enc.Encode(make([]int16, audio.FrameSamples), s.buf)
	if err != nil {
		return nil, fmt.Errorf("encode silence: %w", err)
	}
	s.silence = append([]byte(nil), s.buf[:n]...)
	return s, nil
}

// packet returns the Opus packet for frame. The slice is only valid until
// the next call.
func (s *speechEncoder) packet(frame []int16) ([]byte, error) {
	if !s.gate.voiced(frame) {
		s.silenced++
		return s.silence, nil
	}
	n, err := s.enc.Encode(frame, s.buf)
	if err != nil {
		return nil, err
	}
	s.encoded++
	return s.buf[:n], nil
}
