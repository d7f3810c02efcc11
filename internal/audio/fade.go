package audio

import "time"

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// FadeEdges ramps the first and last fade of interleaved stereo samples in
// and out along a smoothstep curve, so clips start and stop without clicks.
// The fade is shortened to half the clip when the clip is too short.
func FadeEdges(samples []int16, fade time.Duration) []int16 {
	out := make([]int16, len(samples))
	copy(out, samples)

	total := len(out) / Channels
	n := int(fade.Seconds() * SampleRate)
	if n > total/2 {
		n = total / 2
	}
	if n <= 0 {
		return out
	}

	for i := 0; i < n; i++ {
		gain := Smoothstep(float64(i) / float64(n))
		for ch := 0; ch < Channels; ch++ {
			head := i*Channels + ch
			tail := (total-1-i)*Channels + ch
			out[head] = scale(out[head], gain)
			out[tail] = scale(out[tail], gain)
		}
	}
	return out
}

func scale(s int16, gain float64) int16 {
	v := float64(s) * gain
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}
