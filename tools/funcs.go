package tools

import "time"

// FrameSamples is the number of interleaved samples in duration of audio.
func FrameSamples(duration time.Duration, rate, channels int) int {
	if duration <= 0 || rate <= 0 || channels <= 0 {
		return 0
	}
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// FrameBytes is FrameSamples for signed 16-bit PCM.
func FrameBytes(duration time.Duration, rate, channels int) int {
	return 2 * FrameSamples(duration, rate, channels)
}
