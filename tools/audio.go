package tools

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// AudioBuffer is a bounded PCM buffer. Writes past capacity drop the oldest
// bytes; reads block until data is available or the buffer is closed.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if len(data) > ab.cap {
		dropped += len(data) - ab.cap
		data = data[len(data)-ab.cap:]
	}
	if over := len(ab.buffer) + len(data) - ab.cap; over > 0 {
		ab.buffer = ab.buffer[over:]
		dropped += over
	}
	ab.buffer = append(ab.buffer, data...)
	ab.cond.Signal()
	return dropped
}

func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for len(ab.buffer) == 0 {
		if ab.closed {
			return 0, io.EOF
		}
		ab.cond.Wait()
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

// Close wakes pending readers; they drain what is left and then get io.EOF.
func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}

// StreamLocalMedia copies encoded samples from a capture source into track
// until ctx is done or the source ends. Samples read while enabled reports
// false are dropped so the device stays open without sending media.
func StreamLocalMedia(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackLocalStaticSample, source mediadevices.Track, frameDuration time.Duration, enabled func() bool) {
	reader, err := source.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	defer func() { _ = reader.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) {
				return
			}
			logger.Error("reading from media track", err)
			continue
		}
		if buf.Samples == 0 || (enabled != nil && !enabled()) {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Error("failed to write sample to track", err)
		}
	}
}

// RTPSource is an inbound RTP track, such as *webrtc.TrackRemote.
type RTPSource interface {
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PlayRemoteAudio decodes an Opus track and plays it on the default output
// device until ctx is done or the track ends.
func PlayRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track RTPSource, otoBufferMs, ringBufferSeconds int) {
	var (
		codec      = track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	if channels == 0 {
		channels = 1
	}
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		logger.Error("creating Opus decoder", err)
		return
	}

	otoCtx, ready, err := oto.NewContext(
		&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(otoBufferMs) * time.Millisecond,
		},
	)
	if err != nil {
		logger.Error("creating oto context", err)
		return
	}
	audioBuffer := NewAudioBuffer(FrameBytes(time.Duration(ringBufferSeconds)*time.Second, sampleRate, channels))
	defer func() { _ = audioBuffer.Close() }()
	pcm := make([]int16, FrameSamples(time.Duration(otoBufferMs)*time.Millisecond, sampleRate, channels))

	<-ready
	player := otoCtx.NewPlayer(audioBuffer)
	player.Play()
	defer func() { _ = player.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		packet, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(packet.Payload, pcm)
		if err != nil {
			logger.Error("decoding Opus", err)
			continue
		}
		if dropped := audioBuffer.Write(PCMToBytes(pcm[:n*channels])); dropped > 0 {
			logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
		}
	}
}

// PCMToBytes encodes signed 16-bit samples as little-endian bytes.
func PCMToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
