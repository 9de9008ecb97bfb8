package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/tools"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/driver"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// FacingMode maps the logical camera position to a capture facing mode.
func (p CameraPosition) FacingMode() FacingMode {
	if p == CameraBack {
		return FacingEnvironment
	}
	return FacingUser
}

type VideoConstraints struct {
	Width      int
	Height     int
	FrameRate  int
	FacingMode FacingMode
}

// MediaConstraints describes what to capture. A nil Video requests no camera.
type MediaConstraints struct {
	Audio bool
	Video *VideoConstraints
}

// DeriveConstraints builds capture constraints from the configuration and
// the camera position.
func DeriveConstraints(cfg Config, position CameraPosition, audio, video bool) MediaConstraints {
	c := MediaConstraints{Audio: audio}
	if video {
		settings := cfg.Video
		if settings.Width <= 0 {
			settings.Width = defaultVideo.Width
		}
		if settings.Height <= 0 {
			settings.Height = defaultVideo.Height
		}
		if settings.FrameRate <= 0 {
			settings.FrameRate = defaultVideo.FrameRate
		}
		c.Video = &VideoConstraints{
			Width:      settings.Width,
			Height:     settings.Height,
			FrameRate:  settings.FrameRate,
			FacingMode: position.FacingMode(),
		}
	}
	return c
}

type MediaStream struct {
	Audio LocalTrack
	Video LocalTrack
}

// MediaAcquirer opens capture devices. Denied or missing devices are
// reported as *shared.PermissionError.
type MediaAcquirer interface {
	InitializeMedia(ctx context.Context, constraints MediaConstraints) (*MediaStream, error)
}

// DeviceAcquirer captures from local devices through mediadevices, encoding
// audio as Opus and video as VP8.
type DeviceAcquirer struct {
	logger shared.LoggerAdapter
}

var _ MediaAcquirer = (*DeviceAcquirer)(nil)

func NewDeviceAcquirer(logger shared.LoggerAdapter) *DeviceAcquirer {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &DeviceAcquirer{logger: logger.With(zap.String("component", "media"))}
}

var (
	opusCapability = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	vp8Capability = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)

func (d *DeviceAcquirer) InitializeMedia(ctx context.Context, c MediaConstraints) (*MediaStream, error) {
	if !c.Audio && c.Video == nil {
		return &MediaStream{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &shared.PermissionError{Message: "creating opus params", Err: err}
	}
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, &shared.PermissionError{Message: "creating vp8 params", Err: err}
	}
	vp8Params.BitRate = 500_000

	constraints := mediadevices.MediaStreamConstraints{
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
			mediadevices.WithVideoEncoders(&vp8Params),
		),
	}
	if c.Audio {
		constraints.Audio = func(tc *mediadevices.MediaTrackConstraints) {
			tc.SampleRate = prop.Int(48000)
			tc.ChannelCount = prop.Int(1)
			tc.SampleSize = prop.Int(16)
		}
	}
	var frameDuration time.Duration
	if v := c.Video; v != nil {
		deviceID := selectCamera(mediadevices.EnumerateDevices(), v.FacingMode)
		d.logger.Debug("requesting camera",
			zap.String("facingMode", string(v.FacingMode)),
			zap.String("deviceID", deviceID),
		)
		constraints.Video = func(tc *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				tc.DeviceID = prop.String(deviceID)
			}
			tc.Width = prop.Int(v.Width)
			tc.Height = prop.Int(v.Height)
			tc.FrameRate = prop.Float(float32(v.FrameRate))
		}
		frameDuration = time.Second / time.Duration(v.FrameRate)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &shared.PermissionError{Message: "accessing capture devices", Err: err}
	}
	out := &MediaStream{}
	closeAll := func() {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
	}
	if c.Audio {
		tracks := stream.GetAudioTracks()
		if len(tracks) == 0 {
			closeAll()
			return nil, &shared.PermissionError{Err: shared.ErrNoAudioTrack}
		}
		out.Audio, err = newDeviceTrack(d.logger, tracks[0], opusCapability, time.Duration(opusParams.Latency))
		if err != nil {
			closeAll()
			return nil, err
		}
	}
	if c.Video != nil {
		tracks := stream.GetVideoTracks()
		if len(tracks) == 0 {
			if out.Audio != nil {
				out.Audio.Stop()
			}
			closeAll()
			return nil, &shared.PermissionError{Err: shared.ErrNoVideoTrack}
		}
		out.Video, err = newDeviceTrack(d.logger, tracks[0], vp8Capability, frameDuration)
		if err != nil {
			if out.Audio != nil {
				out.Audio.Stop()
			}
			closeAll()
			return nil, err
		}
	}
	return out, nil
}

var facingKeywords = map[FacingMode][]string{
	FacingUser:        {"front", "user", "facetime", "integrated"},
	FacingEnvironment: {"back", "rear", "environment", "world"},
}

// selectCamera picks the camera whose label names the facing mode. Without a
// labelled match the first camera serves the user side and the second, when
// present, the environment side. It returns "" when there is no camera.
func selectCamera(devices []mediadevices.MediaDeviceInfo, facing FacingMode) string {
	var cameras []mediadevices.MediaDeviceInfo
	for _, dev := range devices {
		if dev.Kind == mediadevices.VideoInput && dev.DeviceType != driver.Screen {
			cameras = append(cameras, dev)
		}
	}
	if len(cameras) == 0 {
		return ""
	}
	for _, cam := range cameras {
		label := strings.ToLower(cam.Label)
		for _, kw := range facingKeywords[facing] {
			if strings.Contains(label, kw) {
				return cam.DeviceID
			}
		}
	}
	if facing == FacingEnvironment && len(cameras) > 1 {
		return cameras[1].DeviceID
	}
	return cameras[0].DeviceID
}

// deviceTrack pumps encoded samples from a capture source into a static
// sample track. Disabled tracks keep the device open but drop samples.
type deviceTrack struct {
	source  mediadevices.Track
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	cancel  context.CancelFunc
	stop    sync.Once
}

func newDeviceTrack(logger shared.LoggerAdapter, source mediadevices.Track, capability webrtc.RTPCodecCapability, frameDuration time.Duration) (*deviceTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, source.Kind().String(), source.ID())
	if err != nil {
		return nil, fmt.Errorf("creating local track: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &deviceTrack{source: source, local: local, cancel: cancel}
	t.enabled.Store(true)
	go tools.StreamLocalMedia(ctx, logger.With(zap.String("track", source.ID())), local, source, frameDuration, t.Enabled)
	return t, nil
}

func (t *deviceTrack) ID() string                    { return t.source.ID() }
func (t *deviceTrack) Kind() webrtc.RTPCodecType     { return t.source.Kind() }
func (t *deviceTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *deviceTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }
func (t *deviceTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *deviceTrack) Stop() {
	t.stop.Do(func() {
		t.enabled.Store(false)
		t.cancel()
		_ = t.source.Close()
	})
}
