package realtime

import (
	"context"
	"fmt"

	"github.com/bt-bridge/realtime-session/shared"
	"go.uber.org/zap"
)

// EnableMic acquires a fresh microphone track, replacing any previous one,
// and attaches it to the audio sender when a session is running.
func (c *Client) EnableMic(ctx context.Context) error {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	c.mu.Lock()
	prev := c.audioTrack
	c.audioTrack = nil
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	stream, err := c.media.InitializeMedia(ctx, DeriveConstraints(c.configOrDefault(), CameraFront, true, false))
	if err == nil && (stream == nil || stream.Audio == nil) {
		err = &shared.PermissionError{Err: shared.ErrNoAudioTrack}
	}
	if err != nil {
		c.mu.Lock()
		c.micOn = false
		c.mu.Unlock()
		c.emitError(fmt.Errorf("enabling microphone: %w", err))
		c.publish()
		return err
	}

	track := stream.Audio
	c.mu.Lock()
	c.audioTrack = track
	c.micOn = true
	c.params = c.params.withModality(ModalityAudio)
	sender := c.audioSender
	c.mu.Unlock()
	c.logger.Info("microphone enabled", zap.String("track", track.ID()))

	c.pushParams()
	if sender != nil {
		if err := sender.ReplaceTrack(track); err != nil {
			err = fmt.Errorf("attaching microphone: %w", err)
			c.emitError(err)
			c.publish()
			return err
		}
	}
	track.SetEnabled(true)
	c.publish()
	return nil
}

// DisableMic turns the microphone off. A hard disable stops and detaches
// the track; a soft disable only mutes it so EnableMic can be avoided.
func (c *Client) DisableMic(hard bool) error {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	c.mu.Lock()
	track, sender := c.audioTrack, c.audioSender
	if hard {
		c.audioTrack = nil
	}
	c.micOn = false
	c.params = c.params.withoutModality(ModalityAudio)
	c.mu.Unlock()

	err := releaseTrack(track, sender, hard)
	c.logger.Info("microphone disabled", zap.Bool("hard", hard))
	c.pushParams()
	if err != nil {
		err = fmt.Errorf("disabling microphone: %w", err)
		c.emitError(err)
	}
	c.publish()
	return err
}

func (c *Client) ToggleMic(ctx context.Context) error {
	if c.IsMicOn() {
		return c.DisableMic(true)
	}
	return c.EnableMic(ctx)
}

// EnableCamera acquires a camera track facing position. An empty position
// keeps the current one.
func (c *Client) EnableCamera(ctx context.Context, position CameraPosition) error {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	c.mu.Lock()
	if position == "" {
		position = c.position
	}
	prev := c.videoTrack
	c.videoTrack = nil
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return c.acquireCamera(ctx, position)
}

// acquireCamera expects mediaMu held and no current video track.
func (c *Client) acquireCamera(ctx context.Context, position CameraPosition) error {
	stream, err := c.media.InitializeMedia(ctx, DeriveConstraints(c.configOrDefault(), position, false, true))
	if err == nil && (stream == nil || stream.Video == nil) {
		err = &shared.PermissionError{Err: shared.ErrNoVideoTrack}
	}
	if err != nil {
		c.mu.Lock()
		c.cameraOn = false
		c.params = c.params.withoutModality(ModalityVideo)
		sender := c.videoSender
		c.mu.Unlock()
		if sender != nil {
			if detachErr := sender.ReplaceTrack(nil); detachErr != nil {
				c.logger.Warn("detaching video sender", zap.Error(detachErr))
			}
		}
		c.pushParams()
		c.emitError(fmt.Errorf("enabling camera: %w", err))
		c.publish()
		return err
	}

	track := stream.Video
	c.mu.Lock()
	c.videoTrack = track
	c.cameraOn = true
	c.position = position
	c.params = c.params.withModality(ModalityVideo)
	sender := c.videoSender
	c.mu.Unlock()
	c.logger.Info("camera enabled", zap.String("position", string(position)), zap.String("track", track.ID()))

	c.pushParams()
	if sender != nil {
		if err := sender.ReplaceTrack(track); err != nil {
			err = fmt.Errorf("attaching camera: %w", err)
			c.emitError(err)
			c.publish()
			return err
		}
	}
	track.SetEnabled(true)
	c.publish()
	return nil
}

// DisableCamera turns the camera off, hard or soft as DisableMic does.
func (c *Client) DisableCamera(hard bool) error {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	c.mu.Lock()
	track, sender := c.videoTrack, c.videoSender
	if hard {
		c.videoTrack = nil
	}
	c.cameraOn = false
	c.params = c.params.withoutModality(ModalityVideo)
	c.mu.Unlock()

	err := releaseTrack(track, sender, hard)
	c.logger.Info("camera disabled", zap.Bool("hard", hard))
	c.pushParams()
	if err != nil {
		err = fmt.Errorf("disabling camera: %w", err)
		c.emitError(err)
	}
	c.publish()
	return err
}

func (c *Client) ToggleCamera(ctx context.Context) error {
	if c.IsCameraOn() {
		return c.DisableCamera(true)
	}
	return c.EnableCamera(ctx, "")
}

// FlipCamera switches between the front and back camera. It does nothing
// while the camera is off.
func (c *Client) FlipCamera(ctx context.Context) error {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()

	c.mu.Lock()
	on, next, prev := c.cameraOn, c.position.Opposite(), c.videoTrack
	if on {
		c.videoTrack = nil
	}
	c.mu.Unlock()
	if !on {
		c.logger.Warn("camera is off, not flipping")
		return nil
	}
	if prev != nil {
		prev.Stop()
	}
	return c.acquireCamera(ctx, next)
}

// UpdateParams merges u into the session parameters. Connected sessions
// receive the result immediately; otherwise it applies from the next
// StartSession on.
func (c *Client) UpdateParams(u ParamsUpdate) error {
	if u.Temperature != nil && !validTemperature(*u.Temperature) {
		err := &shared.ConfigurationError{
			Message: fmt.Sprintf("temperature %v out of range [0, 1]", *u.Temperature),
			Err:     shared.ErrTemperatureRange,
		}
		c.emitError(err)
		return err
	}
	if u.isEmpty() {
		return nil
	}
	c.mu.Lock()
	c.overrides = u.merge(c.overrides)
	c.params = u.apply(c.params)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if connected {
		c.pushParams()
	}
	c.publish()
	return nil
}

func releaseTrack(track LocalTrack, sender Sender, hard bool) error {
	if track == nil {
		return nil
	}
	if !hard {
		track.SetEnabled(false)
		return nil
	}
	track.SetEnabled(false)
	track.Stop()
	if sender == nil {
		return nil
	}
	return sender.ReplaceTrack(nil)
}
