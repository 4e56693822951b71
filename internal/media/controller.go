package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/config"
)

// Controller is the exclusive owner of the local capture stream. It
// holds the audio/camera/facing/bandwidth flags and applies every
// change to all active video senders at once.
type Controller struct {
	mu sync.Mutex

	capturer Capturer
	cfg      config.VideoConfig
	logger   *zap.Logger

	stream *Stream

	audioEnabled  bool
	cameraEnabled bool
	facing        FacingMode
	lowDataMode   bool
	canSwitch     bool

	// senders yields the outbound video leg of every active connection.
	senders func() []VideoSender
	// notify broadcasts a locally initiated bandwidth mode switch over
	// signaling so the room converges.
	notify func(low bool) error
}

// NewController creates a Controller around the given capturer. The
// senders source is wired later by the session once the registry exists.
func NewController(capturer Capturer, cfg config.VideoConfig, logger *zap.Logger) *Controller {
	return &Controller{
		capturer:      capturer,
		cfg:           cfg,
		logger:        logger.Named("media"),
		audioEnabled:  true,
		cameraEnabled: true,
		facing:        FacingUser,
		canSwitch:     true,
	}
}

// SetSenderSource wires the fan-out target list.
func (c *Controller) SetSenderSource(senders func() []VideoSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders = senders
}

// SetModeNotifier wires the signaling broadcast used when the local
// user initiates a bandwidth mode switch.
func (c *Controller) SetModeNotifier(notify func(low bool) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = notify
}

// Start acquires the local capture stream. Called exactly once per
// call; a second call without Stop is a logic error.
func (c *Controller) Start(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return nil, fmt.Errorf("capture stream already acquired")
	}

	stream, err := c.capturer.Acquire(ctx, CaptureOptions{
		Audio:        c.audioEnabled,
		Video:        c.cameraEnabled,
		Facing:       c.facing,
		LowBandwidth: c.lowDataMode,
	})
	if err != nil {
		return nil, err
	}

	c.stream = stream
	c.logger.Info("capture stream acquired",
		zap.Bool("audio", stream.Audio != nil),
		zap.Bool("video", stream.Video != nil),
		zap.Float64("aspectRatio", stream.AspectRatio))
	return stream, nil
}

// Stop tears the capture stream down. Idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		return
	}
	c.stream.Close()
	c.stream = nil
	c.logger.Info("capture stream released")
}

// Stream returns the current capture stream, nil outside a call.
func (c *Controller) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// ToggleAudio flips the audio track's enabled flag and returns the new
// state. The track keeps running so re-enabling is instant.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.audioEnabled = !c.audioEnabled
	if c.stream != nil && c.stream.Audio != nil {
		c.stream.Audio.SetEnabled(c.audioEnabled)
	}
	return c.audioEnabled
}

// ToggleCamera flips the video track's enabled flag. Disabling also
// drops the outbound cap to zero on every sender: a disabled track
// still encodes by default, and black frames are not worth bandwidth.
// Re-enabling restores the cap for the current bandwidth mode.
func (c *Controller) ToggleCamera() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cameraEnabled = !c.cameraEnabled
	if c.stream != nil && c.stream.Video != nil {
		c.stream.Video.SetEnabled(c.cameraEnabled)
	}

	cap := uint64(0)
	if c.cameraEnabled {
		cap = c.currentCapLocked()
	}
	if err := c.applyBitrateLocked(cap); err != nil {
		return c.cameraEnabled, err
	}
	return c.cameraEnabled, nil
}

// SwitchCameraFacing requests a capture track for the opposite camera
// and substitutes it live on every sender. When the device reports the
// same facing back (no second camera), future attempts are disabled and
// a CapabilityError is returned.
func (c *Controller) SwitchCameraFacing(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canSwitch {
		return &CapabilityError{Reason: "device has no second camera"}
	}
	if c.stream == nil || c.stream.Video == nil {
		return fmt.Errorf("no active video track to switch")
	}

	want := c.facing.Opposite()
	track, got, err := c.capturer.AcquireVideo(ctx, CaptureOptions{
		Video:        true,
		Facing:       want,
		LowBandwidth: c.lowDataMode,
	})
	if err != nil {
		return fmt.Errorf("acquire %s camera: %w", want, err)
	}
	if got != want {
		track.Stop()
		c.canSwitch = false
		return &CapabilityError{Reason: "device has no second camera"}
	}

	c.replaceVideoLocked(track)
	c.facing = got
	return c.replaceOnSendersLocked(track, "switch camera facing")
}

// SetBandwidthMode switches the room-wide data mode. The capture video
// track is re-acquired at the target tier, substituted live on every
// sender, and the senders' caps updated. When the local user initiated
// the switch it is also broadcast so all peers converge; when applied
// in response to a remote offer the broadcast is skipped.
func (c *Controller) SetBandwidthMode(ctx context.Context, low, isInitiator bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lowDataMode == low {
		return nil
	}

	// Peers that did accept the new track still need the cap and the
	// broadcast, so a partial replacement failure is carried through
	// the rest of the switch and reported at the end.
	var partial *PartialError
	if c.stream != nil && c.stream.Video != nil {
		track, _, err := c.capturer.AcquireVideo(ctx, CaptureOptions{
			Video:        true,
			Facing:       c.facing,
			LowBandwidth: low,
		})
		if err != nil {
			return fmt.Errorf("acquire %s-tier video: %w", modeName(low), err)
		}
		c.replaceVideoLocked(track)
		c.lowDataMode = low
		if err := c.replaceOnSendersLocked(track, "set bandwidth mode"); err != nil {
			if !errors.As(err, &partial) {
				return err
			}
		}
	} else {
		c.lowDataMode = low
	}

	cap := uint64(0)
	if c.cameraEnabled {
		cap = c.currentCapLocked()
	}
	if err := c.applyBitrateLocked(cap); err != nil {
		return err
	}

	if isInitiator && c.notify != nil {
		if err := c.notify(low); err != nil {
			return fmt.Errorf("broadcast data mode: %w", err)
		}
	}
	c.logger.Info("bandwidth mode switched", zap.Bool("lowDataMode", low), zap.Bool("initiator", isInitiator))
	if partial != nil {
		return partial
	}
	return nil
}

// ReapplyBitrate pushes the current cap to one sender. The negotiation
// engine calls this when a connection reaches the connected state,
// since caps set before the path exists may not stick.
func (c *Controller) ReapplyBitrate(sender VideoSender) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cap := uint64(0)
	if c.cameraEnabled {
		cap = c.currentCapLocked()
	}
	return sender.SetMaxBitrate(cap)
}

// Flags returns the user-visible media state.
func (c *Controller) Flags() (audio, camera, lowData, canSwitch bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled, c.cameraEnabled, c.lowDataMode, c.canSwitch
}

// LowDataMode reports the current bandwidth mode.
func (c *Controller) LowDataMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowDataMode
}

func (c *Controller) currentCapLocked() uint64 {
	if c.lowDataMode {
		return c.cfg.SDMaxBitrate
	}
	return c.cfg.HDMaxBitrate
}

// replaceVideoLocked stops and detaches the old video track and adopts
// the new one, carrying the enabled flag over.
func (c *Controller) replaceVideoLocked(track Track) {
	if old := c.stream.Video; old != nil {
		old.Stop()
	}
	track.SetEnabled(c.cameraEnabled)
	c.stream.Video = track
}

func (c *Controller) replaceOnSendersLocked(track Track, op string) error {
	if c.senders == nil {
		return nil
	}
	senders := c.senders()
	var failed []string
	for i, s := range senders {
		if err := s.ReplaceTrack(track); err != nil {
			c.logger.Warn("track replacement failed on sender", zap.Int("sender", i), zap.Error(err))
			failed = append(failed, fmt.Sprintf("sender %d", i))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if len(failed) == len(senders) {
		return fmt.Errorf("%s: track replacement failed for all %d peers", op, len(senders))
	}
	return &PartialError{Op: op, Failed: failed, Total: len(senders)}
}

func (c *Controller) applyBitrateLocked(cap uint64) error {
	if c.senders == nil {
		return nil
	}
	senders := c.senders()
	var failed []string
	for i, s := range senders {
		if err := s.SetMaxBitrate(cap); err != nil {
			c.logger.Warn("bitrate update failed on sender", zap.Int("sender", i), zap.Error(err))
			failed = append(failed, fmt.Sprintf("sender %d", i))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	if len(failed) == len(senders) {
		return fmt.Errorf("bitrate update failed for all %d peers", len(senders))
	}
	return &PartialError{Op: "set max bitrate", Failed: failed, Total: len(senders)}
}

func modeName(low bool) string {
	if low {
		return "sd"
	}
	return "hd"
}
