package media

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone adapter

	"github.com/mikeyg42/peercall/internal/config"
)

// RTPSource is implemented by capture tracks that can emit encoded RTP.
// The rtc layer pumps packets from it into each connection's outbound
// track.
type RTPSource interface {
	NewRTPReader(codecName string, ssrc uint32, mtu int) (mediadevices.RTPReadCloser, error)
}

// DeviceCapturer acquires tracks from the host's camera and microphone
// through pion/mediadevices.
type DeviceCapturer struct {
	cfg      config.VideoConfig
	logger   *zap.Logger
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer enumerates devices once to fail fast when the host
// has no camera or microphone at all.
func NewDeviceCapturer(cfg config.VideoConfig, logger *zap.Logger) (*DeviceCapturer, error) {
	cameras, microphones := enumerate()
	if len(cameras) == 0 {
		return nil, &CapabilityError{Reason: "no camera devices found"}
	}
	if len(microphones) == 0 {
		return nil, &CapabilityError{Reason: "no microphone devices found"}
	}

	selector, err := newCodecSelector(cfg, false)
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{
		cfg:      cfg,
		logger:   logger.Named("capture"),
		selector: selector,
	}, nil
}

// Selector exposes the codec selector so the peer connection API can
// register the same codecs in its media engine.
func (d *DeviceCapturer) Selector() *mediadevices.CodecSelector { return d.selector }

// Acquire implements Capturer.
func (d *DeviceCapturer) Acquire(ctx context.Context, opts CaptureOptions) (*Stream, error) {
	camera, actual, err := d.pickCamera(opts.Facing)
	if err != nil {
		return nil, err
	}
	microphone, err := d.pickMicrophone()
	if err != nil {
		return nil, err
	}
	if actual != opts.Facing {
		d.logger.Warn("requested camera facing unavailable, using default",
			zap.String("requested", string(opts.Facing)))
	}

	selector, err := newCodecSelector(d.cfg, opts.LowBandwidth)
	if err != nil {
		return nil, err
	}

	width, height := d.dimensions(opts.LowBandwidth)
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(camera.DeviceID)
			c.Width = prop.Int(width)
			c.Height = prop.Int(height)
			c.FrameRate = prop.Float(d.cfg.Framerate)
			c.DiscardFramesOlderThan = 500 * time.Millisecond
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(microphone.DeviceID)
			c.SampleRate = prop.Int(48000)
			c.SampleSize = prop.Int(16)
			c.ChannelCount = prop.Int(1)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(50 * time.Millisecond)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, &CapabilityError{Reason: "could not access camera and microphone", Err: err}
	}

	out := &Stream{AspectRatio: float64(width) / float64(height)}
	if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
		out.Audio = newDeviceTrack(tracks[0], KindAudio, opts.Audio)
	}
	if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
		out.Video = newDeviceTrack(tracks[0], KindVideo, opts.Video)
	}
	return out, nil
}

// AcquireVideo implements Capturer.
func (d *DeviceCapturer) AcquireVideo(ctx context.Context, opts CaptureOptions) (Track, FacingMode, error) {
	camera, actual, err := d.pickCamera(opts.Facing)
	if err != nil {
		return nil, "", err
	}

	selector, err := newCodecSelector(d.cfg, opts.LowBandwidth)
	if err != nil {
		return nil, "", err
	}

	width, height := d.dimensions(opts.LowBandwidth)
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(camera.DeviceID)
			c.Width = prop.Int(width)
			c.Height = prop.Int(height)
			c.FrameRate = prop.Float(d.cfg.Framerate)
			c.DiscardFramesOlderThan = 500 * time.Millisecond
		},
		Codec: selector,
	})
	if err != nil {
		return nil, "", &CapabilityError{Reason: "could not access camera", Err: err}
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, "", fmt.Errorf("capture stream has no video track")
	}
	return newDeviceTrack(tracks[0], KindVideo, opts.Video), actual, nil
}

func (d *DeviceCapturer) dimensions(low bool) (int, int) {
	if low {
		return d.cfg.LowWidth, d.cfg.LowHeight
	}
	return d.cfg.Width, d.cfg.Height
}

// pickCamera maps a facing mode onto the enumerated cameras. Labels are
// checked for rear-camera markers first; otherwise the second device is
// assumed to be the environment camera. Returns the facing actually
// selected so callers can detect a single-camera device.
func (d *DeviceCapturer) pickCamera(facing FacingMode) (mediadevices.MediaDeviceInfo, FacingMode, error) {
	cameras, _ := enumerate()
	if len(cameras) == 0 {
		return mediadevices.MediaDeviceInfo{}, "", &CapabilityError{Reason: "no camera devices found"}
	}
	if facing != FacingEnvironment {
		return cameras[0], FacingUser, nil
	}

	for _, cam := range cameras[1:] {
		label := strings.ToLower(cam.Label)
		if strings.Contains(label, "back") || strings.Contains(label, "rear") || strings.Contains(label, "environment") {
			return cam, FacingEnvironment, nil
		}
	}
	if len(cameras) > 1 {
		return cameras[1], FacingEnvironment, nil
	}
	// Single camera: report the facing we actually deliver.
	return cameras[0], FacingUser, nil
}

func (d *DeviceCapturer) pickMicrophone() (mediadevices.MediaDeviceInfo, error) {
	_, microphones := enumerate()
	if len(microphones) == 0 {
		return mediadevices.MediaDeviceInfo{}, &CapabilityError{Reason: "no microphone devices found"}
	}
	return microphones[0], nil
}

func enumerate() (cameras, microphones []mediadevices.MediaDeviceInfo) {
	for _, device := range mediadevices.EnumerateDevices() {
		switch device.Kind {
		case mediadevices.VideoInput:
			cameras = append(cameras, device)
		case mediadevices.AudioInput:
			microphones = append(microphones, device)
		}
	}
	return cameras, microphones
}

// newCodecSelector builds VP8/Opus encoder parameters for the given
// bandwidth tier. The encoder bitrate is fixed at acquisition; switching
// tiers re-acquires the video track with new parameters.
func newCodecSelector(cfg config.VideoConfig, low bool) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("create VP8 params: %w", err)
	}
	bitrate := cfg.HDMaxBitrate
	if low {
		bitrate = cfg.SDMaxBitrate
	}
	vpxParams.BitRate = int(bitrate)
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// deviceTrack adapts a mediadevices track to the Track interface and
// carries the enabled flag the encoders do not know about.
type deviceTrack struct {
	track   mediadevices.Track
	kind    TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

func newDeviceTrack(track mediadevices.Track, kind TrackKind, enabled bool) *deviceTrack {
	t := &deviceTrack{track: track, kind: kind}
	t.enabled.Store(enabled)
	return t
}

func (t *deviceTrack) ID() string              { return t.track.ID() }
func (t *deviceTrack) Kind() TrackKind         { return t.kind }
func (t *deviceTrack) Enabled() bool           { return t.enabled.Load() }
func (t *deviceTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *deviceTrack) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		_ = t.track.Close()
	}
}

// NewRTPReader implements RTPSource.
func (t *deviceTrack) NewRTPReader(codecName string, ssrc uint32, mtu int) (mediadevices.RTPReadCloser, error) {
	return t.track.NewRTPReader(codecName, ssrc, mtu)
}
