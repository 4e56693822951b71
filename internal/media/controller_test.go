package media

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/config"
)

type fakeTrack struct {
	id      string
	kind    TrackKind
	enabled bool
	stopped bool
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() TrackKind         { return t.kind }
func (t *fakeTrack) Enabled() bool           { return t.enabled }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled = enabled }
func (t *fakeTrack) Stop()                   { t.stopped = true }

type fakeCapturer struct {
	acquisitions int
	// secondCamera controls whether AcquireVideo can satisfy an
	// environment-facing request.
	secondCamera bool
	acquireErr   error
	lastOpts     CaptureOptions
}

func (c *fakeCapturer) Acquire(_ context.Context, opts CaptureOptions) (*Stream, error) {
	c.acquisitions++
	c.lastOpts = opts
	return &Stream{
		Audio:       &fakeTrack{id: fmt.Sprintf("audio-%d", c.acquisitions), kind: KindAudio, enabled: opts.Audio},
		Video:       &fakeTrack{id: fmt.Sprintf("video-%d", c.acquisitions), kind: KindVideo, enabled: opts.Video},
		AspectRatio: 16.0 / 9.0,
	}, nil
}

func (c *fakeCapturer) AcquireVideo(_ context.Context, opts CaptureOptions) (Track, FacingMode, error) {
	c.acquisitions++
	c.lastOpts = opts
	if c.acquireErr != nil {
		return nil, opts.Facing, c.acquireErr
	}
	facing := opts.Facing
	if facing == FacingEnvironment && !c.secondCamera {
		facing = FacingUser
	}
	return &fakeTrack{id: fmt.Sprintf("video-%d", c.acquisitions), kind: KindVideo, enabled: opts.Video}, facing, nil
}

type fakeSender struct {
	track      Track
	maxBitrate uint64
	replaceErr error
	bitrateErr error
}

func (s *fakeSender) ReplaceTrack(t Track) error {
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.track = t
	return nil
}

func (s *fakeSender) SetMaxBitrate(bps uint64) error {
	if s.bitrateErr != nil {
		return s.bitrateErr
	}
	s.maxBitrate = bps
	return nil
}

func newTestController(capturer Capturer, senders ...*fakeSender) *Controller {
	c := NewController(capturer, config.NewDefaultConfig().VideoConfig, zap.NewNop())
	c.SetSenderSource(func() []VideoSender {
		out := make([]VideoSender, len(senders))
		for i, s := range senders {
			out[i] = s
		}
		return out
	})
	return c
}

func TestStartIsOncePerCall(t *testing.T) {
	c := newTestController(&fakeCapturer{})
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := c.Start(context.Background()); err == nil {
		t.Fatal("second Start without Stop should fail")
	}
	c.Stop()
	c.Stop() // idempotent
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start after Stop failed: %v", err)
	}
}

func TestToggleAudioFlipsTrackWithoutStopping(t *testing.T) {
	c := newTestController(&fakeCapturer{})
	stream, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if on := c.ToggleAudio(); on {
		t.Fatal("first toggle should disable audio")
	}
	audio := stream.Audio.(*fakeTrack)
	if audio.enabled {
		t.Fatal("audio track should be disabled")
	}
	if audio.stopped {
		t.Fatal("toggling must not stop the track")
	}
	if on := c.ToggleAudio(); !on {
		t.Fatal("second toggle should re-enable audio")
	}
}

func TestToggleCameraZeroesBitrate(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(&fakeCapturer{}, sender)
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := c.ToggleCamera(); err != nil {
		t.Fatalf("ToggleCamera failed: %v", err)
	}
	if sender.maxBitrate != 0 {
		t.Fatalf("disabling camera should cap bitrate at 0, got %d", sender.maxBitrate)
	}

	if _, err := c.ToggleCamera(); err != nil {
		t.Fatalf("ToggleCamera failed: %v", err)
	}
	hd := config.NewDefaultConfig().VideoConfig.HDMaxBitrate
	if sender.maxBitrate != hd {
		t.Fatalf("re-enabling should restore the HD cap %d, got %d", hd, sender.maxBitrate)
	}
}

func TestSwitchCameraFacingNoSecondCamera(t *testing.T) {
	capturer := &fakeCapturer{secondCamera: false}
	c := newTestController(capturer)
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := c.SwitchCameraFacing(context.Background())
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapabilityError, got %v", err)
	}

	// Capability is remembered: no further acquisition attempts.
	before := capturer.acquisitions
	if err := c.SwitchCameraFacing(context.Background()); !errors.As(err, &capErr) {
		t.Fatalf("expected CapabilityError on retry, got %v", err)
	}
	if capturer.acquisitions != before {
		t.Fatal("no new acquisition should happen after capability is ruled out")
	}
}

func TestSwitchCameraFacingReplacesOnSenders(t *testing.T) {
	sender := &fakeSender{}
	c := newTestController(&fakeCapturer{secondCamera: true}, sender)
	stream, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	old := stream.Video.(*fakeTrack)

	if err := c.SwitchCameraFacing(context.Background()); err != nil {
		t.Fatalf("SwitchCameraFacing failed: %v", err)
	}
	if !old.stopped {
		t.Fatal("old video track should be stopped")
	}
	if sender.track == nil || sender.track.ID() == old.ID() {
		t.Fatal("sender should carry the replacement track")
	}
	if stream.Video.ID() == old.ID() {
		t.Fatal("stream should reference the replacement track")
	}
}

func TestSetBandwidthModeBroadcastsOnlyWhenInitiator(t *testing.T) {
	sender := &fakeSender{}
	capturer := &fakeCapturer{}
	c := newTestController(capturer, sender)

	var broadcasts []bool
	c.SetModeNotifier(func(low bool) error {
		broadcasts = append(broadcasts, low)
		return nil
	})

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := c.SetBandwidthMode(context.Background(), true, true); err != nil {
		t.Fatalf("SetBandwidthMode failed: %v", err)
	}
	if !capturer.lastOpts.LowBandwidth {
		t.Fatal("video should be re-acquired at the low tier")
	}
	sd := config.NewDefaultConfig().VideoConfig.SDMaxBitrate
	if sender.maxBitrate != sd {
		t.Fatalf("sender cap should be the SD tier %d, got %d", sd, sender.maxBitrate)
	}
	if len(broadcasts) != 1 || !broadcasts[0] {
		t.Fatalf("initiator switch should broadcast once, got %v", broadcasts)
	}

	// Remote-driven switch back: no broadcast.
	if err := c.SetBandwidthMode(context.Background(), false, false); err != nil {
		t.Fatalf("SetBandwidthMode failed: %v", err)
	}
	if len(broadcasts) != 1 {
		t.Fatalf("non-initiator switch must not broadcast, got %v", broadcasts)
	}

	// Same mode again is a no-op.
	if err := c.SetBandwidthMode(context.Background(), false, true); err != nil {
		t.Fatalf("SetBandwidthMode no-op failed: %v", err)
	}
	if len(broadcasts) != 1 {
		t.Fatal("no-op switch must not broadcast")
	}
}

func TestSetBandwidthModeAcquireFailureKeepsMode(t *testing.T) {
	sender := &fakeSender{}
	capturer := &fakeCapturer{}
	c := newTestController(capturer, sender)

	var broadcasts []bool
	c.SetModeNotifier(func(low bool) error {
		broadcasts = append(broadcasts, low)
		return nil
	})

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	capturer.acquireErr = errors.New("camera busy")

	if err := c.SetBandwidthMode(context.Background(), true, true); err == nil {
		t.Fatal("SetBandwidthMode should fail when the tier cannot be acquired")
	}
	if c.LowDataMode() {
		t.Fatal("a failed switch must not flip the mode flag")
	}
	if len(broadcasts) != 0 {
		t.Fatalf("a failed switch must not broadcast, got %v", broadcasts)
	}

	// The mode never committed, so the retry is a real switch.
	capturer.acquireErr = nil
	if err := c.SetBandwidthMode(context.Background(), true, true); err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
	if !c.LowDataMode() {
		t.Fatal("recovered switch should flip the mode flag")
	}
	if len(broadcasts) != 1 || !broadcasts[0] {
		t.Fatalf("recovered switch should broadcast once, got %v", broadcasts)
	}
}

func TestSetBandwidthModePartialFailureStillConverges(t *testing.T) {
	good := &fakeSender{}
	bad := &fakeSender{replaceErr: errors.New("sender gone")}
	c := newTestController(&fakeCapturer{}, good, bad)

	var broadcasts []bool
	c.SetModeNotifier(func(low bool) error {
		broadcasts = append(broadcasts, low)
		return nil
	})

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := c.SetBandwidthMode(context.Background(), true, true)
	var partial *PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialError, got %v", err)
	}
	if !c.LowDataMode() {
		t.Fatal("partial failure must still commit the mode flag")
	}
	sd := config.NewDefaultConfig().VideoConfig.SDMaxBitrate
	if good.maxBitrate != sd {
		t.Fatalf("surviving sender should get the SD cap %d, got %d", sd, good.maxBitrate)
	}
	if len(broadcasts) != 1 || !broadcasts[0] {
		t.Fatalf("partial failure must still broadcast so the room converges, got %v", broadcasts)
	}
}

func TestPartialFailureIsDistinctFromTotal(t *testing.T) {
	good := &fakeSender{}
	bad := &fakeSender{replaceErr: errors.New("sender gone")}
	c := newTestController(&fakeCapturer{secondCamera: true}, good, bad)
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := c.SwitchCameraFacing(context.Background())
	var partial *PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialError, got %v", err)
	}
	if partial.Total != 2 || len(partial.Failed) != 1 {
		t.Fatalf("unexpected partial error: %+v", partial)
	}

	allBad1 := &fakeSender{replaceErr: errors.New("gone")}
	allBad2 := &fakeSender{replaceErr: errors.New("gone")}
	c2 := newTestController(&fakeCapturer{secondCamera: true}, allBad1, allBad2)
	if _, err := c2.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	err = c2.SwitchCameraFacing(context.Background())
	if err == nil || errors.As(err, &partial) {
		t.Fatalf("all-sender failure should not be a PartialError, got %v", err)
	}
}
