// Package media owns the local capture stream and propagates device and
// bandwidth changes uniformly across every active connection's outbound
// video. All track replacement goes through the Controller; nothing else
// mutates the stream's track set.
package media

import (
	"context"
	"fmt"
	"strings"
)

// TrackKind distinguishes capture tracks.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// FacingMode names the camera perspective, browser-style.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// Opposite returns the other camera perspective.
func (f FacingMode) Opposite() FacingMode {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Track is one live capture track. SetEnabled flips the enabled flag
// without stopping the capture pipeline, so re-enabling is instant.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Stream is the local capture stream: at most one audio and one video
// track, created once per call and torn down once on call end.
type Stream struct {
	Audio Track
	Video Track

	AspectRatio float64
}

// Tracks returns the non-nil tracks of the stream.
func (s *Stream) Tracks() []Track {
	var tracks []Track
	if s.Audio != nil {
		tracks = append(tracks, s.Audio)
	}
	if s.Video != nil {
		tracks = append(tracks, s.Video)
	}
	return tracks
}

// Close stops every track. Safe to call more than once.
func (s *Stream) Close() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
	s.Audio = nil
	s.Video = nil
}

// CaptureOptions selects what to acquire and at which tier.
type CaptureOptions struct {
	Audio        bool
	Video        bool
	Facing       FacingMode
	LowBandwidth bool
}

// Capturer acquires local capture tracks. Device access itself is the
// host's concern; the Controller only consumes this interface.
type Capturer interface {
	// Acquire requests a full stream. Disabled kinds still capture but
	// start with enabled=false, mirroring the flags.
	Acquire(ctx context.Context, opts CaptureOptions) (*Stream, error)
	// AcquireVideo requests a standalone video track and reports the
	// facing mode actually obtained, which may differ from the request
	// when the device has no second camera.
	AcquireVideo(ctx context.Context, opts CaptureOptions) (Track, FacingMode, error)
}

// VideoSender is the outbound video leg of one active connection. The
// rtc layer provides implementations; the Controller fans device and
// bitrate changes out over all of them.
type VideoSender interface {
	// ReplaceTrack substitutes the outbound source live, without
	// renegotiation.
	ReplaceTrack(t Track) error
	// SetMaxBitrate caps the outbound encoding. A cap of zero stops
	// sending entirely.
	SetMaxBitrate(bps uint64) error
}

// CapabilityError reports a device capability the host lacks (media
// permission denied, no rear camera). Never retried automatically.
type CapabilityError struct {
	Reason string
	Err    error
}

func (e *CapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capability: %s: %v", e.Reason, e.Err)
	}
	return "capability: " + e.Reason
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// PartialError reports a fan-out operation that failed for some peers
// while succeeding for others. Distinct from total failure so the user
// understands the remaining peers are still fine.
type PartialError struct {
	Op     string
	Failed []string
	Total  int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%s failed for %d of %d peers: %s",
		e.Op, len(e.Failed), e.Total, strings.Join(e.Failed, ", "))
}
