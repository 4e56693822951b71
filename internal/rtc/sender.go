package rtc

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/media"
)

// pionSender bridges one capture track onto one outbound RTP track.
// Each ReplaceTrack call retires the running packet pump and starts a
// fresh one on the new source, so camera flips and tier changes swap
// the outbound feed without renegotiating.
type pionSender struct {
	parent context.Context
	local  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	logger *zap.Logger

	mu       sync.Mutex
	stopPump context.CancelFunc

	// paused gates the pump when the video cap is zero (camera off).
	paused atomic.Bool
}

func newPionSender(parent context.Context, local *webrtc.TrackLocalStaticRTP, sender *webrtc.RTPSender, logger *zap.Logger) *pionSender {
	s := &pionSender{
		parent: parent,
		local:  local,
		sender: sender,
		logger: logger,
	}
	go s.drainRTCP()
	return s
}

// drainRTCP keeps the sender's feedback loop alive. Interceptors such
// as NACK and TWCC only run while the RTCP stream is being read.
func (s *pionSender) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *pionSender) ReplaceTrack(t media.Track) error {
	src, ok := t.(media.RTPSource)
	if !ok {
		return fmt.Errorf("track %q does not expose RTP packets", t.ID())
	}

	params := s.sender.GetParameters()
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return fmt.Errorf("no SSRC assigned for %s sender", s.local.Kind())
	}
	ssrc := uint32(params.Encodings[0].SSRC)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopPump != nil {
		s.stopPump()
	}
	ctx, cancel := context.WithCancel(s.parent)
	s.stopPump = cancel
	go s.pump(ctx, t, src, ssrc)
	return nil
}

// SetMaxBitrate applies the outbound video cap. A zero cap pauses the
// pump entirely; the encoder tier fixes the actual rate for nonzero
// caps, so those only resume a paused pump.
func (s *pionSender) SetMaxBitrate(bps uint64) error {
	was := s.paused.Swap(bps == 0)
	if was != (bps == 0) {
		s.logger.Info("outbound cap changed", zap.Uint64("bps", bps))
	}
	return nil
}

func (s *pionSender) pump(ctx context.Context, track media.Track, src media.RTPSource, ssrc uint32) {
	reader, err := src.NewRTPReader(s.local.Codec().MimeType, ssrc, rtpMTU)
	if err != nil {
		s.logger.Error("failed to open RTP reader", zap.Error(err))
		return
	}
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		packets, release, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				return
			}
			s.logger.Debug("RTP read failed", zap.Error(err))
			continue
		}

		if s.paused.Load() || !track.Enabled() {
			release()
			continue
		}
		if err := s.writePackets(packets); err != nil {
			release()
			return
		}
		release()
	}
}

func (s *pionSender) writePackets(packets []*rtp.Packet) error {
	for _, packet := range packets {
		if err := s.local.WriteRTP(packet); err != nil {
			if strings.Contains(err.Error(), "closed") {
				return err
			}
			s.logger.Debug("RTP write failed", zap.Error(err))
		}
	}
	return nil
}
