package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/config"
	"github.com/mikeyg42/peercall/internal/media"
)

const rtpMTU = 1200

// PionDialer mints pion-backed connections. One dialer is shared by
// every peer connection in a call; the codec selector must be the one
// the capture stream was acquired with so the media engine advertises
// matching payload types.
type PionDialer struct {
	cfg      config.ICEConfig
	selector *mediadevices.CodecSelector
	source   ServerSource
	logger   *zap.Logger
}

func NewPionDialer(cfg config.ICEConfig, selector *mediadevices.CodecSelector, source ServerSource, logger *zap.Logger) *PionDialer {
	return &PionDialer{
		cfg:      cfg,
		selector: selector,
		source:   source,
		logger:   logger.Named("rtc"),
	}
}

func (d *PionDialer) NewConn(ctx context.Context, stream *media.Stream) (Conn, error) {
	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeVideo)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeAudio)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeAudio)
	d.selector.Populate(&mediaEngine)

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		2*time.Second,  // keepalive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	servers, err := d.source.ICEServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ICE servers: %w", err)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           servers,
		ICETransportPolicy:   webrtc.ICETransportPolicyAll,
		ICECandidatePoolSize: uint8(d.cfg.ICECandidatePoolSize),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &pionConn{
		pc:      pc,
		logger:  d.logger,
		ctx:     connCtx,
		cancel:  cancel,
		remotes: make(map[string]*remoteStream),
	}

	if err := c.attachLocalTracks(stream); err != nil {
		cancel()
		pc.Close()
		return nil, err
	}
	c.installCallbacks()
	return c, nil
}

type pionConn struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	videoSender *pionSender
	audioSender *pionSender

	mu          sync.Mutex
	onCandidate func(string)
	onState     func(ConnState)
	onStream    func(RemoteStream)
	onChannel   func(SideChannel)
	remotes     map[string]*remoteStream

	closeOnce sync.Once
	closeErr  error
}

func (c *pionConn) attachLocalTracks(stream *media.Stream) error {
	videoTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", "peercall-video")
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}
	videoRTPSender, err := c.pc.AddTrack(videoTrack)
	if err != nil {
		return fmt.Errorf("failed to add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    1,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "peercall-audio")
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	audioRTPSender, err := c.pc.AddTrack(audioTrack)
	if err != nil {
		return fmt.Errorf("failed to add audio track: %w", err)
	}

	c.videoSender = newPionSender(c.ctx, videoTrack, videoRTPSender, c.logger.Named("video"))
	c.audioSender = newPionSender(c.ctx, audioTrack, audioRTPSender, c.logger.Named("audio"))

	if stream != nil {
		if stream.Video != nil {
			if err := c.videoSender.ReplaceTrack(stream.Video); err != nil {
				return err
			}
		}
		if stream.Audio != nil {
			if err := c.audioSender.ReplaceTrack(stream.Audio); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *pionConn) installCallbacks() {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		raw, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			c.logger.Error("failed to encode local candidate", zap.Error(err))
			return
		}
		c.mu.Lock()
		fn := c.onCandidate
		c.mu.Unlock()
		if fn != nil {
			fn(string(raw))
		}
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		mapped := mapState(state)
		c.logger.Debug("connection state changed", zap.Stringer("state", mapped))
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(mapped)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info("received remote track",
			zap.String("id", track.ID()),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		c.handleRemoteTrack(track)
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		fn := c.onChannel
		c.mu.Unlock()
		if fn != nil {
			fn(&pionChannel{dc: dc})
		}
	})
}

// handleRemoteTrack groups inbound tracks by their stream ID and
// surfaces each stream once, on its first track.
func (c *pionConn) handleRemoteTrack(track *webrtc.TrackRemote) {
	c.mu.Lock()
	rs, known := c.remotes[track.StreamID()]
	if !known {
		ctx, cancel := context.WithCancel(c.ctx)
		rs = &remoteStream{id: track.StreamID(), ctx: ctx, cancel: cancel}
		c.remotes[track.StreamID()] = rs
	}
	fn := c.onStream
	c.mu.Unlock()

	go drainRemoteTrack(rs.ctx, track, c.logger)

	if !known && fn != nil {
		fn(rs)
	}
}

func (c *pionConn) CreateOffer(ctx context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	// Trickle ICE: candidates flow through OnCandidate as gathered, so
	// the offer ships without waiting for gathering to complete.
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return encodeDescription(c.pc.LocalDescription())
}

func (c *pionConn) CreateAnswer(ctx context.Context, offer string) (string, error) {
	remote, err := decodeDescription(offer)
	if err != nil {
		return "", fmt.Errorf("malformed remote offer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return encodeDescription(c.pc.LocalDescription())
}

func (c *pionConn) ApplyAnswer(answer string) error {
	remote, err := decodeDescription(answer)
	if err != nil {
		return fmt.Errorf("malformed remote answer: %w", err)
	}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (c *pionConn) AddRemoteCandidate(candidate string) error {
	if c.pc.RemoteDescription() == nil {
		return errors.New("no remote description yet")
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("malformed remote candidate: %w", err)
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add remote candidate: %w", err)
	}
	return nil
}

func (c *pionConn) OnCandidate(fn func(string)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *pionConn) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *pionConn) OnRemoteStream(fn func(RemoteStream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *pionConn) CreateSideChannel(label string) (SideChannel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("failed to create data channel %q: %w", label, err)
	}
	return &pionChannel{dc: dc}, nil
}

func (c *pionConn) OnSideChannel(fn func(SideChannel)) {
	c.mu.Lock()
	c.onChannel = fn
	c.mu.Unlock()
}

func (c *pionConn) VideoSender() media.VideoSender {
	return c.videoSender
}

func (c *pionConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.pc.Close()
	})
	return c.closeErr
}

func mapState(state webrtc.PeerConnectionState) ConnState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

func encodeDescription(desc *webrtc.SessionDescription) (string, error) {
	if desc == nil {
		return "", errors.New("no local description")
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("failed to encode session description: %w", err)
	}
	return string(raw), nil
}

func decodeDescription(s string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(s), &desc); err != nil {
		return desc, err
	}
	if desc.SDP == "" {
		return desc, errors.New("missing sdp")
	}
	return desc, nil
}

type remoteStream struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

func (r *remoteStream) ID() string { return r.id }
func (r *remoteStream) Close()     { r.cancel() }

// drainRemoteTrack keeps the inbound RTP flowing. Rendering is owned
// by the embedding application; an undrained track stalls the NACK and
// TWCC feedback loops.
func drainRemoteTrack(ctx context.Context, track *webrtc.TrackRemote, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := track.ReadRTP(); err != nil {
			if err != io.EOF {
				logger.Debug("remote track read ended", zap.Error(err))
			}
			return
		}
	}
}

type pionChannel struct {
	dc        *webrtc.DataChannel
	onMessage atomic.Pointer[func(payload []byte)]
}

func (ch *pionChannel) Label() string { return ch.dc.Label() }

func (ch *pionChannel) Send(payload []byte) error {
	if ch.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("channel %q is %s, not open", ch.dc.Label(), ch.dc.ReadyState())
	}
	return ch.dc.Send(payload)
}

func (ch *pionChannel) OnMessage(fn func(payload []byte)) {
	ch.onMessage.Store(&fn)
	ch.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if handler := ch.onMessage.Load(); handler != nil {
			(*handler)(msg.Data)
		}
	})
}

func (ch *pionChannel) Close() error { return ch.dc.Close() }
