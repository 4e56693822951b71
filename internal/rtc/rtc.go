// Package rtc is the negotiated-transport boundary. A Conn carries one
// peer-to-peer media session plus an optional side channel for
// application messages; the Dialer mints them. Session descriptions
// and ICE candidates cross this boundary as JSON strings so callers
// can relay them without knowing the underlying types.
package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/peercall/internal/media"
)

// ConnState is the lifecycle of one peer connection.
type ConnState int

const (
	StateNew ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the connection cannot recover on its own
// and must be torn down and renegotiated.
func (s ConnState) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// RemoteStream is the inbound media arriving from one peer.
type RemoteStream interface {
	ID() string
	Close()
}

// SideChannel is an ordered reliable message channel riding the same
// peer connection as the media.
type SideChannel interface {
	Label() string
	Send(payload []byte) error
	OnMessage(fn func(payload []byte))
	Close() error
}

// Conn is one negotiable peer connection.
type Conn interface {
	// CreateOffer produces a local offer and installs it as the local
	// description. The returned string is the JSON-encoded session
	// description.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer installs the remote offer and produces the local
	// answer, both JSON-encoded session descriptions.
	CreateAnswer(ctx context.Context, offer string) (string, error)

	// ApplyAnswer installs the remote answer.
	ApplyAnswer(answer string) error

	// AddRemoteCandidate installs a JSON-encoded remote ICE candidate.
	// It fails until a remote description is set.
	AddRemoteCandidate(candidate string) error

	// OnCandidate registers the handler receiving JSON-encoded local
	// candidates as they are gathered.
	OnCandidate(fn func(candidate string))

	// OnStateChange registers the handler for lifecycle transitions.
	OnStateChange(fn func(state ConnState))

	// OnRemoteStream registers the handler invoked once per inbound
	// remote track group.
	OnRemoteStream(fn func(stream RemoteStream))

	// CreateSideChannel opens an outgoing side channel. The offerer
	// calls this before negotiating.
	CreateSideChannel(label string) (SideChannel, error)

	// OnSideChannel registers the handler for channels opened by the
	// remote peer.
	OnSideChannel(fn func(ch SideChannel))

	// VideoSender exposes the outbound video path for live track
	// replacement and bitrate capping.
	VideoSender() media.VideoSender

	Close() error
}

// Dialer mints connections carrying the given local capture stream.
type Dialer interface {
	NewConn(ctx context.Context, stream *media.Stream) (Conn, error)
}

// ServerSource supplies the ICE servers for new connections. The
// credentials client implements this; a static fallback list stands in
// when the credential service is unreachable.
type ServerSource interface {
	ICEServers(ctx context.Context) ([]webrtc.ICEServer, error)
}
