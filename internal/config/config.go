package config

import "time"

// Config holds all application configuration
type Config struct {
	SignalURL      string
	CredentialsURL string
	DisplayName    string
	StatePath      string

	ICEConfig   ICEConfig
	VideoConfig VideoConfig
	RetryConfig RetryConfig
}

// ICEConfig selects STUN/TURN servers for peer connections. When
// CredentialsURL is unreachable the public fallback servers are used.
type ICEConfig struct {
	STUNServerURL string
	TURNServerURL string
	// TURNSServerURL is the TLS variant of the TURN server.
	TURNSServerURL       string
	FallbackSTUNServers  []string
	ICECandidatePoolSize int
}

// VideoConfig describes the two capture/bitrate tiers. The caps are
// configuration constants, not protocol invariants.
type VideoConfig struct {
	Width     int
	Height    int
	LowWidth  int
	LowHeight int
	Framerate int

	// HDMaxBitrate applies in normal mode, SDMaxBitrate in low-data mode.
	HDMaxBitrate uint64
	SDMaxBitrate uint64
}

// RetryConfig carries the negotiation timing knobs. The candidate retry
// bound and the disconnected grace period are empirically tuned; treat
// them as tunables, not invariants.
type RetryConfig struct {
	CandidateRetries      uint64
	CandidateRetryDelay   time.Duration
	DisconnectGracePeriod time.Duration
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		SignalURL:      "ws://localhost:7000/ws",
		CredentialsURL: "http://localhost:7000/turn/credentials",
		StatePath:      "peercall.db",
		ICEConfig: ICEConfig{
			STUNServerURL: "stun:stun.l.google.com:19302",
			FallbackSTUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
			ICECandidatePoolSize: 10,
		},
		VideoConfig: VideoConfig{
			Width:        1280,
			Height:       720,
			LowWidth:     480,
			LowHeight:    360,
			Framerate:    25,
			HDMaxBitrate: 2_500_000,
			SDMaxBitrate: 500_000,
		},
		RetryConfig: RetryConfig{
			CandidateRetries:      3,
			CandidateRetryDelay:   100 * time.Millisecond,
			DisconnectGracePeriod: 3 * time.Second,
		},
	}
}
