// Package session coordinates one call end to end: media acquisition,
// the signaling connection, the negotiation engine, and the in-call
// message log. It owns the call's lifecycle as an explicit state
// machine; every external trigger (user action, signaling event, peer
// failure) funnels into a state transition here.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/config"
	"github.com/mikeyg42/peercall/internal/event"
	"github.com/mikeyg42/peercall/internal/identity"
	"github.com/mikeyg42/peercall/internal/media"
	"github.com/mikeyg42/peercall/internal/negotiate"
	"github.com/mikeyg42/peercall/internal/registry"
	"github.com/mikeyg42/peercall/internal/rtc"
	"github.com/mikeyg42/peercall/internal/signal"
)

// CallState is the call lifecycle.
type CallState int

const (
	StateIdle CallState = iota
	StateRequestingMedia
	StateConnecting
	StateActiveSolo
	StateActiveMulti
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingMedia:
		return "requesting_media"
	case StateConnecting:
		return "connecting"
	case StateActiveSolo:
		return "active_solo"
	case StateActiveMulti:
		return "active_multi"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Message is one entry in the call's message log.
type Message struct {
	From        identity.ParticipantID
	DisplayName string
	Body        string
	SentAt      time.Time
}

// chatPayload is the wire shape of a message on the side channel. The
// sender is implied by which channel it arrived on, never trusted from
// the payload.
type chatPayload struct {
	DisplayName string    `json:"displayName"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sentAt"`
}

// Hooks are the coordinator's notifications outward. All fields are
// optional; they are invoked off the coordinator's lock but from
// internal goroutines, so implementations must be quick or hand off.
type Hooks struct {
	StateChanged func(state CallState)
	Message      func(msg Message)
	PeerJoined   func(remote identity.ParticipantID)
	PeerLeft     func(remote identity.ParticipantID)
}

// DialFunc opens the signaling transport for a room.
type DialFunc func(ctx context.Context, room string, local identity.ParticipantID) (signal.Transport, error)

type Coordinator struct {
	cfg        *config.Config
	controller *media.Controller
	dialer     rtc.Dialer
	dialSignal DialFunc
	profile    *ProfileStore
	hooks      Hooks
	logger     *zap.Logger

	mu          sync.Mutex
	state       CallState
	local       identity.ParticipantID
	room        string
	displayName string
	transport   signal.Transport
	reg         *registry.Registry
	engine      *negotiate.Engine
	cancel      context.CancelFunc
	messages    []Message
	passphrase  string
}

func NewCoordinator(
	cfg *config.Config,
	controller *media.Controller,
	dialer rtc.Dialer,
	dialSignal DialFunc,
	profile *ProfileStore,
	hooks Hooks,
	logger *zap.Logger,
) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		controller:  controller,
		dialer:      dialer,
		dialSignal:  dialSignal,
		profile:     profile,
		hooks:       hooks,
		logger:      logger.Named("session"),
		state:       StateIdle,
		displayName: cfg.DisplayName,
		passphrase:  suggestPassphrase(),
	}
	if profile != nil {
		if name, err := profile.DisplayName(); err == nil && name != "" {
			c.displayName = name
		}
	}
	return c
}

// SuggestedPassphrase returns a fresh room passphrase. A new one is
// seeded when a call ends so the next call never lands in the previous
// room by accident.
func (c *Coordinator) SuggestedPassphrase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passphrase
}

// DisplayName returns the name attached to outgoing messages.
func (c *Coordinator) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.displayName
}

// SetDisplayName updates and persists the local display name.
func (c *Coordinator) SetDisplayName(name string) error {
	c.mu.Lock()
	c.displayName = name
	profile := c.profile
	c.mu.Unlock()
	if profile != nil {
		return profile.SetDisplayName(name)
	}
	return nil
}

// State reports the current call state.
func (c *Coordinator) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LocalID returns the participant id minted for the current call.
func (c *Coordinator) LocalID() identity.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Participants lists the remote peers currently connected.
func (c *Coordinator) Participants() []identity.ParticipantID {
	c.mu.Lock()
	reg := c.reg
	c.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Remotes()
}

// Messages returns a snapshot of the call's message log in order.
func (c *Coordinator) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// StartCall joins the room named by the passphrase. A second call
// while one is live is refused; callers end the current call first.
func (c *Coordinator) StartCall(ctx context.Context, passphrase string) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateEnded {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("call already in progress (state %s)", state)
	}
	local, err := identity.NewParticipantID()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("generate participant id: %w", err)
	}
	c.state = StateRequestingMedia
	c.messages = nil
	c.room = passphrase
	c.local = local
	c.mu.Unlock()
	c.notifyState(StateRequestingMedia)

	if _, err := c.controller.Start(ctx); err != nil {
		c.setState(StateIdle)
		return fmt.Errorf("acquire local media: %w", err)
	}

	transport, err := c.dialSignal(ctx, passphrase, local)
	if err != nil {
		c.controller.Stop()
		c.setState(StateIdle)
		return fmt.Errorf("connect signaling: %w", err)
	}

	reg := registry.New(c.logger)
	c.controller.SetSenderSource(reg.VideoSenders)
	c.controller.SetModeNotifier(func(low bool) error {
		return transport.Send(event.New(event.TypeDataMode, event.DataMode{IsLowDataMode: low}))
	})

	engine := negotiate.New(local, transport, c.dialer, reg, c.controller, c.cfg.RetryConfig, c, c.logger)

	callCtx, cancel := context.WithCancel(context.Background())
	engine.Start(callCtx)

	c.mu.Lock()
	c.transport = transport
	c.reg = reg
	c.engine = engine
	c.cancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	if err := engine.Announce(); err != nil {
		c.EndCall()
		return fmt.Errorf("announce to room: %w", err)
	}

	c.setState(StateActiveSolo)
	c.logger.Info("call started",
		zap.String("room", passphrase), zap.String("participant", string(local)))

	go c.dispatch(callCtx, transport, engine)
	return nil
}

// EndCall tears the call down completely. Safe to call from any state
// and from multiple triggers; only the first has any effect.
func (c *Coordinator) EndCall() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateEnded {
		c.mu.Unlock()
		return
	}
	transport := c.transport
	reg := c.reg
	engine := c.engine
	cancel := c.cancel
	c.transport = nil
	c.reg = nil
	c.engine = nil
	c.cancel = nil
	c.state = StateEnded
	c.passphrase = suggestPassphrase()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if engine != nil {
		engine.Shutdown()
	}
	if reg != nil {
		reg.Clear()
	}
	if transport != nil {
		transport.Close()
	}
	c.controller.Stop()

	c.logger.Info("call ended")
	c.notifyState(StateEnded)
}

// SendMessage fans a message out to every connected peer and records
// it locally. Partial delivery returns a PartialError naming the peers
// missed; the local log keeps the message either way.
func (c *Coordinator) SendMessage(body string) error {
	c.mu.Lock()
	if c.state != StateActiveSolo && c.state != StateActiveMulti {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("no active call (state %s)", state)
	}
	msg := Message{
		From:        c.local,
		DisplayName: c.displayName,
		Body:        body,
		SentAt:      time.Now(),
	}
	c.messages = append(c.messages, msg)
	reg := c.reg
	c.mu.Unlock()

	raw, err := json.Marshal(chatPayload{
		DisplayName: msg.DisplayName,
		Body:        msg.Body,
		SentAt:      msg.SentAt,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return reg.Broadcast(raw)
}

// SetLowDataMode switches the room's bandwidth mode from this client.
func (c *Coordinator) SetLowDataMode(ctx context.Context, low bool) error {
	return c.controller.SetBandwidthMode(ctx, low, true)
}

// ToggleAudio flips the microphone and reports the new state.
func (c *Coordinator) ToggleAudio() bool { return c.controller.ToggleAudio() }

// ToggleCamera flips the camera and reports the new state.
func (c *Coordinator) ToggleCamera() (bool, error) { return c.controller.ToggleCamera() }

// SwitchCamera swaps between front and rear cameras where available.
func (c *Coordinator) SwitchCamera(ctx context.Context) error {
	return c.controller.SwitchCameraFacing(ctx)
}

// dispatch is the call's single event loop: every signaling event is
// decoded and applied in arrival order. When the transport's event
// stream closes underneath a live call, the call ends.
func (c *Coordinator) dispatch(ctx context.Context, transport signal.Transport, engine *negotiate.Engine) {
	for env := range transport.Events() {
		payload, err := env.Decode()
		if err != nil {
			c.logger.Warn("discarding undecodable event", zap.Error(err))
			continue
		}

		switch p := payload.(type) {
		case event.NewParticipant:
			err = engine.HandleNewParticipant(ctx, p)
		case event.Offer:
			err = engine.HandleOffer(ctx, p)
		case event.Answer:
			err = engine.HandleAnswer(p)
		case event.IceCandidate:
			err = engine.HandleCandidate(p)
		case event.ParticipantLeft:
			engine.HandleParticipantLeft(p)
		case event.DataMode:
			if p.From != c.LocalID() {
				err = c.controller.SetBandwidthMode(ctx, p.IsLowDataMode, false)
			}
		}
		if err != nil {
			c.logger.Error("event handling failed",
				zap.String("type", string(env.Type)), zap.Error(err))
		}
	}

	if ctx.Err() == nil {
		c.logger.Warn("signaling connection lost, ending call")
		c.EndCall()
	}
}

// PeerConnected implements negotiate.Observer.
func (c *Coordinator) PeerConnected(remote identity.ParticipantID) {
	c.mu.Lock()
	changed := c.state == StateActiveSolo || c.state == StateConnecting
	if changed {
		c.state = StateActiveMulti
	}
	c.mu.Unlock()

	if changed {
		c.notifyState(StateActiveMulti)
	}
	if c.hooks.PeerJoined != nil {
		c.hooks.PeerJoined(remote)
	}
}

// PeerGone implements negotiate.Observer. The last departure drops the
// call back to solo; the call itself stays up.
func (c *Coordinator) PeerGone(remote identity.ParticipantID) {
	c.mu.Lock()
	reg := c.reg
	solo := c.state == StateActiveMulti && reg != nil && reg.Count() == 0
	if solo {
		c.state = StateActiveSolo
	}
	c.mu.Unlock()

	if solo {
		c.notifyState(StateActiveSolo)
	}
	if c.hooks.PeerLeft != nil {
		c.hooks.PeerLeft(remote)
	}
}

// SideChannelReady implements negotiate.Observer: inbound messages on
// the channel land in the log attributed to the channel's peer.
func (c *Coordinator) SideChannelReady(remote identity.ParticipantID, ch rtc.SideChannel) {
	ch.OnMessage(func(raw []byte) {
		var payload chatPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.logger.Warn("discarding malformed message",
				zap.String("remote", string(remote)), zap.Error(err))
			return
		}
		msg := Message{
			From:        remote,
			DisplayName: payload.DisplayName,
			Body:        payload.Body,
			SentAt:      payload.SentAt,
		}
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		c.mu.Unlock()

		if c.hooks.Message != nil {
			c.hooks.Message(msg)
		}
	})
}

func (c *Coordinator) setState(state CallState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.notifyState(state)
}

func (c *Coordinator) notifyState(state CallState) {
	if c.hooks.StateChanged != nil {
		c.hooks.StateChanged(state)
	}
}

// suggestPassphrase mints a short human-shareable room name.
func suggestPassphrase() string {
	return uuid.NewString()[:13]
}
