// Package negotiate runs the offer/answer handshakes of one call. The
// offerer for any pair is decided deterministically from the two
// participant ids, so no tie-break round trips are needed; everything
// else in this package is the bookkeeping that decision implies:
// building connections, relaying candidates, and recovering pairs that
// fall over.
package negotiate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/config"
	"github.com/mikeyg42/peercall/internal/event"
	"github.com/mikeyg42/peercall/internal/identity"
	"github.com/mikeyg42/peercall/internal/media"
	"github.com/mikeyg42/peercall/internal/registry"
	"github.com/mikeyg42/peercall/internal/rtc"
	"github.com/mikeyg42/peercall/internal/signal"
)

const sideChannelLabel = "messages"

// Observer receives connection lifecycle notifications. The session
// coordinator uses these to recompute solo state and surface peers.
type Observer interface {
	PeerConnected(remote identity.ParticipantID)
	PeerGone(remote identity.ParticipantID)
	SideChannelReady(remote identity.ParticipantID, ch rtc.SideChannel)
}

// Engine drives negotiation for every peer pair involving the local
// participant.
type Engine struct {
	local      identity.ParticipantID
	transport  signal.Transport
	dialer     rtc.Dialer
	reg        *registry.Registry
	controller *media.Controller
	retry      config.RetryConfig
	observer   Observer
	logger     *zap.Logger

	mu          sync.Mutex
	ctx         context.Context
	seen        map[string]map[string]struct{} // key -> candidate strings applied
	grace       map[string]*time.Timer
	reconnects  map[string]int
	connectedAt map[string]time.Time
}

func New(
	local identity.ParticipantID,
	transport signal.Transport,
	dialer rtc.Dialer,
	reg *registry.Registry,
	controller *media.Controller,
	retry config.RetryConfig,
	observer Observer,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		local:       local,
		transport:   transport,
		dialer:      dialer,
		reg:         reg,
		controller:  controller,
		retry:       retry,
		observer:    observer,
		logger:      logger.Named("negotiate"),
		seen:        make(map[string]map[string]struct{}),
		grace:       make(map[string]*time.Timer),
		reconnects:  make(map[string]int),
		connectedAt: make(map[string]time.Time),
	}
}

// Start pins the call context used by asynchronous recovery (grace
// timers and re-offers run outside any handler call).
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
}

// Announce broadcasts our arrival to the room. Peers already present
// decide per pair whether they offer toward us.
func (e *Engine) Announce() error {
	return e.transport.Send(event.New(event.TypeNewParticipant, event.NewParticipant{
		ParticipantID: e.local,
	}))
}

// HandleNewParticipant reacts to a joiner announcement. The relay
// broadcasts our own announcement back; that echo is dropped here. For
// a genuine peer, exactly one side of the pair offers.
func (e *Engine) HandleNewParticipant(ctx context.Context, p event.NewParticipant) error {
	if p.ParticipantID == e.local || p.ParticipantID == "" {
		return nil
	}
	if !identity.IsOfferer(e.local, p.ParticipantID) {
		e.logger.Debug("awaiting offer from joiner", zap.String("remote", string(p.ParticipantID)))
		return nil
	}
	return e.offer(ctx, p.ParticipantID)
}

// offer builds a fresh connection toward remote and sends the offer.
// Any stale connection under the same key is torn down first.
func (e *Engine) offer(ctx context.Context, remote identity.ParticipantID) error {
	conn, err := e.dialer.NewConn(ctx, e.controller.Stream())
	if err != nil {
		return fmt.Errorf("dial toward %s: %w", remote, err)
	}

	entry := e.reg.Add(e.local, remote, conn)
	e.resetPairState(entry.Key)
	e.installHandlers(entry.Key, remote, conn)

	ch, err := conn.CreateSideChannel(sideChannelLabel)
	if err != nil {
		e.reg.Remove(entry.Key)
		return fmt.Errorf("open side channel toward %s: %w", remote, err)
	}
	e.reg.AttachSideChannel(entry.Key, ch)
	e.observer.SideChannelReady(remote, ch)

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		e.reg.Remove(entry.Key)
		return fmt.Errorf("create offer for %s: %w", remote, err)
	}

	return e.transport.Send(event.New(event.TypeOffer, event.Offer{
		Offer:    offer,
		DataMode: e.controller.LowDataMode(),
		To:       remote,
	}))
}

// HandleOffer answers an inbound offer. The offerer's bandwidth mode
// is adopted before negotiating, so the answer is produced from a
// capture stream already at the right tier.
func (e *Engine) HandleOffer(ctx context.Context, ev event.Offer) error {
	if ev.From == "" {
		return fmt.Errorf("offer without sender")
	}
	if err := e.controller.SetBandwidthMode(ctx, ev.DataMode, false); err != nil {
		e.logger.Warn("failed to match offerer bandwidth mode", zap.Error(err))
	}

	conn, err := e.dialer.NewConn(ctx, e.controller.Stream())
	if err != nil {
		return fmt.Errorf("dial toward %s: %w", ev.From, err)
	}

	entry := e.reg.Add(e.local, ev.From, conn)
	e.resetPairState(entry.Key)
	e.installHandlers(entry.Key, ev.From, conn)

	answer, err := conn.CreateAnswer(ctx, ev.Offer)
	if err != nil {
		e.reg.Remove(entry.Key)
		return fmt.Errorf("answer offer from %s: %w", ev.From, err)
	}

	return e.transport.Send(event.New(event.TypeAnswer, event.Answer{
		Answer: answer,
		To:     ev.From,
	}))
}

// HandleAnswer installs a remote answer. An answer for a pair we no
// longer track is logged and dropped: the peer may have answered an
// offer we already superseded.
func (e *Engine) HandleAnswer(ev event.Answer) error {
	entry := e.reg.Lookup(e.local, ev.From)
	if entry == nil {
		e.logger.Warn("answer for unknown connection", zap.String("remote", string(ev.From)))
		return nil
	}
	if err := entry.Conn.ApplyAnswer(ev.Answer); err != nil {
		return fmt.Errorf("apply answer from %s: %w", ev.From, err)
	}
	return nil
}

// HandleCandidate installs a remote ICE candidate. Candidates race the
// offer/answer exchange, so a candidate that arrives before its
// connection has a remote description is retried on a short constant
// interval; past the retry bound it is dropped, and ICE continues with
// whatever candidates did land. Duplicate candidates are dropped
// outright.
func (e *Engine) HandleCandidate(ev event.IceCandidate) error {
	key := identity.ConnectionKey(e.local, ev.From)

	e.mu.Lock()
	applied, ok := e.seen[key]
	if !ok {
		applied = make(map[string]struct{})
		e.seen[key] = applied
	}
	if _, dup := applied[ev.IceCandidate]; dup {
		e.mu.Unlock()
		return nil
	}
	applied[ev.IceCandidate] = struct{}{}
	e.mu.Unlock()

	install := func() error {
		entry := e.reg.Get(key)
		if entry == nil {
			return fmt.Errorf("no connection for %s yet", ev.From)
		}
		return entry.Conn.AddRemoteCandidate(ev.IceCandidate)
	}

	// Retried off the dispatch goroutine so a slow pair cannot stall
	// events for the rest of the room.
	go func() {
		policy := backoff.WithMaxRetries(
			backoff.NewConstantBackOff(e.retry.CandidateRetryDelay),
			e.retry.CandidateRetries,
		)
		if err := backoff.Retry(install, policy); err != nil {
			e.logger.Warn("dropping undeliverable candidate",
				zap.String("remote", string(ev.From)), zap.Error(err))
		}
	}()
	return nil
}

// HandleParticipantLeft tears down the pair for a departed peer.
func (e *Engine) HandleParticipantLeft(p event.ParticipantLeft) {
	key := identity.ConnectionKey(e.local, p.ParticipantID)
	e.resetPairState(key)
	if e.reg.Remove(key) {
		e.observer.PeerGone(p.ParticipantID)
	}
}

// Shutdown stops timers and forgets per-pair state. The registry is
// cleared by the caller, which owns teardown ordering for the call.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, timer := range e.grace {
		timer.Stop()
		delete(e.grace, key)
	}
	e.seen = make(map[string]map[string]struct{})
	e.reconnects = make(map[string]int)
	e.ctx = nil
}

// resetPairState clears candidate dedup and any pending grace timer
// for a key. Called whenever the pair starts over.
func (e *Engine) resetPairState(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.seen, key)
	if timer, ok := e.grace[key]; ok {
		timer.Stop()
		delete(e.grace, key)
	}
}

// installHandlers wires the connection's callbacks, scoped to this
// entry: each closure checks it still speaks for the registered
// connection before acting, so callbacks from replaced connections
// cannot touch their successors.
func (e *Engine) installHandlers(key string, remote identity.ParticipantID, conn rtc.Conn) {
	current := func() bool {
		entry := e.reg.Get(key)
		return entry != nil && entry.Conn == conn
	}

	conn.OnCandidate(func(candidate string) {
		if !current() {
			return
		}
		err := e.transport.Send(event.New(event.TypeIceCandidate, event.IceCandidate{
			IceCandidate: candidate,
			To:           remote,
		}))
		if err != nil {
			e.logger.Warn("failed to relay local candidate", zap.Error(err))
		}
	})

	conn.OnSideChannel(func(ch rtc.SideChannel) {
		if !current() {
			ch.Close()
			return
		}
		e.reg.AttachSideChannel(key, ch)
		e.observer.SideChannelReady(remote, ch)
	})

	conn.OnRemoteStream(func(stream rtc.RemoteStream) {
		if !current() {
			stream.Close()
			return
		}
		e.reg.AttachRemoteStream(key, stream)
	})

	conn.OnStateChange(func(state rtc.ConnState) {
		if !current() {
			return
		}
		e.handleStateChange(key, remote, conn, state)
	})
}

func (e *Engine) handleStateChange(key string, remote identity.ParticipantID, conn rtc.Conn, state rtc.ConnState) {
	e.logger.Info("peer connection state",
		zap.String("remote", string(remote)), zap.Stringer("state", state))

	switch state {
	case rtc.StateConnected:
		e.cancelGrace(key)
		e.mu.Lock()
		e.reconnects[key] = 0
		e.connectedAt[key] = time.Now()
		e.mu.Unlock()
		if err := e.controller.ReapplyBitrate(conn.VideoSender()); err != nil {
			e.logger.Warn("failed to reapply bitrate cap", zap.Error(err))
		}
		e.observer.PeerConnected(remote)

	case rtc.StateDisconnected:
		// Often transient; give ICE a short window to restore the
		// path before tearing the pair down.
		e.startGrace(key, remote, conn)

	case rtc.StateFailed, rtc.StateClosed:
		e.recover(key, remote, conn)
	}
}

func (e *Engine) startGrace(key string, remote identity.ParticipantID, conn rtc.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, pending := e.grace[key]; pending {
		return
	}
	e.grace[key] = time.AfterFunc(e.retry.DisconnectGracePeriod, func() {
		e.mu.Lock()
		delete(e.grace, key)
		e.mu.Unlock()
		entry := e.reg.Get(key)
		if entry == nil || entry.Conn != conn {
			return
		}
		e.logger.Info("disconnect grace period elapsed", zap.String("remote", string(remote)))
		e.recover(key, remote, conn)
	})
}

func (e *Engine) cancelGrace(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.grace[key]; ok {
		timer.Stop()
		delete(e.grace, key)
	}
}

// recover tears down a dead pair and, when we are the offerer for it,
// starts a fresh handshake. The answerer side only cleans up and waits
// for the peer's re-offer, so both sides never collide on recovery.
func (e *Engine) recover(key string, remote identity.ParticipantID, conn rtc.Conn) {
	entry := e.reg.Get(key)
	if entry == nil || entry.Conn != conn {
		return
	}

	e.resetPairState(key)
	e.reg.Remove(key)
	e.observer.PeerGone(remote)

	if !identity.IsOfferer(e.local, remote) {
		e.logger.Info("awaiting re-offer from peer", zap.String("remote", string(remote)))
		return
	}

	e.mu.Lock()
	e.reconnects[key]++
	attempt := e.reconnects[key]
	ctx := e.ctx
	e.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	e.logger.Info("re-offering to peer",
		zap.String("remote", string(remote)), zap.Int("attempt", attempt))
	if err := e.offer(ctx, remote); err != nil {
		e.logger.Error("re-offer failed", zap.String("remote", string(remote)), zap.Error(err))
	}
}

// ReconnectAttempts reports how many times the pair with remote has
// been rebuilt since it last held a stable connection.
func (e *Engine) ReconnectAttempts(remote identity.ParticipantID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reconnects[identity.ConnectionKey(e.local, remote)]
}

// LastConnected reports when the pair with remote most recently
// reached the connected state. ok is false if it never has.
func (e *Engine) LastConnected(remote identity.ParticipantID) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := e.connectedAt[identity.ConnectionKey(e.local, remote)]
	return at, ok
}
