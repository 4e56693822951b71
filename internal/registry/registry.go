// Package registry tracks the live peer connections of one call,
// keyed by connection key. It owns teardown ordering and the fan-out
// views (side channels for messaging, video senders for the media
// controller); the negotiation engine owns everything per-handshake.
package registry

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/identity"
	"github.com/mikeyg42/peercall/internal/media"
	"github.com/mikeyg42/peercall/internal/rtc"
)

// Entry is one remote participant's connection and its attachments.
type Entry struct {
	Remote identity.ParticipantID
	Key    string
	Conn   rtc.Conn

	mu      sync.Mutex
	channel rtc.SideChannel
	stream  rtc.RemoteStream
}

// SideChannel returns the entry's message channel, nil until attached.
func (e *Entry) SideChannel() rtc.SideChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel
}

type Registry struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("registry"),
		entries: make(map[string]*Entry),
	}
}

// Add registers a freshly dialed connection for the given remote. Any
// existing entry under the same key is torn down first, so a re-offer
// always starts from a clean slate.
func (r *Registry) Add(local, remote identity.ParticipantID, conn rtc.Conn) *Entry {
	key := identity.ConnectionKey(local, remote)

	r.mu.Lock()
	old := r.entries[key]
	entry := &Entry{Remote: remote, Key: key, Conn: conn}
	r.entries[key] = entry
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing stale connection", zap.String("key", key))
		teardown(old, r.logger)
	}
	return entry
}

// AttachSideChannel binds the message channel to an entry. The offerer
// attaches the channel it opened; the answerer attaches the one the
// remote opened.
func (r *Registry) AttachSideChannel(key string, ch rtc.SideChannel) {
	r.mu.Lock()
	entry := r.entries[key]
	r.mu.Unlock()
	if entry == nil {
		r.logger.Warn("side channel for unknown connection", zap.String("key", key))
		ch.Close()
		return
	}
	entry.mu.Lock()
	entry.channel = ch
	entry.mu.Unlock()
}

// AttachRemoteStream binds the inbound media to an entry.
func (r *Registry) AttachRemoteStream(key string, stream rtc.RemoteStream) {
	r.mu.Lock()
	entry := r.entries[key]
	r.mu.Unlock()
	if entry == nil {
		r.logger.Warn("remote stream for unknown connection", zap.String("key", key))
		stream.Close()
		return
	}
	entry.mu.Lock()
	entry.stream = stream
	entry.mu.Unlock()
}

// Get returns the entry for a key, or nil.
func (r *Registry) Get(key string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[key]
}

// Lookup returns the entry for the connection between local and remote.
func (r *Registry) Lookup(local, remote identity.ParticipantID) *Entry {
	return r.Get(identity.ConnectionKey(local, remote))
}

// Remove tears down and forgets an entry. Removing an absent key is a
// no-op, so the disconnect path may run from several triggers without
// double-teardown.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	entry := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if entry == nil {
		return false
	}
	r.logger.Info("connection removed", zap.String("key", key))
	teardown(entry, r.logger)
	return true
}

// Clear tears down every entry. Used when the call ends.
func (r *Registry) Clear() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, entry := range entries {
		teardown(entry, r.logger)
	}
}

// teardown order: side channel first so no message lands on a closing
// connection, then the connection, then the inbound stream.
func teardown(entry *Entry, logger *zap.Logger) {
	entry.mu.Lock()
	ch := entry.channel
	stream := entry.stream
	entry.channel = nil
	entry.stream = nil
	entry.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Debug("side channel close failed", zap.String("key", entry.Key), zap.Error(err))
		}
	}
	if err := entry.Conn.Close(); err != nil {
		logger.Debug("connection close failed", zap.String("key", entry.Key), zap.Error(err))
	}
	if stream != nil {
		stream.Close()
	}
}

// Count reports how many connections are registered.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Remotes lists the connected participants.
func (r *Registry) Remotes() []identity.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]identity.ParticipantID, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.Remote)
	}
	return out
}

// VideoSenders snapshots every connection's outbound video path. The
// media controller uses this as its sender source, so track swaps and
// cap changes reach every peer.
func (r *Registry) VideoSenders() []media.VideoSender {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]media.VideoSender, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.Conn.VideoSender())
	}
	return out
}

// Broadcast sends a payload over every attached side channel. Entries
// whose channel is missing or failing are reported, not fatal: a
// partial delivery returns a PartialError naming the peers missed,
// and only a total miss fails outright.
func (r *Registry) Broadcast(payload []byte) error {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	var failed []string
	for _, entry := range entries {
		ch := entry.SideChannel()
		if ch == nil {
			failed = append(failed, string(entry.Remote))
			continue
		}
		if err := ch.Send(payload); err != nil {
			r.logger.Warn("broadcast send failed",
				zap.String("remote", string(entry.Remote)), zap.Error(err))
			failed = append(failed, string(entry.Remote))
		}
	}

	switch {
	case len(failed) == 0:
		return nil
	case len(failed) == len(entries):
		return fmt.Errorf("broadcast failed for all %d peers", len(entries))
	default:
		return &media.PartialError{Op: "broadcast", Failed: failed, Total: len(entries)}
	}
}
