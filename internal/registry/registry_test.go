package registry

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/identity"
	"github.com/mikeyg42/peercall/internal/media"
	"github.com/mikeyg42/peercall/internal/rtc"
)

type fakeConn struct {
	closed int
}

func (c *fakeConn) CreateOffer(context.Context) (string, error)          { return "", nil }
func (c *fakeConn) CreateAnswer(context.Context, string) (string, error) { return "", nil }
func (c *fakeConn) ApplyAnswer(string) error                             { return nil }
func (c *fakeConn) AddRemoteCandidate(string) error                      { return nil }
func (c *fakeConn) OnCandidate(func(string))                             {}
func (c *fakeConn) OnStateChange(func(rtc.ConnState))                    {}
func (c *fakeConn) OnRemoteStream(func(rtc.RemoteStream))                {}
func (c *fakeConn) CreateSideChannel(string) (rtc.SideChannel, error)    { return nil, nil }
func (c *fakeConn) OnSideChannel(func(rtc.SideChannel))                  {}
func (c *fakeConn) VideoSender() media.VideoSender                       { return nil }

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

type fakeChannel struct {
	sent    [][]byte
	sendErr error
	closed  int
}

func (ch *fakeChannel) Label() string          { return "messages" }
func (ch *fakeChannel) OnMessage(func([]byte)) {}

func (ch *fakeChannel) Send(payload []byte) error {
	if ch.sendErr != nil {
		return ch.sendErr
	}
	ch.sent = append(ch.sent, payload)
	return nil
}

func (ch *fakeChannel) Close() error {
	ch.closed++
	return nil
}

type fakeRemoteStream struct {
	closed int
}

func (s *fakeRemoteStream) ID() string { return "remote" }
func (s *fakeRemoteStream) Close()     { s.closed++ }

const (
	local = identity.ParticipantID("0191a000-0000-7000-8000-000000000001")
	peerB = identity.ParticipantID("0191a000-0000-7000-8000-000000000002")
	peerC = identity.ParticipantID("0191a000-0000-7000-8000-000000000003")
)

func TestRemoveIsIdempotentAndOrdersTeardown(t *testing.T) {
	r := New(zap.NewNop())
	conn := &fakeConn{}
	ch := &fakeChannel{}
	stream := &fakeRemoteStream{}

	entry := r.Add(local, peerB, conn)
	r.AttachSideChannel(entry.Key, ch)
	r.AttachRemoteStream(entry.Key, stream)

	if !r.Remove(entry.Key) {
		t.Fatal("first remove should report removal")
	}
	if r.Remove(entry.Key) {
		t.Fatal("second remove should be a no-op")
	}
	if conn.closed != 1 || ch.closed != 1 || stream.closed != 1 {
		t.Fatalf("each resource should close exactly once: conn=%d ch=%d stream=%d",
			conn.closed, ch.closed, stream.closed)
	}
	if r.Count() != 0 {
		t.Fatalf("registry should be empty, has %d", r.Count())
	}
}

func TestAddReplacesStaleEntry(t *testing.T) {
	r := New(zap.NewNop())
	stale := &fakeConn{}
	staleCh := &fakeChannel{}

	entry := r.Add(local, peerB, stale)
	r.AttachSideChannel(entry.Key, staleCh)

	fresh := &fakeConn{}
	replacement := r.Add(local, peerB, fresh)

	if stale.closed != 1 || staleCh.closed != 1 {
		t.Fatal("stale entry should be torn down on replacement")
	}
	if fresh.closed != 0 {
		t.Fatal("fresh connection must stay open")
	}
	if got := r.Get(replacement.Key); got == nil || got.Conn != fresh {
		t.Fatal("registry should hold the fresh connection")
	}
	if r.Count() != 1 {
		t.Fatalf("expected a single entry, have %d", r.Count())
	}
}

func TestAttachToUnknownKeyClosesResource(t *testing.T) {
	r := New(zap.NewNop())
	ch := &fakeChannel{}
	stream := &fakeRemoteStream{}

	r.AttachSideChannel("nope", ch)
	r.AttachRemoteStream("nope", stream)

	if ch.closed != 1 {
		t.Fatal("orphaned side channel should be closed")
	}
	if stream.closed != 1 {
		t.Fatal("orphaned stream should be closed")
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	r := New(zap.NewNop())

	good := &fakeChannel{}
	bad := &fakeChannel{sendErr: errors.New("channel closing")}

	e1 := r.Add(local, peerB, &fakeConn{})
	r.AttachSideChannel(e1.Key, good)
	e2 := r.Add(local, peerC, &fakeConn{})
	r.AttachSideChannel(e2.Key, bad)

	err := r.Broadcast([]byte("hello"))
	var partial *media.PartialError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialError, got %v", err)
	}
	if partial.Total != 2 || len(partial.Failed) != 1 {
		t.Fatalf("unexpected partial error: %+v", partial)
	}
	if len(good.sent) != 1 {
		t.Fatal("healthy peer should still receive the payload")
	}
}

func TestBroadcastEmptyRegistryIsNoop(t *testing.T) {
	r := New(zap.NewNop())
	if err := r.Broadcast([]byte("hello")); err != nil {
		t.Fatalf("broadcast with no peers should succeed, got %v", err)
	}
}

func TestClearTearsDownEverything(t *testing.T) {
	r := New(zap.NewNop())
	c1 := &fakeConn{}
	c2 := &fakeConn{}
	r.Add(local, peerB, c1)
	r.Add(local, peerC, c2)

	r.Clear()

	if r.Count() != 0 {
		t.Fatalf("registry should be empty, has %d", r.Count())
	}
	if c1.closed != 1 || c2.closed != 1 {
		t.Fatal("every connection should be closed exactly once")
	}
}
