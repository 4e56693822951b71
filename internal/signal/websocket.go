package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/peercall/internal/event"
	"github.com/mikeyg42/peercall/internal/identity"
)

const (
	wsWriteDeadline  = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 54 * time.Second
	wsMaxMessageSize = 64 * 1024 // offers carry full SDP bodies

	wsDialMaxElapsed = 30 * time.Second
)

// WebsocketTransport is the production Transport: one gorilla
// websocket to the relay with a write pump owning all writes and a
// read pump feeding Events.
type WebsocketTransport struct {
	conn   *websocket.Conn
	logger *zap.Logger

	out    chan event.Envelope
	events chan event.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the relay and joins a room. The room name and the
// local participant id travel in the URL; the relay learns who we are
// from the path, never from message payloads.
func Dial(ctx context.Context, rawURL, room string, local identity.ParticipantID, logger *zap.Logger) (*WebsocketTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid signal URL %q: %w", rawURL, err)
	}
	u.Path = fmt.Sprintf("/ws/room/%s/participant/%s", url.PathEscape(room), url.PathEscape(string(local)))

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = wsDialMaxElapsed

	var conn *websocket.Conn
	dial := func() error {
		var dialErr error
		conn, _, dialErr = websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		return dialErr
	}
	if err := backoff.Retry(dial, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("failed to reach relay at %s: %w", u.Host, err)
	}

	t := &WebsocketTransport{
		conn:   conn,
		logger: logger.Named("signal"),
		out:    make(chan event.Envelope, 64),
		events: make(chan event.Envelope, 64),
		done:   make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t, nil
}

func (t *WebsocketTransport) Send(env event.Envelope) error {
	select {
	case <-t.done:
		return ErrClosed
	case t.out <- env:
		return nil
	}
}

func (t *WebsocketTransport) Events() <-chan event.Envelope {
	return t.events
}

func (t *WebsocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.conn.Close()
	})
	return nil
}

func (t *WebsocketTransport) readPump() {
	defer close(t.events)

	t.conn.SetReadLimit(wsMaxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("relay closed the connection")
			} else {
				select {
				case <-t.done:
				default:
					t.logger.Error("signal read failed", zap.Error(err))
				}
			}
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.logger.Warn("discarding malformed envelope", zap.Error(err))
			continue
		}

		select {
		case t.events <- env:
		case <-t.done:
			return
		}
	}
}

func (t *WebsocketTransport) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.logger.Error("ping failed", zap.Error(err))
				t.Close()
				return
			}

		case env := <-t.out:
			raw, err := json.Marshal(env)
			if err != nil {
				t.logger.Error("failed to encode envelope", zap.String("type", string(env.Type)), zap.Error(err))
				continue
			}
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				t.logger.Error("signal write failed", zap.Error(err))
				t.Close()
				return
			}
		}
	}
}
