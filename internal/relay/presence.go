package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mikeyg42/peercall/internal/identity"
)

// presenceTTL bounds how long a room's membership set survives without
// activity, so crashed relays don't leak sets forever.
const presenceTTL = 24 * time.Hour

// Presence mirrors room membership into Redis. With several relay
// instances behind a load balancer, any of them can answer "who is in
// this room" without owning the sockets.
type Presence struct {
	client *redis.Client
}

func NewPresence(addr, password string, db int) (*Presence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Presence{client: client}, nil
}

func roomKey(room string) string {
	return "room:" + room + ":participants"
}

func (p *Presence) Join(room string, id identity.ParticipantID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := p.client.Pipeline()
	pipe.SAdd(ctx, roomKey(room), string(id))
	pipe.Expire(ctx, roomKey(room), presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *Presence) Leave(room string, id identity.ParticipantID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.client.SRem(ctx, roomKey(room), string(id)).Err()
}

// Participants lists the ids present in a room across all relays.
func (p *Presence) Participants(room string) ([]identity.ParticipantID, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	members, err := p.client.SMembers(ctx, roomKey(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]identity.ParticipantID, len(members))
	for i, m := range members {
		out[i] = identity.ParticipantID(m)
	}
	return out, nil
}

func (p *Presence) Close() error {
	return p.client.Close()
}
