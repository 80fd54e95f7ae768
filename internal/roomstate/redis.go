// Package roomstate keeps shared negotiation room facts in Redis: which
// rooms have been seeded and who is currently watching each contract.
package roomstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"lexicontract/api/internal/presence"
)

const defaultSeedTTL = 7 * 24 * time.Hour

type Store struct {
	client  *redis.Client
	prefix  string
	seedTTL time.Duration
}

func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewStoreWithClient(client), nil
}

func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, prefix: "lexicontract:", seedTTL: defaultSeedTTL}
}

func (s *Store) seedKey(room string) string {
	return s.prefix + "seeded:" + room
}

func (s *Store) rosterKey(room string) string {
	return s.prefix + "roster:" + room
}

// Claim marks room as seeded and reports whether this caller was first.
func (s *Store) Claim(ctx context.Context, room string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.seedKey(room), time.Now().UTC().Format(time.RFC3339), s.seedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim seed %s: %w", room, err)
	}
	return ok, nil
}

// Seeded reports whether room has been claimed.
func (s *Store) Seeded(ctx context.Context, room string) (bool, error) {
	n, err := s.client.Exists(ctx, s.seedKey(room)).Result()
	if err != nil {
		return false, fmt.Errorf("check seed %s: %w", room, err)
	}
	return n == 1, nil
}

// ResetSeed forgets the claim so the next opener seeds again.
func (s *Store) ResetSeed(ctx context.Context, room string) error {
	if err := s.client.Del(ctx, s.seedKey(room)).Err(); err != nil {
		return fmt.Errorf("reset seed %s: %w", room, err)
	}
	return nil
}

// Join records sessionID in room's roster. The roster expires after ttl
// without activity.
func (s *Store) Join(ctx context.Context, room, sessionID string, state presence.State, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	key := s.rosterKey(room)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, sessionID, data)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("join roster %s: %w", room, err)
	}
	return nil
}

func (s *Store) Leave(ctx context.Context, room, sessionID string) error {
	if err := s.client.HDel(ctx, s.rosterKey(room), sessionID).Err(); err != nil {
		return fmt.Errorf("leave roster %s: %w", room, err)
	}
	return nil
}

// Roster lists room's sessions ordered by session id. Unreadable entries
// are skipped.
func (s *Store) Roster(ctx context.Context, room string) ([]presence.Peer, error) {
	entries, err := s.client.HGetAll(ctx, s.rosterKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", room, err)
	}
	peers := make([]presence.Peer, 0, len(entries))
	for id, raw := range entries {
		var state presence.State
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			continue
		}
		peers = append(peers, presence.Peer{SessionID: id, State: state})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].SessionID < peers[j].SessionID })
	return peers, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
