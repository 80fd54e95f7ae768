// Package session keeps refresh tokens in redis. Each token is a hash
// keyed by its SHA-256 and expires with the token; redeeming one deletes it.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"lexicontract/api/internal/store"
)

const keyPrefix = "lexicontract:refresh:"

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to redisURL and pings it.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(tokenHash string) string {
	return keyPrefix + tokenHash
}

// SaveRefreshSession records who tokenHash was issued to until expiresAt.
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	if !time.Now().Before(expiresAt) {
		return fmt.Errorf("save refresh session: already expired")
	}
	k := key(tokenHash)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k,
			"user_id", user.ID,
			"org_id", user.OrgID,
			"display_name", user.DisplayName,
			"role", user.Role,
			"issued_at", strconv.FormatInt(time.Now().Unix(), 10),
		)
		pipe.PExpireAt(ctx, k, expiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// ConsumeRefreshSession redeems tokenHash: the session is returned and
// deleted in one transaction, so a token rotates at most once. Unknown or
// expired tokens give store.ErrNotFound.
func (s *RedisStore) ConsumeRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	k := key(tokenHash)
	var fields *redis.MapStringStringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, k)
		pipe.Del(ctx, k)
		return nil
	})
	if err != nil {
		return store.User{}, fmt.Errorf("consume refresh session: %w", err)
	}
	return userFrom(fields.Val())
}

func userFrom(fields map[string]string) (store.User, error) {
	if fields["user_id"] == "" {
		return store.User{}, store.ErrNotFound
	}
	role := fields["role"]
	if role == "" {
		role = "viewer"
	}
	return store.User{
		ID:          fields["user_id"],
		OrgID:       fields["org_id"],
		DisplayName: fields["display_name"],
		Role:        role,
		IsActive:    true,
	}, nil
}

// RevokeRefreshSession deletes a session. Unknown tokens are not an error.
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, key(tokenHash)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
