// Package redisstore keeps refresh sessions in redis. Sessions expire with
// the key TTL and rotation relies on GETDEL so only one caller can consume
// a session.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	identity "github.com/goliatone/go-identity"
)

const defaultPrefix = "identity"

// Option customizes a Store
type Option func(*Store)

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithClock injects the clock used to compute key TTLs
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Store implements identity.RefreshSessionStore on redis
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ identity.RefreshSessionStore = (*Store)(nil)

// New returns a Store using client
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type record struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// sessionKey embeds the account so a token presented for another account
// never matches.
func (s *Store) sessionKey(accountID uuid.UUID, hash string) string {
	return fmt.Sprintf("%s:refresh:%s:%s", s.prefix, accountID, hash)
}

func (s *Store) accountKey(accountID uuid.UUID) string {
	return fmt.Sprintf("%s:refresh_index:%s", s.prefix, accountID)
}

func (s *Store) Create(ctx context.Context, session *identity.RefreshSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}

	body, err := json.Marshal(record{
		ID:        session.ID,
		AccountID: session.AccountID,
		CreatedAt: session.CreatedAt,
		ExpiresAt: session.ExpiresAt,
	})
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		ttl = session.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return fmt.Errorf("refresh session already expired")
		}
	}

	idx := s.accountKey(session.AccountID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.AccountID, session.TokenHash), body, ttl)
		pipe.SAdd(ctx, idx, session.TokenHash)
		if ttl > 0 {
			pipe.Expire(ctx, idx, ttl)
		} else {
			pipe.Persist(ctx, idx)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create refresh session: %w", err)
	}
	return nil
}

func (s *Store) Rotate(ctx context.Context, accountID uuid.UUID, hash string, next *identity.RefreshSession, now time.Time) error {
	raw, err := s.client.GetDel(ctx, s.sessionKey(accountID, hash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return identity.ErrUnauthorized
		}
		return fmt.Errorf("rotate refresh session: %w", err)
	}

	if err := s.client.SRem(ctx, s.accountKey(accountID), hash).Err(); err != nil {
		return fmt.Errorf("rotate refresh session: %w", err)
	}

	var current record
	if err := json.Unmarshal(raw, &current); err != nil {
		return fmt.Errorf("decode refresh session: %w", err)
	}

	if !current.ExpiresAt.IsZero() && now.After(current.ExpiresAt) {
		return identity.ErrUnauthorized
	}

	return s.Create(ctx, next)
}

func (s *Store) Delete(ctx context.Context, accountID uuid.UUID, hash string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.sessionKey(accountID, hash))
		pipe.SRem(ctx, s.accountKey(accountID), hash)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete refresh session: %w", err)
	}
	return nil
}

func (s *Store) DeleteAll(ctx context.Context, accountID uuid.UUID) (int64, error) {
	keys, err := s.liveKeys(ctx, accountID)
	if err != nil {
		return 0, err
	}

	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			deleted = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, s.accountKey(accountID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete refresh sessions: %w", err)
	}
	if deleted == nil {
		return 0, nil
	}
	return deleted.Val(), nil
}

func (s *Store) Count(ctx context.Context, accountID uuid.UUID) (int, error) {
	keys, err := s.liveKeys(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("count refresh sessions: %w", err)
	}
	return int(n), nil
}

func (s *Store) liveKeys(ctx context.Context, accountID uuid.UUID) ([]string, error) {
	hashes, err := s.client.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list refresh sessions: %w", err)
	}
	keys := make([]string, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, s.sessionKey(accountID, h))
	}
	return keys, nil
}
