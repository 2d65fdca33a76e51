package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-autopay/internal/lock"
)

// Token is a PSP bearer token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenSource caches a PSP bearer token in Redis so every process shares it.
// Fetches happen under a distributed lock.
type TokenSource struct {
	Redis  *redis.Client
	Locker lock.Locker
	// Key is the Redis key of the cached token; the lock uses Key+":lock".
	Key    string
	Fetch  func(ctx context.Context) (Token, error)
	Margin time.Duration
	Logger zerolog.Logger
	Now    func() time.Time
}

// Token returns the cached token, fetching a fresh one when the cache is empty.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, err := s.cached(ctx); err != nil || tok != "" {
		return tok, err
	}
	var out string
	err := s.Locker.WithLock(ctx, s.lockKey(), 15*time.Second, func(ctx context.Context) error {
		// another process may have refreshed while we waited
		tok, err := s.cached(ctx)
		if err != nil || tok != "" {
			out = tok
			return err
		}
		out, err = s.refresh(ctx)
		return err
	})
	return out, err
}

// Refresh fetches a new token if no other process is refreshing right now.
func (s *TokenSource) Refresh(ctx context.Context) error {
	err := s.Locker.TryLock(ctx, s.lockKey(), 15*time.Second, func(ctx context.Context) error {
		_, err := s.refresh(ctx)
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		s.Logger.Debug().Str("key", s.Key).Msg("psp_token_refresh_skipped")
		return nil
	}
	return err
}

// RunRefresher refreshes the token every interval until ctx is done.
func (s *TokenSource) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
			s.Logger.Error().Err(err).Str("key", s.Key).Msg("psp_token_refresh_failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Invalidate drops the cached token, e.g. after the PSP answered 401.
func (s *TokenSource) Invalidate(ctx context.Context) error {
	return s.Redis.Del(ctx, s.Key).Err()
}

func (s *TokenSource) cached(ctx context.Context) (string, error) {
	tok, err := s.Redis.Get(ctx, s.Key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("gateway: read token cache: %w", err)
	}
	return tok, nil
}

func (s *TokenSource) refresh(ctx context.Context) (string, error) {
	if s.Fetch == nil {
		return "", errors.New("gateway: token fetcher not configured")
	}
	tok, err := s.Fetch(ctx)
	if err != nil {
		return "", err
	}
	margin := s.Margin
	if margin <= 0 {
		margin = 30 * time.Second
	}
	ttl := tok.ExpiresAt.Sub(s.now()) - margin
	if ttl <= 0 {
		// too short-lived to cache; use it once
		return tok.AccessToken, nil
	}
	if err := s.Redis.Set(ctx, s.Key, tok.AccessToken, ttl).Err(); err != nil {
		return "", fmt.Errorf("gateway: write token cache: %w", err)
	}
	s.Logger.Info().Str("key", s.Key).Dur("ttl", ttl).Msg("psp_token_refreshed")
	return tok.AccessToken, nil
}

func (s *TokenSource) lockKey() string { return s.Key + ":lock" }

func (s *TokenSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
