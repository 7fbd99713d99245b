package actiontoken

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "stageline:action:"

// RedisStore shares tokens between server replicas.
type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	return &RedisStore{Client: redis.NewClient(&redis.Options{Addr: addr}), TTL: ttl}
}

func (s *RedisStore) Issue(ctx context.Context, c Claim) (string, error) {
	if err := validClaim(c); err != nil {
		return "", err
	}
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	if err := s.Client.Set(ctx, redisKeyPrefix+tok, data, s.TTL).Err(); err != nil {
		return "", err
	}
	return tok, nil
}

func (s *RedisStore) Redeem(ctx context.Context, token string) (Claim, error) {
	data, err := s.Client.GetDel(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Claim{}, ErrInvalid
	}
	if err != nil {
		return Claim{}, err
	}
	var c Claim
	if err := json.Unmarshal(data, &c); err != nil {
		return Claim{}, err
	}
	return c, nil
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}
