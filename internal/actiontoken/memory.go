package actiontoken

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCapacity = 10000

// MemoryStore keeps tokens in a bounded LRU whose entries expire after the TTL.
type MemoryStore struct {
	cache *expirable.LRU[string, Claim]
}

func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryStore{cache: expirable.NewLRU[string, Claim](capacity, nil, ttl)}
}

func (s *MemoryStore) Issue(_ context.Context, c Claim) (string, error) {
	if err := validClaim(c); err != nil {
		return "", err
	}
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	s.cache.Add(tok, c)
	return tok, nil
}

func (s *MemoryStore) Redeem(_ context.Context, token string) (Claim, error) {
	c, ok := s.cache.Peek(token)
	if !ok || !s.cache.Remove(token) {
		return Claim{}, ErrInvalid
	}
	return c, nil
}

func (s *MemoryStore) Len() int {
	return s.cache.Len()
}
