package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is the stored form of a live challenge. The code itself is never
// stored, only its bcrypt hash.
type Record struct {
	CodeHash string    `json:"codeHash"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Store holds at most one challenge per session key.
type Store interface {
	// Put replaces any challenge stored for sessionKey.
	Put(ctx context.Context, sessionKey string, rec Record, ttl time.Duration) error
	// Take removes and returns the challenge for sessionKey in one step.
	Take(ctx context.Context, sessionKey string) (Record, bool, error)
}

type memoryRecord struct {
	rec    Record
	expiry time.Time
}

// MemoryStore keeps challenges in process memory (single instance only).
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]memoryRecord
	puts  int
}

// NewMemoryStore builds an in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Put(_ context.Context, sessionKey string, rec Record, ttl time.Duration) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[sessionKey] = memoryRecord{rec: rec, expiry: now.Add(ttl + persistGrace)}
	s.puts++
	if s.puts%256 == 0 {
		for key, slot := range s.slots {
			if now.After(slot.expiry) {
				delete(s.slots, key)
			}
		}
	}
	return nil
}

func (s *MemoryStore) Take(_ context.Context, sessionKey string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[sessionKey]
	if !ok {
		return Record{}, false, nil
	}
	delete(s.slots, sessionKey)
	return slot.rec, true, nil
}

// persistGrace keeps a record around slightly past its TTL so an expired
// challenge is reported as expired rather than missing.
const persistGrace = time.Minute

// RedisStore stores one challenge key per session in Redis.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore builds a Redis-backed challenge store.
func NewRedisStore(addr, password string) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("challenge redis addr is required")
	}
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, keyPrefix: "citylibrary:reviews:challenge"}
}

func (s *RedisStore) Put(ctx context.Context, sessionKey string, rec Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Set(ctx, s.key(sessionKey), raw, ttl+persistGrace).Err()
}

// Take uses GETDEL so two concurrent verifications cannot both observe the
// same challenge.
func (s *RedisStore) Take(ctx context.Context, sessionKey string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	raw, err := s.client.GetDel(ctx, s.key(sessionKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return rec, true, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionKey string) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, sessionKey)
}
