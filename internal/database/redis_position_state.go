package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"futures-agent/internal/logging"
	"futures-agent/internal/position"
)

// DefaultPositionStateTTL bounds how long a forgotten key survives in Redis.
const DefaultPositionStateTTL = 7 * 24 * time.Hour

// RedisOptions configures NewRedisClient.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// NewRedisClient builds a client with short dial timeouts so an unreachable server is
// detected quickly at startup.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaxRetries:   1,
	})
}

// RedisPositionStore stores position state in Redis and mirrors every write to an
// in-memory cache that serves reads while Redis is unreachable.
type RedisPositionStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	logger    *logging.Logger
	available atomic.Bool

	cacheMu sync.RWMutex
	cache   map[string]position.State
}

// NewRedisPositionStore pings the server once; a nil client or failed ping starts the
// store in memory-only mode until CheckConnection succeeds.
func NewRedisPositionStore(client *redis.Client, prefix string, ttl time.Duration, logger *logging.Logger) *RedisPositionStore {
	if prefix == "" {
		prefix = "futures-agent"
	}
	if ttl <= 0 {
		ttl = DefaultPositionStateTTL
	}
	s := &RedisPositionStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.WithComponent("redis-position"),
		cache:  make(map[string]position.State),
	}

	if client == nil {
		s.logger.Info("No Redis client provided, using in-memory cache only")
		return s
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("Redis unavailable at startup, using in-memory cache", "error", err)
		return s
	}
	s.available.Store(true)
	s.logger.Info("Redis connected")
	return s
}

func (s *RedisPositionStore) key(symbol string) string {
	return fmt.Sprintf("%s:position:%s", s.prefix, strings.ToUpper(symbol))
}

func (s *RedisPositionStore) listKey() string {
	return s.prefix + ":positions"
}

func (s *RedisPositionStore) Save(ctx context.Context, state position.State) error {
	if state.Symbol == "" {
		return errors.New("cannot save state without symbol")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal position state: %w", err)
	}

	s.cacheMu.Lock()
	s.cache[strings.ToUpper(state.Symbol)] = state
	s.cacheMu.Unlock()

	if s.client == nil || !s.available.Load() {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(state.Symbol), data, s.ttl)
	pipe.SAdd(ctx, s.listKey(), strings.ToUpper(state.Symbol))
	pipe.Expire(ctx, s.listKey(), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("Failed to save to Redis, kept in memory", "symbol", state.Symbol, "error", err)
		s.available.Store(false)
	}
	return nil
}

func (s *RedisPositionStore) Load(ctx context.Context, symbol string) (position.State, error) {
	if s.client != nil && s.available.Load() {
		data, err := s.client.Get(ctx, s.key(symbol)).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			return position.State{}, position.ErrStateNotFound
		case err != nil:
			s.logger.Warn("Redis read failed, using in-memory cache", "symbol", symbol, "error", err)
			s.available.Store(false)
		default:
			var state position.State
			if err := json.Unmarshal(data, &state); err != nil {
				return position.State{}, fmt.Errorf("failed to unmarshal position state: %w", err)
			}
			s.cacheMu.Lock()
			s.cache[strings.ToUpper(symbol)] = state
			s.cacheMu.Unlock()
			return state, nil
		}
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	state, ok := s.cache[strings.ToUpper(symbol)]
	if !ok {
		return position.State{}, position.ErrStateNotFound
	}
	return state, nil
}

func (s *RedisPositionStore) Clear(ctx context.Context, symbol string) error {
	s.cacheMu.Lock()
	delete(s.cache, strings.ToUpper(symbol))
	s.cacheMu.Unlock()

	if s.client == nil || !s.available.Load() {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(symbol))
	pipe.SRem(ctx, s.listKey(), strings.ToUpper(symbol))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("Failed to delete from Redis", "symbol", symbol, "error", err)
		s.available.Store(false)
	}
	return nil
}

// List returns all known states sorted by symbol.
func (s *RedisPositionStore) List(ctx context.Context) ([]position.State, error) {
	var symbols []string
	if s.client != nil && s.available.Load() {
		members, err := s.client.SMembers(ctx, s.listKey()).Result()
		if err == nil {
			symbols = members
		} else {
			s.available.Store(false)
		}
	}
	if symbols == nil {
		s.cacheMu.RLock()
		for sym := range s.cache {
			symbols = append(symbols, sym)
		}
		s.cacheMu.RUnlock()
	}
	sort.Strings(symbols)

	out := make([]position.State, 0, len(symbols))
	for _, sym := range symbols {
		state, err := s.Load(ctx, sym)
		if err != nil {
			continue
		}
		out = append(out, state)
	}
	return out, nil
}

// Available reports whether the last Redis operation succeeded.
func (s *RedisPositionStore) Available() bool {
	return s.available.Load()
}

// CheckConnection pings Redis and, after an outage, pushes cached states back.
func (s *RedisPositionStore) CheckConnection(ctx context.Context) error {
	if s.client == nil {
		return errors.New("no Redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.available.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.available.Swap(true) {
		return nil
	}

	s.logger.Info("Redis connection recovered, syncing cache")
	s.cacheMu.RLock()
	states := make([]position.State, 0, len(s.cache))
	for _, st := range s.cache {
		states = append(states, st)
	}
	s.cacheMu.RUnlock()
	for _, st := range states {
		if err := s.Save(ctx, st); err != nil {
			return err
		}
	}
	return nil
}
