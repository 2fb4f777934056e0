package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key written by the store.
	Prefix string
}

// Redis shares generations between proxy instances. Generation names live in
// a sorted set scored by a creation counter; each generation is one hash of
// JSON-encoded entries.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects and pings the server before returning.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "swcache:"
	}
	return &Redis{rdb: rdb, prefix: prefix}, nil
}

func (r *Redis) gensKey() string            { return r.prefix + "generations" }
func (r *Redis) seqKey() string             { return r.prefix + "seq" }
func (r *Redis) hashKey(name string) string { return r.prefix + "gen:" + name }

func (r *Redis) OpenGeneration(ctx context.Context, name string) (Generation, error) {
	err := r.rdb.ZScore(ctx, r.gensKey(), name).Err()
	if err == nil {
		return &redisGeneration{r: r, name: name}, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("lookup generation %s: %w", name, err)
	}

	seq, err := r.rdb.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	// NX keeps the original score when another instance created it first.
	if err := r.rdb.ZAddNX(ctx, r.gensKey(), redis.Z{Score: float64(seq), Member: name}).Err(); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &redisGeneration{r: r, name: name}, nil
}

func (r *Redis) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		removed = p.ZRem(ctx, r.gensKey(), name)
		p.Del(ctx, r.hashKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete generation %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (r *Redis) ListGenerations(ctx context.Context) ([]string, error) {
	names, err := r.rdb.ZRange(ctx, r.gensKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	return names, nil
}

func (r *Redis) Match(ctx context.Context, key string) (Entry, bool, error) {
	names, err := r.ListGenerations(ctx)
	if err != nil {
		return Entry{}, false, err
	}
	for _, n := range names {
		ent, ok, err := r.get(ctx, n, key)
		if err != nil {
			return Entry{}, false, err
		}
		if ok {
			return ent, true, nil
		}
	}
	return Entry{}, false, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) get(ctx context.Context, gen, key string) (Entry, bool, error) {
	raw, err := r.rdb.HGet(ctx, r.hashKey(gen), key).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := json.Unmarshal([]byte(raw), &ent); err != nil {
		return Entry{}, false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	ent.Generation = gen
	return ent, true, nil
}

type redisGeneration struct {
	r    *Redis
	name string
}

func (g *redisGeneration) Name() string { return g.name }

func (g *redisGeneration) Get(ctx context.Context, key string) (Entry, bool, error) {
	return g.r.get(ctx, g.name, key)
}

func (g *redisGeneration) Put(ctx context.Context, key string, ent Entry) error {
	b, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := g.r.rdb.ZScore(ctx, g.r.gensKey(), g.name).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrGenerationGone
		}
		return err
	}
	return g.r.rdb.HSet(ctx, g.r.hashKey(g.name), key, b).Err()
}

func (g *redisGeneration) Delete(ctx context.Context, key string) error {
	return g.r.rdb.HDel(ctx, g.r.hashKey(g.name), key).Err()
}

func (g *redisGeneration) Keys(ctx context.Context) ([]string, error) {
	keys, err := g.r.rdb.HKeys(ctx, g.r.hashKey(g.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
