package whiteboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
)

const maxTxRetries = 10

// RedisOptions addresses the Redis server backing a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key the store touches.
	Prefix string
}

// RedisStore keeps each tag as a Redis list. Trimmed posts are counted in a
// side key so list positions map back to absolute indices.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

type redisEntry struct {
	Data      string  `json:"d"`
	Timestamp float64 `json:"t"`
}

// OpenRedis connects to Redis and checks the connection.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("whiteboard: redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: opts.Prefix}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) postsKey(tag string) string   { return s.prefix + "category:" + tag }
func (s *RedisStore) droppedKey(tag string) string { return s.prefix + "category:" + tag + ":dropped" }
func (s *RedisStore) tagsKey() string              { return s.prefix + "categories" }

func (s *RedisStore) Append(ctx context.Context, tag, data string, ts float64) (int64, error) {
	raw, err := json.Marshal(redisEntry{Data: data, Timestamp: ts})
	if err != nil {
		return 0, err
	}
	var length, dropped *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.RPush(ctx, s.postsKey(tag), raw)
		dropped = pipe.IncrBy(ctx, s.droppedKey(tag), 0)
		pipe.SAdd(ctx, s.tagsKey(), tag)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("whiteboard: append: %w", err)
	}
	return dropped.Val() + length.Val() - 1, nil
}

func (s *RedisStore) Get(ctx context.Context, tag string, index int64) (Post, error) {
	return getViaRange(ctx, s, tag, index)
}

func (s *RedisStore) Range(ctx context.Context, tag string, start, stop int64) ([]Post, int64, error) {
	var (
		posts []Post
		next  int64
	)
	err := s.watch(ctx, tag, func(tx *redis.Tx) error {
		dropped, err := tx.Get(ctx, s.droppedKey(tag)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		from, to := start, stop
		if from >= 0 {
			from = max(from-dropped, 0)
		}
		if to >= 0 {
			to -= dropped
		}

		var llen *redis.IntCmd
		var items *redis.StringSliceCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			llen = pipe.LLen(ctx, s.postsKey(tag))
			items = pipe.LRange(ctx, s.postsKey(tag), from, to)
			return nil
		})
		if err != nil {
			return err
		}

		next = dropped + llen.Val()
		if stop >= 0 && to < 0 {
			posts = nil
			return nil
		}
		first := from
		if first < 0 {
			first = max(first+llen.Val(), 0)
		}
		posts, err = decodeEntries(items.Val(), dropped+first)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("whiteboard: range: %w", err)
	}
	return posts, next, nil
}

func (s *RedisStore) Latest(ctx context.Context, tag string) (int64, error) {
	var llen, dropped *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, s.postsKey(tag))
		dropped = pipe.IncrBy(ctx, s.droppedKey(tag), 0)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("whiteboard: latest: %w", err)
	}
	return dropped.Val() + llen.Val(), nil
}

func (s *RedisStore) After(ctx context.Context, tag string, ts float64) (int64, error) {
	var items *redis.StringSliceCmd
	var dropped *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, s.postsKey(tag), 0, -1)
		dropped = pipe.IncrBy(ctx, s.droppedKey(tag), 0)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("whiteboard: after: %w", err)
	}
	posts, err := decodeEntries(items.Val(), dropped.Val())
	if err != nil {
		return 0, fmt.Errorf("whiteboard: after: %w", err)
	}
	for _, p := range posts {
		if p.Timestamp > ts {
			return p.Index, nil
		}
	}
	return dropped.Val() + int64(len(posts)), nil
}

func (s *RedisStore) Resize(ctx context.Context, keep int64) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tags, err := s.rdb.SMembers(ctx, s.tagsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("whiteboard: list tags: %w", err)
	}

	var total int64
	for _, tag := range tags {
		err := s.watch(ctx, tag, func(tx *redis.Tx) error {
			n, err := tx.LLen(ctx, s.postsKey(tag)).Result()
			if err != nil {
				return err
			}
			drop := n - keep
			if drop <= 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LTrim(ctx, s.postsKey(tag), drop, -1)
				pipe.IncrBy(ctx, s.droppedKey(tag), drop)
				return nil
			})
			if err == nil {
				total += drop
			}
			return err
		})
		if err != nil {
			return total, fmt.Errorf("whiteboard: resize %s: %w", tag, err)
		}
	}
	return total, nil
}

func (s *RedisStore) Info(ctx context.Context) ([]TagInfo, error) {
	tags, err := s.rdb.SMembers(ctx, s.tagsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("whiteboard: list tags: %w", err)
	}
	sort.Strings(tags)

	out := make([]TagInfo, 0, len(tags))
	for _, tag := range tags {
		var llen, dropped *redis.IntCmd
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			llen = pipe.LLen(ctx, s.postsKey(tag))
			dropped = pipe.IncrBy(ctx, s.droppedKey(tag), 0)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("whiteboard: info %s: %w", tag, err)
		}
		out = append(out, TagInfo{Tag: tag, Length: dropped.Val() + llen.Val(), Retained: llen.Val()})
	}
	return out, nil
}

func (s *RedisStore) Save(ctx context.Context, sync bool) error {
	var err error
	if sync {
		err = s.rdb.Save(ctx).Err()
	} else {
		err = s.rdb.BgSave(ctx).Err()
	}
	if err != nil {
		return fmt.Errorf("whiteboard: save: %w", err)
	}
	return nil
}

// watch runs fn optimistically against the tag's dropped counter, retrying
// when a concurrent resize moves it.
func (s *RedisStore) watch(ctx context.Context, tag string, fn func(tx *redis.Tx) error) error {
	for range maxTxRetries {
		err := s.rdb.Watch(ctx, fn, s.droppedKey(tag))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return redis.TxFailedErr
}

func decodeEntries(raw []string, firstIndex int64) ([]Post, error) {
	posts := make([]Post, 0, len(raw))
	for i, r := range raw {
		var e redisEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode entry %d: %w", firstIndex+int64(i), err)
		}
		posts = append(posts, Post{Index: firstIndex + int64(i), Data: e.Data, Timestamp: e.Timestamp})
	}
	return posts, nil
}
