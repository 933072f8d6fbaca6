package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"tickstream/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultMaxLength = 1000
	scanCount        = 200
	delBatch         = 500
)

// Config configures the redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// NewClient creates a redis client and pings the server.
func NewClient(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return client, nil
}

// Cache is the redis-backed HistoryCache. Each key is a list holding the
// newest entry at the head; LPUSH+LTRIM run in one MULTI so readers never
// observe a list past the bound.
type Cache struct {
	client    *goredis.Client
	maxLength int
	breaker   *Breaker
}

var _ model.HistoryCache = (*Cache)(nil)

// NewCache wraps client. Every operation goes through a breaker that opens
// after 5 consecutive failures for 10s.
func NewCache(client *goredis.Client, maxLength int) *Cache {
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}
	b := NewBreaker(5, 10*time.Second)
	b.OnStateChange = func(from, to State) {
		log.Printf("[redis-cache] breaker %s -> %s", from, to)
	}
	return &Cache{client: client, maxLength: maxLength, breaker: b}
}

// MaxLength returns the per-key bound.
func (c *Cache) MaxLength() int { return c.maxLength }

// Breaker exposes the breaker for health reporting.
func (c *Cache) Breaker() *Breaker { return c.breaker }

// Ping checks connectivity, bypassing the breaker.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Push prepends entry and trims key to MaxLength.
func (c *Cache) Push(ctx context.Context, key model.CacheKey, entry []byte) error {
	k := key.String()
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.LPush(ctx, k, entry)
			pipe.LTrim(ctx, k, 0, int64(c.maxLength-1))
			return nil
		})
		return err
	})
	return unavailable("push "+k, err)
}

// Read returns up to limit entries of key, newest first.
func (c *Cache) Read(ctx context.Context, key model.CacheKey, limit int) ([]string, error) {
	k := key.String()
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	var out []string
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.client.LRange(ctx, k, 0, stop).Result()
		return err
	})
	if err != nil {
		return nil, unavailable("read "+k, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// ReadAllMatchingPrefix scans the (series, dataType) subkeys and reads each
// list in one pipeline.
func (c *Cache) ReadAllMatchingPrefix(ctx context.Context, series string, dataType model.DataType) (map[int64][]string, error) {
	prefix := model.CacheKey{Series: series, Type: dataType}.Prefix()

	out := make(map[int64][]string)
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		keys, err := c.scan(ctx, escapeGlob(prefix)+"*")
		if err != nil {
			return err
		}

		tokens := make([]int64, 0, len(keys))
		cmds := make([]*goredis.StringSliceCmd, 0, len(keys))
		pipe := c.client.Pipeline()
		for _, k := range keys {
			tok, ok := model.ParseSubkey(prefix, k)
			if !ok {
				continue
			}
			tokens = append(tokens, tok)
			cmds = append(cmds, pipe.LRange(ctx, k, 0, -1))
		}
		if len(cmds) == 0 {
			return nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		for i, cmd := range cmds {
			out[tokens[i]] = cmd.Val()
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("read prefix "+prefix, err)
	}
	return out, nil
}

// ListSubkeys returns the tokens that currently have a list, ascending.
func (c *Cache) ListSubkeys(ctx context.Context, series string, dataType model.DataType) ([]int64, error) {
	prefix := model.CacheKey{Series: series, Type: dataType}.Prefix()

	tokens := make([]int64, 0)
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		keys, err := c.scan(ctx, escapeGlob(prefix)+"*")
		if err != nil {
			return err
		}
		for _, k := range keys {
			if tok, ok := model.ParseSubkey(prefix, k); ok {
				tokens = append(tokens, tok)
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list subkeys "+prefix, err)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens, nil
}

// Flush deletes every key owned by series.
func (c *Cache) Flush(ctx context.Context, series string) (int, error) {
	var deleted int64
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		keys, err := c.scan(ctx, escapeGlob(model.SeriesPrefix(series))+"*")
		if err != nil {
			return err
		}
		owned := keys[:0]
		for _, k := range keys {
			if model.OwnsKey(series, k) {
				owned = append(owned, k)
			}
		}
		for start := 0; start < len(owned); start += delBatch {
			end := start + delBatch
			if end > len(owned) {
				end = len(owned)
			}
			n, err := c.client.Del(ctx, owned[start:end]...).Result()
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return int(deleted), unavailable("flush "+series, err)
	}
	if deleted > 0 {
		log.Printf("[redis-cache] flushed %d keys of series %s", deleted, series)
	}
	return int(deleted), nil
}

func (c *Cache) scan(ctx context.Context, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", match, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return dedupe(keys), nil
		}
	}
}

// SCAN may return a key more than once.
func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// escapeGlob quotes the glob metacharacters redis MATCH understands.
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func countsAsSuccess(err error) bool {
	return errors.Is(err, goredis.Nil)
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", model.ErrCacheUnavailable, op, err)
}
