// Package publish stores named JSON blobs that jobs produce. Blobs are
// grouped by game mode variant and keyed as <prefix>:<variant>:<key>.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/game-data-manager/internal/errors"
	"github.com/game-data-manager/internal/logging"
	"github.com/game-data-manager/internal/retry"
)

// DefaultVariant is the variant used when PutOptions leaves it empty.
const DefaultVariant = "regular"

// Variants are the game modes every published blob exists for.
var Variants = []string{"regular", "pve"}

// PutOptions selects where a blob goes.
type PutOptions struct {
	Variant string
}

// Result reports the outcome of a Put. Failures never panic or return an
// error; callers inspect Success and may retry.
type Result struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors,omitempty"`
}

// Envelope is what a published key holds.
type Envelope struct {
	Updated time.Time       `json:"updated"`
	Data    json.RawMessage `json:"data"`
}

// Publisher is the blob publish collaborator.
type Publisher interface {
	Put(ctx context.Context, key string, data any, opts PutOptions) Result
	Get(ctx context.Context, key, variant string) (*Envelope, error)
}

// Config configures a RedisPublisher.
type Config struct {
	KeyPrefix string
	// TTL of zero keeps blobs until they are overwritten.
	TTL   time.Duration
	Retry *retry.RetryConfig
}

// RedisPublisher publishes blobs to Redis.
type RedisPublisher struct {
	client redis.Cmdable
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

// NewRedisPublisher creates a publisher on client.
func NewRedisPublisher(client redis.Cmdable, cfg Config, logger *logging.Logger) *RedisPublisher {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "data"
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultRetryConfig()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RedisPublisher{
		client: client,
		cfg:    cfg,
		logger: logger.WithField("component", "publisher"),
		now:    time.Now,
	}
}

// Key returns the Redis key of a blob.
func (p *RedisPublisher) Key(key, variant string) string {
	if variant == "" {
		variant = DefaultVariant
	}
	return strings.Join([]string{p.cfg.KeyPrefix, variant, key}, ":")
}

func (p *RedisPublisher) indexKey(variant string) string {
	return p.Key("_index", variant)
}

// Put upserts data under key. Writing the same data twice leaves the same
// blob behind; nothing is atomic across keys.
func (p *RedisPublisher) Put(ctx context.Context, key string, data any, opts PutOptions) Result {
	if key == "" {
		return Result{Errors: []string{"key must not be empty"}}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("failed to marshal %s: %v", key, err)}}
	}
	env, err := json.Marshal(Envelope{Updated: p.now().UTC(), Data: raw})
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("failed to marshal envelope: %v", err)}}
	}

	redisKey := p.Key(key, opts.Variant)
	var attemptErrors []string
	err = retry.WithRetry(ctx, p.cfg.Retry, func(ctx context.Context, attempt int) error {
		_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, env, p.cfg.TTL)
			pipe.SAdd(ctx, p.indexKey(opts.Variant), key)
			return nil
		})
		if err != nil {
			attemptErrors = append(attemptErrors, fmt.Sprintf("attempt %d: %v", attempt, err))
			return apperrors.NewNetworkError("publish "+redisKey, err)
		}
		return nil
	})
	if err != nil {
		p.logger.WithError(err).WithField("key", redisKey).Warn("Failed to publish blob")
		return Result{Errors: attemptErrors}
	}

	p.logger.WithFields(map[string]interface{}{
		"key":   redisKey,
		"bytes": len(raw),
	}).Debug("Published blob")
	return Result{Success: true}
}

// Get returns the blob under key, or a not found error.
func (p *RedisPublisher) Get(ctx context.Context, key, variant string) (*Envelope, error) {
	redisKey := p.Key(key, variant)
	val, err := p.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NewNotFoundError("blob", redisKey)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get blob", err)
	}

	var env Envelope
	if err := json.Unmarshal(val, &env); err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("corrupt blob %s", redisKey), err)
	}
	return &env, nil
}

// Keys lists the keys published for variant.
func (p *RedisPublisher) Keys(ctx context.Context, variant string) ([]string, error) {
	keys, err := p.client.SMembers(ctx, p.indexKey(variant)).Result()
	if err != nil {
		return nil, apperrors.NewDatabaseError("list blobs", err)
	}
	sort.Strings(keys)
	return keys, nil
}
