package session

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nedfreetoplay/hydrus"
)

// L2Cache mirrors session bindings into a shared cache so warm restarts (or
// a fronting process) can resolve sessions without the main table. It is an
// optimization layer; the sessions table stays authoritative.
type L2Cache interface {
	SetSession(ctx context.Context, serviceID int64, sessionKey, accountKey hydrus.Key, ttl time.Duration)
	GetSession(ctx context.Context, serviceID int64, sessionKey hydrus.Key) (hydrus.Key, bool)
	DeleteSession(ctx context.Context, serviceID int64, sessionKey hydrus.Key)
}

// RedisOptions configures the redis mirror.
type RedisOptions struct {
	Address  string
	Password string
	DB       int
}

// DefaultRedisOptions targets a local redis.
func DefaultRedisOptions() RedisOptions {
	return RedisOptions{Address: "localhost:6379"}
}

type redisCache struct {
	client *redis.Client
}

// NewRedisCache connects the mirror. Failures downstream are logged and
// swallowed; redis being away must never fail a session operation.
func NewRedisCache(options RedisOptions) L2Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	})
	return &redisCache{client: client}
}

func sessionField(serviceID int64, sessionKey hydrus.Key) string {
	return fmt.Sprintf("hydrus:session:%d:%s", serviceID, sessionKey)
}

func (r *redisCache) SetSession(ctx context.Context, serviceID int64, sessionKey, accountKey hydrus.Key, ttl time.Duration) {
	if err := r.client.Set(ctx, sessionField(serviceID, sessionKey), accountKey.String(), ttl).Err(); err != nil {
		log.Warn("redis session set failed", "err", err)
	}
}

func (r *redisCache) GetSession(ctx context.Context, serviceID int64, sessionKey hydrus.Key) (hydrus.Key, bool) {
	val, err := r.client.Get(ctx, sessionField(serviceID, sessionKey)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn("redis session get failed", "err", err)
		}
		return nil, false
	}
	key, err := hydrus.KeyFromHex(val)
	if err != nil {
		return nil, false
	}
	return key, true
}

func (r *redisCache) DeleteSession(ctx context.Context, serviceID int64, sessionKey hydrus.Key) {
	if err := r.client.Del(ctx, sessionField(serviceID, sessionKey)).Err(); err != nil {
		log.Warn("redis session delete failed", "err", err)
	}
}
