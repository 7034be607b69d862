package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "bookshelf:session:"

// RedisStore keeps sessions in Redis with the session expiry as key TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed session store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisStore) key(token string) string {
	return r.prefix + token
}

func (r *RedisStore) Find(token string) ([]byte, bool, error) {
	return r.FindCtx(context.Background(), token)
}

func (r *RedisStore) Commit(token string, data []byte, expiry time.Time) error {
	return r.CommitCtx(context.Background(), token, data, expiry)
}

func (r *RedisStore) Delete(token string) error {
	return r.DeleteCtx(context.Background(), token)
}

func (r *RedisStore) FindCtx(ctx context.Context, token string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// CommitCtx stores data until expiry. An expiry in the past deletes the session.
func (r *RedisStore) CommitCtx(ctx context.Context, token string, data []byte, expiry time.Time) error {
	ttl := time.Until(expiry)
	if ttl <= 0 {
		return r.client.Del(ctx, r.key(token)).Err()
	}
	return r.client.Set(ctx, r.key(token), data, ttl).Err()
}

func (r *RedisStore) DeleteCtx(ctx context.Context, token string) error {
	return r.client.Del(ctx, r.key(token)).Err()
}
