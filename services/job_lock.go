package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"societybilling/config"
)

// JobLock гарантирует, что пакетная задача выполняется одним экземпляром
type JobLock interface {
	// Acquire захватывает блокировку; ok=false, если она уже занята
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisJobLock распределенная блокировка на Redis
type RedisJobLock struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisJobLock создает новый экземпляр RedisJobLock
func NewRedisJobLock(client redis.UniversalClient) *RedisJobLock {
	return &RedisJobLock{client: client, prefix: "societybilling:lock"}
}

// Acquire захватывает блокировку через SET NX с уникальным токеном
func (l *RedisJobLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := fmt.Sprintf("%s:%s", l.prefix, key)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("ошибка захвата блокировки %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Снимаем только свою блокировку
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err()
	}
	return release, true, nil
}

// LocalJobLock блокировка в памяти процесса для запуска без Redis
type LocalJobLock struct {
	mu    sync.Mutex
	held  map[string]time.Time
	nowFn func() time.Time
}

// NewLocalJobLock создает новый экземпляр LocalJobLock
func NewLocalJobLock() *LocalJobLock {
	return &LocalJobLock{held: make(map[string]time.Time), nowFn: time.Now}
}

// Acquire захватывает блокировку до ее снятия или истечения ttl
func (l *LocalJobLock) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, false, nil
	}
	expires := now.Add(ttl)
	l.held[key] = expires

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key].Equal(expires) {
			delete(l.held, key)
		}
	}
	return release, true, nil
}

// NewJobLock возвращает Redis-блокировку или локальную, если адрес Redis не задан
func NewJobLock(cfg *config.Config) (JobLock, func() error, error) {
	if cfg.Redis.Addr == "" {
		return NewLocalJobLock(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ошибка подключения к Redis: %w", err)
	}
	return NewRedisJobLock(client), client.Close, nil
}
