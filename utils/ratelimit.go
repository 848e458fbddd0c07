package utils

import (
	"sync"
	"time"
)

// RateLimiter ограничивает частоту запросов в скользящем окне по ключу
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

// NewRateLimiter создает новый RateLimiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Limit возвращает лимит запросов в окне
func (rl *RateLimiter) Limit() int {
	return rl.limit
}

// Allow проверяет, разрешен ли запрос, и возвращает остаток лимита
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := rl.prune(key, now)

	if len(valid) >= rl.limit {
		return false, 0
	}

	rl.requests[key] = append(valid, now)
	return true, rl.limit - len(rl.requests[key])
}

// ResetAt возвращает момент, когда освободится место в окне
func (rl *RateLimiter) ResetAt(key string) time.Time {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	valid := rl.prune(key, now)
	if len(valid) == 0 {
		return now
	}
	return valid[0].Add(rl.window)
}

// prune удаляет устаревшие отметки; вызывается под блокировкой
func (rl *RateLimiter) prune(key string, now time.Time) []time.Time {
	windowStart := now.Add(-rl.window)
	requests := rl.requests[key]

	kept := requests[:0]
	for _, t := range requests {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(rl.requests, key)
		return nil
	}
	rl.requests[key] = kept
	return kept
}
