package service

import (
	"sync"
	"time"
)

type rateKey struct {
	partyID string
	source  string
}

// RateLimiter 記錄每個 (partyID, 來源) 最後一次連線嘗試的時間
type RateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[rateKey]time.Time
}

func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:  window,
		entries: make(map[rateKey]time.Time),
	}
}

// Allow 在距離上次嘗試不足 window 時拒絕；被拒絕的嘗試不會更新紀錄
func (l *RateLimiter) Allow(partyID, source string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := rateKey{partyID: partyID, source: source}
	if last, ok := l.entries[key]; ok && now.Sub(last) < l.window {
		return false
	}
	l.entries[key] = now
	return true
}

// Sweep 移除超過 ttl 沒有活動的紀錄，回傳移除數量
func (l *RateLimiter) Sweep(now time.Time, ttl time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, last := range l.entries {
		if now.Sub(last) > ttl {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
