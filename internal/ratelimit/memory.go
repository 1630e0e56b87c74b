package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// window はキーごとの固定ウィンドウ。
type window struct {
	start time.Time
	count int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryLimiter はプロセス内メモリで試行回数を管理するLimiter実装。
// キーをシャードに振り分け、異なるキー同士のロック競合を抑える。
type MemoryLimiter struct {
	config Config
	shards [shardCount]*shard
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryLimiter は新しいMemoryLimiterを生成する。
// バックグラウンドで期限切れウィンドウのクリーンアップを開始する。
func NewMemoryLimiter(config Config) *MemoryLimiter {
	return newMemoryLimiter(config, time.Now)
}

func newMemoryLimiter(config Config, now func() time.Time) *MemoryLimiter {
	l := &MemoryLimiter{
		config: config,
		now:    now,
		stopCh: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}

	if config.CleanupInterval > 0 {
		go l.cleanupLoop()
	}

	return l
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Attempt は試行を1回記録し、許可するかを判定する。
func (l *MemoryLimiter) Attempt(_ context.Context, key string) (Decision, error) {
	s := l.shardFor(key)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.start.Add(l.config.Window)) {
		s.windows[key] = &window{start: now, count: 1}
		return decide(l.config, 1, l.config.Window), nil
	}

	w.count++
	return decide(l.config, w.count, w.start.Add(l.config.Window).Sub(now)), nil
}

// Len は現在保持しているウィンドウ数を返す。
// テストおよびメトリクス用。
func (l *MemoryLimiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

func (l *MemoryLimiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// cleanupLoop はバックグラウンドで期限切れウィンドウを定期的に削除する。
func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup はウィンドウの終了時刻を過ぎたエントリを削除する。
func (l *MemoryLimiter) cleanup() {
	now := l.now()
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			if !now.Before(w.start.Add(l.config.Window)) {
				delete(s.windows, key)
			}
		}
		s.mu.Unlock()
	}
}

var _ Limiter = (*MemoryLimiter)(nil)
