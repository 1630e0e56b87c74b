package auth

import (
	"time"

	"github.com/hitoshi/authgate/internal/metrics"
	"github.com/hitoshi/authgate/internal/password"
)

// instrumentedHasher はハッシュ処理の所要時間をメトリクスに記録するHasher。
type instrumentedHasher struct {
	next    password.Hasher
	metrics metrics.MetricsCollector
}

// InstrumentHasher はHash/Verifyの所要時間を記録するHasherを返す。
func InstrumentHasher(next password.Hasher, m metrics.MetricsCollector) password.Hasher {
	return &instrumentedHasher{next: next, metrics: m}
}

func (h *instrumentedHasher) Hash(plaintext string) (string, error) {
	start := time.Now()
	defer func() { h.metrics.RecordHashDuration("hash", time.Since(start)) }()
	return h.next.Hash(plaintext)
}

func (h *instrumentedHasher) Verify(plaintext, hashed string) bool {
	start := time.Now()
	defer func() { h.metrics.RecordHashDuration("verify", time.Since(start)) }()
	return h.next.Verify(plaintext, hashed)
}
