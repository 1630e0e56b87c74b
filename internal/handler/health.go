package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// healthCheckTimeout は依存先1件あたりの疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// HealthChecker は依存先の疎通確認を行うインターフェース。
// *sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthCheckFunc は関数をHealthCheckerとして扱うアダプタ。
type HealthCheckFunc func(ctx context.Context) error

// PingContext はf(ctx)を呼び出す。
func (f HealthCheckFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

// NewHealthHandler は依存先の疎通を確認するハンドラーを返す。
// すべて成功した場合は200、1件でも失敗した場合は503を返す。
// GET /health
func NewHealthHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := check.PingContext(ctx)
			cancel()
			if err != nil {
				slog.Error("health check failed",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
