// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、HTTPミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordRegistration(result string)
	RecordLoginAttempt(result, reason string)
	RecordSessionIssued()
	RecordSessionDestroyed()
	RecordSessionsPurged(count int64)
	RecordHashDuration(operation string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	registrations     *prometheus.CounterVec
	loginAttempts     *prometheus.CounterVec
	sessionsIssued    prometheus.Counter
	sessionsDestroyed prometheus.Counter
	sessionsPurged    prometheus.Counter
	hashDuration      *prometheus.HistogramVec
	httpStatus        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_registrations_total",
			Help: "結果別のユーザー登録数",
		}, []string{"result"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_login_attempts_total",
			Help: "結果・理由別のログイン試行数",
		}, []string{"result", "reason"}),
		sessionsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_issued_total",
			Help: "発行したセッションの合計数",
		}),
		sessionsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_destroyed_total",
			Help: "ログアウトで破棄したセッションの合計数",
		}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authgate_sessions_purged_total",
			Help: "クリーンアップで削除した期限切れセッションの合計数",
		}),
		// bcrypt/argon2idは数十〜数百ミリ秒かかるためバケットを広めに取る
		hashDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authgate_password_hash_duration_seconds",
			Help:    "パスワードハッシュ処理の所要時間（秒）",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.registrations,
		c.loginAttempts,
		c.sessionsIssued,
		c.sessionsDestroyed,
		c.sessionsPurged,
		c.hashDuration,
		c.httpStatus,
	)

	return c
}

// RecordRegistration はユーザー登録の結果を記録する。
func (c *Collector) RecordRegistration(result string) {
	c.registrations.WithLabelValues(result).Inc()
}

// RecordLoginAttempt はログイン試行の結果を記録する。
// 成功時のreasonは空文字列。
func (c *Collector) RecordLoginAttempt(result, reason string) {
	c.loginAttempts.WithLabelValues(result, reason).Inc()
}

// RecordSessionIssued はセッション発行を記録する。
func (c *Collector) RecordSessionIssued() {
	c.sessionsIssued.Inc()
}

// RecordSessionDestroyed はセッション破棄を記録する。
func (c *Collector) RecordSessionDestroyed() {
	c.sessionsDestroyed.Inc()
}

// RecordSessionsPurged はクリーンアップで削除したセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// RecordHashDuration はパスワードのハッシュ化・照合にかかった時間を記録する。
func (c *Collector) RecordHashDuration(operation string, duration time.Duration) {
	c.hashDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。
// メトリクスを使わない構成やテストで使用する。
type Nop struct{}

func (Nop) RecordRegistration(string) {}
func (Nop) RecordLoginAttempt(string, string) {}
func (Nop) RecordSessionIssued() {}
func (Nop) RecordSessionDestroyed() {}
func (Nop) RecordSessionsPurged(int64) {}
func (Nop) RecordHashDuration(string, time.Duration) {}
func (Nop) RecordHTTPStatus(int) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
