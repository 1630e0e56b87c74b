// Package cleanup は期限切れセッションの自動削除ジョブを提供する。
// 検証時の遅延削除では回収されない（以後アクセスされない）セッションを
// 定期バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredSessionDeleter は期限切れセッションを一括削除するストア。
// beforeより前にExpiresAtを迎えたセッションを削除し、削除件数を返す。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// PurgeRecorder は削除件数をメトリクスに記録する。
type PurgeRecorder interface {
	RecordSessionsPurged(count int64)
}

// CleanupJob は期限切れセッションの自動削除ジョブ。
// 削除対象がない場合もエラーにならない冪等な処理。
type CleanupJob struct {
	store   ExpiredSessionDeleter
	metrics PurgeRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// metricsがnilの場合は件数を記録しない。
func NewCleanupJob(store ExpiredSessionDeleter, metrics PurgeRecorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		store:   store,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Run は現在時刻より前に期限切れとなったセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	deletedCount, err := j.store.DeleteExpired(ctx, start)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordSessionsPurged(deletedCount)
	}

	duration := j.now().Sub(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start はinterval間隔のティッカーでジョブを実行する。
// 起動直後に1回実行し、コンテキストがキャンセルされるまで継続する。
// 1回の失敗ではループを止めない。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションクリーンアップを開始しました",
		slog.Duration("interval", interval),
	)

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
