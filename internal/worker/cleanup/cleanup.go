// Package cleanup は認証データの自動削除ジョブを提供する。
// 期限切れ・失効済みのセッションと、使用済み・期限切れのトークンのうち
// 保持期間（デフォルト7日）を超過したものを定期的に削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention は削除対象になるまでの既定の保持期間。
const DefaultRetention = 7 * 24 * time.Hour

// StaleDeleter は保持期間を超過した行を削除し、件数を返す。
// repository.SessionRepositoryとrepository.TokenRepositoryが満たす。
type StaleDeleter interface {
	DeleteStale(ctx context.Context, retention time.Duration) (int64, error)
}

// DeletionRecorder は削除件数をメトリクスに記録する。
type DeletionRecorder interface {
	RecordCleanupDeleted(resource string, count int64)
}

// Target は削除対象のリソース名とリポジトリの組。
type Target struct {
	Resource string
	Repo     StaleDeleter
}

// CleanupJob は保持期間を超過した認証データの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	targets   []Target
	logger    *slog.Logger
	recorder  DeletionRecorder
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilを許容する。
// デフォルトの保持期間は7日。
func NewCleanupJob(targets []Target, logger *slog.Logger, recorder DeletionRecorder) *CleanupJob {
	return &CleanupJob{
		targets:   targets,
		logger:    logger,
		recorder:  recorder,
		Retention: DefaultRetention,
	}
}

// Run は全ターゲットの削除を1回実行する。
// 1つのターゲットが失敗しても残りのターゲットは処理し、失敗はまとめて返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	var errs []error
	var total int64

	for _, target := range j.targets {
		deleted, err := target.Repo.DeleteStale(ctx, j.Retention)
		if err != nil {
			j.logger.Error("cleanup failed",
				slog.String("resource", target.Resource),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("cleanup %s: %w", target.Resource, err))
			continue
		}

		total += deleted
		if j.recorder != nil {
			j.recorder.RecordCleanupDeleted(target.Resource, deleted)
		}
		j.logger.Info("cleanup resource completed",
			slog.String("resource", target.Resource),
			slog.Int64("deleted_count", deleted),
		)
	}

	j.logger.Info("cleanup job completed",
		slog.Int64("deleted_count", total),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return errors.Join(errs...)
}

// Start は起動直後に1回実行し、以降intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup job stopped")
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *CleanupJob) runOnce(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}
