package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/anisync/internal/model"
)

// Scheduler は一定間隔で自動同期を起動する。
// 自動同期が無効化されている間と同期進行中のティックは破棄される。
type Scheduler struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
	interval     time.Duration

	// enabled は自動同期の有効/無効を返す（永続化フラグ）。
	enabled func() bool
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(orchestrator *Orchestrator, logger *slog.Logger, interval time.Duration, enabled func() bool) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		orchestrator: orchestrator,
		logger:       logger,
		interval:     interval,
		enabled:      enabled,
	}
}

// Start はスケジューラのメインループを開始する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("自動同期スケジューラを開始しました",
		slog.Duration("interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("自動同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick は1回分の自動同期を起動する。
// 無効化中は何もしない。クォータ超過などの終端失敗はログに残すだけで
// ループは継続する（次の日になればクォータはリセットされる）。
func (s *Scheduler) tick(ctx context.Context) {
	if !s.enabled() {
		return
	}

	if err := s.orchestrator.Run(ctx, model.OriginAutomatic); err != nil {
		s.logger.Warn("自動同期が失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
