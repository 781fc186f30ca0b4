// Package syncer は視聴履歴の同期オーケストレータを提供する。
// 取得・送信の試行ループ、bot検証のリトライ、日単位クォータの判定、
// 同時実行の抑止（キューイングせず破棄）を担う。
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/anisync/internal/metrics"
	"github.com/hitoshi/anisync/internal/model"
)

// Backend は同期送信のインターフェース。バックエンドクライアントの部分集合。
type Backend interface {
	Sync(ctx context.Context, sessionToken, anilistToken string, history []model.HistoryRecord) (int, error)
	SyncManual(ctx context.Context, sessionToken, anilistToken string, mediaID int, title string, episode int) error
}

// Scraper は視聴履歴取得のインターフェース。
type Scraper interface {
	FetchHistory(ctx context.Context, sessionToken string) ([]model.HistoryRecord, error)
}

// Quota は日単位クォータのインターフェース。
type Quota interface {
	Allows(limit model.Limit) bool
	Increment()
}

// Config は同期オーケストレータの設定。
type Config struct {
	// MaxAttempts は1回の同期の最大試行回数（デフォルト: 3）。
	MaxAttempts int
	// ChallengeRetryDelay はbot検証リトライ前の待機時間（デフォルト: 5秒）。
	ChallengeRetryDelay time.Duration
}

// DefaultConfig はデフォルトのオーケストレータ設定を返す。
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		ChallengeRetryDelay: 5 * time.Second,
	}
}

// Orchestrator は同期の実行を統括する。
// 同時に実行できる同期は1つだけで、進行中に到着した起動要求は破棄される。
type Orchestrator struct {
	backend Backend
	scraper Scraper
	quota   Quota
	logger  *slog.Logger
	metrics metrics.Recorder
	config  Config

	// sessionToken は現在のセッショントークンを返す（セッションマネージャ所有）。
	sessionToken func() string
	// anilistToken は連携済みAniListトークンを返す。未連携なら空文字。
	anilistToken func() string
	// autoSyncLimit は現在のプランの自動同期上限を返す。
	autoSyncLimit func() model.Limit
	// onSynced は同期成功後に呼ばれる（プロフィール再取得とログ再取得）。
	onSynced func(ctx context.Context)

	mu        sync.Mutex
	inFlight  bool
	status    model.SyncStatus
	lastStats *model.SyncStats

	// now/sleep はテスト用に差し替え可能。
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
func NewOrchestrator(
	backend Backend,
	scraper Scraper,
	quota Quota,
	logger *slog.Logger,
	recorder metrics.Recorder,
	config Config,
	sessionToken func() string,
	anilistToken func() string,
	autoSyncLimit func() model.Limit,
	onSynced func(ctx context.Context),
) *Orchestrator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.ChallengeRetryDelay <= 0 {
		config.ChallengeRetryDelay = 5 * time.Second
	}
	return &Orchestrator{
		backend:       backend,
		scraper:       scraper,
		quota:         quota,
		logger:        logger,
		metrics:       recorder,
		config:        config,
		sessionToken:  sessionToken,
		anilistToken:  anilistToken,
		autoSyncLimit: autoSyncLimit,
		onSynced:      onSynced,
		status:        model.SyncStatusPending,
		now:           time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Status は直近の同期の終了状態を返す。
func (o *Orchestrator) Status() model.SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// LastStats は直近の同期成功の統計を返す。未成功ならnil。
func (o *Orchestrator) LastStats() *model.SyncStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastStats
}

// InFlight は同期が進行中かを返す。
func (o *Orchestrator) InFlight() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight
}

// Run は視聴履歴全体の同期を1回実行する。
// 自動起動はネットワークアクセス前にクォータで弾かれる。手動起動は上限の対象外。
// クォータ判定を通過した後、進行中の同期がある場合はキューイングせず何もしない。
// 成功時は起動元を問わずカウンタを1増やす。
func (o *Orchestrator) Run(ctx context.Context, origin model.SyncOrigin) error {
	// クォータ判定は進行状況に関わらず最初に行う（ネットワークにも触れない）
	if origin == model.OriginAutomatic {
		limit := o.autoSyncLimit()
		if !o.quota.Allows(limit) {
			o.metrics.RecordSyncFailure(string(origin), string(model.KindQuotaExceeded))
			o.logger.Warn("本日の自動同期クォータを使い切っています",
				slog.String("limit", limit.String()),
			)
			return model.NewQuotaExceededError(limit)
		}
	}

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		o.logger.Info("同期が進行中のため起動要求を破棄します",
			slog.String("origin", string(origin)),
		)
		return nil
	}
	o.inFlight = true
	o.status = model.SyncStatusPending
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	anilistToken := o.anilistToken()
	if anilistToken == "" {
		return o.fail(origin, model.NewExternalNotLinkedError(""))
	}

	start := o.now()
	sessionToken := o.sessionToken()

	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		history, err := o.scraper.FetchHistory(ctx, sessionToken)
		if err != nil {
			terminal, retryErr := o.handleAttemptError(ctx, err, attempt, true)
			if terminal != nil {
				return o.fail(origin, terminal)
			}
			if retryErr != nil {
				return retryErr
			}
			continue
		}

		count, err := o.backend.Sync(ctx, sessionToken, anilistToken, history)
		if err != nil {
			terminal, retryErr := o.handleAttemptError(ctx, err, attempt, false)
			if terminal != nil {
				return o.fail(origin, terminal)
			}
			if retryErr != nil {
				return retryErr
			}
			continue
		}

		o.succeed(ctx, origin, count, start)
		return nil
	}

	// 試行ループは必ず終端分類で抜けるためここには到達しない
	return o.fail(origin, model.NewChallengeUnresolvedError())
}

// SyncOne は単一作品の同期を1回実行する。クォータ判定は行わず、
// 全体同期の進行フラグにも縛られない（それぞれ独立した操作として扱う）。
// bot検証のリトライ方針は全体同期と同じで、成功時はカウンタを1増やす。
func (o *Orchestrator) SyncOne(ctx context.Context, mediaID int, title string, episode int) error {
	anilistToken := o.anilistToken()
	if anilistToken == "" {
		return o.fail(model.OriginManual, model.NewExternalNotLinkedError(""))
	}

	start := o.now()
	sessionToken := o.sessionToken()

	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		err := o.backend.SyncManual(ctx, sessionToken, anilistToken, mediaID, title, episode)
		if err != nil {
			switch ClassifySubmitError(err, attempt, o.config.MaxAttempts) {
			case AttemptResultRetry:
				o.metrics.RecordSyncRetry()
				o.logger.Warn("bot検証を検出したため再試行します",
					slog.Int("attempt", attempt),
					slog.Int("max_attempts", o.config.MaxAttempts),
				)
				if err := o.sleep(ctx, o.config.ChallengeRetryDelay); err != nil {
					return err
				}
				continue
			case AttemptResultChallengeUnresolved:
				return o.fail(model.OriginManual, model.NewChallengeUnresolvedError())
			default:
				return o.fail(model.OriginManual, model.NewSyncRejectedError(serviceMessage(err)))
			}
		}

		o.succeed(ctx, model.OriginManual, 1, start)
		return nil
	}

	return o.fail(model.OriginManual, model.NewChallengeUnresolvedError())
}

// handleAttemptError は試行エラーを分類し、終端エラーまたはリトライを実行する。
// 戻り値は (終端エラー, リトライ中断エラー)。両方nilならリトライ継続。
func (o *Orchestrator) handleAttemptError(ctx context.Context, err error, attempt int, fromScrape bool) (error, error) {
	var result AttemptResult
	if fromScrape {
		result = ClassifyScrapeError(err, attempt, o.config.MaxAttempts)
	} else {
		result = ClassifySubmitError(err, attempt, o.config.MaxAttempts)
	}

	switch result {
	case AttemptResultRetry:
		o.metrics.RecordSyncRetry()
		o.logger.Warn("bot検証を検出したため再試行します",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", o.config.MaxAttempts),
		)
		if sleepErr := o.sleep(ctx, o.config.ChallengeRetryDelay); sleepErr != nil {
			return nil, sleepErr
		}
		return nil, nil
	case AttemptResultAuthRequired:
		return model.NewExternalNotLinkedError("スクレイピング対象サイトの認証情報が登録されていません。"), nil
	case AttemptResultChallengeUnresolved:
		return model.NewChallengeUnresolvedError(), nil
	default:
		var appErr *model.AppError
		if errors.As(err, &appErr) {
			return appErr, nil
		}
		if fromScrape {
			return model.NewScrapeFailedError(serviceMessage(err)), nil
		}
		return model.NewSyncRejectedError(serviceMessage(err)), nil
	}
}

// succeed は同期成功の後処理を行う。
// 統計の更新、カウンタの増加、メトリクス記録、表示データの再取得。
func (o *Orchestrator) succeed(ctx context.Context, origin model.SyncOrigin, count int, start time.Time) {
	finished := o.now()

	o.mu.Lock()
	o.status = model.SyncStatusSucceeded
	o.lastStats = &model.SyncStats{Count: count, Time: finished}
	o.mu.Unlock()

	o.quota.Increment()
	o.metrics.RecordSyncSuccess(string(origin))
	o.metrics.RecordSyncLatency(finished.Sub(start))

	o.logger.Info("同期が完了しました",
		slog.String("origin", string(origin)),
		slog.Int("count", count),
	)

	if o.onSynced != nil {
		o.onSynced(ctx)
	}
}

// fail は同期の終端失敗を記録してエラーを返す。
func (o *Orchestrator) fail(origin model.SyncOrigin, err error) error {
	o.mu.Lock()
	o.status = model.SyncStatusFailedTerminal
	o.mu.Unlock()

	o.metrics.RecordSyncFailure(string(origin), string(model.KindOf(err)))
	o.logger.Error("同期が失敗しました",
		slog.String("origin", string(origin)),
		slog.String("error", err.Error()),
	)
	return err
}
