// Package quota は日単位の同期回数クォータを管理する。
// カウントと日付キーを永続化し、日付が変わったとき（保存値が古い場合と
// ローカル深夜0時の両方）にカウントを0にリセットする。
package quota

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hitoshi/anisync/internal/metrics"
	"github.com/hitoshi/anisync/internal/model"
	"github.com/hitoshi/anisync/internal/storage"
)

// dayKeyFormat は日付キーのフォーマット（ローカルタイム）。
const dayKeyFormat = "2006-01-02"

// Tracker は日単位の同期カウンタ。
// カウントの増加は同期の終端成功時のみ呼び出されること（投機的な増加は禁止）。
type Tracker struct {
	mu      sync.Mutex
	store   storage.Store
	logger  *slog.Logger
	metrics metrics.Recorder
	count   int
	dayKey  string

	// now はテスト用に差し替え可能な現在時刻関数。
	now func() time.Time
}

// NewTracker は永続化された状態からTrackerを生成する。
// 保存されている日付キーが今日と異なる場合は0にリセットする。
// 保存値が壊れている場合も0から開始する。
func NewTracker(store storage.Store, logger *slog.Logger, recorder metrics.Recorder) *Tracker {
	t := &Tracker{
		store:   store,
		logger:  logger,
		metrics: recorder,
		now:     time.Now,
	}

	if v, ok := store.Get(storage.KeySyncCount); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			t.count = n
		}
	}
	if v, ok := store.Get(storage.KeyLastSyncDate); ok {
		t.dayKey = v
	}

	t.mu.Lock()
	t.rolloverLocked()
	t.mu.Unlock()

	return t
}

// Count は当日のカウントを返す。日付が変わっていれば先にリセットする。
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.count
}

// Allows は自動同期の次の1回が上限内かを返す。
// 手動同期はこの判定の対象外（呼び出し元がOriginで分岐する）。
func (t *Tracker) Allows(limit model.Limit) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return limit.Allows(t.count)
}

// Increment はカウントを1増やして永続化する。
// 同期試行の終端成功後にのみ呼び出すこと。
func (t *Tracker) Increment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	t.count++
	t.persistLocked()
	t.metrics.SetQuotaCount(t.count)
}

// StartMidnightReset はローカル深夜0時ごとにカウントをリセットするループを開始する。
// コンテキストがキャンセルされるまで実行を継続する。
func (t *Tracker) StartMidnightReset(ctx context.Context) {
	for {
		now := t.now()
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			t.mu.Lock()
			t.rolloverLocked()
			t.mu.Unlock()
		}
	}
}

// rolloverLocked は保存中の日付キーが今日と異なる場合にカウントをリセットする。
// 同一日内の再起動では二重リセットされない（永続化された日付キーで判定する）。
// 呼び出し元でmuを保持していること。
func (t *Tracker) rolloverLocked() {
	today := t.now().Format(dayKeyFormat)
	if t.dayKey == today {
		return
	}

	t.logger.Info("同期クォータを新しい日付でリセットしました",
		slog.String("previous_day", t.dayKey),
		slog.String("day", today),
		slog.Int("previous_count", t.count),
	)

	t.count = 0
	t.dayKey = today
	t.persistLocked()
	t.metrics.SetQuotaCount(0)
}

// persistLocked は現在のカウントと日付キーを永続化する。
// 呼び出し元でmuを保持していること。
func (t *Tracker) persistLocked() {
	if err := t.store.Set(storage.KeySyncCount, strconv.Itoa(t.count)); err != nil {
		t.logger.Error("同期カウントの永続化に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	if err := t.store.Set(storage.KeyLastSyncDate, t.dayKey); err != nil {
		t.logger.Error("日付キーの永続化に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
