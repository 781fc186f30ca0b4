package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/anisync/internal/model"
)

// logSanitizer はサーバー由来のログ文字列からHTMLをすべて除去するポリシー。
// ログのタイトル等はUIにそのまま表示されるため、タグを一切許可しない。
var logSanitizer = bluemonday.StrictPolicy()

// FetchLogs は同期ログを取得する。
// 一時的な失敗は最大maxAttempts回、倍々のバックオフでリトライし、
// 使い切った場合のみエラーを返す。セッション失効は即座にAuthInvalidを返す。
// 取得したエントリは先頭limit件を逆順（新しい順）にして返す。
func (c *Client) FetchLogs(ctx context.Context, sessionToken string, limit model.Limit) ([]model.LogEntry, error) {
	backoff := c.config.LogFetchBackoff

	var lastErr error
	for attempt := 1; attempt <= c.config.LogFetchMaxAttempts; attempt++ {
		if attempt > 1 {
			// 2回目以降は待機してから再試行（1s, 2s, 4s...）
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}

		entries, err := c.fetchLogsOnce(ctx, sessionToken)
		if err != nil {
			if model.KindOf(err) == model.KindAuthInvalid {
				return nil, err
			}
			lastErr = err
			c.logger.Warn("同期ログの取得に失敗しました",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.config.LogFetchMaxAttempts),
				slog.String("error", err.Error()),
			)
			continue
		}

		return trimLogs(entries, limit), nil
	}

	return nil, fmt.Errorf("同期ログを取得できませんでした: %w", lastErr)
}

// fetchLogsOnce は同期ログを1回取得する。
func (c *Client) fetchLogsOnce(ctx context.Context, sessionToken string) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	if err := c.doJSON(ctx, http.MethodGet, "/logs", sessionToken, nil, nil, &entries); err != nil {
		if isAuthInvalid(err) {
			return nil, model.NewAuthInvalidError()
		}
		return nil, err
	}

	for i := range entries {
		entries[i].Title = logSanitizer.Sanitize(entries[i].Title)
		entries[i].Episode = logSanitizer.Sanitize(entries[i].Episode)
	}

	return entries, nil
}

// trimLogs は先頭limit件を切り出して逆順にする。
// サーバーは古い順（新しいものが末尾）で返すため、表示は新しい順になる。
func trimLogs(entries []model.LogEntry, limit model.Limit) []model.LogEntry {
	n := len(entries)
	if !limit.Unlimited && limit.Value < n {
		n = limit.Value
	}

	out := make([]model.LogEntry, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	return out
}

// asServiceError はerrors.AsのServiceError用のラッパー。
func asServiceError(err error, target **model.ServiceError) bool {
	return errors.As(err, target)
}
