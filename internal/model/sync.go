package model

import (
	"encoding/json"
	"time"
)

// SyncOrigin は同期の起動元を表す。
type SyncOrigin string

const (
	// OriginManual はユーザー操作による同期。クォータ上限の対象外。
	OriginManual SyncOrigin = "manual"
	// OriginAutomatic はスケジューラによる同期。クォータ上限の対象。
	OriginAutomatic SyncOrigin = "automatic"
)

// SyncStatus は同期試行の終了状態を表す。
type SyncStatus string

const (
	SyncStatusPending        SyncStatus = "pending"
	SyncStatusSucceeded      SyncStatus = "succeeded"
	SyncStatusFailedTerminal SyncStatus = "failed"
)

// SyncStats は直近の同期成功の統計。表示用で永続化しない。
type SyncStats struct {
	Count int
	Time  time.Time
}

// HistoryRecord はスクレイピングサービスが返す視聴履歴の1レコード。
// レコードの中身はバックエンドにそのまま転送するため解釈しない。
type HistoryRecord = json.RawMessage

// LogEntry は同期ログの1エントリ。
type LogEntry struct {
	Title    string `json:"title"`
	Episode  string `json:"episode"`
	Progress int    `json:"progress"`
	Status   string `json:"status"`
	Time     string `json:"time"`
}

// Media は作品検索の結果1件を表す。
type Media struct {
	ID       int        `json:"id"`
	Title    MediaTitle `json:"title"`
	Episodes int        `json:"episodes"`
}

// MediaTitle は作品タイトルの表記を表す。
type MediaTitle struct {
	Romaji string `json:"romaji"`
}
