package model

import (
	"errors"
	"fmt"
)

// AppError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type AppError struct {
	Kind     ErrorKind // エラー種別
	Message  string    // エラーメッセージ
	Category string    // カテゴリ: auth, link, sync, channel, system
	Action   string    // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *AppError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// ErrorKind はエラー種別を表す。
type ErrorKind string

// 定義済みエラー種別
const (
	// KindAuthInvalid はローカルセッションがバックエンドに拒否された状態。
	// 検出時は即座にログアウトする。
	KindAuthInvalid ErrorKind = "AUTH_INVALID"
	// KindExternalNotLinked は外部サービスのトークンが未連携の状態。
	KindExternalNotLinked ErrorKind = "EXTERNAL_NOT_LINKED"
	// KindExternalTokenInvalid は外部サービスのトークンが検証に失敗した状態。
	KindExternalTokenInvalid ErrorKind = "EXTERNAL_TOKEN_INVALID"
	// KindQuotaExceeded は当日の自動同期回数が上限に達した状態。
	KindQuotaExceeded ErrorKind = "QUOTA_EXCEEDED"
	// KindChallengeUnresolved はbot検証を規定回数内に突破できなかった状態。
	KindChallengeUnresolved ErrorKind = "CHALLENGE_UNRESOLVED"
	// KindScrapeFailed は視聴履歴の取得に失敗した状態。
	KindScrapeFailed ErrorKind = "SCRAPE_FAILED"
	// KindInvalidPayload は視聴履歴のレスポンス形式が不正な状態。
	KindInvalidPayload ErrorKind = "INVALID_PAYLOAD"
	// KindSyncRejected はレコードサービスが同期リクエストを拒否した状態。
	KindSyncRejected ErrorKind = "SYNC_REJECTED"
	// KindChannelUnavailable はライブ更新チャネルの再接続を諦めた状態。
	KindChannelUnavailable ErrorKind = "CHANNEL_UNAVAILABLE"
	// KindStateMismatch はOAuthコールバックのstateが一致しない状態（CSRF対策）。
	KindStateMismatch ErrorKind = "STATE_MISMATCH"
)

// KindOf はエラーからErrorKindを取り出す。AppErrorでない場合は空文字を返す。
func KindOf(err error) ErrorKind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// NewAuthInvalidError はセッション失効エラーを生成する。
func NewAuthInvalidError() *AppError {
	return &AppError{
		Kind:     KindAuthInvalid,
		Message:  "セッションの有効期限が切れました。",
		Category: "auth",
		Action:   "再度ログインしてください。",
	}
}

// NewExternalNotLinkedError は外部サービス未連携エラーを生成する。
func NewExternalNotLinkedError(message string) *AppError {
	if message == "" {
		message = "AniListアカウントが連携されていません。"
	}
	return &AppError{
		Kind:     KindExternalNotLinked,
		Message:  message,
		Category: "link",
		Action:   "AniListとの連携を行ってください。",
	}
}

// NewExternalTokenInvalidError は外部トークン無効エラーを生成する。
func NewExternalTokenInvalidError() *AppError {
	return &AppError{
		Kind:     KindExternalTokenInvalid,
		Message:  "AniListから無効なトークンを受け取りました。",
		Category: "link",
		Action:   "AniListとの連携をやり直してください。",
	}
}

// NewQuotaExceededError は自動同期クォータ超過エラーを生成する。
func NewQuotaExceededError(limit Limit) *AppError {
	return &AppError{
		Kind:     KindQuotaExceeded,
		Message:  fmt.Sprintf("本日の同期回数の上限（%s回）に達しました。", limit),
		Category: "sync",
		Action:   "Proプランにアップグレードすると無制限に同期できます。",
	}
}

// NewChallengeUnresolvedError はbot検証未突破エラーを生成する。
func NewChallengeUnresolvedError() *AppError {
	return &AppError{
		Kind:     KindChallengeUnresolved,
		Message:  "Cloudflare検証を規定回数内に突破できませんでした。",
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewScrapeFailedError は視聴履歴取得失敗エラーを生成する。
// サーバーがメッセージを返した場合はそれを使用する。
func NewScrapeFailedError(message string) *AppError {
	if message == "" {
		message = "視聴履歴の取得に失敗しました。"
	}
	return &AppError{
		Kind:     KindScrapeFailed,
		Message:  message,
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidPayloadError は視聴履歴の形式不正エラーを生成する。
func NewInvalidPayloadError() *AppError {
	return &AppError{
		Kind:     KindInvalidPayload,
		Message:  "視聴履歴のレスポンス形式が不正です。",
		Category: "sync",
		Action:   "時間をおいて再度お試しください。",
	}
}

// NewSyncRejectedError は同期拒否エラーを生成する。
// サーバーがメッセージを返した場合はそれを使用する。
func NewSyncRejectedError(message string) *AppError {
	if message == "" {
		message = "同期リクエストが拒否されました。"
	}
	return &AppError{
		Kind:     KindSyncRejected,
		Message:  message,
		Category: "sync",
		Action:   "時間をおいて再度お試しください。",
	}
}

// NewChannelUnavailableError はライブ更新チャネル切断エラーを生成する。
func NewChannelUnavailableError() *AppError {
	return &AppError{
		Kind:     KindChannelUnavailable,
		Message:  "ライブ更新の接続を確立できませんでした。",
		Category: "channel",
		Action:   "手動で更新してください。",
	}
}

// NewStateMismatchError はOAuth state不一致エラーを生成する。
func NewStateMismatchError() *AppError {
	return &AppError{
		Kind:     KindStateMismatch,
		Message:  "認証状態が不正です。",
		Category: "link",
		Action:   "AniListとの連携をやり直してください。",
	}
}
