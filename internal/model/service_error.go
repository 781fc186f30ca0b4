package model

import (
	"fmt"
	"strings"
)

// ServiceError は依存サービス（バックエンド/スクレイピングサービス）の
// 非成功レスポンスを表す。サーバーが返したerror/detailsフィールドを保持する。
type ServiceError struct {
	StatusCode int
	Message    string // レスポンスのerrorフィールド
	Details    string // レスポンスのdetailsフィールド
}

// Error はerrorインターフェースを実装する。
func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// IsChallenge はレスポンスがbot検証（Cloudflare）によるものかを返す。
// 元クライアントと同じく、error/detailsフィールドの部分一致で判定する。
func (e *ServiceError) IsChallenge() bool {
	return strings.Contains(e.Message, "Cloudflare") || strings.Contains(e.Details, "Cloudflare")
}

// BestMessage はユーザーに提示すべきメッセージを返す。
// errorフィールド、detailsフィールドの順で採用し、どちらも無ければ空文字。
func (e *ServiceError) BestMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Details
}
