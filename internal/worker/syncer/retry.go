package syncer

import (
	"errors"

	"github.com/hitoshi/anisync/internal/model"
)

// AttemptResult は同期試行1回のエラー分類。
type AttemptResult int

const (
	// AttemptResultRetry はbot検証によるリトライ対象（次の試行枠が残っている）。
	AttemptResultRetry AttemptResult = iota
	// AttemptResultAuthRequired はスクレイピング対象サイトの認証情報不足（401）。
	AttemptResultAuthRequired
	// AttemptResultChallengeUnresolved は最終試行でもbot検証を突破できなかった状態。
	AttemptResultChallengeUnresolved
	// AttemptResultFailed はその他の終端失敗。
	AttemptResultFailed
)

// ClassifyScrapeError は視聴履歴取得のエラーを分類する。
// bot検証は試行枠が残っている間だけリトライ対象とし、401は即終端とする。
func ClassifyScrapeError(err error, attempt, maxAttempts int) AttemptResult {
	var svcErr *model.ServiceError
	if !errors.As(err, &svcErr) {
		return AttemptResultFailed
	}

	switch {
	case svcErr.StatusCode == 401:
		return AttemptResultAuthRequired
	case svcErr.IsChallenge():
		if attempt < maxAttempts {
			return AttemptResultRetry
		}
		return AttemptResultChallengeUnresolved
	default:
		return AttemptResultFailed
	}
}

// ClassifySubmitError はバックエンドへの送信エラーを分類する。
// bot検証以外の失敗はすべて終端（同期拒否）として扱う。
func ClassifySubmitError(err error, attempt, maxAttempts int) AttemptResult {
	var svcErr *model.ServiceError
	if !errors.As(err, &svcErr) {
		return AttemptResultFailed
	}

	if svcErr.IsChallenge() {
		if attempt < maxAttempts {
			return AttemptResultRetry
		}
		return AttemptResultChallengeUnresolved
	}
	return AttemptResultFailed
}

// serviceMessage は依存サービスのエラーからユーザー向けメッセージを取り出す。
func serviceMessage(err error) string {
	var svcErr *model.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.BestMessage()
	}
	return ""
}
