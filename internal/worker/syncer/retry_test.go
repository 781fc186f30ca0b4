package syncer

import (
	"errors"
	"testing"

	"github.com/hitoshi/anisync/internal/model"
)

func TestClassifyScrapeError(t *testing.T) {
	challenge := &model.ServiceError{StatusCode: 503, Details: "Cloudflare challenge detected"}

	tests := []struct {
		name    string
		err     error
		attempt int
		want    AttemptResult
	}{
		{
			name:    "401は認証情報不足として即終端",
			err:     &model.ServiceError{StatusCode: 401, Message: "no credentials"},
			attempt: 1,
			want:    AttemptResultAuthRequired,
		},
		{
			name:    "bot検証は試行枠が残っていればリトライ",
			err:     challenge,
			attempt: 1,
			want:    AttemptResultRetry,
		},
		{
			name:    "bot検証でも最終試行なら終端",
			err:     challenge,
			attempt: 3,
			want:    AttemptResultChallengeUnresolved,
		},
		{
			name:    "その他のサービスエラーは終端失敗",
			err:     &model.ServiceError{StatusCode: 500, Message: "internal error"},
			attempt: 1,
			want:    AttemptResultFailed,
		},
		{
			name:    "サービスエラー以外は終端失敗",
			err:     errors.New("connection refused"),
			attempt: 1,
			want:    AttemptResultFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyScrapeError(tt.err, tt.attempt, 3); got != tt.want {
				t.Errorf("ClassifyScrapeError() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClassifySubmitError(t *testing.T) {
	challenge := &model.ServiceError{StatusCode: 403, Details: "Cloudflare verification required"}

	if got := ClassifySubmitError(challenge, 1, 3); got != AttemptResultRetry {
		t.Errorf("bot検証はリトライになるべき: got %d", got)
	}
	if got := ClassifySubmitError(challenge, 3, 3); got != AttemptResultChallengeUnresolved {
		t.Errorf("最終試行のbot検証は終端になるべき: got %d", got)
	}
	// 送信側では401も同期拒否として扱う（認証情報不足はスクレイピング側の分類）
	if got := ClassifySubmitError(&model.ServiceError{StatusCode: 401}, 1, 3); got != AttemptResultFailed {
		t.Errorf("送信側の401は終端失敗になるべき: got %d", got)
	}
}
