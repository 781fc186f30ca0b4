package linker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/anisync/internal/model"
	"github.com/hitoshi/anisync/internal/storage"
)

func asAppError(err error, target **model.AppError) bool {
	return errors.As(err, target)
}

func newTestLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// fakeProvider はProviderのテスト実装。
type fakeProvider struct {
	valid bool
}

func (p *fakeProvider) AuthorizeURL(state string) string {
	return "https://anilist.example/authorize?state=" + state
}

func (p *fakeProvider) ValidateToken(ctx context.Context, token string) bool {
	return p.valid
}

// fakeExchanger はExchangerのテスト実装。交換回数を数える。
type fakeExchanger struct {
	calls atomic.Int32
	token string
	err   error
}

func (e *fakeExchanger) ExchangeAniListCode(ctx context.Context, sessionToken, code string) (string, error) {
	e.calls.Add(1)
	if e.err != nil {
		return "", e.err
	}
	return e.token, nil
}

func newTestFlow(store storage.Store, provider Provider, exchanger Exchanger, onLinked func(context.Context)) *Flow {
	return NewFlow(store, provider, exchanger, newTestLogger(), DefaultConfig(),
		func() string { return "sess-1" }, onLinked)
}

func TestFlow_Begin_PersistsNonceAndBuildsURL(t *testing.T) {
	store := storage.NewMemoryStore()
	f := newTestFlow(store, &fakeProvider{valid: true}, &fakeExchanger{token: "al"}, nil)

	url, err := f.Begin()
	if err != nil {
		t.Fatalf("Begin がエラーを返した: %v", err)
	}

	nonce, ok := store.Get(storage.KeyAuthState)
	if !ok || nonce == "" {
		t.Fatal("nonceが永続化されていない")
	}
	if want := "https://anilist.example/authorize?state=" + nonce; url != want {
		t.Errorf("url = %s, want %s", url, want)
	}
	if f.State() != StateAwaitingRedirect {
		t.Errorf("state = %s, want awaiting_redirect", f.State())
	}
}

func TestFlow_HandleRedirect_StateMismatchSkipsExchange(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(storage.KeyAuthState, "expected-nonce")
	ex := &fakeExchanger{token: "al"}
	f := newTestFlow(store, &fakeProvider{valid: true}, ex, nil)

	err := f.HandleRedirect(context.Background(), "code-1", "wrong-nonce")
	if model.KindOf(err) != model.KindStateMismatch {
		t.Errorf("KindOf(err) = %s, want STATE_MISMATCH", model.KindOf(err))
	}
	if ex.calls.Load() != 0 {
		t.Error("state不一致でバックエンドの交換が呼ばれた")
	}
	if f.State() != StateFailed {
		t.Errorf("state = %s, want failed", f.State())
	}
	// nonceは不一致でも削除される
	if _, ok := store.Get(storage.KeyAuthState); ok {
		t.Error("不一致時もnonceは削除されるべき")
	}
}

func TestFlow_HandleRedirect_MissingStateFails(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(storage.KeyAuthState, "expected-nonce")
	ex := &fakeExchanger{token: "al"}
	f := newTestFlow(store, &fakeProvider{valid: true}, ex, nil)

	err := f.HandleRedirect(context.Background(), "code-1", "")
	if model.KindOf(err) != model.KindStateMismatch {
		t.Errorf("KindOf(err) = %s, want STATE_MISMATCH", model.KindOf(err))
	}
	if ex.calls.Load() != 0 {
		t.Error("state欠落でバックエンドの交換が呼ばれた")
	}
}

func TestFlow_HandleRedirect_SuccessPersistsTokenAndNotifies(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(storage.KeyAuthState, "nonce-1")
	ex := &fakeExchanger{token: "al-token"}
	var linked atomic.Int32
	f := newTestFlow(store, &fakeProvider{valid: true}, ex, func(context.Context) {
		linked.Add(1)
	})

	if err := f.HandleRedirect(context.Background(), "code-1", "nonce-1"); err != nil {
		t.Fatalf("HandleRedirect がエラーを返した: %v", err)
	}

	if v, ok := store.Get(storage.KeyAniListToken); !ok || v != "al-token" {
		t.Errorf("永続化されたトークン = %q, want al-token", v)
	}
	if _, ok := store.Get(storage.KeyAuthState); ok {
		t.Error("成功時もnonceは削除されるべき")
	}
	if f.State() != StateLinked {
		t.Errorf("state = %s, want linked", f.State())
	}
	if linked.Load() != 1 {
		t.Errorf("onLinked 呼び出し回数 = %d, want 1", linked.Load())
	}
}

func TestFlow_HandleRedirect_DuplicateCodeExchangesOnce(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(storage.KeyAuthState, "nonce-1")
	ex := &fakeExchanger{token: "al-token"}
	f := newTestFlow(store, &fakeProvider{valid: true}, ex, nil)

	if err := f.HandleRedirect(context.Background(), "code-1", "nonce-1"); err != nil {
		t.Fatalf("1回目がエラーを返した: %v", err)
	}

	// ブラウザの再マウント等による同一コードの再処理。
	// nonceは1回目で削除済みのため、再度保存された状況を再現する。
	store.Set(storage.KeyAuthState, "nonce-1")
	if err := f.HandleRedirect(context.Background(), "code-1", "nonce-1"); err != nil {
		t.Fatalf("2回目がエラーを返した: %v", err)
	}

	if got := ex.calls.Load(); got != 1 {
		t.Errorf("交換回数 = %d, want 1", got)
	}
}

func TestFlow_HandleRedirect_InvalidTokenNotPersisted(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(storage.KeyAuthState, "nonce-1")
	ex := &fakeExchanger{token: "dead-token"}
	f := newTestFlow(store, &fakeProvider{valid: false}, ex, nil)

	err := f.HandleRedirect(context.Background(), "code-1", "nonce-1")
	if model.KindOf(err) != model.KindExternalTokenInvalid {
		t.Errorf("KindOf(err) = %s, want EXTERNAL_TOKEN_INVALID", model.KindOf(err))
	}
	if _, ok := store.Get(storage.KeyAniListToken); ok {
		t.Error("無効なトークンが永続化された")
	}
	if f.State() != StateFailed {
		t.Errorf("state = %s, want failed", f.State())
	}
}

func TestFlow_HandleRedirect_ExchangeFailureSurfacesServerMessage(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(storage.KeyAuthState, "nonce-1")
	ex := &fakeExchanger{err: &model.ServiceError{StatusCode: 400, Message: "code already used"}}
	f := newTestFlow(store, &fakeProvider{valid: true}, ex, nil)

	err := f.HandleRedirect(context.Background(), "code-1", "nonce-1")
	if err == nil {
		t.Fatal("交換失敗でエラーが返らなかった")
	}
	var appErr *model.AppError
	if !asAppError(err, &appErr) {
		t.Fatalf("AppError が返るべき: %v", err)
	}
	if appErr.Message != "code already used" {
		t.Errorf("Message = %s, サーバーメッセージが使われるべき", appErr.Message)
	}
}

func TestFlow_HandleRedirect_EmptyCodeIsNoop(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(storage.KeyAuthState, "nonce-1")
	f := newTestFlow(store, &fakeProvider{valid: true}, &fakeExchanger{token: "al"}, nil)

	if err := f.HandleRedirect(context.Background(), "", "nonce-1"); err != nil {
		t.Errorf("code無しでエラーが返った: %v", err)
	}
	// code無しの呼び出しではnonceを消費しない
	if _, ok := store.Get(storage.KeyAuthState); !ok {
		t.Error("code無しの呼び出しでnonceが削除された")
	}
}

func TestFlow_CleanupExpiredCodes(t *testing.T) {
	store := storage.NewMemoryStore()
	f := newTestFlow(store, &fakeProvider{valid: true}, &fakeExchanger{token: "al"}, nil)

	current := time.Now()
	f.now = func() time.Time { return current }

	f.seenCodes["old-code"] = current.Add(-10 * time.Minute)
	f.seenCodes["fresh-code"] = current.Add(-time.Minute)

	f.cleanupExpired()

	if _, ok := f.seenCodes["old-code"]; ok {
		t.Error("期限切れのコードマーカーが残っている")
	}
	if _, ok := f.seenCodes["fresh-code"]; !ok {
		t.Error("有効期限内のコードマーカーが削除された")
	}
}
