// Package linker はAniListアカウント連携のOAuthフローを提供する。
// 偽造防止nonceの検証、認可コードの交換、取得トークンの生存確認、
// 同一コードの二重交換防止を含む状態機械を実装する。
package linker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/anisync/internal/model"
	"github.com/hitoshi/anisync/internal/storage"
)

// State は連携フローの状態を表す。
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingRedirect State = "awaiting_redirect"
	StateExchanging       State = "exchanging"
	StateValidating       State = "validating"
	StateLinked           State = "linked"
	StateFailed           State = "failed"
)

// Provider は外部サービス側の操作のインターフェース。
type Provider interface {
	// AuthorizeURL は認可リダイレクト先のURLを生成する。
	AuthorizeURL(state string) string
	// ValidateToken はトークンの生存確認を行う。
	ValidateToken(ctx context.Context, token string) bool
}

// Exchanger は認可コードの交換のインターフェース。
// バックエンドクライアントの部分集合として定義する。
type Exchanger interface {
	ExchangeAniListCode(ctx context.Context, sessionToken, code string) (string, error)
}

// Config は連携フローの設定。
type Config struct {
	// DedupTTL は同一認可コードの再交換を抑止する期間（デフォルト: 5分）。
	DedupTTL time.Duration
	// CleanupInterval は期限切れコードの掃除間隔（デフォルト: 1分）。
	CleanupInterval time.Duration
}

// DefaultConfig はデフォルトの連携フロー設定を返す。
func DefaultConfig() Config {
	return Config{
		DedupTTL:        5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Flow はAniList連携のOAuthフロー。
// 1回のリダイレクトにつき最大1回だけ交換を実行し、
// 異なるコードの交換が同時に走ることはない。
type Flow struct {
	store     storage.Store
	provider  Provider
	exchanger Exchanger
	logger    *slog.Logger
	config    Config

	// sessionToken は現在のセッショントークンを返す（セッションマネージャ所有）。
	sessionToken func() string
	// onLinked は連携成功時に呼ばれる（プロフィール再取得とURLクエリ消去）。
	onLinked func(ctx context.Context)

	mu        sync.Mutex
	state     State
	inFlight  bool
	seenCodes map[string]time.Time

	// now はテスト用に差し替え可能な現在時刻関数。
	now func() time.Time
}

// NewFlow はFlowの新しいインスタンスを生成する。
func NewFlow(
	store storage.Store,
	provider Provider,
	exchanger Exchanger,
	logger *slog.Logger,
	config Config,
	sessionToken func() string,
	onLinked func(ctx context.Context),
) *Flow {
	if config.DedupTTL <= 0 {
		config.DedupTTL = 5 * time.Minute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	return &Flow{
		store:        store,
		provider:     provider,
		exchanger:    exchanger,
		logger:       logger,
		config:       config,
		sessionToken: sessionToken,
		onLinked:     onLinked,
		state:        StateIdle,
		seenCodes:    make(map[string]time.Time),
		now:          time.Now,
	}
}

// State は現在のフロー状態を返す。
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Begin は連携フローを開始する。
// ランダムなnonceを生成・永続化し、ユーザーエージェントを向かわせる認可URLを返す。
func (f *Flow) Begin() (string, error) {
	nonce := uuid.NewString()
	if err := f.store.Set(storage.KeyAuthState, nonce); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.state = StateAwaitingRedirect
	f.mu.Unlock()

	f.logger.Info("AniList連携フローを開始しました")
	return f.provider.AuthorizeURL(nonce), nil
}

// HandleRedirect は認可リダイレクトからの戻りを処理する。
// 永続化済みnonceは一致・不一致に関わらず削除する（リプレイ防止）。
// stateが欠落または不一致の場合はバックエンドを呼ばずにStateMismatchで失敗する。
// 同一コードの再処理はスキップする（ブラウザの再マウント等による二重実行対策）。
func (f *Flow) HandleRedirect(ctx context.Context, code, state string) error {
	if code == "" {
		return nil
	}

	storedState, hasStored := f.store.Get(storage.KeyAuthState)
	if err := f.store.Delete(storage.KeyAuthState); err != nil {
		f.logger.Error("nonceの削除に失敗しました", slog.String("error", err.Error()))
	}

	if state == "" || !hasStored || state != storedState {
		f.setState(StateFailed)
		f.logger.Warn("OAuth stateが一致しません")
		return model.NewStateMismatchError()
	}

	// 同一コードの二重交換防止と、交換の同時実行防止
	f.mu.Lock()
	if f.inFlight {
		f.mu.Unlock()
		f.logger.Info("別の交換が進行中のためスキップします")
		return nil
	}
	if seenAt, ok := f.seenCodes[code]; ok && f.now().Sub(seenAt) < f.config.DedupTTL {
		f.mu.Unlock()
		f.logger.Info("処理済みの認可コードのためスキップします")
		return nil
	}
	f.seenCodes[code] = f.now()
	f.inFlight = true
	f.state = StateExchanging
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight = false
		f.mu.Unlock()
	}()

	token, err := f.exchanger.ExchangeAniListCode(ctx, f.sessionToken(), code)
	if err != nil {
		f.setState(StateFailed)
		f.logger.Error("認可コードの交換に失敗しました",
			slog.String("error", err.Error()),
		)
		return model.NewExternalNotLinkedError(serviceMessage(err))
	}

	f.setState(StateValidating)
	if !f.provider.ValidateToken(ctx, token) {
		f.setState(StateFailed)
		f.logger.Warn("交換で取得したトークンが検証に失敗しました")
		return model.NewExternalTokenInvalidError()
	}

	if err := f.store.Set(storage.KeyAniListToken, token); err != nil {
		f.setState(StateFailed)
		return err
	}

	f.setState(StateLinked)
	f.logger.Info("AniListアカウントを連携しました")

	if f.onLinked != nil {
		f.onLinked(ctx)
	}
	return nil
}

// Reset はフローを初期状態に戻す。ログアウト時に呼ばれる。
func (f *Flow) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateIdle
}

// StartCleanup は期限切れの認可コードマーカーを定期的に掃除するループを開始する。
// コンテキストがキャンセルされるまで実行を継続する。
func (f *Flow) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(f.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.cleanupExpired()
		}
	}
}

// cleanupExpired は期限切れのコードマーカーを削除する。
func (f *Flow) cleanupExpired() {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for code, seenAt := range f.seenCodes {
		if now.Sub(seenAt) >= f.config.DedupTTL {
			delete(f.seenCodes, code)
		}
	}
}

func (f *Flow) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// serviceMessage はバックエンドのエラーからユーザー向けメッセージを取り出す。
func serviceMessage(err error) string {
	var svcErr *model.ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.BestMessage()
	}
	return ""
}
