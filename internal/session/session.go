// Package session はローカルセッションのライフサイクルを管理する。
// 永続化された資格情報の復元と検証、ログイン/登録/ログアウト、
// プロフィールの再取得、セッション同一性に紐づくバックグラウンド処理の
// 起動と停止を担う。
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/hitoshi/anisync/internal/model"
	"github.com/hitoshi/anisync/internal/storage"
)

// Backend はセッション関連のバックエンド操作のインターフェース。
type Backend interface {
	Login(ctx context.Context, email, password string) (string, *model.Profile, error)
	Register(ctx context.Context, email, password string) (string, *model.Profile, error)
	GetMe(ctx context.Context, sessionToken string) (*model.Profile, error)
}

// TokenValidator は外部サービストークンの生存確認のインターフェース。
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) bool
}

// defaultLimitValue は未ログイン時およびプラン情報欠落時の上限デフォルト。
const defaultLimitValue = 10

// Manager はセッション状態の唯一の所有者。
// チャネル購読やスケジューラなどのバックグラウンド処理は
// セッションの開始で起動し、ログアウトで停止する。
type Manager struct {
	store     storage.Store
	backend   Backend
	validator TokenValidator
	logger    *slog.Logger

	// baseCtx はセッションスコープのコンテキストの親。
	baseCtx context.Context
	// onSessionStart はセッション確立時に呼ばれる。
	// 渡されるコンテキストはログアウトでキャンセルされる。
	onSessionStart func(ctx context.Context)

	mu            sync.Mutex
	token         string
	profile       *model.Profile
	sessionCancel context.CancelFunc
}

// NewManager はManagerの新しいインスタンスを生成する。
// baseCtxはアプリケーションの寿命に対応するコンテキストを渡すこと。
func NewManager(
	baseCtx context.Context,
	store storage.Store,
	backend Backend,
	validator TokenValidator,
	logger *slog.Logger,
	onSessionStart func(ctx context.Context),
) *Manager {
	return &Manager{
		store:          store,
		backend:        backend,
		validator:      validator,
		logger:         logger,
		baseCtx:        baseCtx,
		onSessionStart: onSessionStart,
	}
}

// Initialize は永続化されたセッションを復元する。
// 保存値が壊れている場合は永続化状態を消去し、未ログインとして完了する。
// 復元後はバックエンドと外部サービスの両方で資格情報を検証し、
// 無効なものは取り除く。セッションの有無に関わらずerrorは返さない。
func (m *Manager) Initialize(ctx context.Context) {
	token, hasToken := m.store.Get(storage.KeyAuthToken)
	rawUser, hasUser := m.store.Get(storage.KeyUser)

	if !hasToken || !hasUser {
		m.logger.Info("保存されたセッションがないため未ログインで開始します")
		return
	}

	var profile model.Profile
	if err := json.Unmarshal([]byte(rawUser), &profile); err != nil {
		m.logger.Warn("保存されたプロフィールが壊れているため消去します",
			slog.String("error", err.Error()),
		)
		m.clearPersisted()
		return
	}

	m.mu.Lock()
	m.token = token
	m.profile = &profile
	m.startSessionLocked()
	m.mu.Unlock()

	m.logger.Info("保存されたセッションを復元しました",
		slog.String("user_id", profile.ID),
	)

	m.validateCredentials(ctx)
}

// validateCredentials は復元した資格情報をサーバー側で検証する。
// セッションが失効していればログアウトし、AniListトークンが
// 無効であればそれだけを取り除く。
func (m *Manager) validateCredentials(ctx context.Context) {
	if !m.RefreshUser(ctx) {
		return
	}

	if alToken, ok := m.store.Get(storage.KeyAniListToken); ok && alToken != "" {
		if !m.validator.ValidateToken(ctx, alToken) {
			m.logger.Warn("保存されたAniListトークンが無効なため取り除きます")
			if err := m.store.Delete(storage.KeyAniListToken); err != nil {
				m.logger.Error("AniListトークンの削除に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Login はメールアドレスとパスワードでログインする。
// トークンとプロフィールは同時に永続化する（片方だけ保存された状態を作らない）。
// ログイン直後にプロフィールを再取得して最新のプラン情報を反映する。
func (m *Manager) Login(ctx context.Context, email, password string) error {
	token, profile, err := m.backend.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return m.establish(ctx, token, profile)
}

// Register はメールアドレスとパスワードで新規登録し、そのままログインする。
func (m *Manager) Register(ctx context.Context, email, password string) error {
	token, profile, err := m.backend.Register(ctx, email, password)
	if err != nil {
		return err
	}
	return m.establish(ctx, token, profile)
}

// establish はセッションを確立して永続化し、バックグラウンド処理を起動する。
func (m *Manager) establish(ctx context.Context, token string, profile *model.Profile) error {
	if err := m.persistSession(token, profile); err != nil {
		return err
	}

	m.mu.Lock()
	m.token = token
	m.profile = profile
	m.startSessionLocked()
	m.mu.Unlock()

	m.logger.Info("ログインしました", slog.String("user_id", profile.ID))

	// プラン情報はログインレスポンスより/users/meの方が新しい場合がある
	if fresh, err := m.backend.GetMe(ctx, token); err == nil {
		m.setProfile(fresh)
	}
	return nil
}

// RefreshUser はプロフィールをバックエンドから再取得する。
// セッションが失効していればログアウトする。成功時はtrueを返す。
func (m *Manager) RefreshUser(ctx context.Context) bool {
	token := m.Token()
	if token == "" {
		return false
	}

	profile, err := m.backend.GetMe(ctx, token)
	if err != nil {
		if model.KindOf(err) == model.KindAuthInvalid {
			m.logger.Warn("セッションが失効しているためログアウトします")
			m.Logout()
			return false
		}
		m.logger.Error("プロフィールの再取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}

	m.setProfile(profile)
	return true
}

// Logout はセッションを終了する。
// 永続化された資格情報をまとめて消去し、バックグラウンド処理を停止する。
// 未ログイン状態で呼んでも安全（冪等）。
func (m *Manager) Logout() {
	m.mu.Lock()
	m.token = ""
	m.profile = nil
	if m.sessionCancel != nil {
		m.sessionCancel()
		m.sessionCancel = nil
	}
	m.mu.Unlock()

	m.clearPersisted()
	m.logger.Info("ログアウトしました")
}

// Close はセッションスコープのバックグラウンド処理を停止する。
// 永続化されたセッションは消去しない（次回起動時に復元される）。
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionCancel != nil {
		m.sessionCancel()
		m.sessionCancel = nil
	}
}

// LoggedIn はセッションが確立しているかを返す。
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

// Token は現在のセッショントークンを返す。未ログインなら空文字。
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Profile は現在のプロフィールを返す。未ログインならnil。
func (m *Manager) Profile() *model.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// AniListToken は連携済みのAniListトークンを返す。未連携なら空文字。
func (m *Manager) AniListToken() string {
	if v, ok := m.store.Get(storage.KeyAniListToken); ok {
		return v
	}
	return ""
}

// HasFeature は現在のプランが機能フラグを持つかを返す。
func (m *Manager) HasFeature(flag model.FeatureFlag) bool {
	return m.Profile().HasFeature(flag)
}

// TierLimits は現在のプランの上限を返す。
// 未ログインまたはプラン情報が欠落している場合はデフォルト（10/10）を返す。
func (m *Manager) TierLimits() model.TierInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := model.TierInfo{
		AutoSyncsPerDay:  model.NewLimit(defaultLimitValue),
		SyncHistoryLimit: model.NewLimit(defaultLimitValue),
	}
	if m.profile == nil || m.profile.TierInfo == nil {
		return info
	}

	got := m.profile.TierInfo
	if got.AutoSyncsPerDay.Unlimited || got.AutoSyncsPerDay.Value > 0 {
		info.AutoSyncsPerDay = got.AutoSyncsPerDay
	}
	if got.SyncHistoryLimit.Unlimited || got.SyncHistoryLimit.Value > 0 {
		info.SyncHistoryLimit = got.SyncHistoryLimit
	}
	info.Features = got.Features
	return info
}

// AutoSyncEnabled は自動同期の有効/無効を返す。
// 明示的に有効化されるまでは無効（未設定のユーザーの同期を勝手に始めない）。
func (m *Manager) AutoSyncEnabled() bool {
	v, ok := m.store.Get(storage.KeyAutoSyncEnabled)
	return ok && v == "true"
}

// SetAutoSyncEnabled は自動同期の有効/無効を永続化する。
func (m *Manager) SetAutoSyncEnabled(enabled bool) error {
	v := "true"
	if !enabled {
		v = "false"
	}
	return m.store.Set(storage.KeyAutoSyncEnabled, v)
}

// persistSession はトークンとプロフィールをまとめて永続化する。
func (m *Manager) persistSession(token string, profile *model.Profile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	if err := m.store.Set(storage.KeyAuthToken, token); err != nil {
		return err
	}
	return m.store.Set(storage.KeyUser, string(raw))
}

// clearPersisted はセッションに紐づく永続化キーをまとめて消去する。
func (m *Manager) clearPersisted() {
	err := m.store.Delete(
		storage.KeyAuthToken,
		storage.KeyUser,
		storage.KeyAniListToken,
		storage.KeyAuthState,
	)
	if err != nil {
		m.logger.Error("セッション状態の消去に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// setProfile は現在のプロフィールを更新して永続化する。
func (m *Manager) setProfile(profile *model.Profile) {
	m.mu.Lock()
	m.profile = profile
	token := m.token
	m.mu.Unlock()

	if token == "" {
		return
	}
	if raw, err := json.Marshal(profile); err == nil {
		if err := m.store.Set(storage.KeyUser, string(raw)); err != nil {
			m.logger.Error("プロフィールの永続化に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}
}

// startSessionLocked はセッションスコープのバックグラウンド処理を起動する。
// 既存のセッションがあれば先に停止する。呼び出し元でmuを保持していること。
func (m *Manager) startSessionLocked() {
	if m.sessionCancel != nil {
		m.sessionCancel()
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	m.sessionCancel = cancel

	if m.onSessionStart != nil {
		m.onSessionStart(ctx)
	}
}
