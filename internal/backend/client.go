// Package backend はレコードサービス（セッション/同期バックエンド）のクライアントを提供する。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/anisync/internal/model"
)

// Config はバックエンドクライアントの設定。
type Config struct {
	BaseURL string

	// リクエストペーシング（req/sec）。0以下の場合は制限しない。
	RequestRate  float64
	RequestBurst int

	// ログ取得のリトライ設定
	LogFetchMaxAttempts int
	LogFetchBackoff     time.Duration
}

// Client はバックエンドAPIのクライアント。
// 全リクエストにクライアント側のレートリミッタを適用する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	config     Config
	limiter    *rate.Limiter

	// sleep はテスト用に差し替え可能な待機関数。
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, config Config) *Client {
	if config.LogFetchMaxAttempts <= 0 {
		config.LogFetchMaxAttempts = 3
	}
	if config.LogFetchBackoff <= 0 {
		config.LogFetchBackoff = time.Second
	}

	limit := rate.Inf
	burst := 1
	if config.RequestRate > 0 {
		limit = rate.Limit(config.RequestRate)
		burst = config.RequestBurst
		if burst <= 0 {
			burst = 1
		}
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
		config:     config,
		limiter:    rate.NewLimiter(limit, burst),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// authResponse はログイン/登録レスポンス。
type authResponse struct {
	Token string         `json:"token"`
	User  *model.Profile `json:"user"`
}

// Login はメールアドレスとパスワードでログインする。
// 成功時はセッショントークンとプロフィールを返す。リトライは行わない。
func (c *Client) Login(ctx context.Context, email, password string) (string, *model.Profile, error) {
	var resp authResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/login", "", nil,
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return "", nil, fmt.Errorf("ログインに失敗しました: %w", err)
	}
	return resp.Token, resp.User, nil
}

// Register はメールアドレスとパスワードで新規登録する。
func (c *Client) Register(ctx context.Context, email, password string) (string, *model.Profile, error) {
	var resp authResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/register", "", nil,
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return "", nil, fmt.Errorf("登録に失敗しました: %w", err)
	}
	return resp.Token, resp.User, nil
}

// ExchangeAniListCode は認可コードをAniListのアクセストークンに交換する。
// セッショントークンを添えてバックエンドの交換エンドポイントを呼び出す。
func (c *Client) ExchangeAniListCode(ctx context.Context, sessionToken, code string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/auth/anilist", sessionToken, nil,
		map[string]string{"code": code}, &resp)
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("AniListからアクセストークンを受け取れませんでした")
	}
	return resp.AccessToken, nil
}

// GetMe は現在のユーザープロフィールを取得する。
// 認可エラー（401）の場合はAuthInvalidを返す。
func (c *Client) GetMe(ctx context.Context, sessionToken string) (*model.Profile, error) {
	var profile model.Profile
	err := c.doJSON(ctx, http.MethodGet, "/users/me", sessionToken, nil, nil, &profile)
	if err != nil {
		if isAuthInvalid(err) {
			return nil, model.NewAuthInvalidError()
		}
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return &profile, nil
}

// syncResponse は同期エンドポイントのレスポンス。
type syncResponse struct {
	Result []json.RawMessage `json:"result"`
}

// Sync は収集済みの視聴履歴とAniListトークンをバックエンドに送信する。
// 非成功レスポンスはServiceErrorとして返す（呼び出し元が分類する）。
func (c *Client) Sync(ctx context.Context, sessionToken, anilistToken string, history []model.HistoryRecord) (int, error) {
	var resp syncResponse
	err := c.doJSON(ctx, http.MethodPost, "/sync", sessionToken, nil,
		map[string]any{"token": anilistToken, "history": history}, &resp)
	if err != nil {
		return 0, err
	}
	return len(resp.Result), nil
}

// SyncManual は単一作品の手動同期をバックエンドに送信する。
// 非成功レスポンスはServiceErrorとして返す（呼び出し元が分類する）。
func (c *Client) SyncManual(ctx context.Context, sessionToken, anilistToken string, mediaID int, title string, episode int) error {
	var resp syncResponse
	return c.doJSON(ctx, http.MethodPost, "/sync/manual", sessionToken, nil,
		map[string]any{
			"token":   anilistToken,
			"mediaId": mediaID,
			"title":   title,
			"episode": episode,
		}, &resp)
}

// SearchAnime は作品を検索する。AniListトークンをAnilist-Tokenヘッダで添える。
func (c *Client) SearchAnime(ctx context.Context, sessionToken, anilistToken, query string) (*model.Media, error) {
	var resp struct {
		Media *model.Media `json:"Media"`
	}
	headers := map[string]string{"Anilist-Token": anilistToken}
	path := "/search/anime?q=" + url.QueryEscape(query)
	if err := c.doJSON(ctx, http.MethodGet, path, sessionToken, headers, nil, &resp); err != nil {
		return nil, fmt.Errorf("作品の検索に失敗しました: %w", err)
	}
	return resp.Media, nil
}

// UpdateCrunchyrollCreds はスクレイピング対象サイトの認証情報を更新する。
func (c *Client) UpdateCrunchyrollCreds(ctx context.Context, sessionToken, email, password string) error {
	err := c.doJSON(ctx, http.MethodPost, "/users/crunchyroll-creds", sessionToken, nil,
		map[string]string{"email": email, "password": password}, nil)
	if err != nil {
		return fmt.Errorf("認証情報の更新に失敗しました: %w", err)
	}
	return nil
}

// doJSON はレートリミッタを通してJSONリクエストを実行し、レスポンスをデコードする。
// 非成功ステータスはレスポンスのerror/detailsを抽出したServiceErrorを返す。
func (c *Client) doJSON(ctx context.Context, method, path, sessionToken string, headers map[string]string, reqBody, respBody any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗しました: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("バックエンドへのリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseServiceError(resp.StatusCode, raw)
	}

	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// parseServiceError は非成功レスポンスからServiceErrorを組み立てる。
// ボディがJSONでない場合はステータスコードのみのエラーになる。
func parseServiceError(statusCode int, raw []byte) *model.ServiceError {
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	// パース失敗は無視する（エラーボディが無いエンドポイントもある）
	_ = json.Unmarshal(raw, &body)

	return &model.ServiceError{
		StatusCode: statusCode,
		Message:    body.Error,
		Details:    body.Details,
	}
}

// isAuthInvalid はサービスエラーがセッション失効を意味するかを返す。
// 401ステータスまたは"Token has expired"メッセージで判定する。
func isAuthInvalid(err error) bool {
	var svcErr *model.ServiceError
	if !asServiceError(err, &svcErr) {
		return false
	}
	return svcErr.StatusCode == http.StatusUnauthorized || svcErr.Message == "Token has expired"
}
