// Package anilist はAniList（外部トラッキングサービス）との連携機能を提供する。
// 認可URLの生成とアクセストークンの生存確認を含む。
package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
)

const (
	defaultAuthURL = "https://anilist.co/api/v2/oauth/authorize"
	defaultAPIURL  = "https://graphql.anilist.co"
)

// viewerQuery はトークン生存確認に使う最小の読み取りクエリ。
const viewerQuery = `{ Viewer { id } }`

// Config はAniListクライアントの設定。
type Config struct {
	ClientID    string
	RedirectURL string

	// テスト用にオーバーライド可能なURL
	AuthURL string
	APIURL  string
}

// Client はAniList APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	oauth      oauth2.Config
	apiURL     string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, config Config) *Client {
	if config.AuthURL == "" {
		config.AuthURL = defaultAuthURL
	}
	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		oauth: oauth2.Config{
			ClientID:    config.ClientID,
			RedirectURL: config.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL: config.AuthURL,
			},
		},
		apiURL: config.APIURL,
	}
}

// AuthorizeURL は認可リダイレクト先のURLを生成する。
// stateには偽造防止nonceを渡す（client_id, redirect_uri, response_type=code, stateが付与される）。
func (c *Client) AuthorizeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ValidateToken はトークンでViewerクエリを発行し、トークンが生存しているかを返す。
// 成功レスポンス（HTTP 200）の場合のみtrue。通信エラー・認証エラーはすべてfalseで、
// エラーは返さない（起動時と連携直後の両方で、トークンは生存確認済みのものだけを信用する）。
func (c *Client) ValidateToken(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}

	body, err := json.Marshal(map[string]string{"query": viewerQuery})
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("AniListトークンの検証リクエストに失敗しました",
			slog.String("error", err.Error()),
		)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("AniListトークンの検証が拒否されました",
			slog.Int("http_status", resp.StatusCode),
		)
		return false
	}

	return true
}
