// Package scrape は視聴履歴スクレイピングサービスのクライアントを提供する。
package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/anisync/internal/model"
)

// Client はスクレイピングサービスのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// FetchHistory は現在の視聴履歴コレクションを取得する。
// 非成功レスポンスはServiceErrorとして返す（401やbot検証の分類は呼び出し元が行う）。
// レスポンスのdataがレコードの配列でない場合はInvalidPayloadを返す。
func (c *Client) FetchHistory(ctx context.Context, sessionToken string) ([]model.HistoryRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/scrape", nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+sessionToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("スクレイピングサービスへのリクエストに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("視聴履歴の取得リクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		_ = json.Unmarshal(raw, &body)
		return nil, &model.ServiceError{
			StatusCode: resp.StatusCode,
			Message:    body.Error,
			Details:    body.Details,
		}
	}

	var payload struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Data == nil {
		c.logger.Error("視聴履歴のレスポンス形式が不正です",
			slog.Int("body_size", len(raw)),
		)
		return nil, model.NewInvalidPayloadError()
	}

	records := make([]model.HistoryRecord, len(payload.Data))
	for i, r := range payload.Data {
		records[i] = model.HistoryRecord(r)
	}
	return records, nil
}
