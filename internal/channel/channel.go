// Package channel はライブ更新チャネル（サーバープッシュ購読）を提供する。
// Server-Sent Events形式のストリームを購読し、切断時は線形バックオフで
// 上限回数まで再接続する。上限到達後は静かに停止する（UIは手動更新に戻る）。
package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/anisync/internal/metrics"
	"github.com/hitoshi/anisync/internal/model"
)

// ConnState は接続状態を表す。
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// Config はライブ更新チャネルの設定。
type Config struct {
	// MaxRetries は再接続の上限回数（デフォルト: 3）。
	MaxRetries int
	// BackoffUnit は線形バックオフの単位時間（デフォルト: 1秒）。
	// 待機時間は BackoffUnit × (retryCount+1)。
	BackoffUnit time.Duration
}

// DefaultConfig はデフォルトのチャネル設定を返す。
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffUnit: time.Second,
	}
}

// message は受信メッセージの契約。typeがrefreshのときだけ意味を持つ。
type message struct {
	Type string `json:"type"`
}

// Channel はセッションごとのライブ更新購読。
// セッションの同一性が変わるたびに破棄して作り直すこと（セッションマネージャ所有）。
type Channel struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.Recorder
	config     Config

	url          string
	sessionToken func() string

	// onRefresh はrefreshシグナル受信時に呼ばれる（プロフィール再取得→ログ再取得）。
	onRefresh func(ctx context.Context)
	// onUnavailable は再接続を諦めたときに1回だけ呼ばれる。
	onUnavailable func(err error)

	mu         sync.Mutex
	state      ConnState
	retryCount int

	// sleep はテスト用に差し替え可能な待機関数。
	sleep func(ctx context.Context, d time.Duration) error
}

// New はChannelの新しいインスタンスを生成する。
func New(
	httpClient *http.Client,
	logger *slog.Logger,
	recorder metrics.Recorder,
	config Config,
	url string,
	sessionToken func() string,
	onRefresh func(ctx context.Context),
	onUnavailable func(err error),
) *Channel {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.BackoffUnit <= 0 {
		config.BackoffUnit = time.Second
	}
	return &Channel{
		httpClient:    httpClient,
		logger:        logger,
		metrics:       recorder,
		config:        config,
		url:           url,
		sessionToken:  sessionToken,
		onRefresh:     onRefresh,
		onUnavailable: onUnavailable,
		state:         StateDisconnected,
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

// State は現在の接続状態を返す。
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run は購読ループを実行する。コンテキストのキャンセルまたは
// 再接続上限到達までブロックする。
func (c *Channel) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		err := c.connectOnce(ctx)
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("ライブ更新チャネルが切断されました",
			slog.String("error", errString(err)),
			slog.Int("retry_count", c.currentRetryCount()),
		)

		c.mu.Lock()
		if c.retryCount >= c.config.MaxRetries {
			c.mu.Unlock()
			c.metrics.RecordChannelGiveUp()
			c.logger.Warn("再接続上限に達したためライブ更新を停止します",
				slog.Int("max_retries", c.config.MaxRetries),
			)
			if c.onUnavailable != nil {
				c.onUnavailable(model.NewChannelUnavailableError())
			}
			return
		}
		delay := c.config.BackoffUnit * time.Duration(c.retryCount+1)
		c.retryCount++
		c.mu.Unlock()

		c.metrics.RecordChannelReconnect()
		if err := c.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// connectOnce は1回接続してストリームを読み続ける。
// 接続成功時にretryCountを0にリセットする。
// ストリーム終了・読み取りエラーで戻る。
func (c *Channel) connectOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("購読リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if token := c.sessionToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("購読が拒否されました: status %d", resp.StatusCode)
	}

	// 接続成功: リトライカウントをリセット
	c.mu.Lock()
	c.state = StateConnected
	c.retryCount = 0
	c.mu.Unlock()
	c.logger.Info("ライブ更新チャネルに接続しました")

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		c.handleMessage(ctx, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream closed")
}

// handleMessage は受信した1メッセージを処理する。
// 不正なメッセージはログに残して無視する（チャネルは維持する）。
func (c *Channel) handleMessage(ctx context.Context, data string) {
	if data == "" {
		return
	}

	var msg message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		c.logger.Warn("不正なライブ更新メッセージを無視します",
			slog.String("error", err.Error()),
		)
		return
	}

	if msg.Type != "refresh" {
		return
	}

	if c.onRefresh != nil {
		c.onRefresh(ctx)
	}
}

func (c *Channel) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) currentRetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
