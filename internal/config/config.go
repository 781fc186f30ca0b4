// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend（レコードサービス）
	BackendURL string

	// Scrape（視聴履歴スクレイピングサービス）
	ScrapeURL string

	// AniList OAuth
	AniListClientID    string
	AniListRedirectURL string
	AniListAuthURL     string
	AniListAPIURL      string

	// Sync
	AutoSyncInterval    time.Duration
	SyncMaxAttempts     int
	ChallengeRetryDelay time.Duration

	// Live update channel
	ChannelMaxRetries  int
	ChannelBackoffUnit time.Duration

	// Log fetch
	LogFetchMaxAttempts int
	LogFetchBackoff     time.Duration

	// バックエンドへのリクエストペーシング（req/sec）
	RequestRate  float64
	RequestBurst int

	// 永続化
	StatePath string

	// OAuthコールバックリスナー
	CallbackAddr string

	// メトリクス/ヘルスチェックのリッスンアドレス
	MetricsAddr string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.AniListClientID = os.Getenv("ANILIST_CLIENT_ID")
	if cfg.AniListClientID == "" {
		missing = append(missing, "ANILIST_CLIENT_ID")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.BackendURL = getEnvString("BACKEND_URL", "http://localhost:4001")
	cfg.ScrapeURL = getEnvString("SCRAPE_URL", "http://localhost:4000")
	cfg.AniListRedirectURL = getEnvString("ANILIST_REDIRECT_URL", "http://localhost:5173")
	cfg.AniListAuthURL = getEnvString("ANILIST_AUTH_URL", "https://anilist.co/api/v2/oauth/authorize")
	cfg.AniListAPIURL = getEnvString("ANILIST_API_URL", "https://graphql.anilist.co")
	cfg.AutoSyncInterval = getEnvDuration("AUTO_SYNC_INTERVAL", 5*time.Minute)
	cfg.SyncMaxAttempts = getEnvInt("SYNC_MAX_ATTEMPTS", 3)
	cfg.ChallengeRetryDelay = getEnvDuration("CHALLENGE_RETRY_DELAY", 5*time.Second)
	cfg.ChannelMaxRetries = getEnvInt("CHANNEL_MAX_RETRIES", 3)
	cfg.ChannelBackoffUnit = getEnvDuration("CHANNEL_BACKOFF_UNIT", time.Second)
	cfg.LogFetchMaxAttempts = getEnvInt("LOG_FETCH_MAX_ATTEMPTS", 3)
	cfg.LogFetchBackoff = getEnvDuration("LOG_FETCH_BACKOFF", time.Second)
	cfg.RequestRate = getEnvFloat("REQUEST_RATE", 5.0)
	cfg.RequestBurst = getEnvInt("REQUEST_BURST", 10)
	cfg.StatePath = getEnvString("STATE_PATH", "anisync_state.json")
	cfg.CallbackAddr = getEnvString("CALLBACK_ADDR", "localhost:5173")
	cfg.MetricsAddr = getEnvString("METRICS_ADDR", "127.0.0.1:9464")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
