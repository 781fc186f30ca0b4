// Package app は依存関係のワイヤリングとエントリーポイントを提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/anisync/internal/anilist"
	"github.com/hitoshi/anisync/internal/backend"
	"github.com/hitoshi/anisync/internal/channel"
	"github.com/hitoshi/anisync/internal/config"
	"github.com/hitoshi/anisync/internal/linker"
	"github.com/hitoshi/anisync/internal/logger"
	"github.com/hitoshi/anisync/internal/metrics"
	"github.com/hitoshi/anisync/internal/model"
	"github.com/hitoshi/anisync/internal/quota"
	"github.com/hitoshi/anisync/internal/scrape"
	"github.com/hitoshi/anisync/internal/session"
	"github.com/hitoshi/anisync/internal/storage"
	"github.com/hitoshi/anisync/internal/worker/syncer"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("backend_url", cfg.BackendURL),
		slog.String("scrape_url", cfg.ScrapeURL),
	)

	switch cmd {
	case CommandLogin:
		return runLogin(cfg, w)
	case CommandLink:
		return runLink(cfg, w)
	case CommandSync:
		return runSyncOnce(cfg, w)
	default:
		return runAgent(cfg)
	}
}

// deps はワイヤリング済みの依存関係の集合。
type deps struct {
	store        storage.Store
	recorder     *metrics.Collector
	tracker      *quota.Tracker
	backend      *backend.Client
	scrape       *scrape.Client
	anilist      *anilist.Client
	manager      *session.Manager
	flow         *linker.Flow
	orchestrator *syncer.Orchestrator
	scheduler    *syncer.Scheduler
}

// build は全依存関係をワイヤリングする。
// baseCtxはセッションスコープのバックグラウンド処理の親コンテキスト。
func build(baseCtx context.Context, cfg *config.Config) (*deps, error) {
	// 1. 永続化ストア
	store, err := storage.NewFileStore(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	// 2. メトリクスとクォータ
	recorder := metrics.NewCollector(prometheus.DefaultRegisterer)
	tracker := quota.NewTracker(store, slog.Default(), recorder)

	// 3. 依存サービスのクライアント
	httpClient := &http.Client{Timeout: 30 * time.Second}
	backendClient := backend.NewClient(httpClient, slog.Default(), backend.Config{
		BaseURL:             cfg.BackendURL,
		RequestRate:         cfg.RequestRate,
		RequestBurst:        cfg.RequestBurst,
		LogFetchMaxAttempts: cfg.LogFetchMaxAttempts,
		LogFetchBackoff:     cfg.LogFetchBackoff,
	})
	scrapeClient := scrape.NewClient(httpClient, slog.Default(), cfg.ScrapeURL)
	anilistClient := anilist.NewClient(httpClient, slog.Default(), anilist.Config{
		ClientID:    cfg.AniListClientID,
		RedirectURL: cfg.AniListRedirectURL,
		AuthURL:     cfg.AniListAuthURL,
		APIURL:      cfg.AniListAPIURL,
	})

	// セッションマネージャとオーケストレータは相互参照するため、
	// クロージャはポインタ変数を経由して後から束縛する
	var mgr *session.Manager
	var flow *linker.Flow

	// refreshView はプロフィール再取得に続けて同期ログを再取得する。
	// 同期成功時とライブ更新チャネルのrefreshシグナルの両方から呼ばれる。
	refreshView := func(ctx context.Context) {
		if !mgr.RefreshUser(ctx) {
			return
		}
		if _, err := backendClient.FetchLogs(ctx, mgr.Token(), mgr.TierLimits().SyncHistoryLimit); err != nil {
			slog.Warn("同期ログの再取得に失敗しました", slog.String("error", err.Error()))
		}
	}

	orchestrator := syncer.NewOrchestrator(
		backendClient, scrapeClient, tracker, slog.Default(), recorder,
		syncer.Config{
			MaxAttempts:         cfg.SyncMaxAttempts,
			ChallengeRetryDelay: cfg.ChallengeRetryDelay,
		},
		func() string { return mgr.Token() },
		func() string { return mgr.AniListToken() },
		func() model.Limit { return mgr.TierLimits().AutoSyncsPerDay },
		refreshView,
	)

	scheduler := syncer.NewScheduler(orchestrator, slog.Default(), cfg.AutoSyncInterval,
		func() bool { return mgr.AutoSyncEnabled() })

	// セッション確立時に起動し、ログアウトで停止するバックグラウンド処理
	onSessionStart := func(ctx context.Context) {
		go scheduler.Start(ctx)
		go flow.StartCleanup(ctx)

		url := cfg.BackendURL + "/users/notify-update"
		if p := mgr.Profile(); p != nil {
			url = cfg.BackendURL + "/users/" + p.ID + "/notify-update"
		}
		ch := channel.New(httpClient, slog.Default(), recorder,
			channel.Config{
				MaxRetries:  cfg.ChannelMaxRetries,
				BackoffUnit: cfg.ChannelBackoffUnit,
			},
			url,
			func() string { return mgr.Token() },
			refreshView,
			nil,
		)
		go ch.Run(ctx)
	}

	mgr = session.NewManager(baseCtx, store, backendClient, anilistClient, slog.Default(), onSessionStart)
	flow = linker.NewFlow(store, anilistClient, backendClient, slog.Default(), linker.DefaultConfig(),
		func() string { return mgr.Token() },
		func(ctx context.Context) { mgr.RefreshUser(ctx) })

	return &deps{
		store:        store,
		recorder:     recorder,
		tracker:      tracker,
		backend:      backendClient,
		scrape:       scrapeClient,
		anilist:      anilistClient,
		manager:      mgr,
		flow:         flow,
		orchestrator: orchestrator,
		scheduler:    scheduler,
	}, nil
}

// runAgent は常駐エージェントモードで起動する。
// セッションを復元し、自動同期スケジューラ・ライブ更新チャネル・
// OAuthコールバックリスナー・メトリクスサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runAgent(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.manager.Close()

	// 深夜0時のクォータリセットはセッションの有無に関わらず動かす
	go d.tracker.StartMidnightReset(ctx)

	// OAuthコールバックリスナー
	callbackServer := linker.NewCallbackServer(d.flow, slog.Default(), cfg.CallbackAddr)
	go func() {
		if err := callbackServer.Start(); err != nil {
			slog.Error("コールバックリスナーが停止しました", slog.String("error", err.Error()))
		}
	}()

	// メトリクス/ヘルスチェックサーバー
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	// 保存されたセッションの復元と資格情報の検証
	d.manager.Initialize(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutting down agent...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := callbackServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("callback listener shutdown failed", slog.String("error", err.Error()))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	slog.Info("agent stopped gracefully")
	return nil
}

// runLogin はログインして終了する。
// 資格情報は環境変数 ANISYNC_EMAIL / ANISYNC_PASSWORD から読む。
func runLogin(cfg *config.Config, w io.Writer) error {
	email := os.Getenv("ANISYNC_EMAIL")
	password := os.Getenv("ANISYNC_PASSWORD")
	if email == "" || password == "" {
		return fmt.Errorf("ANISYNC_EMAIL and ANISYNC_PASSWORD must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := build(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer d.manager.Close()

	if err := d.manager.Login(ctx, email, password); err != nil {
		return err
	}

	fmt.Fprintf(w, "logged in as %s\n", email)
	return nil
}

// runLink はAniListアカウントの連携フローを実行する。
// 認可URLを表示し、コールバックリスナーでリダイレクトを待ち受ける。
func runLink(cfg *config.Config, w io.Writer) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.manager.Close()

	d.manager.Initialize(ctx)
	if !d.manager.LoggedIn() {
		return fmt.Errorf("not logged in: run the login command first")
	}

	url, err := d.flow.Begin()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "open this URL in your browser to authorize:\n%s\n", url)

	callbackServer := linker.NewCallbackServer(d.flow, slog.Default(), cfg.CallbackAddr)
	go func() {
		if err := callbackServer.Start(); err != nil {
			slog.Error("コールバックリスナーが停止しました", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		callbackServer.Shutdown(shutdownCtx)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return fmt.Errorf("linking cancelled")
		case <-ticker.C:
			switch d.flow.State() {
			case linker.StateLinked:
				fmt.Fprintln(w, "AniList account linked")
				return nil
			case linker.StateFailed:
				return fmt.Errorf("linking failed: check the logs")
			}
		}
	}
}

// runSyncOnce は手動同期を1回実行して終了する。
func runSyncOnce(cfg *config.Config, w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	d, err := build(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer d.manager.Close()

	d.manager.Initialize(ctx)
	if !d.manager.LoggedIn() {
		return fmt.Errorf("not logged in: run the login command first")
	}

	if err := d.orchestrator.Run(ctx, model.OriginManual); err != nil {
		return err
	}

	if stats := d.orchestrator.LastStats(); stats != nil {
		fmt.Fprintf(w, "synced %d entries at %s\n", stats.Count, stats.Time.Format(time.RFC3339))
	}
	return nil
}
