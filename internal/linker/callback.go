package linker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// CallbackServer は設定済みリダイレクトURIで認可コールバックを受けるHTTPリスナー。
// 独自のURLハンドリングを持たないホスト向けのオプション部品で、
// 受け取ったcode/stateをそのままFlowに渡す。
type CallbackServer struct {
	flow   *Flow
	logger *slog.Logger
	server *http.Server
}

// NewCallbackServer はCallbackServerの新しいインスタンスを生成する。
func NewCallbackServer(flow *Flow, logger *slog.Logger, addr string) *CallbackServer {
	s := &CallbackServer{
		flow:   flow,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Get("/", s.handleCallback)
	r.Get("/callback", s.handleCallback)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start はリスナーを起動する。ブロックするため通常はゴルーチンで呼び出す。
// Shutdownによる正常終了の場合はnilを返す。
func (s *CallbackServer) Start() error {
	s.logger.Info("OAuthコールバックリスナーを開始しました",
		slog.String("addr", s.server.Addr),
	)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown はリスナーを停止する。
func (s *CallbackServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleCallback はリダイレクトクエリのcode/stateをFlowに渡す。
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")

	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	if err := s.flow.HandleRedirect(r.Context(), code, state); err != nil {
		s.logger.Error("コールバックの処理に失敗しました",
			slog.String("error", err.Error()),
		)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("連携が完了しました。このタブは閉じて構いません。"))
}
