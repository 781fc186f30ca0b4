package linker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/anisync/internal/storage"
)

func TestCallbackServer_FeedsQueryIntoFlow(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(storage.KeyAuthState, "nonce-1")
	var linked bool
	flow := newTestFlow(store, &fakeProvider{valid: true}, &fakeExchanger{token: "al-token"},
		func(context.Context) { linked = true })

	s := NewCallbackServer(flow, newTestLogger(), "127.0.0.1:0")
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/?code=code-1&state=nonce-1")
	if err != nil {
		t.Fatalf("コールバックリクエストに失敗: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if flow.State() != StateLinked {
		t.Errorf("state = %s, want linked", flow.State())
	}
	if !linked {
		t.Error("onLinked が呼ばれていない")
	}
}

func TestCallbackServer_MissingCodeReturns400(t *testing.T) {
	store := storage.NewMemoryStore()
	flow := newTestFlow(store, &fakeProvider{valid: true}, &fakeExchanger{token: "al"}, nil)

	s := NewCallbackServer(flow, newTestLogger(), "127.0.0.1:0")
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/callback")
	if err != nil {
		t.Fatalf("コールバックリクエストに失敗: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCallbackServer_StateMismatchReturns400(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(storage.KeyAuthState, "nonce-1")
	ex := &fakeExchanger{token: "al"}
	flow := newTestFlow(store, &fakeProvider{valid: true}, ex, nil)

	s := NewCallbackServer(flow, newTestLogger(), "127.0.0.1:0")
	ts := httptest.NewServer(s.server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/?code=code-1&state=forged")
	if err != nil {
		t.Fatalf("コールバックリクエストに失敗: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if ex.calls.Load() != 0 {
		t.Error("state不一致で交換が呼ばれた")
	}
}
