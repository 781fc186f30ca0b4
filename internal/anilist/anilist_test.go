package anilist

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestClient_ValidateToken_Valid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("HTTPメソッド = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer valid-token" {
			t.Errorf("Authorization = %s, want Bearer valid-token", got)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("リクエストボディのパースに失敗: %v", err)
		}
		if !strings.Contains(body["query"], "Viewer") {
			t.Errorf("query = %s, Viewerクエリであるべき", body["query"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"Viewer":{"id":123}}}`))
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), Config{
		ClientID: "25863",
		APIURL:   server.URL,
	})

	if !c.ValidateToken(context.Background(), "valid-token") {
		t.Error("有効なトークンで false が返った")
	}
}

func TestClient_ValidateToken_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"Invalid token"}]}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	var buf bytes.Buffer
	c := NewClient(server.Client(), newTestLogger(&buf), Config{
		ClientID: "25863",
		APIURL:   server.URL,
	})

	if c.ValidateToken(context.Background(), "dead-token") {
		t.Error("拒否されたトークンで true が返った")
	}
}

func TestClient_ValidateToken_TransportErrorReturnsFalse(t *testing.T) {
	// 接続先のないURLに対してもエラーではなくfalseを返す
	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, newTestLogger(&buf), Config{
		ClientID: "25863",
		APIURL:   "http://127.0.0.1:1",
	})

	if c.ValidateToken(context.Background(), "any-token") {
		t.Error("通信エラーで true が返った")
	}
}

func TestClient_ValidateToken_EmptyToken(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, newTestLogger(&buf), Config{ClientID: "25863"})

	if c.ValidateToken(context.Background(), "") {
		t.Error("空トークンで true が返った")
	}
}

func TestClient_AuthorizeURL(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, newTestLogger(&buf), Config{
		ClientID:    "25863",
		RedirectURL: "http://localhost:5173",
	})

	raw := c.AuthorizeURL("nonce-123")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("認可URLのパースに失敗: %v", err)
	}

	q := u.Query()
	if q.Get("client_id") != "25863" {
		t.Errorf("client_id = %s, want 25863", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "http://localhost:5173" {
		t.Errorf("redirect_uri = %s, want http://localhost:5173", q.Get("redirect_uri"))
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %s, want code", q.Get("response_type"))
	}
	if q.Get("state") != "nonce-123" {
		t.Errorf("state = %s, want nonce-123", q.Get("state"))
	}
}
