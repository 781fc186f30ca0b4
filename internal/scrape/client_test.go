package scrape

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/anisync/internal/model"
)

func newTestLogger() *slog.Logger {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestClient_FetchHistory_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/scrape" {
			t.Errorf("path = %s, want /scrape", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sess-1" {
			t.Errorf("Authorization = %s, want Bearer sess-1", got)
		}
		w.Write([]byte(`{"data":[{"title":"Frieren","episode":5},{"title":"Dandadan","episode":2}]}`))
	}))
	defer server.Close()

	c := NewClient(server.Client(), newTestLogger(), server.URL)
	records, err := c.FetchHistory(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("FetchHistory がエラーを返した: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("レコード数 = %d, want 2", len(records))
	}
}

func TestClient_FetchHistory_401ReturnsServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"not logged in"}`))
	}))
	defer server.Close()

	c := NewClient(server.Client(), newTestLogger(), server.URL)
	_, err := c.FetchHistory(context.Background(), "sess-1")

	var svcErr *model.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("ServiceError が返るべき: %v", err)
	}
	if svcErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", svcErr.StatusCode)
	}
}

func TestClient_FetchHistory_ChallengeDetectedInErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"scrape failed","details":"Cloudflare verification required"}`))
	}))
	defer server.Close()

	c := NewClient(server.Client(), newTestLogger(), server.URL)
	_, err := c.FetchHistory(context.Background(), "sess-1")

	var svcErr *model.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("ServiceError が返るべき: %v", err)
	}
	if !svcErr.IsChallenge() {
		t.Error("Cloudflareのdetailsを持つエラーが challenge と判定されない")
	}
}

func TestClient_FetchHistory_InvalidPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"dataが無い", `{"items":[]}`},
		{"dataが配列でない", `{"data":"oops"}`},
		{"JSONでない", `<html>error</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewClient(server.Client(), newTestLogger(), server.URL)
			_, err := c.FetchHistory(context.Background(), "sess-1")
			if model.KindOf(err) != model.KindInvalidPayload {
				t.Errorf("KindOf(err) = %s, want INVALID_PAYLOAD", model.KindOf(err))
			}
		})
	}
}

func TestClient_FetchHistory_EmptyArrayIsValid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	c := NewClient(server.Client(), newTestLogger(), server.URL)
	records, err := c.FetchHistory(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("空配列でエラーが返った: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("レコード数 = %d, want 0", len(records))
	}
}
