package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// newAPIServer spins up a fake WeChat API origin. tokens counts token
// fetches; handler serves every other endpoint.
func newAPIServer(t *testing.T, tokens *atomic.Int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		n := tokens.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"expires_in":   7200,
		})
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSendText_UsesCachedToken(t *testing.T) {
	var tokens atomic.Int32
	var sends atomic.Int32
	srv := newAPIServer(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cgi-bin/message/custom/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("access_token"); got != "tok-1" {
			t.Errorf("unexpected token %q", got)
		}
		var body struct {
			ToUser  string `json:"touser"`
			MsgType string `json:"msgtype"`
			Text    struct {
				Content string `json:"content"`
			} `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode send body: %v", err)
		}
		if body.ToUser != "openid-x" || body.MsgType != "text" || body.Text.Content != "hello" {
			t.Errorf("unexpected send body: %+v", body)
		}
		sends.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok"})
	})

	c := NewClient("appid", "secret", srv.URL)
	ctx := context.Background()

	if err := c.SendText(ctx, "openid-x", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := c.SendText(ctx, "openid-x", "hello"); err != nil {
		t.Fatalf("SendText(2): %v", err)
	}
	if tokens.Load() != 1 {
		t.Fatalf("token fetched %d times, want 1", tokens.Load())
	}
	if sends.Load() != 2 {
		t.Fatalf("expected 2 sends, got %d", sends.Load())
	}
}

func TestSendText_RetriesOnceOnExpiredToken(t *testing.T) {
	var tokens atomic.Int32
	var calls atomic.Int32
	srv := newAPIServer(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// First call: cached token rejected.
			_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 42001, "errmsg": "access_token expired"})
			return
		}
		if got := r.URL.Query().Get("access_token"); got != "tok-2" {
			t.Errorf("retry did not refresh token: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok"})
	})

	c := NewClient("appid", "secret", srv.URL)
	if err := c.SendText(context.Background(), "openid-x", "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", calls.Load())
	}
	if tokens.Load() != 2 {
		t.Fatalf("expected a token refresh, got %d fetches", tokens.Load())
	}
}

func TestSendText_SurfacesAPIError(t *testing.T) {
	var tokens atomic.Int32
	srv := newAPIServer(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 45015, "errmsg": "response out of time limit"})
	})

	c := NewClient("appid", "secret", srv.URL)
	if err := c.SendText(context.Background(), "openid-x", "hi"); err == nil {
		t.Fatalf("expected error for errcode 45015")
	}
}

func TestCheckContent_Classification(t *testing.T) {
	cases := []struct {
		name    string
		errcode int
		allowed bool
		wantErr bool
	}{
		{"clean", 0, true, false},
		{"risky", 87014, false, false},
		{"api failure", 61010, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var tokens atomic.Int32
			srv := newAPIServer(t, &tokens, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/wxa/msg_sec_check" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				_ = json.NewEncoder(w).Encode(map[string]any{"errcode": tc.errcode, "errmsg": tc.name})
			})

			c := NewClient("appid", "secret", srv.URL)
			allowed, err := c.CheckContent(context.Background(), "一段文本")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckContent: %v", err)
			}
			if allowed != tc.allowed {
				t.Fatalf("allowed=%v, want %v", allowed, tc.allowed)
			}
		})
	}
}

func TestGetToken_ErrorPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": 40013, "errmsg": "invalid appid"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient("bad", "creds", srv.URL)
	if err := c.SendText(context.Background(), "openid", "x"); err == nil {
		t.Fatalf("expected token error")
	}
}
