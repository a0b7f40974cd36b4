package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		keys        []string
		allowUnauth bool
		header      string
		value       string
		want        int
	}{
		{"no keys rejects", nil, false, "", "", http.StatusUnauthorized},
		{"no keys explicit allow", nil, true, "", "", http.StatusOK},
		{"valid key", []string{"good-key"}, false, "X-API-Key", "good-key", http.StatusOK},
		{"valid bearer", []string{"good-key"}, false, "Authorization", "Bearer good-key", http.StatusOK},
		{"invalid key", []string{"good-key"}, false, "X-API-Key", "bad-key", http.StatusUnauthorized},
		{"missing key", []string{"good-key"}, false, "", "", http.StatusUnauthorized},
		{"allow flag ignored once keys exist", []string{"good-key"}, true, "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware("X-API-Key", tt.keys, tt.allowUnauth)(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/submissions", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_HashesKey(t *testing.T) {
	var got string
	handler := AuthMiddleware("", []string{"good-key"}, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = APIKeyHashFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	req.Header.Set("X-API-Key", "good-key")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(got) != 64 {
		t.Fatalf("key hash = %q, want 64 hex chars", got)
	}
	if got == "good-key" {
		t.Error("raw key stored in context")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimitMiddleware(t.Context(), 0.001, 2)(okHandler())

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/audit", nil)
		req.RemoteAddr = "10.0.0.1:" + []string{"1000", "1001", "1002"}[i]
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}

	// Port changes do not earn a fresh bucket.
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
		t.Errorf("request id = %q / %q, want abc", seen, rec.Header().Get("X-Request-ID"))
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "" || seen == "abc" {
		t.Errorf("generated request id = %q", seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
}

func TestStatusRecorder_Flushes(t *testing.T) {
	rec := httptest.NewRecorder()
	var w http.ResponseWriter = &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	f, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("statusRecorder does not implement http.Flusher")
	}
	f.Flush()
	if !rec.Flushed {
		t.Error("flush not forwarded")
	}
}
