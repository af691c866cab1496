package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kierajs/kiera-go/types"
)

func newTestHandler(t *testing.T, h http.HandlerFunc) (*Handler, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	handler := NewHandler(types.NewToken("Bot X"), Options{
		BaseURL:        srv.URL,
		RequestTimeout: 5 * time.Second,
	})
	return handler, srv
}

func TestHandler_AuthorizationAndDecode(t *testing.T) {
	var gotAuth atomic.Value
	handler, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "123"})
	})

	var out struct {
		ID string `json:"id"`
	}
	if err := handler.Request(context.Background(), "GET", "/users/@me", nil, &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != "123" {
		t.Fatalf("decoded %q", out.ID)
	}
	if gotAuth.Load() != "Bot X" {
		t.Fatalf("authorization header = %v", gotAuth.Load())
	}
}

func TestHandler_GlobalRatelimit(t *testing.T) {
	var calls atomic.Int32
	handler, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"global": true, "retry_after": 0.5}`))
			return
		}
		w.Write([]byte(`{}`))
	})

	start := time.Now()
	if err := handler.Request(context.Background(), "GET", "/users/@me", nil, nil); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 500*time.Millisecond {
		t.Fatalf("retry fired after %v, before the 500ms global lockout lifted", elapsed)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected exactly one retry, saw %d calls", got)
	}
}

func TestHandler_GlobalLockoutStallsOtherRoutes(t *testing.T) {
	handler, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	handler.lockGlobal(300 * time.Millisecond)

	start := time.Now()
	if err := handler.Request(context.Background(), "GET", "/gateway", nil, nil); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("request on an unrelated route ran after %v, inside the lockout", elapsed)
	}
}

func TestHandler_RouteRatelimitDelaysNextCall(t *testing.T) {
	var calls atomic.Int32
	handler, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset-After", "0.3")
		}
		w.Write([]byte(`{}`))
	})

	if err := handler.Request(context.Background(), "GET", "/channels/123456789012345678", nil, nil); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := handler.Request(context.Background(), "GET", "/channels/123456789012345678", nil, nil); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("second call ran after %v, ignoring the exhausted window", elapsed)
	}
}

func TestHandler_RetriesTransientUpstreamErrors(t *testing.T) {
	var calls atomic.Int32
	handler, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	})

	if err := handler.Request(context.Background(), "GET", "/gateway", nil, nil); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestHandler_GetGatewayBot(t *testing.T) {
	handler, _ := newTestHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway/bot" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(types.GatewayBot{
			URL:    "wss://gateway.helselia.chat",
			Shards: 2,
			SessionStartLimit: types.SessionStartLimit{
				Total: 1000, Remaining: 999, ResetAfter: 14400000, MaxConcurrency: 1,
			},
		})
	})

	gb, err := handler.GetGatewayBot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gb.Shards != 2 || gb.SessionStartLimit.MaxConcurrency != 1 {
		t.Fatalf("bad gateway bot payload: %+v", gb)
	}

	// Second call hits the cache.
	again, err := handler.GetGatewayBot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if again != gb {
		t.Fatal("gateway bot probe should be cached")
	}
}

func TestHandler_GetGatewayBotRequiresBotToken(t *testing.T) {
	handler := NewHandler(types.NewToken("user-token"), Options{BaseURL: "http://127.0.0.1:0"})
	if _, err := handler.GetGatewayBot(context.Background()); err == nil {
		t.Fatal("expected an error for a non-bot token")
	}
}
