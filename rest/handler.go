// Package rest is the HTTP pipeline: every call funnels through a sequential
// bucket keyed by canonicalized route, honoring the x-ratelimit-* headers and
// the shared global lockout.
package rest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kierajs/kiera-go/metrics"
	"github.com/kierajs/kiera-go/ratelimit"
	"github.com/kierajs/kiera-go/types"
)

const (
	BaseURL    = "https://helselia.chat/api"
	APIVersion = "v6"

	maxServerRetries = 3
)

var (
	// ErrUnauthorized means the token was rejected outright.
	ErrUnauthorized = errors.New("rest: 401 unauthorized")
	// ErrRequestTimeout wraps a client-side deadline hit.
	ErrRequestTimeout = errors.New("rest: request timed out")
)

// APIError carries a non-2xx response through to callers.
type APIError struct {
	Status int
	Body   []byte
}

func (e *APIError) Error() string {
	return "rest: unexpected status " + strconv.Itoa(e.Status)
}

type Options struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Handler routes requests through per-route sequential buckets and a global
// lockout shared by all of them.
type Handler struct {
	token  types.Token
	client *http.Client
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex
	buckets map[string]*ratelimit.SequentialBucket

	globalMu    sync.Mutex
	globalUntil time.Time
	globalCh    chan struct{} // closed when the lockout lifts; nil when clear

	gatewayGroup singleflight.Group
	gatewayBot   *types.GatewayBot
}

func NewHandler(token types.Token, opts Options) *Handler {
	if opts.BaseURL == "" {
		opts.BaseURL = BaseURL + "/" + APIVersion
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "KieraBot (https://github.com/kierajs/kiera-go)"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		token:   token,
		client:  &http.Client{Timeout: opts.RequestTimeout},
		opts:    opts,
		log:     opts.Logger.Named("rest"),
		buckets: make(map[string]*ratelimit.SequentialBucket),
	}
}

// SetHTTPClient swaps the transport; tests point this at httptest servers.
func (h *Handler) SetHTTPClient(c *http.Client) { h.client = c }

func (h *Handler) bucket(key string) *ratelimit.SequentialBucket {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buckets[key]
	if !ok {
		b = ratelimit.NewSequentialBucket(1)
		h.buckets[key] = b
	}
	return b
}

// lockGlobal sets the shared lockout every route awaits.
func (h *Handler) lockGlobal(d time.Duration) {
	h.globalMu.Lock()
	defer h.globalMu.Unlock()
	until := time.Now().Add(d)
	if until.Before(h.globalUntil) {
		return
	}
	h.globalUntil = until
	if h.globalCh == nil {
		ch := make(chan struct{})
		h.globalCh = ch
		time.AfterFunc(d, func() { h.releaseGlobal(ch) })
	}
}

func (h *Handler) releaseGlobal(ch chan struct{}) {
	h.globalMu.Lock()
	defer h.globalMu.Unlock()
	if remaining := time.Until(h.globalUntil); remaining > time.Millisecond {
		// Lockout was extended while we slept.
		time.AfterFunc(remaining, func() { h.releaseGlobal(ch) })
		return
	}
	if h.globalCh == ch {
		h.globalCh = nil
	}
	close(ch)
}

func (h *Handler) awaitGlobal() {
	h.globalMu.Lock()
	ch := h.globalCh
	h.globalMu.Unlock()
	if ch != nil {
		<-ch
	}
}

// Request performs method+route with an optional JSON body, decoding the JSON
// response into out when out is non-nil.
func (h *Handler) Request(ctx context.Context, method, route string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "rest: encode body")
		}
	}

	resCh := make(chan error, 1)
	bucket := h.bucket(BucketKey(method, route))
	bucket.Queue(func(done ratelimit.DoneFunc) {
		resCh <- h.attempt(ctx, method, route, payload, out, done, 0)
	})

	select {
	case err := <-resCh:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "rest: "+method+" "+route)
	}
}

// attempt runs one transport round-trip, retrying itself on 429 and transient
// gateway errors. done is called exactly once with the observed reset info.
func (h *Handler) attempt(ctx context.Context, method, route string, payload []byte, out interface{}, done ratelimit.DoneFunc, tries int) error {
	h.awaitGlobal()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.opts.BaseURL+route, rd)
	if err != nil {
		done(time.Time{}, -1)
		return errors.Wrap(err, "rest: build request")
	}
	req.Header.Set("Authorization", h.token.Raw())
	req.Header.Set("User-Agent", h.opts.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		done(time.Time{}, -1)
		metrics.RESTRequests.WithLabelValues(method, "error").Inc()
		if ctx.Err() != nil {
			return errors.Wrap(ErrRequestTimeout, method+" "+route)
		}
		return errors.Wrap(err, "rest: "+method+" "+route)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		done(time.Time{}, -1)
		return errors.Wrap(err, "rest: read body")
	}
	metrics.RESTRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	resetAt, remaining := parseRateHeaders(resp.Header, start)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.RESTRatelimitWaits.Inc()
		retryAfter := time.Duration(gjson.GetBytes(data, "retry_after").Float() * float64(time.Second))
		if ra := resp.Header.Get("Retry-After"); retryAfter == 0 && ra != "" {
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		if gjson.GetBytes(data, "global").Bool() {
			h.log.Warn("globally rate limited", zap.Duration("retry_after", retryAfter))
			h.lockGlobal(retryAfter)
		} else {
			resetAt = time.Now().Add(retryAfter)
			remaining = 0
			time.Sleep(retryAfter)
		}
		return h.attempt(ctx, method, route, payload, out, done, tries)

	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout:
		if tries < maxServerRetries {
			backoff := time.Duration(1<<tries) * 500 * time.Millisecond
			h.log.Debug("transient upstream error, retrying",
				zap.Int("status", resp.StatusCode), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			return h.attempt(ctx, method, route, payload, out, done, tries+1)
		}
		done(resetAt, remaining)
		return &APIError{Status: resp.StatusCode, Body: data}

	case resp.StatusCode == http.StatusUnauthorized:
		done(resetAt, remaining)
		return errors.Wrap(ErrUnauthorized, method+" "+route)

	case resp.StatusCode >= 400:
		done(resetAt, remaining)
		return &APIError{Status: resp.StatusCode, Body: data}
	}

	done(resetAt, remaining)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrap(err, "rest: decode response")
		}
	}
	return nil
}

// parseRateHeaders extracts the bucket window from x-ratelimit-* headers.
// reset-after wins when present; otherwise the absolute reset is offset by
// the local round-trip midpoint to tolerate clock skew.
func parseRateHeaders(hd http.Header, sentAt time.Time) (time.Time, int) {
	resetAt := time.Time{}
	remaining := -1

	if v := hd.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	if v := hd.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			resetAt = time.Now().Add(time.Duration(secs * float64(time.Second)))
		}
	} else if v := hd.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseFloat(v, 64); err == nil {
			serverNow := sentAt.Add(time.Since(sentAt) / 2)
			offset := time.Since(serverNow)
			resetAt = time.Unix(0, int64(unix*float64(time.Second))).Add(offset)
		}
	}
	return resetAt, remaining
}

// GetGatewayBot probes /gateway/bot, deduplicating concurrent callers and
// caching the result for the life of the handler. Bot tokens are mandatory.
func (h *Handler) GetGatewayBot(ctx context.Context) (*types.GatewayBot, error) {
	h.mu.Lock()
	cached := h.gatewayBot
	h.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	v, err, _ := h.gatewayGroup.Do("gateway/bot", func() (interface{}, error) {
		if !h.token.IsBot() {
			return nil, errors.New("rest: /gateway/bot requires a Bot token")
		}
		var gb types.GatewayBot
		if err := h.Request(ctx, http.MethodGet, "/gateway/bot", nil, &gb); err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.gatewayBot = &gb
		h.mu.Unlock()
		return &gb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.GatewayBot), nil
}
