package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rategate/pkg/throttler"
)

func newTestServer(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"serverTime": 1700000000000}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestClient(t *testing.T, baseURL string, limits []throttler.RateLimit) *Client {
	t.Helper()
	reg, err := throttler.NewRegistry(limits)
	require.NoError(t, err)

	th := throttler.New(reg, throttler.WithRetryInterval(5*time.Millisecond))
	client, err := NewClient(DefaultConfig(baseURL), th, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := NewClient(&Config{BaseURL: "not a url", Timeout: time.Second}, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestClient_Get(t *testing.T) {
	srv, hits := newTestServer(t)
	client := newTestClient(t, srv.URL, []throttler.RateLimit{
		{ID: "time", Limit: 10, Interval: time.Second},
	})

	resp, err := client.Get(context.Background(), "/time", "time", nil)
	require.NoError(t, err)

	assert.True(t, resp.IsSuccess())
	assert.Equal(t, int64(1), hits.Load())

	var body struct {
		ServerTime int64 `json:"serverTime"`
	}
	require.NoError(t, resp.Unmarshal(&body))
	assert.Equal(t, int64(1700000000000), body.ServerTime)
}

func TestClient_ThrottlesRequests(t *testing.T) {
	srv, hits := newTestServer(t)
	client := newTestClient(t, srv.URL, []throttler.RateLimit{
		{ID: "tight", Limit: 2, Interval: 100 * time.Millisecond},
	})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := client.Get(ctx, "/x", "tight", nil)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	// The third request waits for the first window to expire.
	assert.Equal(t, int64(3), hits.Load())
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Equal(t, int64(1), client.Throttler().Metrics().Waited)
}

func TestClient_CancelledWhileWaiting(t *testing.T) {
	srv, hits := newTestServer(t)
	client := newTestClient(t, srv.URL, []throttler.RateLimit{
		{ID: "tight", Limit: 1, Interval: time.Hour},
	})

	_, err := client.Get(context.Background(), "/x", "tight", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.Get(ctx, "/x", "tight", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The second request never reached the server.
	assert.Equal(t, int64(1), hits.Load())
}

func TestClient_UnregisteredLimitBypasses(t *testing.T) {
	srv, hits := newTestServer(t)
	client := newTestClient(t, srv.URL, []throttler.RateLimit{
		{ID: "tight", Limit: 1, Interval: time.Hour},
	})

	for i := 0; i < 5; i++ {
		_, err := client.Get(context.Background(), "/x", "unregistered", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(5), hits.Load())
}

func TestClient_Post(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newTestClient(t, srv.URL, []throttler.RateLimit{
		{ID: "orders", Limit: 10, Interval: time.Second},
	})

	resp, err := client.Post(context.Background(), "/order", "orders", map[string]any{
		"symbol": "BTCUSDT",
		"side":   "BUY",
	})
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
}

func TestClient_Closed(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newTestClient(t, srv.URL, []throttler.RateLimit{
		{ID: "time", Limit: 10, Interval: time.Second},
	})

	require.NoError(t, client.Close())

	_, err := client.Get(context.Background(), "/time", "time", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestRequest_Chaining(t *testing.T) {
	req := NewRequest(http.MethodGet, "/depth").
		SetLimit("/depth", 50).
		SetQuery("symbol", "BTCUSDT").
		SetQuery("limit", "100")

	assert.Equal(t, "/depth", req.LimitID)
	assert.Equal(t, 50, req.Weight)
	assert.Equal(t, "BTCUSDT", req.Query["symbol"])
	assert.Equal(t, "100", req.Query["limit"])
}
