package limits

import (
	"time"

	"rategate/pkg/throttler"
)

// Bybit pool limit IDs shared across endpoints.
const (
	// BybitIPTokens models the per-IP allowance: requests consume tokens
	// that refill continuously, so it is a decay pool rather than a window.
	BybitIPTokens = "bybit:ip-tokens"
	BybitOrders   = "bybit:orders"
)

// Bybit per-endpoint limit IDs.
const (
	BybitServerTime  = "/v5/market/time"
	BybitOrderBook   = "/v5/market/orderbook"
	BybitTickers     = "/v5/market/tickers"
	BybitCreateOrder = "/v5/order/create"
	BybitCancelOrder = "/v5/order/cancel"
	BybitWallet      = "/v5/account/wallet-balance"
)

// Bybit returns the v5 API rate-limit table. The per-IP allowance is 120
// requests per 5 seconds, modeled as a token pool draining at 24 per
// second; order endpoints additionally draw from a 10-per-second pool.
func Bybit() []throttler.RateLimit {
	return []throttler.RateLimit{
		{ID: BybitIPTokens, Limit: 120, Type: throttler.Decay, DecayRate: 24},
		{ID: BybitOrders, Limit: 10, Interval: time.Second},

		{ID: BybitServerTime, Limit: 600, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BybitIPTokens, Weight: 1},
		}},
		{ID: BybitOrderBook, Limit: 600, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BybitIPTokens, Weight: 1},
		}},
		{ID: BybitTickers, Limit: 600, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BybitIPTokens, Weight: 1},
		}},
		{ID: BybitCreateOrder, Limit: 10, Interval: time.Second, Linked: []throttler.LinkedLimit{
			{ID: BybitIPTokens, Weight: 1},
			{ID: BybitOrders, Weight: 1},
		}},
		{ID: BybitCancelOrder, Limit: 10, Interval: time.Second, Linked: []throttler.LinkedLimit{
			{ID: BybitIPTokens, Weight: 1},
			{ID: BybitOrders, Weight: 1},
		}},
		{ID: BybitWallet, Limit: 600, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BybitIPTokens, Weight: 1},
		}},
	}
}
