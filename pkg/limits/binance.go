// Package limits ships the static rate-limit tables connectors register
// with a throttler, plus loading of externally supplied tables. Tables are
// plain data: pool limits shared across endpoints and per-endpoint limits
// linked to them.
package limits

import (
	"time"

	"rategate/pkg/throttler"
)

// Binance pool limit IDs shared across endpoints.
const (
	BinanceRawRequests   = "binance:raw-requests"
	BinanceRequestWeight = "binance:request-weight"
	BinanceOrders        = "binance:orders"
	BinanceOrders24h     = "binance:orders-24h"
)

// Binance per-endpoint limit IDs. The endpoint path is the limit ID a
// connector passes when acquiring admission.
const (
	BinancePing        = "/api/v3/ping"
	BinanceExchangeInfo = "/api/v3/exchangeInfo"
	BinanceDepth       = "/api/v3/depth"
	BinanceKlines      = "/api/v3/klines"
	BinanceTicker24h   = "/api/v3/ticker/24hr"
	BinanceOrder       = "/api/v3/order"
	BinanceOpenOrders  = "/api/v3/openOrders"
	BinanceAccount     = "/api/v3/account"
)

// Binance returns the spot API rate-limit table. Every endpoint draws from
// the raw-request and request-weight pools; order placement additionally
// draws from the order pools.
func Binance() []throttler.RateLimit {
	return []throttler.RateLimit{
		{ID: BinanceRawRequests, Limit: 61000, Interval: 5 * time.Minute},
		{ID: BinanceRequestWeight, Limit: 6000, Interval: time.Minute},
		{ID: BinanceOrders, Limit: 100, Interval: 10 * time.Second},
		{ID: BinanceOrders24h, Limit: 200000, Interval: 24 * time.Hour},

		{ID: BinancePing, Limit: 6000, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BinanceRawRequests, Weight: 1},
			{ID: BinanceRequestWeight, Weight: 1},
		}},
		{ID: BinanceExchangeInfo, Limit: 6000, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BinanceRawRequests, Weight: 1},
			{ID: BinanceRequestWeight, Weight: 20},
		}},
		{ID: BinanceDepth, Limit: 6000, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BinanceRawRequests, Weight: 1},
			{ID: BinanceRequestWeight, Weight: 50},
		}},
		{ID: BinanceKlines, Limit: 6000, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BinanceRawRequests, Weight: 1},
			{ID: BinanceRequestWeight, Weight: 2},
		}},
		{ID: BinanceTicker24h, Limit: 6000, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BinanceRawRequests, Weight: 1},
			{ID: BinanceRequestWeight, Weight: 40},
		}},
		{ID: BinanceOrder, Limit: 6000, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BinanceRawRequests, Weight: 1},
			{ID: BinanceRequestWeight, Weight: 1},
			{ID: BinanceOrders, Weight: 1},
			{ID: BinanceOrders24h, Weight: 1},
		}},
		{ID: BinanceOpenOrders, Limit: 6000, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BinanceRawRequests, Weight: 1},
			{ID: BinanceRequestWeight, Weight: 6},
		}},
		{ID: BinanceAccount, Limit: 6000, Interval: time.Minute, Linked: []throttler.LinkedLimit{
			{ID: BinanceRawRequests, Weight: 1},
			{ID: BinanceRequestWeight, Weight: 20},
		}},
	}
}
