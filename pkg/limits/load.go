package limits

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"rategate/pkg/throttler"
)

// Load parses a JSON array of rate-limit definitions. Each record is
// validated individually so a bad entry is reported with its position;
// cross-record invariants are checked when the table is handed to
// throttler.NewRegistry.
func Load(data []byte) ([]throttler.RateLimit, error) {
	var limits []throttler.RateLimit
	if err := sonic.Unmarshal(data, &limits); err != nil {
		return nil, fmt.Errorf("parse limit table: %w", err)
	}
	for i := range limits {
		if limits[i].Weight == 0 {
			limits[i].Weight = 1
		}
		if err := limits[i].Validate(); err != nil {
			return nil, fmt.Errorf("limit table entry %d: %w", i, err)
		}
	}
	return limits, nil
}

// Dump serializes a rate-limit table to JSON.
func Dump(limits []throttler.RateLimit) ([]byte, error) {
	data, err := sonic.Marshal(limits)
	if err != nil {
		return nil, fmt.Errorf("dump limit table: %w", err)
	}
	return data, nil
}

// Registry builds a validated registry for a named exchange table.
// Known names are "binance" and "bybit".
func Registry(exchange string) (*throttler.Registry, error) {
	switch strings.ToLower(exchange) {
	case "binance":
		return throttler.NewRegistry(Binance())
	case "bybit":
		return throttler.NewRegistry(Bybit())
	default:
		return nil, fmt.Errorf("no limit table for exchange %q", exchange)
	}
}
