package prices

import (
	"context"
	"time"

	"github.com/battwise/battwise/pkg/types"
)

// Provider defines the interface for fetching day-ahead energy prices.
type Provider interface {
	// GetDayAheadPrices returns ordered prices covering [start, end). Small
	// gaps are filled by carrying the last known price forward; a fetch only
	// fails when the source is unreachable or returns nothing at all.
	GetDayAheadPrices(ctx context.Context, start, end time.Time) ([]types.Price, error)

	// GetCurrentPrice returns the price for the period covering now.
	GetCurrentPrice(ctx context.Context) (types.Price, error)
}
