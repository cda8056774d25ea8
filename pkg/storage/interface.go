package storage

import (
	"context"
	"time"

	"github.com/battwise/battwise/pkg/types"
)

// Database defines the interface for persisting prices, outcomes, and
// consumption history.
type Database interface {
	// AppendSlotOutcome stores the realized result of a finished slot.
	AppendSlotOutcome(ctx context.Context, outcome types.SlotOutcome, version int) error
	GetSlotOutcomes(ctx context.Context, start, end time.Time) ([]types.SlotOutcome, error)

	// UpsertPrice adds or updates a price record.
	UpsertPrice(ctx context.Context, price types.Price, version int) error
	GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.Price, error)
	GetLatestPriceTime(ctx context.Context) (time.Time, int, error)

	// UpsertConsumption adds or updates an hourly consumption record.
	UpsertConsumption(ctx context.Context, stats types.ConsumptionStats, version int) error
	GetConsumptionHistory(ctx context.Context, start, end time.Time) ([]types.ConsumptionStats, error)

	// Lifecycle
	Close() error
}
