package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/battwise/battwise/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreProvider(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random database for isolation
	randDB := fmt.Sprintf("test-db-%d", time.Now().UnixNano())
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  randDB,
		homeID:    "test-home",
	}

	ctx := context.Background()
	require.NoError(t, f.Validate())
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Prices", func(t *testing.T) {
		now := time.Now().Truncate(time.Second).UTC() // RFC3339 doc IDs are second precision
		p1 := types.Price{TSStart: now.Add(-1 * time.Hour), TSEnd: now, EurosPerKWH: 0.10, Provider: "test"}
		p2 := types.Price{TSStart: now, TSEnd: now.Add(time.Hour), EurosPerKWH: 0.12, Provider: "test"}

		require.NoError(t, f.UpsertPrice(ctx, p1, types.CurrentPriceHistoryVersion))
		require.NoError(t, f.UpsertPrice(ctx, p2, types.CurrentPriceHistoryVersion))

		prices, err := f.GetPriceHistory(ctx, now.Add(-2*time.Hour), now.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, prices, 2)
		assert.Equal(t, 0.10, prices[0].EurosPerKWH)
		assert.Equal(t, 0.12, prices[1].EurosPerKWH)

		latest, version, err := f.GetLatestPriceTime(ctx)
		require.NoError(t, err)
		assert.True(t, latest.Equal(now))
		assert.Equal(t, types.CurrentPriceHistoryVersion, version)
	})

	t.Run("SlotOutcomes", func(t *testing.T) {
		now := time.Now().Truncate(time.Second).UTC()
		o := types.SlotOutcome{
			Time:        now,
			Mode:        types.ModeCharging,
			EurosPerKWH: 0.08,
			BuyingEuros: 0.20,
		}
		require.NoError(t, f.AppendSlotOutcome(ctx, o, types.CurrentSlotOutcomeVersion))

		outcomes, err := f.GetSlotOutcomes(ctx, now.Add(-time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		assert.Equal(t, types.ModeCharging, outcomes[0].Mode)
		assert.Equal(t, 0.08, outcomes[0].EurosPerKWH)
	})

	t.Run("SlotOutcomeMissingTime", func(t *testing.T) {
		err := f.AppendSlotOutcome(ctx, types.SlotOutcome{}, types.CurrentSlotOutcomeVersion)
		assert.ErrorContains(t, err, "missing time")
	})

	t.Run("Consumption", func(t *testing.T) {
		hour := time.Now().Truncate(time.Hour).UTC()
		s := types.ConsumptionStats{TSHourStart: hour, HomeKWH: 1.4, TemperatureC: 12}
		require.NoError(t, f.UpsertConsumption(ctx, s, 1))

		stats, err := f.GetConsumptionHistory(ctx, hour.Add(-time.Hour), hour.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, stats, 1)
		assert.Equal(t, 1.4, stats[0].HomeKWH)
	})
}
