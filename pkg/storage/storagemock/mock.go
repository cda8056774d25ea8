package storagemock

import (
	"context"
	"time"

	"github.com/battwise/battwise/pkg/storage"
	"github.com/battwise/battwise/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) AppendSlotOutcome(ctx context.Context, outcome types.SlotOutcome, version int) error {
	args := m.Called(ctx, outcome, version)
	return args.Error(0)
}

func (m *MockDatabase) GetSlotOutcomes(ctx context.Context, start, end time.Time) ([]types.SlotOutcome, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.SlotOutcome), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertPrice(ctx context.Context, price types.Price, version int) error {
	args := m.Called(ctx, price, version)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Price), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestPriceTime(ctx context.Context) (time.Time, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(time.Time), args.Int(1), args.Error(2)
	}
	return time.Time{}, 0, nil
}

func (m *MockDatabase) UpsertConsumption(ctx context.Context, stats types.ConsumptionStats, version int) error {
	args := m.Called(ctx, stats, version)
	return args.Error(0)
}

func (m *MockDatabase) GetConsumptionHistory(ctx context.Context, start, end time.Time) ([]types.ConsumptionStats, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.ConsumptionStats), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
