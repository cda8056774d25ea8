package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/battwise/battwise/pkg/common"
	"github.com/battwise/battwise/pkg/log"
	"github.com/battwise/battwise/pkg/types"

	"github.com/levenlabs/go-lflag"
)

// DayAhead implements Provider against a day-ahead market price API. The
// exchange publishes hourly prices for the next day around mid-afternoon,
// so one fetch covers up to 48 hours ahead.
type DayAhead struct {
	apiURL   string
	apiToken string
	area     string
	client   *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedPrices  []types.Price
}

// Configured sets up the day-ahead provider based on flags.
func Configured() *DayAhead {
	d := &DayAhead{
		client: common.HTTPClient(15 * time.Second),
	}
	apiURL := lflag.String("prices-api-url", "https://api.energy-charts.info/price", "URL for the day-ahead price API")
	apiToken := lflag.String("prices-api-token", "", "API token for the day-ahead price API (optional)")
	area := lflag.String("prices-bidding-zone", "NL", "Bidding zone to fetch prices for")

	lflag.Do(func() {
		d.apiURL = *apiURL
		d.apiToken = *apiToken
		d.area = *area
	})

	return d
}

// Validate ensures the configuration is valid.
func (d *DayAhead) Validate() error {
	if d.apiURL == "" {
		return fmt.Errorf("prices-api-url is required")
	}
	if _, err := url.Parse(d.apiURL); err != nil {
		return fmt.Errorf("failed to parse prices url (%s): %w", d.apiURL, err)
	}
	return nil
}

// dayAheadResponse is the JSON shape returned by the price API: parallel
// arrays of unix seconds and euros per MWh.
type dayAheadResponse struct {
	UnixSeconds []int64   `json:"unix_seconds"`
	Price       []float64 `json:"price"`
	Unit        string    `json:"unit"`
}

// GetDayAheadPrices returns a contiguous hourly series for [start, end).
// The raw response is cached for 5 minutes; gaps are carried forward.
func (d *DayAhead) GetDayAheadPrices(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	raw, err := d.fetchPrices(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no prices returned for %s to %s", start, end)
	}

	filled := FillGaps(raw, start, end)
	log.Ctx(ctx).DebugContext(
		ctx,
		"got day-ahead prices",
		slog.Int("raw", len(raw)),
		slog.Int("filled", len(filled)),
		slog.Time("start", start),
		slog.Time("end", end),
	)
	return filled, nil
}

// GetCurrentPrice returns the price covering the current hour.
func (d *DayAhead) GetCurrentPrice(ctx context.Context) (types.Price, error) {
	now := time.Now()
	prices, err := d.GetDayAheadPrices(ctx, now.Truncate(time.Hour), now.Truncate(time.Hour).Add(time.Hour))
	if err != nil {
		return types.Price{}, err
	}
	if len(prices) == 0 {
		return types.Price{}, fmt.Errorf("no price covering the current hour")
	}
	return prices[0], nil
}

// fetchPrices retrieves raw prices, caching the response per 5 minute block
// so the planning loop can refetch cheaply.
func (d *DayAhead) fetchPrices(ctx context.Context, start, end time.Time) ([]types.Price, error) {
	now := time.Now()

	d.mu.Lock()
	if !d.lastFetchTime.IsZero() && !now.Truncate(5*time.Minute).After(d.lastFetchTime) {
		cached := d.cachedPrices
		d.mu.Unlock()
		return sliceRange(cached, start, end), nil
	}
	d.mu.Unlock()

	u, err := url.Parse(d.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api url: %w", err)
	}
	params := url.Values{}
	params.Set("bzn", d.area)
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if d.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiToken)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching day-ahead prices", "url", u.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price api returned status: %d", resp.StatusCode)
	}

	var data dayAheadResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(data.UnixSeconds) != len(data.Price) {
		return nil, fmt.Errorf("price api returned %d timestamps for %d prices", len(data.UnixSeconds), len(data.Price))
	}

	prices := make([]types.Price, 0, len(data.Price))
	for i, ts := range data.UnixSeconds {
		t := time.Unix(ts, 0).UTC().Truncate(time.Hour)
		prices = append(prices, types.Price{
			Provider:    "dayahead_" + d.area,
			TSStart:     t,
			TSEnd:       t.Add(time.Hour),
			EurosPerKWH: data.Price[i] / 1000, // EUR/MWh to EUR/kWh
		})
	}

	d.mu.Lock()
	d.cachedPrices = prices
	d.lastFetchTime = now
	d.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "fetched day-ahead prices", slog.Int("count", len(prices)))
	return sliceRange(prices, start, end), nil
}

// sliceRange filters prices to those overlapping [start, end).
func sliceRange(prices []types.Price, start, end time.Time) []types.Price {
	var out []types.Price
	for _, p := range prices {
		if p.TSEnd.After(start) && p.TSStart.Before(end) {
			out = append(out, p)
		}
	}
	return out
}
