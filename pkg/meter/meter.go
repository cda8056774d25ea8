package meter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/battwise/battwise/pkg/common"
	"github.com/battwise/battwise/pkg/log"
	"github.com/levenlabs/go-lflag"
)

// Reading is a single measurement from the grid meter.
type Reading struct {
	Timestamp time.Time

	// PowerW is the net power at the grid connection in watts. Positive is
	// importing from the grid, negative is exporting.
	PowerW float64

	// TotalImportKWH and TotalExportKWH are the meter's lifetime counters.
	TotalImportKWH float64
	TotalExportKWH float64
}

// Meter reads live power at the grid connection.
type Meter interface {
	GetReading(ctx context.Context) (Reading, error)
}

// P1 implements Meter for a P1 dongle's local REST API, such as the
// HomeWizard P1 meter.
type P1 struct {
	client  *http.Client
	baseURL string

	mu          sync.Mutex
	lastReading Reading
}

// NewP1 returns a P1 for the dongle at addr.
func NewP1(addr string) *P1 {
	if addr != "" && !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &P1{
		client:  common.HTTPClient(10 * time.Second),
		baseURL: addr,
	}
}

// Configured sets up flags for the meter and returns the instance.
func Configured() *P1 {
	p := &P1{
		client: common.HTTPClient(10 * time.Second),
	}
	addr := lflag.String("meter-address", "", "address of the P1 meter dongle")

	lflag.Do(func() {
		if *addr != "" && !strings.Contains(*addr, "://") {
			*addr = "http://" + *addr
		}
		p.baseURL = *addr
	})

	return p
}

// Validate ensures the configuration is valid.
func (p *P1) Validate() error {
	if p.baseURL == "" {
		return fmt.Errorf("meter-address is required")
	}
	if _, err := url.Parse(p.baseURL); err != nil {
		return fmt.Errorf("failed to parse meter address (%s): %w", p.baseURL, err)
	}
	return nil
}

type p1Data struct {
	ActivePowerW   float64 `json:"active_power_w"`
	TotalImportKWH float64 `json:"total_power_import_kwh"`
	TotalExportKWH float64 `json:"total_power_export_kwh"`
}

// GetReading returns a live reading from the meter.
func (p *P1) GetReading(ctx context.Context) (Reading, error) {
	u, err := url.JoinPath(p.baseURL, "api/v1/data")
	if err != nil {
		return Reading{}, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return Reading{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("failed to read meter: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("meter returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reading{}, err
	}
	var data p1Data
	if err := json.Unmarshal(body, &data); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode meter response",
			slog.Any("error", err),
			slog.String("body", string(body)),
		)
		return Reading{}, err
	}

	r := Reading{
		Timestamp:      time.Now(),
		PowerW:         data.ActivePowerW,
		TotalImportKWH: data.TotalImportKWH,
		TotalExportKWH: data.TotalExportKWH,
	}

	p.mu.Lock()
	p.lastReading = r
	p.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "meter reading", slog.Float64("powerW", r.PowerW))
	return r, nil
}

// LastReading returns the most recent successful reading, if any.
func (p *P1) LastReading() (Reading, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReading, !p.lastReading.Timestamp.IsZero()
}
