package battery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/battwise/battwise/pkg/common"
	"github.com/battwise/battwise/pkg/log"
	"github.com/battwise/battwise/pkg/types"
	"github.com/google/uuid"
)

// sessyMaxAttempts bounds the retries against the dongle's local API. The
// wifi link to the dongle drops requests regularly so a single attempt is
// not enough in practice.
const sessyMaxAttempts = 10

const sessyRetryDelay = 250 * time.Millisecond

// Sessy implements the System interface for a Sessy home battery. It talks
// to the local REST API exposed by the battery's dongle.
type Sessy struct {
	id       uuid.UUID
	client   *http.Client
	baseURL  string
	username string
	password string
	spec     types.BatterySpec
}

// NewSessy returns a Sessy for the dongle at addr. The address can be a bare
// host or a full http URL.
func NewSessy(addr, username, password string, spec types.BatterySpec, timeout time.Duration) (*Sessy, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address (%s): %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sessy{
		id:       uuid.New(),
		client:   common.HTTPClient(timeout),
		baseURL:  u.String(),
		username: username,
		password: password,
		spec:     spec,
	}, nil
}

// ID returns a unique identifier for this battery.
func (s *Sessy) ID() uuid.UUID {
	return s.id
}

// Spec returns the battery's capacity and rate characteristics.
func (s *Sessy) Spec() types.BatterySpec {
	return s.spec
}

type sessyPowerStatus struct {
	Status string `json:"status"`
	Sessy  struct {
		StateOfCharge float64 `json:"state_of_charge"`
		Power         float64 `json:"power"`
		PowerSetpoint float64 `json:"power_setpoint"`
		SystemState   string  `json:"system_state"`
	} `json:"sessy"`
}

type sessySetpointRequest struct {
	Setpoint int `json:"setpoint"`
}

// GetPowerStatus returns a live reading from the battery.
func (s *Sessy) GetPowerStatus(ctx context.Context) (types.PowerStatus, error) {
	var res sessyPowerStatus
	if err := s.doRequest(ctx, "GET", "api/v1/power/status", nil, &res); err != nil {
		return types.PowerStatus{}, fmt.Errorf("failed to get power status: %w", err)
	}

	ps := types.PowerStatus{
		Timestamp:     time.Now(),
		StateOfCharge: res.Sessy.StateOfCharge,
		PowerW:        res.Sessy.Power,
		State:         sessyState(res.Sessy.SystemState, res.Sessy.StateOfCharge),
	}
	log.Ctx(ctx).DebugContext(ctx, "sessy power status",
		slog.String("battery", s.id.String()),
		slog.Float64("soc", ps.StateOfCharge),
		slog.Float64("powerW", ps.PowerW),
		slog.String("state", ps.State.String()),
	)
	return ps, nil
}

// SetPowerSetpoint sets the battery's power in watts. Negative charges,
// positive discharges. The value is clamped to the battery's rated limits.
func (s *Sessy) SetPowerSetpoint(ctx context.Context, watts float64) error {
	maxCharge := s.spec.MaxChargeRateKW * 1000
	maxDischarge := s.spec.MaxDischargeRateKW * 1000
	watts = math.Max(-maxCharge, math.Min(maxDischarge, watts))

	log.Ctx(ctx).DebugContext(ctx, "setting sessy power setpoint",
		slog.String("battery", s.id.String()),
		slog.Float64("watts", watts),
	)
	data := sessySetpointRequest{Setpoint: int(math.Round(watts))}
	if err := s.doRequest(ctx, "POST", "api/v1/power/setpoint", data, nil); err != nil {
		return fmt.Errorf("failed to set power setpoint: %w", err)
	}
	return nil
}

// doRequest performs a request against the dongle, retrying transient
// failures up to sessyMaxAttempts times.
func (s *Sessy) doRequest(ctx context.Context, method, endpoint string, data, dest interface{}) error {
	u, err := url.JoinPath(s.baseURL, endpoint)
	if err != nil {
		return err
	}

	var body []byte
	if data != nil {
		body, err = json.Marshal(data)
		if err != nil {
			return err
		}
	}

	var lastErr error
	for i := 0; i < sessyMaxAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sessyRetryDelay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if s.username != "" {
			req.SetBasicAuth(s.username, s.password)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			log.Ctx(ctx).DebugContext(ctx, "sessy request failed, retrying",
				slog.String("endpoint", endpoint),
				slog.Int("attempt", i+1),
				slog.Any("error", err),
			)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("unauthorized, check battery-username and battery-password")
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			continue
		}

		if dest != nil {
			if err := json.Unmarshal(respBody, dest); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to decode sessy response",
					slog.Any("error", err),
					slog.String("body", string(respBody)),
				)
				return err
			}
		}
		return nil
	}
	log.Ctx(ctx).ErrorContext(ctx, "sessy request exhausted retries",
		slog.String("endpoint", endpoint),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("request failed after %d attempts: %w", sessyMaxAttempts, lastErr)
}

// sessyState maps the dongle's system_state string onto a SystemState. The
// dongle doesn't report full/empty directly so those are derived from the
// state of charge.
func sessyState(state string, soc float64) types.SystemState {
	switch state {
	case "SYSTEM_STATE_STANDBY":
		return types.SystemStateStandby
	case "SYSTEM_STATE_RUNNING_SAFE":
		if soc >= 0.999 {
			return types.SystemStateFull
		}
		if soc <= 0.001 {
			return types.SystemStateEmpty
		}
		return types.SystemStateStandby
	case "SYSTEM_STATE_ERROR":
		return types.SystemStateError
	case "SYSTEM_STATE_BATTERY_FULL":
		return types.SystemStateFull
	case "SYSTEM_STATE_BATTERY_EMPTY":
		return types.SystemStateEmpty
	}
	return types.SystemStateUnknown
}
