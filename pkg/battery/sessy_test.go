package battery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/battwise/battwise/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessyGetPowerStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/power/status", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "user", user)
		require.Equal(t, "secret", pass)
		w.Write([]byte(`{
			"status": "ok",
			"sessy": {
				"state_of_charge": 0.42,
				"power": -1500,
				"power_setpoint": -1500,
				"system_state": "SYSTEM_STATE_RUNNING_SAFE"
			}
		}`))
	}))
	defer srv.Close()

	s, err := NewSessy(srv.URL, "user", "secret", testSpec(), time.Second)
	require.NoError(t, err)

	ps, err := s.GetPowerStatus(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.42, ps.StateOfCharge, 0.001)
	assert.InDelta(t, -1500, ps.PowerW, 0.001)
	assert.Equal(t, types.SystemStateStandby, ps.State)
}

func TestSessyFullAndEmptyStates(t *testing.T) {
	assert.Equal(t, types.SystemStateFull, sessyState("SYSTEM_STATE_RUNNING_SAFE", 1))
	assert.Equal(t, types.SystemStateEmpty, sessyState("SYSTEM_STATE_RUNNING_SAFE", 0))
	assert.Equal(t, types.SystemStateFull, sessyState("SYSTEM_STATE_BATTERY_FULL", 0.99))
	assert.Equal(t, types.SystemStateError, sessyState("SYSTEM_STATE_ERROR", 0.5))
	assert.Equal(t, types.SystemStateUnknown, sessyState("SYSTEM_STATE_WAITING_FOR_PERIPHERALS", 0.5))
}

func TestSessySetPowerSetpoint(t *testing.T) {
	var got sessySetpointRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/power/setpoint", r.URL.Path)
		require.Equal(t, "POST", r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	s, err := NewSessy(srv.URL, "", "", testSpec(), time.Second)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.SetPowerSetpoint(ctx, -1500))
	assert.Equal(t, -1500, got.Setpoint)

	// clamped to the 2 kW charge limit
	require.NoError(t, s.SetPowerSetpoint(ctx, -9999))
	assert.Equal(t, -2000, got.Setpoint)
}

func TestSessyRetriesTransientFailures(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok","sessy":{"state_of_charge":0.5,"power":0,"system_state":"SYSTEM_STATE_STANDBY"}}`))
	}))
	defer srv.Close()

	s, err := NewSessy(srv.URL, "", "", testSpec(), time.Second)
	require.NoError(t, err)

	ps, err := s.GetPowerStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, types.SystemStateStandby, ps.State)
}
