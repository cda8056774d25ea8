package inverter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/battwise/battwise/pkg/log"
	"github.com/levenlabs/go-lflag"
	"github.com/simonvetter/modbus"
)

// sunspec register addresses for a single-inverter model 10x map
const (
	acPowerAddr        = 40083
	acPowerNumRegs     = 2 // value + scale factor
	defaultModbusPort  = 502
	defaultModbusUnit  = 1
	defaultReadTimeout = 2 * time.Second
)

// Inverter reads live AC output power from a solar inverter.
type Inverter interface {
	// GetACPower returns the inverter's current AC output in kW.
	GetACPower(ctx context.Context) (float64, error)
}

// SolarEdge implements Inverter for SolarEdge inverters over modbus TCP
// using the sunspec register map.
type SolarEdge struct {
	addr   string
	unitID uint8

	mu              sync.Mutex
	client          *modbus.ModbusClient
	shouldReconnect bool
}

// Configured sets up flags for the inverter and returns the instance. The
// returned inverter is disabled until an address is configured.
func Configured() *SolarEdge {
	s := &SolarEdge{shouldReconnect: true}
	addr := lflag.String("inverter-address", "", "host:port of the inverter's modbus TCP endpoint (empty disables the inverter)")
	unitID := defaultModbusUnit
	lflag.JSON(&unitID, "inverter-unit-id", unitID, "modbus unit id of the inverter")

	lflag.Do(func() {
		s.addr = *addr
		s.unitID = uint8(unitID)
	})

	return s
}

// NewSolarEdge returns a SolarEdge for the inverter at addr (host:port).
func NewSolarEdge(addr string, unitID uint8) *SolarEdge {
	return &SolarEdge{
		addr:            addr,
		unitID:          unitID,
		shouldReconnect: true,
	}
}

// Enabled returns whether an inverter address is configured.
func (s *SolarEdge) Enabled() bool {
	return s.addr != ""
}

// connect creates the modbus client and opens the connection. Must be called
// with s.mu held.
func (s *SolarEdge) connect() error {
	client, err := modbus.NewClient(&modbus.ClientConfiguration{
		URL:     fmt.Sprintf("tcp://%s", s.addr),
		Timeout: defaultReadTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create modbus client: %w", err)
	}
	if err := client.Open(); err != nil {
		return fmt.Errorf("failed to open modbus connection: %w", err)
	}
	if err := client.SetUnitId(s.unitID); err != nil {
		client.Close()
		return fmt.Errorf("failed to set modbus unit id: %w", err)
	}
	s.client = client
	return nil
}

// reconnectIfNecessary closes and reopens the connection after an error on a
// previous call. Must be called with s.mu held.
func (s *SolarEdge) reconnectIfNecessary(ctx context.Context) error {
	if !s.shouldReconnect {
		return nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	if err := s.connect(); err != nil {
		return err
	}
	s.shouldReconnect = false
	log.Ctx(ctx).InfoContext(ctx, "connected to inverter", slog.String("addr", s.addr))
	return nil
}

// GetACPower returns the inverter's current AC output in kW.
func (s *SolarEdge) GetACPower(ctx context.Context) (float64, error) {
	if !s.Enabled() {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reconnectIfNecessary(ctx); err != nil {
		return 0, err
	}

	regs, err := s.client.ReadRegisters(acPowerAddr, acPowerNumRegs, modbus.HOLDING_REGISTER)
	if err != nil {
		s.shouldReconnect = true
		return 0, fmt.Errorf("failed to read ac power: %w", err)
	}

	// value is a signed 16-bit register scaled by a signed power-of-ten
	// scale factor in the following register
	value := int16(regs[0])
	sf := int16(regs[1])
	watts := float64(value) * math.Pow10(int(sf))
	if watts < 0 {
		// inverters report small negative standby values at night
		watts = 0
	}

	kw := watts / 1000
	log.Ctx(ctx).DebugContext(ctx, "inverter ac power", slog.Float64("kw", kw))
	return kw, nil
}

// Close closes the modbus connection.
func (s *SolarEdge) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
