package solar

import (
	"fmt"
	"os"

	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v3"
)

// Panel describes one string of panels with a shared orientation.
type Panel struct {
	Name string `yaml:"name"`

	// PeakKW is the rated output of the string under standard conditions.
	PeakKW float64 `yaml:"peak_kw"`

	// TiltDeg is the angle from horizontal, 0 is flat.
	TiltDeg float64 `yaml:"tilt_deg"`

	// AzimuthDeg is the compass direction the panels face, 180 is south.
	AzimuthDeg float64 `yaml:"azimuth_deg"`

	// Efficiency covers inverter and wiring losses, defaults to 0.85.
	Efficiency float64 `yaml:"efficiency"`
}

// Config describes the site's solar installation.
type Config struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Panels    []Panel `yaml:"panels"`
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read solar config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse solar config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude %f out of range", c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude %f out of range", c.Longitude)
	}
	for i := range c.Panels {
		p := &c.Panels[i]
		if p.PeakKW <= 0 {
			return fmt.Errorf("panel %d (%s) has no peak_kw", i, p.Name)
		}
		if p.Efficiency == 0 {
			p.Efficiency = 0.85
		}
		if p.Efficiency < 0 || p.Efficiency > 1 {
			return fmt.Errorf("panel %d (%s) efficiency %f out of range", i, p.Name, p.Efficiency)
		}
	}
	return nil
}

// Configured sets up flags for the solar estimator and returns the instance.
// A missing config path disables the estimator.
func Configured() *Estimator {
	e := new(Estimator)
	path := lflag.String("solar-config", "", "path to the YAML solar panel config (empty disables solar estimation)")

	lflag.Do(func() {
		e.path = *path
	})

	return e
}

// Init loads the configured panel config. Returns a disabled estimator when
// no config path was given.
func (e *Estimator) Init() error {
	if e.path == "" {
		return nil
	}
	cfg, err := LoadConfig(e.path)
	if err != nil {
		return err
	}
	e.cfg = cfg
	e.enabled = true
	return nil
}
