package solar

import (
	"math"
	"time"
)

// solarConstant is extraterrestrial irradiance in W/m^2.
const solarConstant = 1361.0

// Estimator computes a deterministic clear-sky estimate of the site's solar
// output. It is an upper bound: clouds only reduce actual production, and
// the estimate is only used to decide whether solar is worth waiting for in
// a given slot.
type Estimator struct {
	path    string
	cfg     Config
	enabled bool
}

// NewEstimator returns an Estimator for the given site config.
func NewEstimator(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{cfg: cfg, enabled: true}, nil
}

// Enabled returns whether a panel config was loaded.
func (e *Estimator) Enabled() bool {
	return e.enabled
}

// EstimatePowerKW returns the estimated clear-sky output of all panels in kW
// at time t.
func (e *Estimator) EstimatePowerKW(t time.Time) float64 {
	if !e.enabled {
		return 0
	}

	elevation, azimuth := sunPosition(t, e.cfg.Latitude, e.cfg.Longitude)
	if elevation <= 0 {
		return 0
	}

	// Kasten-Young air mass with a simple atmospheric attenuation model
	airMass := 1 / (math.Sin(elevation) + 0.50572*math.Pow(6.07995+elevation*180/math.Pi, -1.6364))
	dni := solarConstant * math.Pow(0.7, math.Pow(airMass, 0.678))

	var totalKW float64
	for _, p := range e.cfg.Panels {
		incidence := incidenceFactor(elevation, azimuth, p.TiltDeg, p.AzimuthDeg)
		if incidence <= 0 {
			continue
		}
		// scale rated output by irradiance relative to the 1000 W/m^2
		// standard test condition
		totalKW += p.PeakKW * p.Efficiency * dni * incidence / 1000
	}
	return totalKW
}

// EstimateSlotKWH returns the estimated clear-sky energy produced over the
// slot starting at start. The slot is sampled at its midpoint.
func (e *Estimator) EstimateSlotKWH(start time.Time, duration time.Duration) float64 {
	if !e.enabled || duration <= 0 {
		return 0
	}
	mid := start.Add(duration / 2)
	return e.EstimatePowerKW(mid) * duration.Hours()
}

// sunPosition returns the sun's elevation and azimuth in radians at time t
// for the given coordinates. Azimuth is measured clockwise from north. The
// equation of time is ignored which puts solar noon off by a few minutes.
func sunPosition(t time.Time, latitudeDeg, longitudeDeg float64) (elevation, azimuth float64) {
	utc := t.UTC()
	day := float64(utc.YearDay())

	// solar declination
	decl := 23.45 * math.Pi / 180 * math.Sin(2*math.Pi*(284+day)/365)

	// local solar time from longitude
	solarHours := float64(utc.Hour()) + float64(utc.Minute())/60 + float64(utc.Second())/3600 + longitudeDeg/15
	hourAngle := (solarHours - 12) * 15 * math.Pi / 180

	lat := latitudeDeg * math.Pi / 180
	sinElev := math.Sin(lat)*math.Sin(decl) + math.Cos(lat)*math.Cos(decl)*math.Cos(hourAngle)
	elevation = math.Asin(sinElev)

	cosAz := (math.Sin(decl) - sinElev*math.Sin(lat)) / (math.Cos(elevation) * math.Cos(lat))
	cosAz = math.Max(-1, math.Min(1, cosAz))
	azimuth = math.Acos(cosAz)
	if hourAngle > 0 {
		azimuth = 2*math.Pi - azimuth
	}
	return elevation, azimuth
}

// incidenceFactor returns the cosine of the angle between the sun and the
// panel normal, clamped to zero when the sun is behind the panel.
func incidenceFactor(elevation, azimuth, tiltDeg, panelAzimuthDeg float64) float64 {
	tilt := tiltDeg * math.Pi / 180
	panelAz := panelAzimuthDeg * math.Pi / 180

	// unit vectors for the sun and the panel normal
	sunX := math.Cos(elevation) * math.Sin(azimuth)
	sunY := math.Cos(elevation) * math.Cos(azimuth)
	sunZ := math.Sin(elevation)

	normX := math.Sin(tilt) * math.Sin(panelAz)
	normY := math.Sin(tilt) * math.Cos(panelAz)
	normZ := math.Cos(tilt)

	dot := sunX*normX + sunY*normY + sunZ*normZ
	if dot < 0 {
		return 0
	}
	return dot
}
