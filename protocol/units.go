package protocol

import (
	"fmt"
	"math"
	"strings"
)

// RadonUnit selects how radon concentration is presented.
type RadonUnit string

const (
	RadonBecquerel RadonUnit = "bq/m3"
	RadonPicocurie RadonUnit = "pci/l"
)

// BqPerPCi is the number of Bq/m³ in one pCi/L.
const BqPerPCi = 37.0

const pascalPerInHg = 3386.389

// ParseRadonUnit accepts the canonical names and common spellings.
func ParseRadonUnit(s string) (RadonUnit, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "³", "3")) {
	case "", "bq/m3", "bq":
		return RadonBecquerel, nil
	case "pci/l", "pci":
		return RadonPicocurie, nil
	default:
		return "", fmt.Errorf("unknown radon unit %q (must be bq/m3 or pci/l)", s)
	}
}

// Label returns the display label.
func (u RadonUnit) Label() string {
	if u == RadonPicocurie {
		return "pCi/L"
	}
	return "Bq/m³"
}

// UnitPreference controls display units. Readings are always stored in SI.
type UnitPreference struct {
	Metric    bool      `yaml:"metric" json:"metric" default:"true"`
	RadonUnit RadonUnit `yaml:"radon_unit" json:"radon_unit" default:"bq/m3"`
}

// DefaultUnitPreference is metric with radon in Bq/m³.
func DefaultUnitPreference() UnitPreference {
	return UnitPreference{Metric: true, RadonUnit: RadonBecquerel}
}

// Temperature converts °C to the preferred unit and returns its label.
func (p UnitPreference) Temperature(c float64) (float64, string) {
	if p.Metric {
		return c, "°C"
	}
	return c*9/5 + 32, "°F"
}

// Pressure converts Pa to hPa or inHg.
func (p UnitPreference) Pressure(pa float64) (float64, string) {
	if p.Metric {
		return pa / 100, "hPa"
	}
	return pa / pascalPerInHg, "inHg"
}

// Radon converts Bq/m³ to the preferred radon unit.
func (p UnitPreference) Radon(bq float64) (float64, string) {
	if p.RadonUnit == RadonPicocurie {
		return bq / BqPerPCi, p.RadonUnit.Label()
	}
	return bq, RadonBecquerel.Label()
}

// SeaLevelPressure reduces station pressure (Pa) at elevation (m) to
// sea level using the hypsometric formula.
func SeaLevelPressure(pa, tempC, elevation float64) float64 {
	if elevation == 0 {
		return pa
	}
	h := 0.0065 * elevation
	return pa * math.Pow(1-h/(tempC+h+273.15), -5.257)
}

// VoltageRange maps battery voltage linearly onto 0-100 %.
type VoltageRange struct {
	Min float64 `yaml:"min" json:"min" default:"2.4"`
	Max float64 `yaml:"max" json:"max" default:"3.2"`
}

// DefaultVoltageRange matches the two AAA cells the device runs on.
var DefaultVoltageRange = VoltageRange{Min: 2.4, Max: 3.2}

// Validate checks the range is usable.
func (r VoltageRange) Validate() error {
	if r.Min <= 0 || r.Max <= r.Min {
		return fmt.Errorf("invalid battery voltage range %.2f-%.2f V", r.Min, r.Max)
	}
	return nil
}

// Percent returns the charge estimate for v, clamped to 0-100.
func (r VoltageRange) Percent(v float64) float64 {
	if r.Max <= r.Min {
		r = DefaultVoltageRange
	}
	pct := (v - r.Min) / (r.Max - r.Min) * 100
	return math.Round(math.Max(0, math.Min(100, pct)))
}
