package protocol

import (
	"math"
	"strconv"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Reading is one decoded measurement set. Absent fields are nil.
// Pressure is in Pa, temperature in °C, humidity in %RH, radon in Bq/m³.
type Reading struct {
	Timestamp      time.Time `json:"timestamp"`
	Layout         string    `json:"layout"`
	Temperature    *float64  `json:"temperature,omitempty"`
	Humidity       *float64  `json:"humidity,omitempty"`
	Pressure       *float64  `json:"pressure,omitempty"`
	RadonShort     *float64  `json:"radon_short,omitempty"`
	RadonLong      *float64  `json:"radon_long,omitempty"`
	Battery        *float64  `json:"battery,omitempty"`
	BatteryVoltage *float64  `json:"battery_voltage,omitempty"`
}

// Equal reports whether both readings carry identical measurements.
// Timestamps are ignored.
func (r Reading) Equal(o Reading) bool {
	return r.Layout == o.Layout &&
		equalOpt(r.Temperature, o.Temperature) &&
		equalOpt(r.Humidity, o.Humidity) &&
		equalOpt(r.Pressure, o.Pressure) &&
		equalOpt(r.RadonShort, o.RadonShort) &&
		equalOpt(r.RadonLong, o.RadonLong) &&
		equalOpt(r.Battery, o.Battery) &&
		equalOpt(r.BatteryVoltage, o.BatteryVoltage)
}

// IsEmpty reports whether no measurement is present.
func (r Reading) IsEmpty() bool {
	return r.Temperature == nil && r.Humidity == nil && r.Pressure == nil &&
		r.RadonShort == nil && r.RadonLong == nil && r.Battery == nil && r.BatteryVoltage == nil
}

func equalOpt(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Float64bits(*a) == math.Float64bits(*b)
}

// Value is a measurement converted for display.
type Value struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func (v Value) String() string {
	s := strconv.FormatFloat(v.Value, 'f', -1, 64)
	if v.Unit == "" {
		return s
	}
	return s + " " + v.Unit
}

// FieldsOptions tunes Fields output.
type FieldsOptions struct {
	Units     UnitPreference
	Elevation float64 // metres; adds sea_level_pressure when non-zero
}

// Fields returns the present measurements in display units, in a stable
// order suitable for JSON payloads and tables.
func (r Reading) Fields(opts FieldsOptions) *orderedmap.OrderedMap[string, Value] {
	out := orderedmap.New[string, Value]()

	if r.Temperature != nil {
		v, u := opts.Units.Temperature(*r.Temperature)
		out.Set(FieldTemperature.String(), Value{round(v, 1), u})
	}
	if r.Humidity != nil {
		out.Set(FieldHumidity.String(), Value{round(*r.Humidity, 1), "%"})
	}
	if r.Pressure != nil {
		v, u := opts.Units.Pressure(*r.Pressure)
		out.Set(FieldPressure.String(), Value{round(v, 2), u})
		if opts.Elevation != 0 && r.Temperature != nil {
			v, u = opts.Units.Pressure(SeaLevelPressure(*r.Pressure, *r.Temperature, opts.Elevation))
			out.Set("sea_level_pressure", Value{round(v, 2), u})
		}
	}
	if r.RadonShort != nil {
		v, u := opts.Units.Radon(*r.RadonShort)
		out.Set(FieldRadonShort.String(), Value{round(v, 2), u})
	}
	if r.RadonLong != nil {
		v, u := opts.Units.Radon(*r.RadonLong)
		out.Set(FieldRadonLong.String(), Value{round(v, 2), u})
	}
	if r.Battery != nil {
		out.Set(FieldBatteryPercent.String(), Value{*r.Battery, "%"})
	}
	if r.BatteryVoltage != nil {
		out.Set(FieldBatteryVoltage.String(), Value{round(*r.BatteryVoltage, 3), "V"})
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
