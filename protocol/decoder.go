package protocol

import (
	"errors"
	"fmt"
)

// DecodeErrorKind distinguishes decode failures.
type DecodeErrorKind string

const (
	TooShort            DecodeErrorKind = "too_short"
	UnrecognizedVariant DecodeErrorKind = "unrecognized_variant"
)

// DecodeError is returned when a payload cannot be turned into a Reading.
type DecodeError struct {
	Kind   DecodeErrorKind
	Layout string
	Length int
	Need   int
	Marker int // -1 when the payload has no marker
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case TooShort:
		if e.Layout != "" {
			return fmt.Sprintf("payload too short for %s: %d bytes, need %d", e.Layout, e.Length, e.Need)
		}
		return fmt.Sprintf("payload too short: %d bytes, need %d", e.Length, e.Need)
	case UnrecognizedVariant:
		if e.Marker >= 0 {
			return fmt.Sprintf("unrecognized payload variant (marker 0x%02x)", e.Marker)
		}
		return "unrecognized payload variant"
	default:
		return string(e.Kind)
	}
}

// Is allows errors.Is to compare DecodeError values by Kind
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for decode failures
var (
	ErrTooShort            = &DecodeError{Kind: TooShort}
	ErrUnrecognizedVariant = &DecodeError{Kind: UnrecognizedVariant}
)

// IsDecodeError reports whether err is any DecodeError.
func IsDecodeError(err error) bool {
	var derr *DecodeError
	return errors.As(err, &derr)
}

// Decoder turns raw payloads into readings. The zero value uses
// DefaultVoltageRange for battery estimation.
type Decoder struct {
	Battery VoltageRange
}

// Decode decodes raw with the default decoder.
func Decode(raw []byte, id DeviceIdentity) (Reading, error) {
	return Decoder{}.Decode(raw, id)
}

// Decode selects the layout for id's variant (and the payload marker for
// advertisement payloads) and extracts every field it defines. Fields holding
// their sentinel are left nil. On error the returned Reading is the zero value.
// Timestamp is left for the caller to set.
func (d Decoder) Decode(raw []byte, id DeviceIdentity) (Reading, error) {
	candidates := layoutsFor(id.Variant)
	if len(candidates) == 0 {
		return Reading{}, &DecodeError{Kind: UnrecognizedVariant, Marker: -1}
	}

	if need := minLength(candidates); len(raw) < need {
		return Reading{}, &DecodeError{Kind: TooShort, Length: len(raw), Need: need, Marker: -1}
	}

	layout, ok := selectLayout(candidates, raw)
	if !ok {
		return Reading{}, &DecodeError{Kind: UnrecognizedVariant, Marker: int(raw[0])}
	}
	if len(raw) < layout.MinLength {
		return Reading{}, &DecodeError{Kind: TooShort, Layout: layout.Name, Length: len(raw), Need: layout.MinLength, Marker: -1}
	}

	return d.extract(layout, raw), nil
}

func (d Decoder) extract(layout Layout, raw []byte) Reading {
	r := Reading{Layout: layout.Name}
	for _, f := range layout.Fields {
		wire, v := f.value(raw)
		if wire == f.Sentinel {
			continue
		}
		val := v
		switch f.ID {
		case FieldTemperature:
			r.Temperature = &val
		case FieldHumidity:
			r.Humidity = &val
		case FieldPressure:
			r.Pressure = &val
		case FieldRadonShort:
			r.RadonShort = &val
		case FieldRadonLong:
			r.RadonLong = &val
		case FieldBatteryVoltage:
			r.BatteryVoltage = &val
		case FieldBatteryPercent:
			r.Battery = &val
		}
	}

	if r.Battery == nil && r.BatteryVoltage != nil {
		rng := d.Battery
		if rng.Validate() != nil {
			rng = DefaultVoltageRange
		}
		pct := rng.Percent(*r.BatteryVoltage)
		r.Battery = &pct
	}
	return r
}

func minLength(layouts []Layout) int {
	n := layouts[0].MinLength
	for _, l := range layouts[1:] {
		if l.MinLength < n {
			n = l.MinLength
		}
	}
	return n
}

func selectLayout(candidates []Layout, raw []byte) (Layout, bool) {
	if len(candidates) == 1 && candidates[0].Variant == VariantGATT {
		return candidates[0], true
	}
	for _, l := range candidates {
		if l.Marker == raw[0] {
			return l, true
		}
	}
	return Layout{}, false
}
