package protocol

import "encoding/binary"

// FieldID names a measurement a layout may carry.
type FieldID int

const (
	FieldTemperature FieldID = iota
	FieldHumidity
	FieldPressure
	FieldRadonShort
	FieldRadonLong
	FieldBatteryVoltage
	FieldBatteryPercent
)

var fieldNames = map[FieldID]string{
	FieldTemperature:    "temperature",
	FieldHumidity:       "humidity",
	FieldPressure:       "pressure",
	FieldRadonShort:     "radon_short",
	FieldRadonLong:      "radon_long",
	FieldBatteryVoltage: "battery_voltage",
	FieldBatteryPercent: "battery",
}

func (f FieldID) String() string {
	if n, ok := fieldNames[f]; ok {
		return n
	}
	return "unknown"
}

// FieldKind is the wire encoding of a field.
type FieldKind int

const (
	Uint8 FieldKind = iota
	Uint16LE
	Int16LE
)

// Size returns the number of bytes the kind occupies.
func (k FieldKind) Size() int {
	if k == Uint8 {
		return 1
	}
	return 2
}

// Field describes one value at a fixed offset. The decoded value is
// raw*Scale/Divisor, where a zero Scale or Divisor counts as 1. A raw value
// equal to Sentinel means "not measured".
type Field struct {
	ID       FieldID
	Offset   int
	Kind     FieldKind
	Scale    float64
	Divisor  float64
	Sentinel uint16
}

// value returns the unsigned wire value and the converted measurement.
func (f Field) value(b []byte) (uint16, float64) {
	var raw uint16
	var v float64
	switch f.Kind {
	case Uint8:
		raw = uint16(b[f.Offset])
		v = float64(raw)
	case Int16LE:
		raw = binary.LittleEndian.Uint16(b[f.Offset:])
		v = float64(int16(raw))
	default:
		raw = binary.LittleEndian.Uint16(b[f.Offset:])
		v = float64(raw)
	}
	if f.Scale != 0 {
		v *= f.Scale
	}
	if f.Divisor != 0 {
		v /= f.Divisor
	}
	return raw, v
}

// Layout is a data-only description of one payload format.
type Layout struct {
	Name      string
	Variant   Variant
	Marker    byte // compared to byte 0 for advertisement layouts
	MinLength int
	Fields    []Field
}

// Known layouts. GATT frames come from the measurement characteristic;
// advertisement layouts follow the company identifier in manufacturer data.
var (
	LayoutGATTFrame = Layout{
		Name:      "gatt-frame",
		Variant:   VariantGATT,
		MinLength: 10,
		Fields: []Field{
			{ID: FieldTemperature, Offset: 3, Kind: Int16LE, Divisor: 10, Sentinel: 0x7FFF},
			{ID: FieldHumidity, Offset: 6, Kind: Uint8, Sentinel: 0xFF},
			// hPa/10 on the wire, kept in Pa
			{ID: FieldPressure, Offset: 8, Kind: Uint16LE, Scale: 10, Sentinel: 0xFFFF},
		},
	}

	LayoutAdvV1 = Layout{
		Name:      "adv-v1",
		Variant:   VariantAdvertisement,
		Marker:    0x01,
		MinLength: 5,
		Fields: []Field{
			{ID: FieldTemperature, Offset: 1, Kind: Int16LE, Divisor: 10, Sentinel: 0x7FFF},
			{ID: FieldRadonShort, Offset: 3, Kind: Uint16LE, Sentinel: 0xFFFF},
		},
	}

	LayoutAdvV2 = Layout{
		Name:      "adv-v2",
		Variant:   VariantAdvertisement,
		Marker:    0x02,
		MinLength: 13,
		Fields: []Field{
			{ID: FieldTemperature, Offset: 1, Kind: Int16LE, Divisor: 100, Sentinel: 0x7FFF},
			{ID: FieldHumidity, Offset: 3, Kind: Uint8, Divisor: 2, Sentinel: 0xFF},
			{ID: FieldPressure, Offset: 4, Kind: Uint16LE, Scale: 10, Sentinel: 0xFFFF},
			{ID: FieldRadonShort, Offset: 6, Kind: Uint16LE, Sentinel: 0xFFFF},
			{ID: FieldRadonLong, Offset: 8, Kind: Uint16LE, Sentinel: 0xFFFF},
			{ID: FieldBatteryVoltage, Offset: 10, Kind: Uint16LE, Divisor: 1000, Sentinel: 0xFFFF},
			{ID: FieldBatteryPercent, Offset: 12, Kind: Uint8, Sentinel: 0xFF},
		},
	}
)

// Layouts lists every known layout.
var Layouts = []Layout{LayoutGATTFrame, LayoutAdvV1, LayoutAdvV2}

func layoutsFor(v Variant) []Layout {
	var out []Layout
	for _, l := range Layouts {
		if l.Variant == v {
			out = append(out, l)
		}
	}
	return out
}

// IsKnownMarker reports whether b selects an advertisement layout.
func IsKnownMarker(b byte) bool {
	for _, l := range layoutsFor(VariantAdvertisement) {
		if l.Marker == b {
			return true
		}
	}
	return false
}
