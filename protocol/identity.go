// Package protocol recognizes BAR228 peripherals and decodes their
// proprietary advertisement and characteristic payloads into readings.
package protocol

import "fmt"

const (
	Manufacturer = "Oregon Scientific"
	Model        = "BAR228"
)

// Variant selects the payload family a device speaks.
type Variant int

const (
	VariantUnknown Variant = iota
	// VariantGATT devices expose measurements only over a connection.
	VariantGATT
	// VariantAdvertisement devices broadcast measurements in manufacturer data;
	// the layout is picked by the marker byte of the payload.
	VariantAdvertisement
)

func (v Variant) String() string {
	switch v {
	case VariantGATT:
		return "gatt"
	case VariantAdvertisement:
		return "advertisement"
	default:
		return "unknown"
	}
}

// ParseVariant accepts the names produced by Variant.String plus the short form "adv".
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "gatt":
		return VariantGATT, nil
	case "advertisement", "adv":
		return VariantAdvertisement, nil
	default:
		return VariantUnknown, fmt.Errorf("unknown variant %q (must be gatt or adv)", s)
	}
}

// DeviceIdentity is fixed once a peripheral has been matched.
type DeviceIdentity struct {
	Address     string  `json:"address"`
	Name        string  `json:"name,omitempty"`
	ServiceUUID string  `json:"service_uuid,omitempty"`
	Variant     Variant `json:"-"`
}

// String returns a short human-readable label.
func (id DeviceIdentity) String() string {
	if id.Name == "" {
		return id.Address
	}
	return fmt.Sprintf("%s (%s)", id.Name, id.Address)
}

// DeviceInfo holds revision strings read from the Device Information service.
type DeviceInfo struct {
	HardwareRevision string `json:"hw_version,omitempty"`
	FirmwareRevision string `json:"sw_version,omitempty"`
}

// Empty reports whether nothing was read.
func (i DeviceInfo) Empty() bool {
	return i.HardwareRevision == "" && i.FirmwareRevision == ""
}
