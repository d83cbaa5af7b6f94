package device

import (
	"encoding/binary"
	"fmt"
)

// SplitManufacturerData separates the Bluetooth SIG company identifier
// (first 2 bytes, little-endian) from the vendor payload.
func SplitManufacturerData(raw []byte) (uint16, []byte, error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("manufacturer data too short: %d bytes", len(raw))
	}
	return binary.LittleEndian.Uint16(raw[0:2]), raw[2:], nil
}
