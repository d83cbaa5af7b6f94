package protocol

import (
	"strings"

	"github.com/srg/bar228/internal/device"
)

// Advertised identifiers of the BAR228 family.
const (
	NamePrefix  = "IDTBA228"
	ServiceUUID = "905e8e00-81e9-4796-9b75-b95cf5e30c0b"
	CompanyID   = uint16(0x0228)
)

// GATT characteristics of the vendor service.
const (
	CharControl1    = "905e8e01-81e9-4796-9b75-b95cf5e30c0b"
	CharControl2    = "905e8e02-81e9-4796-9b75-b95cf5e30c0b"
	CharControl3    = "905e8e03-81e9-4796-9b75-b95cf5e30c0b"
	CharMeasurement = "905e8e30-81e9-4796-9b75-b95cf5e30c0b"
	CharHistory     = "905e8e34-81e9-4796-9b75-b95cf5e30c0b"
	CharSettings    = "905e8e40-81e9-4796-9b75-b95cf5e30c0b"

	CharHardwareRevision = "2a27"
	CharFirmwareRevision = "2a26"
)

// NotifyCharacteristics are subscribed on every connected read; the device
// only starts streaming once all of them are enabled.
var NotifyCharacteristics = []string{CharControl1, CharControl2, CharControl3, CharMeasurement, CharHistory}

// DataCharacteristics carry measurement frames.
var DataCharacteristics = []string{CharMeasurement, CharHistory}

// IsDataCharacteristic reports whether frames from uuid should be decoded.
func IsDataCharacteristic(uuid string) bool {
	for _, c := range DataCharacteristics {
		if device.EqualUUID(c, uuid) {
			return true
		}
	}
	return false
}

// Matcher recognizes BAR228 advertisements, optionally restricted to one address.
type Matcher struct {
	Address string
}

// Match classifies adv with no address restriction.
func Match(adv device.Advertisement) (DeviceIdentity, bool) {
	return Matcher{}.Match(adv)
}

// Match returns the identity of a supported device, or false for any
// advertisement outside the known signature set.
func (m Matcher) Match(adv device.Advertisement) (DeviceIdentity, bool) {
	if adv == nil {
		return DeviceIdentity{}, false
	}
	if m.Address != "" && !strings.EqualFold(m.Address, adv.Addr()) {
		return DeviceIdentity{}, false
	}

	payload, hasMfg := AdvertisementPayload(adv)
	byName := strings.HasPrefix(adv.LocalName(), NamePrefix)
	byService := advertisesService(adv)
	if !byName && !byService && !hasMfg {
		return DeviceIdentity{}, false
	}

	id := DeviceIdentity{
		Address: adv.Addr(),
		Name:    adv.LocalName(),
		Variant: VariantGATT,
	}
	if byService {
		id.ServiceUUID = ServiceUUID
	}
	if hasMfg && len(payload) > 0 && IsKnownMarker(payload[0]) {
		id.Variant = VariantAdvertisement
	}
	return id, true
}

// AdvertisementPayload returns the manufacturer payload after the company
// identifier when the advertisement carries BAR228 manufacturer data.
func AdvertisementPayload(adv device.Advertisement) ([]byte, bool) {
	company, payload, err := device.SplitManufacturerData(adv.ManufacturerData())
	if err != nil || company != CompanyID {
		return nil, false
	}
	return payload, true
}

func advertisesService(adv device.Advertisement) bool {
	for _, s := range adv.Services() {
		if device.EqualUUID(s, ServiceUUID) {
			return true
		}
	}
	for _, sd := range adv.ServiceData() {
		if device.EqualUUID(sd.UUID, ServiceUUID) {
			return true
		}
	}
	return false
}
