package testutils

import (
	"encoding/binary"

	"github.com/go-ble/ble"
	"github.com/srg/bar228/internal/device"
)

// Advertisement is a static device.Advertisement for tests.
type Advertisement struct {
	Name        string
	Address     string
	Rssi        int
	Mfg         []byte
	ServiceUUID []string
	SvcData     []device.ServiceData
	IsConnect   bool
}

func (a *Advertisement) LocalName() string                 { return a.Name }
func (a *Advertisement) ManufacturerData() []byte          { return a.Mfg }
func (a *Advertisement) ServiceData() []device.ServiceData { return a.SvcData }
func (a *Advertisement) Services() []string                { return a.ServiceUUID }
func (a *Advertisement) Connectable() bool                 { return a.IsConnect }
func (a *Advertisement) RSSI() int                         { return a.Rssi }
func (a *Advertisement) Addr() string                      { return a.Address }

// AdvertisementBuilder builds advertisements for testing.
// Build returns a plain device.Advertisement; BuildBLE returns a testify mock
// of ble.Advertisement with expectations only for explicitly set fields.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	serviceData map[string][]byte
	connectable bool

	// Track which fields were explicitly set
	nameSet        bool
	addressSet     bool
	rssiSet        bool
	servicesSet    bool
	manufDataSet   bool
	serviceDataSet bool
	connectableSet bool
}

// NewAdvertisementBuilder creates a builder that starts connectable.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		serviceData: make(map[string][]byte),
		connectable: true,
	}
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	b.nameSet = true
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	b.addressSet = true
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	b.rssiSet = true
	return b
}

// WithServices adds service UUIDs to the advertisement.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	b.servicesSet = true
	return b
}

// WithManufacturerData sets the raw manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	b.manufDataSet = true
	return b
}

// WithCompanyPayload sets manufacturer data to companyID (little-endian) followed by payload.
func (b *AdvertisementBuilder) WithCompanyPayload(companyID uint16, payload ...byte) *AdvertisementBuilder {
	data := make([]byte, 2, 2+len(payload))
	binary.LittleEndian.PutUint16(data, companyID)
	return b.WithManufacturerData(append(data, payload...))
}

// WithServiceData adds service-specific data for the given service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.serviceData[uuid] = data
	b.serviceDataSet = true
	return b
}

// WithConnectable sets whether the device accepts connections.
func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	b.connectableSet = true
	return b
}

// Build creates a static device.Advertisement.
func (b *AdvertisementBuilder) Build() device.Advertisement {
	adv := &Advertisement{
		Name:        b.name,
		Address:     b.address,
		Rssi:        b.rssi,
		Mfg:         b.manufData,
		ServiceUUID: b.services,
		IsConnect:   b.connectable,
	}
	for uuid, data := range b.serviceData {
		adv.SvcData = append(adv.SvcData, device.ServiceData{UUID: uuid, Data: data})
	}
	return adv
}

// BuildBLE creates a MockAdvertisement that implements ble.Advertisement.
func (b *AdvertisementBuilder) BuildBLE() *MockAdvertisement {
	adv := &MockAdvertisement{}

	var bleServices []ble.UUID
	for _, s := range b.services {
		bleServices = append(bleServices, ble.MustParse(s))
	}

	var bleServiceData []ble.ServiceData
	for uuid, data := range b.serviceData {
		bleServiceData = append(bleServiceData, ble.ServiceData{
			UUID: ble.MustParse(uuid),
			Data: data,
		})
	}

	if b.addressSet {
		addr := &MockAddr{}
		addr.On("String").Return(b.address)
		adv.On("Addr").Return(addr)
	}
	if b.nameSet {
		adv.On("LocalName").Return(b.name)
	}
	if b.rssiSet {
		adv.On("RSSI").Return(b.rssi)
	}
	if b.manufDataSet {
		adv.On("ManufacturerData").Return(b.manufData)
	}
	if b.serviceDataSet {
		adv.On("ServiceData").Return(bleServiceData)
	}
	if b.servicesSet {
		adv.On("Services").Return(bleServices)
	}
	if b.connectableSet {
		adv.On("Connectable").Return(b.connectable)
	}

	return adv
}

// BAR228 test fixtures
const (
	TestAddress      = "C4:7C:8D:6A:12:34"
	TestOtherAddress = "11:22:33:44:55:66"
	TestName         = "IDTBA228-1234"
)

// NewGATTAdvertisement is a name-only BAR228 advertisement.
func NewGATTAdvertisement(address string) device.Advertisement {
	return NewAdvertisementBuilder().WithAddress(address).WithName(TestName).WithRSSI(-60).Build()
}

// NewPayloadAdvertisement carries a BAR228 manufacturer payload.
func NewPayloadAdvertisement(address string, payload ...byte) device.Advertisement {
	return NewAdvertisementBuilder().
		WithAddress(address).
		WithName(TestName).
		WithRSSI(-60).
		WithCompanyPayload(0x0228, payload...).
		Build()
}

// GATTFrame returns a measurement frame with the given raw values.
func GATTFrame(tempDeci int16, humidity uint8, pressureDeciHPa uint16) []byte {
	frame := make([]byte, 10)
	frame[0] = 0x30
	binary.LittleEndian.PutUint16(frame[3:], uint16(tempDeci))
	frame[6] = humidity
	binary.LittleEndian.PutUint16(frame[8:], pressureDeciHPa)
	return frame
}
