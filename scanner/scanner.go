// Package scanner discovers BAR228 peripherals in range.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/internal/device"
	"github.com/srg/bar228/protocol"
)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type  DeviceEventType
	Entry DeviceEntry
}

// DeviceEntry is a matched peripheral as seen during a scan.
type DeviceEntry struct {
	Identity    protocol.DeviceIdentity `json:"identity"`
	RSSI        int                     `json:"rssi"`
	Connectable bool                    `json:"connectable"`
	FirstSeen   time.Time               `json:"first_seen"`
	LastSeen    time.Time               `json:"last_seen"`
	Seen        int                     `json:"seen"`
	// Reading is the latest advertisement payload decode, if any.
	Reading   *protocol.Reading `json:"reading,omitempty"`
	DecodeErr string            `json:"decode_error,omitempty"`
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration  time.Duration
	AllowList []string
	BlockList []string
	Decoder   protocol.Decoder
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
		Decoder:  protocol.Decoder{Battery: protocol.DefaultVoltageRange},
	}
}

// Scanner handles BAR228 discovery
type Scanner struct {
	platform device.Platform
	logger   *logrus.Logger
	now      func() time.Time

	mu      sync.Mutex
	devices *hashmap.Map[string, *DeviceEntry]
}

// NewScanner creates a new scanner on platform.
func NewScanner(platform device.Platform, logger *logrus.Logger) (*Scanner, error) {
	if platform == nil {
		return nil, fmt.Errorf("BLE platform is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		platform: platform,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Scan listens for opts.Duration (or until ctx is done) and returns every
// matched device, strongest signal first. onEvent may be nil.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, onEvent func(DeviceEvent)) ([]DeviceEntry, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if onEvent == nil {
		onEvent = func(DeviceEvent) {}
	}
	s.devices = hashmap.New[string, *DeviceEntry]()

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	filter := device.ScanFilter{Addresses: opts.AllowList, AllowDuplicates: true}
	err := s.platform.Scan(scanCtx, filter, func(adv device.Advertisement) {
		if ev, ok := s.handleAdvertisement(adv, opts); ok {
			onEvent(ev)
		}
	})
	if err != nil && scanCtx.Err() == nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	entries := s.snapshot()
	s.logger.WithField("device_count", len(entries)).Info("BLE scan completed")
	return entries, nil
}

func (s *Scanner) handleAdvertisement(adv device.Advertisement, opts *ScanOptions) (DeviceEvent, bool) {
	if isBlocked(adv.Addr(), opts.BlockList) {
		return DeviceEvent{}, false
	}
	id, ok := protocol.Match(adv)
	if !ok {
		return DeviceEvent{}, false
	}

	now := s.now()
	entry, existing := s.devices.GetOrInsert(strings.ToUpper(id.Address), &DeviceEntry{
		Identity:  id,
		FirstSeen: now,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.RSSI = adv.RSSI()
	entry.Connectable = adv.Connectable()
	entry.LastSeen = now
	entry.Seen++
	if entry.Identity.Name == "" {
		entry.Identity.Name = id.Name
	}
	if payload, ok := protocol.AdvertisementPayload(adv); ok && id.Variant == protocol.VariantAdvertisement {
		reading, err := opts.Decoder.Decode(payload, id)
		if err != nil {
			entry.DecodeErr = err.Error()
		} else {
			reading.Timestamp = now
			entry.Reading = &reading
			entry.DecodeErr = ""
		}
	}

	event := DeviceEvent{Type: EventUpdated, Entry: *entry}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  id.Name,
			"address": id.Address,
			"variant": id.Variant.String(),
			"rssi":    entry.RSSI,
		}).Info("Discovered new device")
	}
	return event, true
}

func (s *Scanner) snapshot() []DeviceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]DeviceEntry, 0, s.devices.Len())
	s.devices.Range(func(_ string, e *DeviceEntry) bool {
		entries = append(entries, *e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RSSI != entries[j].RSSI {
			return entries[i].RSSI > entries[j].RSSI
		}
		return entries[i].Identity.Address < entries[j].Identity.Address
	})
	return entries
}

func isBlocked(addr string, blockList []string) bool {
	for _, blocked := range blockList {
		if strings.EqualFold(addr, blocked) {
			return true
		}
	}
	return false
}
