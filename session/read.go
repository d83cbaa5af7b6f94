package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/internal/device"
	"github.com/srg/bar228/protocol"
)

const deviceInfoTimeout = 5 * time.Second

type frame struct {
	uuid string
	data []byte
}

// read waits for the first measurement frame. Notifications are preferred;
// when no data characteristic can be subscribed the measurement
// characteristic is polled instead. Any traffic proves the link is alive;
// none within StaleGrace marks the connection stale.
func (s *Session) read(ctx context.Context, conn device.Connection, id protocol.DeviceIdentity) (protocol.Reading, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()

	frames := make(chan frame, 16)
	handler := func(uuid string, data []byte) {
		select {
		case frames <- frame{uuid: uuid, data: append([]byte(nil), data...)}:
		default:
			s.logger.WithField("char_uuid", uuid).Debug("Dropping notification, consumer busy")
		}
	}

	subscribed := 0
	for _, uuid := range protocol.NotifyCharacteristics {
		if err := conn.Subscribe(readCtx, uuid, handler); err != nil {
			s.logger.WithFields(logrus.Fields{
				"char_uuid": uuid,
				"error":     err,
			}).Debug("Subscribe failed")
			continue
		}
		if protocol.IsDataCharacteristic(uuid) {
			subscribed++
		}
	}

	var poll <-chan time.Time
	if subscribed == 0 {
		s.logger.WithField("address", id.Address).Debug("No data notifications available, polling measurement characteristic")
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
		if data, ok := s.poll(readCtx, conn); ok {
			frames <- frame{uuid: protocol.CharMeasurement, data: data}
		}
	}

	grace := time.NewTimer(s.opts.StaleGrace)
	defer grace.Stop()
	graceC := grace.C

	for {
		select {
		case f := <-frames:
			graceC = nil
			if !protocol.IsDataCharacteristic(f.uuid) || len(f.data) == 0 {
				s.logger.WithField("char_uuid", f.uuid).Debug("Ignoring non-measurement frame")
				continue
			}
			reading, err := s.opts.Decoder.Decode(f.data, id)
			if err != nil {
				return protocol.Reading{}, newError(KindDecode, Reading, err)
			}
			return reading, nil

		case <-poll:
			if data, ok := s.poll(readCtx, conn); ok {
				select {
				case frames <- frame{uuid: protocol.CharMeasurement, data: data}:
				default:
				}
			}

		case <-graceC:
			return protocol.Reading{}, newError(KindStaleConnection, Reading,
				errors.New("connected but no data within grace window"))

		case <-conn.Disconnected():
			return protocol.Reading{}, newError(KindDisconnected, Reading, device.ErrNotConnected)

		case <-readCtx.Done():
			if ctx.Err() != nil {
				return protocol.Reading{}, newError(KindCanceled, Reading, ctx.Err())
			}
			return protocol.Reading{}, newError(KindReadTimeout, Reading, readCtx.Err())
		}
	}
}

// poll reads the measurement characteristic once.
func (s *Session) poll(ctx context.Context, conn device.Connection) ([]byte, bool) {
	data, err := conn.Read(ctx, protocol.CharMeasurement)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"char_uuid": protocol.CharMeasurement,
			"error":     device.NormalizeError(err),
		}).Debug("Measurement read failed")
		return nil, false
	}
	return data, true
}

// readDeviceInfo fetches revision strings once per process; failures are ignored.
func (s *Session) readDeviceInfo(ctx context.Context, conn device.Connection) {
	s.mu.RLock()
	known := !s.info.Empty()
	s.mu.RUnlock()
	if !s.opts.ReadDeviceInfo || known {
		return
	}

	infoCtx, cancel := context.WithTimeout(ctx, min(deviceInfoTimeout, s.opts.ReadTimeout))
	defer cancel()

	var info protocol.DeviceInfo
	for uuid, dst := range map[string]*string{
		protocol.CharHardwareRevision: &info.HardwareRevision,
		protocol.CharFirmwareRevision: &info.FirmwareRevision,
	} {
		data, err := conn.Read(infoCtx, uuid)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"char_uuid": uuid,
				"error":     err,
			}).Debug("Device information unavailable")
			continue
		}
		*dst = strings.TrimRight(string(data), "\x00 ")
	}

	if info.Empty() {
		return
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"address":     conn.Address(),
		"hw_revision": info.HardwareRevision,
		"sw_revision": info.FirmwareRevision,
	}).Info("Device information read")
}
