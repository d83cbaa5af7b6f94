// Package goble implements the device platform contract on top of
// github.com/go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/internal/device"
)

// Platform implements device.Platform and device.ConnectionReporter.
type Platform struct {
	dev    ble.Device
	logger *logrus.Logger

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewPlatform opens the host adapter through DeviceFactory.
func NewPlatform(logger *logrus.Logger) (*Platform, error) {
	if logger == nil {
		logger = logrus.New()
	}
	dev, err := DeviceFactory()
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	return &Platform{
		dev:    dev,
		logger: logger,
		conns:  make(map[string]*Connection),
	}, nil
}

// Scan listens until ctx is done. Context expiry is the normal way a scan
// ends and is not reported as an error.
func (p *Platform) Scan(ctx context.Context, filter device.ScanFilter, handler func(device.Advertisement)) error {
	bleHandler := func(adv ble.Advertisement) {
		a := NewBLEAdvertisement(adv)
		if filter.Accepts(a.Addr()) {
			handler(a)
		}
	}
	err := p.dev.Scan(ctx, filter.AllowDuplicates, bleHandler)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return NormalizeError(err)
}

// Connect dials address and discovers its GATT profile.
func (p *Platform) Connect(ctx context.Context, address string, timeout time.Duration) (device.Connection, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := p.dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		err = NormalizeError(err)
		if connCtx.Err() != nil && ctx.Err() == nil && !errors.Is(err, device.ErrTimeout) {
			err = fmt.Errorf("%w: %v", device.ErrTimeout, err)
		}
		p.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, err)
	}

	p.logger.WithField("address", address).Debug("Discovering services and characteristics...")
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			p.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	conn := newConnection(p, address, client, profile)
	p.mu.Lock()
	p.conns[strings.ToUpper(address)] = conn
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"address":         address,
		"services":        len(profile.Services),
		"characteristics": len(conn.chars),
	}).Info("BLE device connected successfully")
	return conn, nil
}

// ConnectedAddresses lists connections this platform handed out that have
// not been disconnected yet.
func (p *Platform) ConnectedAddresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.conns))
	for addr := range p.conns {
		out = append(out, addr)
	}
	return out
}

// Release force-disconnects address, bounded by ctx.
func (p *Platform) Release(ctx context.Context, address string) error {
	p.mu.Lock()
	conn, ok := p.conns[strings.ToUpper(address)]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- conn.Disconnect() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.forget(conn)
		return fmt.Errorf("release %s: %w", address, device.NormalizeError(ctx.Err()))
	}
}

func (p *Platform) forget(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToUpper(conn.address)
	if p.conns[key] == conn {
		delete(p.conns, key)
	}
}
