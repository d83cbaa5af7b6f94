package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/internal/device"
	"github.com/srg/bar228/internal/groutine"
)

// Connection is a live GATT connection implementing device.Connection.
type Connection struct {
	platform *Platform
	address  string
	client   ble.Client
	logger   *logrus.Logger

	// chars is keyed by normalized characteristic UUID
	chars map[string]*ble.Characteristic

	mu           sync.Mutex
	subscribed   []*ble.Characteristic
	closed       bool
	disconnected chan struct{}
	dropOnce     sync.Once
}

func newConnection(p *Platform, address string, client ble.Client, profile *ble.Profile) *Connection {
	c := &Connection{
		platform:     p,
		address:      address,
		client:       client,
		logger:       p.logger,
		chars:        make(map[string]*ble.Characteristic),
		disconnected: make(chan struct{}),
	}
	for _, svc := range profile.Services {
		for _, ch := range svc.Characteristics {
			c.chars[device.NormalizeUUID(ch.UUID.String())] = ch
		}
	}

	// CoreBluetooth and the HCI backend both report link loss on this channel
	if mon, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
			select {
			case <-mon.Disconnected():
				c.logger.WithField("address", address).Warn("Platform reported disconnection")
				c.drop()
				p.forget(c)
			case <-c.disconnected:
			}
		})
	} else {
		c.logger.Debug("Client does not support Disconnected() channel")
	}
	return c
}

func (c *Connection) Address() string { return c.address }

func (c *Connection) lookup(uuid string) (*ble.Characteristic, error) {
	ch, ok := c.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return ch, nil
}

// Read reads a characteristic value. go-ble reads are not cancellable, so
// an abandoned read finishes in the background.
func (c *Connection) Read(ctx context.Context, uuid string) ([]byte, error) {
	ch, err := c.lookup(uuid)
	if err != nil {
		return nil, err
	}
	if ch.Property&ble.CharRead == 0 {
		return nil, fmt.Errorf("characteristic %s is not readable: %w", uuid, device.ErrUnsupported)
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	groutine.Go(ctx, "ble-read", func(context.Context) {
		data, err := c.client.ReadCharacteristic(ch)
		done <- result{data, err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("read %s: %w", uuid, NormalizeError(r.err))
		}
		return r.data, nil
	case <-c.disconnected:
		return nil, device.ErrNotConnected
	case <-ctx.Done():
		return nil, device.NormalizeError(ctx.Err())
	}
}

// Subscribe enables notifications, or indications when the characteristic
// only supports those.
func (c *Connection) Subscribe(_ context.Context, uuid string, handler device.NotificationHandler) error {
	ch, err := c.lookup(uuid)
	if err != nil {
		return err
	}
	if ch.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %s: %w", uuid, device.ErrUnsupported)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return device.ErrNotConnected
	}
	c.mu.Unlock()

	indicate := ch.Property&ble.CharNotify == 0
	if err := c.client.Subscribe(ch, indicate, func(data []byte) {
		handler(uuid, data)
	}); err != nil {
		c.logger.WithFields(logrus.Fields{
			"char_uuid": uuid,
			"error":     err,
		}).Error("Failed to subscribe to characteristic notifications")
		return fmt.Errorf("subscribe %s: %w", uuid, NormalizeError(err))
	}

	c.mu.Lock()
	c.subscribed = append(c.subscribed, ch)
	c.mu.Unlock()

	c.logger.WithField("char_uuid", uuid).Debug("Subscribed to characteristic notifications")
	return nil
}

func (c *Connection) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *Connection) drop() {
	c.dropOnce.Do(func() { close(c.disconnected) })
}

// Disconnect unsubscribes and cancels the connection. Later calls are no-ops.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("Disconnect called but already disconnected")
		return nil
	}
	c.closed = true
	subscribed := c.subscribed
	c.subscribed = nil
	c.mu.Unlock()

	c.logger.WithField("address", c.address).Info("Disconnecting BLE device...")

	var unsubscribeErrors []string
	for _, ch := range subscribed {
		indicate := ch.Property&ble.CharNotify == 0
		if err := c.client.Unsubscribe(ch, indicate); err != nil {
			unsubscribeErrors = append(unsubscribeErrors, fmt.Sprintf("%s: %v", ch.UUID.String(), NormalizeError(err)))
		}
	}
	if len(unsubscribeErrors) > 0 {
		c.logger.WithField("errors", strings.Join(unsubscribeErrors, "; ")).Warn("Failed to unsubscribe from some characteristics during disconnect")
	}

	err := c.client.CancelConnection()
	c.drop()
	c.platform.forget(c)

	if err != nil {
		c.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	c.logger.Info("BLE device disconnected successfully")
	return nil
}
