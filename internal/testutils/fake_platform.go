package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/srg/bar228/internal/device"
)

// ConnectResult scripts the outcome of one Connect call. A zero value
// succeeds with a fresh silent connection.
type ConnectResult struct {
	Err  error
	Hang bool // block until the context or timeout expires
	Conn *FakeConnection
}

// FakePlatform is a scripted device.Platform that also implements
// device.ConnectionReporter.
type FakePlatform struct {
	mu sync.Mutex

	Advertisements []device.Advertisement
	ScanErr        error
	// HangScan makes Scan deliver nothing until its context is done.
	HangScan bool

	connectScript []ConnectResult
	// DefaultConnect is used once the script is exhausted.
	DefaultConnect ConnectResult

	open      map[string]int
	orphans   map[string]bool
	scans     int
	connects  int
	released  []string
	conns     []*FakeConnection
	connectTo []string
}

// NewFakePlatform creates a platform that delivers advs on every scan.
func NewFakePlatform(advs ...device.Advertisement) *FakePlatform {
	return &FakePlatform{
		Advertisements: advs,
		open:           make(map[string]int),
		orphans:        make(map[string]bool),
	}
}

// ScriptConnect appends results consumed by successive Connect calls.
func (p *FakePlatform) ScriptConnect(results ...ConnectResult) *FakePlatform {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectScript = append(p.connectScript, results...)
	return p
}

// AddOrphan marks address as connected without any owner.
func (p *FakePlatform) AddOrphan(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orphans[strings.ToUpper(address)] = true
}

func (p *FakePlatform) Scan(ctx context.Context, filter device.ScanFilter, handler func(device.Advertisement)) error {
	p.mu.Lock()
	p.scans++
	advs := append([]device.Advertisement(nil), p.Advertisements...)
	scanErr := p.ScanErr
	hang := p.HangScan
	p.mu.Unlock()

	if scanErr != nil {
		return scanErr
	}
	if !hang {
		for _, adv := range advs {
			if ctx.Err() != nil {
				return nil
			}
			if filter.Accepts(adv.Addr()) {
				handler(adv)
			}
		}
	}
	<-ctx.Done()
	return nil
}

func (p *FakePlatform) Connect(ctx context.Context, address string, timeout time.Duration) (device.Connection, error) {
	p.mu.Lock()
	p.connects++
	p.connectTo = append(p.connectTo, address)
	res := p.DefaultConnect
	if len(p.connectScript) > 0 {
		res = p.connectScript[0]
		p.connectScript = p.connectScript[1:]
	}
	p.mu.Unlock()

	if res.Hang {
		connCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		<-connCtx.Done()
		return nil, fmt.Errorf("dial %s: %w", address, device.NormalizeError(connCtx.Err()))
	}
	if res.Err != nil {
		return nil, res.Err
	}

	conn := res.Conn
	if conn == nil {
		conn = NewFakeConnection()
	}
	conn.attach(p, address)

	p.mu.Lock()
	p.open[strings.ToUpper(address)]++
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	return conn, nil
}

func (p *FakePlatform) ConnectedAddresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for addr, n := range p.open {
		if n > 0 {
			out = append(out, addr)
		}
	}
	for addr := range p.orphans {
		if p.open[addr] == 0 {
			out = append(out, addr)
		}
	}
	return out
}

func (p *FakePlatform) Release(_ context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToUpper(address)
	p.released = append(p.released, address)
	delete(p.orphans, key)
	delete(p.open, key)
	return nil
}

func (p *FakePlatform) closed(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToUpper(address)
	if p.open[key] > 0 {
		p.open[key]--
	}
}

// ScanCount returns the number of Scan calls.
func (p *FakePlatform) ScanCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scans
}

// ConnectCount returns the number of Connect calls.
func (p *FakePlatform) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Released returns the addresses passed to Release.
func (p *FakePlatform) Released() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

// Connections returns every connection handed out.
func (p *FakePlatform) Connections() []*FakeConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeConnection(nil), p.conns...)
}

// OpenConnections returns how many handed-out connections were never disconnected.
func (p *FakePlatform) OpenConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.open {
		n += c
	}
	return n
}

// Notification is a value pushed after a characteristic is subscribed.
type Notification struct {
	UUID  string
	Data  []byte
	Delay time.Duration
}

// FakeConnection is a scripted device.Connection.
type FakeConnection struct {
	mu sync.Mutex

	platform *FakePlatform
	address  string

	values        map[string][]byte
	readErr       error
	subscribeErr  error
	notifications []Notification
	// DropAfter closes Disconnected after the delay once subscribed.
	dropAfter time.Duration
	dropSet   bool

	subscribed   []string
	reads        []string
	disconnects  int
	disconnected chan struct{}
	closeOnce    sync.Once
}

// NewFakeConnection creates a connection that never delivers data.
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{
		values:       make(map[string][]byte),
		disconnected: make(chan struct{}),
	}
}

// WithValue makes Read of uuid return data.
func (c *FakeConnection) WithValue(uuid string, data []byte) *FakeConnection {
	c.values[device.NormalizeUUID(uuid)] = data
	return c
}

// WithReadError makes every Read fail with err.
func (c *FakeConnection) WithReadError(err error) *FakeConnection {
	c.readErr = err
	return c
}

// WithSubscribeError makes every Subscribe fail with err.
func (c *FakeConnection) WithSubscribeError(err error) *FakeConnection {
	c.subscribeErr = err
	return c
}

// WithNotification pushes data on uuid after delay once it is subscribed.
func (c *FakeConnection) WithNotification(uuid string, data []byte, delay time.Duration) *FakeConnection {
	c.notifications = append(c.notifications, Notification{UUID: uuid, Data: data, Delay: delay})
	return c
}

// WithDrop simulates the link going down after delay.
func (c *FakeConnection) WithDrop(delay time.Duration) *FakeConnection {
	c.dropAfter = delay
	c.dropSet = true
	return c
}

func (c *FakeConnection) attach(p *FakePlatform, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.platform = p
	c.address = address
	if c.dropSet {
		delay := c.dropAfter
		go func() {
			time.Sleep(delay)
			c.drop()
		}()
	}
}

func (c *FakeConnection) drop() {
	c.closeOnce.Do(func() { close(c.disconnected) })
}

func (c *FakeConnection) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *FakeConnection) Read(ctx context.Context, uuid string) ([]byte, error) {
	c.mu.Lock()
	c.reads = append(c.reads, uuid)
	err := c.readErr
	data, ok := c.values[device.NormalizeUUID(uuid)]
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return data, nil
}

func (c *FakeConnection) Subscribe(ctx context.Context, uuid string, handler device.NotificationHandler) error {
	c.mu.Lock()
	if c.subscribeErr != nil {
		err := c.subscribeErr
		c.mu.Unlock()
		return err
	}
	c.subscribed = append(c.subscribed, uuid)
	var pending []Notification
	for _, n := range c.notifications {
		if device.EqualUUID(n.UUID, uuid) {
			pending = append(pending, n)
		}
	}
	c.mu.Unlock()

	for _, n := range pending {
		n := n
		go func() {
			select {
			case <-time.After(n.Delay):
			case <-c.disconnected:
				return
			}
			select {
			case <-c.disconnected:
			default:
				handler(uuid, n.Data)
			}
		}()
	}
	return nil
}

func (c *FakeConnection) Disconnected() <-chan struct{} {
	return c.disconnected
}

func (c *FakeConnection) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	first := c.disconnects == 1
	p := c.platform
	addr := c.address
	c.mu.Unlock()

	c.drop()
	if first && p != nil {
		p.closed(addr)
	}
	return nil
}

// DisconnectCount returns the number of Disconnect calls.
func (c *FakeConnection) DisconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Subscribed returns the UUIDs successfully subscribed.
func (c *FakeConnection) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

// Reads returns the UUIDs passed to Read.
func (c *FakeConnection) Reads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reads...)
}
