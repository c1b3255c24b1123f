// fake_driver.go - Scripted BLE driver for testing
package testutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ble-bridge/backend/internal/models"
	"github.com/ble-bridge/backend/internal/transport"
)

// FakeDriver implements transport.Driver without hardware.
type FakeDriver struct {
	mu         sync.Mutex
	devices    []models.DiscoveredDevice
	scanErr    error
	connectErr error
	gate       chan struct{}
	scanGate   chan struct{}
	links      []*FakeLink

	ScanCalls    int
	ConnectCalls int
}

// NewFakeDriver creates a driver that advertises the given devices.
func NewFakeDriver(devices ...models.DiscoveredDevice) *FakeDriver {
	return &FakeDriver{devices: devices}
}

// FailScan makes the next scans fail with err (nil clears it).
func (d *FakeDriver) FailScan(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanErr = err
}

// FailConnect makes the next connects fail with err (nil clears it).
func (d *FakeDriver) FailConnect(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErr = err
}

// HoldConnect makes Connect block until the returned release func is
// called or its context ends.
func (d *FakeDriver) HoldConnect() (release func()) {
	return hold(&d.mu, &d.gate)
}

// HoldScan makes Scan block until the returned release func is called or
// its context ends.
func (d *FakeDriver) HoldScan() (release func()) {
	return hold(&d.mu, &d.scanGate)
}

// hold installs a fresh gate in *slot and returns the func that opens it.
func hold(mu *sync.Mutex, slot *chan struct{}) func() {
	gate := make(chan struct{})
	mu.Lock()
	*slot = gate
	mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
			mu.Lock()
			if *slot == gate {
				*slot = nil
			}
			mu.Unlock()
		})
	}
}

// wait blocks on gate, if any, until it opens or ctx ends.
func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Link returns the most recently opened link, or nil.
func (d *FakeDriver) Link() *FakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}

func (d *FakeDriver) Scan(ctx context.Context, timeout time.Duration) ([]models.DiscoveredDevice, error) {
	d.mu.Lock()
	d.ScanCalls++
	scanErr := d.scanErr
	gate := d.scanGate
	out := append([]models.DiscoveredDevice(nil), d.devices...)
	d.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return out, nil
}

func (d *FakeDriver) Connect(ctx context.Context, sel models.Selector) (transport.Link, error) {
	d.mu.Lock()
	d.ConnectCalls++
	gate := d.gate
	d.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	for _, dev := range d.devices {
		if matches(dev, sel) {
			link := newFakeLink(models.DeviceIdentity{ID: dev.ID, Name: dev.Name})
			d.links = append(d.links, link)
			return link, nil
		}
	}
	return nil, fmt.Errorf("no device matching %+v", sel)
}

func matches(dev models.DiscoveredDevice, sel models.Selector) bool {
	if sel.DeviceID != "" {
		return strings.EqualFold(dev.ID, sel.DeviceID)
	}
	return strings.HasPrefix(dev.Name, sel.NamePrefix)
}

// FakeWrite is one write captured by a FakeLink.
type FakeWrite struct {
	ServiceID string
	CharID    string
	Data      []byte
}

// FakeLink implements transport.Link.
type FakeLink struct {
	device models.DeviceIdentity

	mu           sync.Mutex
	writes       []FakeWrite
	writeErr     error
	writeGate    chan struct{}
	subscribeErr error
	subs         map[string]chan []byte
	dropped      chan struct{}
	dropOnce     sync.Once
	disconnects  int
}

func newFakeLink(dev models.DeviceIdentity) *FakeLink {
	return &FakeLink{
		device:  dev,
		subs:    make(map[string]chan []byte),
		dropped: make(chan struct{}),
	}
}

func (l *FakeLink) Device() models.DeviceIdentity { return l.device }

// FailWrite makes writes fail with err.
func (l *FakeLink) FailWrite(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeErr = err
}

// HoldWrite makes writes block after they are captured until the
// returned release func is called or their context ends.
func (l *FakeLink) HoldWrite() (release func()) {
	return hold(&l.mu, &l.writeGate)
}

// FailSubscribe makes subscribes fail with err.
func (l *FakeLink) FailSubscribe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribeErr = err
}

// Writes returns a copy of the captured writes.
func (l *FakeLink) Writes() []FakeWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FakeWrite(nil), l.writes...)
}

func (l *FakeLink) Write(ctx context.Context, serviceID, charID string, data []byte) error {
	l.mu.Lock()
	select {
	case <-l.dropped:
		l.mu.Unlock()
		return errors.New("link closed")
	default:
	}
	if l.writeErr != nil {
		err := l.writeErr
		l.mu.Unlock()
		return err
	}
	l.writes = append(l.writes, FakeWrite{ServiceID: serviceID, CharID: charID, Data: append([]byte(nil), data...)})
	gate := l.writeGate
	l.mu.Unlock()

	return wait(ctx, gate)
}

func (l *FakeLink) Subscribe(ctx context.Context, serviceID, charID string) (<-chan []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribeErr != nil {
		return nil, l.subscribeErr
	}
	key := serviceID + "/" + charID
	ch := make(chan []byte, 16)
	l.subs[key] = ch

	go func() {
		select {
		case <-ctx.Done():
		case <-l.dropped:
		}
		l.mu.Lock()
		if l.subs[key] == ch {
			delete(l.subs, key)
		}
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}

// Subscribed reports whether a subscription is open on the characteristic.
func (l *FakeLink) Subscribed(serviceID, charID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[serviceID+"/"+charID]
	return ok
}

// Notify pushes a notification from the peripheral. It returns false when
// nobody is subscribed to the characteristic.
func (l *FakeLink) Notify(serviceID, charID string, data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.subs[serviceID+"/"+charID]
	if !ok {
		return false
	}
	ch <- append([]byte(nil), data...)
	return true
}

func (l *FakeLink) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()
	l.Drop()
	return nil
}

// DisconnectCount returns how many times Disconnect was called.
func (l *FakeLink) DisconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// Drop simulates the peripheral going away.
func (l *FakeLink) Drop() {
	l.dropOnce.Do(func() { close(l.dropped) })
}

func (l *FakeLink) Disconnected() <-chan struct{} { return l.dropped }
