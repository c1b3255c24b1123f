//go:build linux

package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rigado/ble"
	"github.com/rigado/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/models"
)

// RigadoDriver drives a local HCI adapter through github.com/rigado/ble.
type RigadoDriver struct {
	dev ble.Device
	log *logrus.Entry
}

// NewRigadoDriver opens hci<N>. The process needs CAP_NET_ADMIN.
func NewRigadoDriver(opts HardwareOptions, log *logrus.Entry) (*RigadoDriver, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultConnectTimeout
	}
	dev, err := linux.NewDevice(
		ble.OptTransportHCISocket(opts.HCIDevice),
		ble.OptDialerTimeout(opts.DialTimeout),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "open hci%d", opts.HCIDevice)
	}
	return &RigadoDriver{dev: dev, log: log.WithField("hci", opts.HCIDevice)}, nil
}

// Close releases the adapter.
func (r *RigadoDriver) Close() error {
	return errors.Wrap(r.dev.Stop(), "stop adapter")
}

func (r *RigadoDriver) Scan(ctx context.Context, timeout time.Duration) ([]models.DiscoveredDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found []models.DiscoveredDevice
	)
	err := r.dev.Scan(ctx, true, func(a ble.Advertisement) {
		d, ok := fromAdvertisement(a)
		if !ok {
			return
		}
		mu.Lock()
		found = append(found, d)
		mu.Unlock()
	})
	if err != nil && ctx.Err() == nil {
		return nil, errors.Wrap(err, "scan")
	}

	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

func fromAdvertisement(a ble.Advertisement) (models.DiscoveredDevice, bool) {
	info := readAdvertisement(a)
	if info.addr == nil {
		return models.DiscoveredDevice{}, false
	}
	return models.DiscoveredDevice{
		ID:          info.addr.String(),
		Name:        info.name,
		RSSI:        info.rssi,
		Connectable: info.connectable,
	}, true
}

// advInfo is what the bridge reads from an advertisement.
type advInfo struct {
	addr        ble.Addr
	name        string
	rssi        int
	connectable bool
}

// readAdvertisement accepts both getter shapes of the stack: bare values
// in the tagged releases, value plus parse error on the master branch.
// Fields that fail to parse are left zero.
func readAdvertisement(v interface{}) advInfo {
	var info advInfo
	switch g := v.(type) {
	case interface{ Addr() (ble.Addr, error) }:
		info.addr, _ = g.Addr()
	case interface{ Addr() ble.Addr }:
		info.addr = g.Addr()
	}
	switch g := v.(type) {
	case interface{ LocalName() (string, error) }:
		info.name, _ = g.LocalName()
	case interface{ LocalName() string }:
		info.name = g.LocalName()
	}
	switch g := v.(type) {
	case interface{ RSSI() (int, error) }:
		info.rssi, _ = g.RSSI()
	case interface{ RSSI() int }:
		info.rssi = g.RSSI()
	}
	switch g := v.(type) {
	case interface{ Connectable() (bool, error) }:
		info.connectable, _ = g.Connectable()
	case interface{ Connectable() bool }:
		info.connectable = g.Connectable()
	}
	return info
}

func (r *RigadoDriver) Connect(ctx context.Context, sel models.Selector) (Link, error) {
	addr, name, err := r.locate(ctx, sel)
	if err != nil {
		return nil, err
	}

	cln, err := r.dev.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return &rigadoLink{
		cln:    cln,
		device: models.DeviceIdentity{ID: addr.String(), Name: name},
		log:    r.log.WithField("device", addr.String()),
		chars:  make(map[string]*ble.Characteristic),
	}, nil
}

// locate resolves the selector to an address. An explicit device id is
// dialed directly; a name prefix needs a scan until the first match.
func (r *RigadoDriver) locate(ctx context.Context, sel models.Selector) (ble.Addr, string, error) {
	if sel.DeviceID != "" {
		return ble.NewAddr(sel.DeviceID), "", nil
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		match ble.Addr
		name  string
	)
	err := r.dev.Scan(scanCtx, false, func(a ble.Advertisement) {
		info := readAdvertisement(a)
		if info.addr == nil || !strings.HasPrefix(info.name, sel.NamePrefix) {
			return
		}
		mu.Lock()
		if match == nil {
			match, name = info.addr, info.name
			cancel()
		}
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	if match != nil {
		return match, name, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, "", ctxErr
	}
	if err != nil {
		return nil, "", errors.Wrap(err, "scan for peripheral")
	}
	return nil, "", errors.Errorf("no peripheral advertising a name starting with %q", sel.NamePrefix)
}

type rigadoLink struct {
	cln    ble.Client
	device models.DeviceIdentity
	log    *logrus.Entry

	mu    sync.Mutex
	chars map[string]*ble.Characteristic
}

func (l *rigadoLink) Device() models.DeviceIdentity { return l.device }

func (l *rigadoLink) Disconnected() <-chan struct{} { return l.cln.Disconnected() }

// characteristic discovers and caches the characteristic with its
// descriptors, which Subscribe needs for the CCCD.
func (l *rigadoLink) characteristic(serviceID, charID string) (*ble.Characteristic, error) {
	key := strings.ToLower(serviceID + "/" + charID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.chars[key]; ok {
		return c, nil
	}

	svcUUID, err := ble.Parse(serviceID)
	if err != nil {
		return nil, errors.Wrapf(err, "service uuid %q", serviceID)
	}
	chrUUID, err := ble.Parse(charID)
	if err != nil {
		return nil, errors.Wrapf(err, "characteristic uuid %q", charID)
	}

	services, err := l.cln.DiscoverServices([]ble.UUID{svcUUID})
	if err != nil {
		return nil, errors.Wrap(err, "discover services")
	}
	var svc *ble.Service
	for _, s := range services {
		if svcUUID.Equal(s.UUID) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, errors.Errorf("service %s not found", serviceID)
	}

	chars, err := l.cln.DiscoverCharacteristics([]ble.UUID{chrUUID}, svc)
	if err != nil {
		return nil, errors.Wrap(err, "discover characteristics")
	}
	var chr *ble.Characteristic
	for _, c := range chars {
		if chrUUID.Equal(c.UUID) {
			chr = c
			break
		}
	}
	if chr == nil {
		return nil, errors.Errorf("characteristic %s not found in service %s", charID, serviceID)
	}

	if _, err := l.cln.DiscoverDescriptors(nil, chr); err != nil {
		l.log.WithError(err).Debug("descriptor discovery failed")
	}
	l.chars[key] = chr
	return chr, nil
}

func (l *rigadoLink) Write(ctx context.Context, serviceID, charID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := l.characteristic(serviceID, charID)
	if err != nil {
		return err
	}
	if c.Property&(ble.CharWrite|ble.CharWriteNR) == 0 {
		return errors.Errorf("characteristic %s is not writable", charID)
	}
	noRsp := c.Property&ble.CharWrite == 0
	return errors.Wrap(l.cln.WriteCharacteristic(c, data, noRsp), "write characteristic")
}

func (l *rigadoLink) Subscribe(ctx context.Context, serviceID, charID string) (<-chan []byte, error) {
	c, err := l.characteristic(serviceID, charID)
	if err != nil {
		return nil, err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return nil, errors.Errorf("characteristic %s does not notify", charID)
	}
	ind := c.Property&ble.CharNotify == 0

	var (
		mu     sync.RWMutex
		closed bool
	)
	out := make(chan []byte, notificationQueue)
	stop := make(chan struct{})

	err = l.cln.Subscribe(c, ind, func(_ uint, req []byte) {
		data := append([]byte(nil), req...)
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		select {
		case out <- data:
		case <-stop:
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "enable notifications")
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-l.cln.Disconnected():
		}
		// Release a handler blocked on out before talking to the stack.
		close(stop)
		select {
		case <-l.cln.Disconnected():
		default:
			if err := l.cln.Unsubscribe(c, ind); err != nil {
				l.log.WithError(err).Warn("unsubscribe failed")
			}
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (l *rigadoLink) Disconnect(ctx context.Context) error {
	if err := l.cln.CancelConnection(); err != nil {
		l.log.WithError(err).Debug("cancel connection")
	}
	select {
	case <-l.cln.Disconnected():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for disconnect")
	}
}
