// Package transport owns the single physical BLE adapter.
//
// Transport is a state machine (idle, scanning, connecting, connected,
// disconnecting) and the only path to the Driver. Conflicting requests are
// rejected immediately instead of waiting: a scan during connection activity
// gets a ConflictError, a second connect gets a BusyError. Driver failures
// are never absorbed; they end the DeviceSession, return the machine to idle
// and reach the caller as an AdapterError.
//
// Every frame written to or notified by the peripheral is appended to the
// Recorder before the caller sees it.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/models"
)

const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultDisconnectTimeout = 3 * time.Second
	DefaultScanTimeout       = 5 * time.Second
	MinScanTimeout           = 100 * time.Millisecond
	MaxScanTimeout           = 60 * time.Second

	notificationQueue = 64
)

// ClampScanTimeout maps a requested scan duration into
// [MinScanTimeout, MaxScanTimeout]; zero or negative selects the default.
func ClampScanTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultScanTimeout
	case d < MinScanTimeout:
		return MinScanTimeout
	case d > MaxScanTimeout:
		return MaxScanTimeout
	}
	return d
}

// Recorder receives every frame that crosses the adapter.
type Recorder interface {
	Append(dir models.Direction, payload []byte) uint64
}

// Options tunes the transport's bounded waits.
type Options struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
}

// Notification is one inbound frame, already recorded.
type Notification struct {
	SequenceID uint64
	Timestamp  time.Time
	Payload    []byte
}

// Transport serializes access to the adapter.
type Transport struct {
	driver   Driver
	recorder Recorder
	opts     Options
	log      *logrus.Entry
	now      func() time.Time

	mu            sync.Mutex
	state         models.ConnectionState
	gen           uint64 // bumped whenever a DeviceSession ends
	active        *models.SessionInfo
	last          *models.SessionInfo
	lastFault     string
	lastFaultAt   *time.Time
	link          Link
	cancelConnect context.CancelFunc
	cancelScan    context.CancelFunc
	scanDone      chan struct{}
	subs          map[*Subscription]struct{}
}

// New creates an idle transport.
func New(driver Driver, recorder Recorder, opts Options, log *logrus.Entry) *Transport {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		driver:   driver,
		recorder: recorder,
		opts:     opts,
		log:      log,
		now:      time.Now,
		state:    models.StateIdle,
		subs:     make(map[*Subscription]struct{}),
	}
}

// State returns the current state.
func (t *Transport) State() models.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns a copy of the connection state. It has no side effects.
func (t *Transport) Snapshot() models.ConnectionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.ConnectionSnapshot{
		State:       t.state,
		Session:     copySession(t.active),
		LastSession: copySession(t.last),
		LastFault:   t.lastFault,
		LastFaultAt: t.lastFaultAt,
	}
}

func copySession(s *models.SessionInfo) *models.SessionInfo {
	if s == nil {
		return nil
	}
	c := *s
	if s.Device != nil {
		d := *s.Device
		c.Device = &d
	}
	return &c
}

// Scan radios the adapter for timeout and returns what it saw, one entry
// per device. Only allowed from idle.
func (t *Transport) Scan(ctx context.Context, timeout time.Duration) ([]models.DiscoveredDevice, error) {
	timeout = ClampScanTimeout(timeout)

	t.mu.Lock()
	switch t.state {
	case models.StateIdle:
	case models.StateScanning:
		t.mu.Unlock()
		return nil, &BusyError{Op: "scan", State: models.StateScanning}
	default:
		st := t.state
		t.mu.Unlock()
		t.log.WithField("state", st).Warn("scan rejected during connection activity")
		return nil, &ConflictError{Op: "scan", State: st}
	}
	t.state = models.StateScanning
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	done := make(chan struct{})
	t.cancelScan = cancel
	t.scanDone = done
	t.mu.Unlock()
	defer close(done)

	t.log.WithField("timeout", timeout).Info("scan started")
	found, err := t.driver.Scan(scanCtx, timeout)
	cancel()

	t.mu.Lock()
	// Disconnect clears cancelScan when it stops the scan.
	aborted := t.cancelScan == nil
	t.cancelScan = nil
	t.scanDone = nil
	t.state = models.StateIdle
	if aborted {
		t.mu.Unlock()
		t.log.Info("scan stopped by disconnect")
		return nil, &AdapterError{Phase: "scan", Err: errors.New("scan aborted by disconnect")}
	}
	if err != nil {
		fault := &AdapterError{Phase: "scan", Err: err}
		t.recordFaultLocked(fault)
		t.mu.Unlock()
		t.log.WithError(err).Error("scan failed")
		return nil, fault
	}
	t.mu.Unlock()

	devices := dedupe(found)
	t.log.WithField("devices", len(devices)).Info("scan finished")
	return devices, nil
}

func dedupe(found []models.DiscoveredDevice) []models.DiscoveredDevice {
	byID := make(map[string]int, len(found))
	out := make([]models.DiscoveredDevice, 0, len(found))
	for _, d := range found {
		i, ok := byID[d.ID]
		if !ok {
			byID[d.ID] = len(out)
			out = append(out, d)
			continue
		}
		if d.RSSI > out[i].RSSI {
			out[i].RSSI = d.RSSI
		}
		if out[i].Name == "" {
			out[i].Name = d.Name
		}
		out[i].Connectable = out[i].Connectable || d.Connectable
	}
	return out
}

// Connect opens the DeviceSession. Only one connect may be in flight and
// only from idle; anything else is a BusyError. The caller waits for the
// connecting window, bounded by Options.ConnectTimeout.
func (t *Transport) Connect(ctx context.Context, sel models.Selector) (models.DeviceIdentity, error) {
	t.mu.Lock()
	if t.state != models.StateIdle {
		st := t.state
		t.mu.Unlock()
		return models.DeviceIdentity{}, &BusyError{Op: "connect", State: st}
	}
	gen := t.gen
	t.state = models.StateConnecting
	t.active = &models.SessionInfo{StartedAt: t.now()}
	connCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	t.cancelConnect = cancel
	t.mu.Unlock()

	log := t.log.WithFields(logrus.Fields{"namePrefix": sel.NamePrefix, "deviceId": sel.DeviceID})
	log.Info("connecting")

	link, err := t.driver.Connect(connCtx, sel)
	timedOut := errors.Is(connCtx.Err(), context.DeadlineExceeded)
	cancel()

	t.mu.Lock()
	if gen != t.gen {
		// A disconnect ended this session while the driver was working.
		t.mu.Unlock()
		if link != nil {
			t.closeLink(link)
		}
		return models.DeviceIdentity{}, &AdapterError{Phase: "connect", Err: errors.New("connect aborted by disconnect")}
	}
	t.cancelConnect = nil

	if err != nil {
		if timedOut {
			err = errors.Wrapf(err, "timed out after %s", t.opts.ConnectTimeout)
		}
		fault := &AdapterError{Phase: "connect", Err: err}
		t.endSessionLocked(fault.Error())
		t.recordFaultLocked(fault)
		t.state = models.StateIdle
		t.gen++
		t.mu.Unlock()
		log.WithError(err).Error("connect failed")
		return models.DeviceIdentity{}, fault
	}

	dev := link.Device()
	now := t.now()
	t.link = link
	t.state = models.StateConnected
	t.active.Device = &dev
	t.active.ConnectedAt = &now
	t.active.LastActivityAt = &now
	t.mu.Unlock()

	go t.watch(gen, link)

	log.WithFields(logrus.Fields{"device": dev.ID, "name": dev.Name}).Info("connected")
	return dev, nil
}

// watch ends the session when the peripheral drops the link on its own.
func (t *Transport) watch(gen uint64, link Link) {
	<-link.Disconnected()

	t.mu.Lock()
	if gen != t.gen || t.state != models.StateConnected {
		t.mu.Unlock()
		return
	}
	fault := &AdapterError{Phase: "connection", Err: errors.New("peripheral disconnected")}
	subs := t.teardownLocked(fault.Error())
	t.recordFaultLocked(fault)
	t.state = models.StateIdle
	t.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	t.log.Warn("peripheral disconnected")
}

// Write forwards data to the peripheral and records it as sent once the
// adapter accepted it. It does not wait for any reply.
func (t *Transport) Write(ctx context.Context, serviceID, charID string, data []byte) (uint64, error) {
	t.mu.Lock()
	if t.state != models.StateConnected {
		st := t.state
		t.mu.Unlock()
		return 0, &StateError{Op: "write", State: st}
	}
	link, gen := t.link, t.gen
	t.mu.Unlock()

	if err := link.Write(ctx, serviceID, charID, data); err != nil {
		fault := &AdapterError{Phase: "write", Err: err}
		t.fail(gen, fault)
		return 0, fault
	}

	t.mu.Lock()
	if gen != t.gen || t.active == nil {
		// The session ended while the adapter held the frame.
		st := t.state
		t.mu.Unlock()
		return 0, &StateError{Op: "write", State: st}
	}
	seq := t.recorder.Append(models.DirectionSent, data)
	now := t.now()
	t.active.FramesSent++
	t.active.LastActivityAt = &now
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{"seq": seq, "len": len(data)}).Debug("frame sent")
	return seq, nil
}

// Subscription is an ordered stream of notifications from one
// characteristic. It ends when closed, when ctx is done or when the
// DeviceSession ends.
type Subscription struct {
	ServiceID        string
	CharacteristicID string

	c      chan Notification
	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
}

// C returns the notification stream. It is closed when the subscription
// ends.
func (s *Subscription) C() <-chan Notification { return s.c }

// Done is closed once the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close stops the subscription and waits for the stream to be released.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe enables notifications on a characteristic of the connected
// peripheral.
func (t *Transport) Subscribe(ctx context.Context, serviceID, charID string) (*Subscription, error) {
	t.mu.Lock()
	if t.state != models.StateConnected {
		st := t.state
		t.mu.Unlock()
		return nil, &StateError{Op: "subscribe", State: st}
	}
	link, gen := t.link, t.gen
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		ServiceID:        serviceID,
		CharacteristicID: charID,
		c:                make(chan Notification, notificationQueue),
		cancel:           cancel,
		ctx:              subCtx,
		done:             make(chan struct{}),
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	src, err := link.Subscribe(subCtx, serviceID, charID)
	if err != nil {
		cancel()
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
		close(sub.c)
		close(sub.done)
		fault := &AdapterError{Phase: "subscribe", Err: err}
		t.fail(gen, fault)
		return nil, fault
	}

	go t.pump(gen, sub, src)

	t.log.WithFields(logrus.Fields{"service": serviceID, "characteristic": charID}).Info("subscribed")
	return sub, nil
}

// pump records each inbound frame and forwards it, one at a time, so the
// subscriber sees the arrival order.
func (t *Transport) pump(gen uint64, sub *Subscription, src <-chan []byte) {
	defer close(sub.done)
	defer close(sub.c)
	defer func() {
		t.mu.Lock()
		delete(t.subs, sub)
		t.mu.Unlock()
		sub.cancel()
	}()

	for {
		select {
		case <-sub.ctx.Done():
			return
		case data, ok := <-src:
			if !ok {
				return
			}

			t.mu.Lock()
			if gen != t.gen {
				t.mu.Unlock()
				return
			}
			ts := t.now()
			seq := t.recorder.Append(models.DirectionReceived, data)
			if t.active != nil {
				t.active.FramesReceived++
				t.active.LastActivityAt = &ts
			}
			t.mu.Unlock()

			select {
			case sub.c <- Notification{SequenceID: seq, Timestamp: ts, Payload: data}:
			case <-sub.ctx.Done():
				return
			}
		}
	}
}

// Disconnect ends whatever the adapter is doing and returns to idle. It is
// a no-op when idle. A scan in progress is stopped and waited for. The
// returned SessionInfo describes the session that ended, if there was one.
func (t *Transport) Disconnect(ctx context.Context) (*models.SessionInfo, error) {
	t.mu.Lock()
	switch t.state {
	case models.StateIdle, models.StateDisconnecting:
		t.mu.Unlock()
		return nil, nil
	case models.StateScanning:
		if t.cancelScan != nil {
			t.cancelScan()
			t.cancelScan = nil
		}
		done := t.scanDone
		t.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "waiting for scan to stop")
			}
		}
		t.log.Info("scan stopped")
		return nil, nil
	case models.StateConnecting:
		if t.cancelConnect != nil {
			t.cancelConnect()
			t.cancelConnect = nil
		}
	}

	t.state = models.StateDisconnecting
	link := t.link
	subs := t.teardownLocked("")
	t.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	if link != nil {
		t.closeLinkWith(ctx, link)
	}

	t.mu.Lock()
	ended := t.endSessionLocked("disconnected by client")
	t.state = models.StateIdle
	t.mu.Unlock()

	t.log.Info("disconnected")
	return ended, nil
}

// fail ends the session that gen identifies after a driver error.
func (t *Transport) fail(gen uint64, fault *AdapterError) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	link := t.link
	subs := t.teardownLocked(fault.Error())
	t.recordFaultLocked(fault)
	t.state = models.StateIdle
	t.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	if link != nil {
		t.closeLink(link)
	}
	t.log.WithField("phase", fault.Phase).WithError(fault.Err).Error("adapter fault, session closed")
}

// teardownLocked detaches the link and subscriptions and, when reason is
// not empty, ends the active session with it. Callers hold t.mu.
func (t *Transport) teardownLocked(reason string) []*Subscription {
	t.gen++
	t.link = nil
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	if reason != "" {
		t.endSessionLocked(reason)
	}
	return subs
}

func (t *Transport) endSessionLocked(reason string) *models.SessionInfo {
	if t.active == nil {
		return nil
	}
	now := t.now()
	t.active.EndedAt = &now
	t.active.EndReason = reason
	t.last = t.active
	t.active = nil
	return copySession(t.last)
}

func (t *Transport) recordFaultLocked(err error) {
	now := t.now()
	t.lastFault = err.Error()
	t.lastFaultAt = &now
}

func (t *Transport) closeLink(link Link) {
	t.closeLinkWith(context.Background(), link)
}

func (t *Transport) closeLinkWith(ctx context.Context, link Link) {
	dctx, cancel := context.WithTimeout(ctx, t.opts.DisconnectTimeout)
	defer cancel()
	if err := link.Disconnect(dctx); err != nil {
		t.log.WithError(err).Warn("disconnect did not complete cleanly")
	}
}
