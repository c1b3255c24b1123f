package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/models"
	"github.com/ble-bridge/backend/internal/transport"
)

// eventQueue bounds how far notifications may run ahead of the client.
const eventQueue = 64

// Params are the connection parameters a mock client supplies.
type Params struct {
	NamePrefix   string `json:"namePrefix"`
	DeviceID     string `json:"deviceId,omitempty"`
	ServiceID    string `json:"service"`
	WriteCharID  string `json:"write"`
	NotifyCharID string `json:"notify,omitempty"`
}

// Validate checks that the device can be located and written to.
func (p Params) Validate() error {
	if strings.TrimSpace(p.NamePrefix) == "" && strings.TrimSpace(p.DeviceID) == "" {
		return errors.New("namePrefix or deviceId is required")
	}
	if p.ServiceID == "" {
		return errors.New("service is required")
	}
	if p.WriteCharID == "" {
		return errors.New("write characteristic is required")
	}
	return nil
}

func (p Params) selector() models.Selector {
	return models.Selector{NamePrefix: p.NamePrefix, DeviceID: p.DeviceID}
}

// EventKind names what happened on the device side.
type EventKind string

const (
	EventNotification EventKind = "notification"
	EventDisconnected EventKind = "disconnected"
)

// Event is pushed to the mock client in the order it happened.
type Event struct {
	Kind         EventKind
	Notification transport.Notification
	Reason       string
}

// Session is one mock-client channel. At most one session owns the
// DeviceSession at a time; only the owner may write or disconnect.
type Session struct {
	ID        string
	CreatedAt time.Time

	mgr *Manager
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	wg     sync.WaitGroup

	mu           sync.Mutex
	params       *Params
	device       *models.DeviceIdentity
	sub          *transport.Subscription
	lastAccessed time.Time
	closed       bool
}

// Events delivers notifications and peripheral drops. It is closed by
// Close.
func (s *Session) Events() <-chan Event { return s.events }

// Connect opens the DeviceSession for this client and, when a notify
// characteristic is given, subscribes to it.
func (s *Session) Connect(ctx context.Context, p Params) (models.DeviceIdentity, error) {
	if err := p.Validate(); err != nil {
		return models.DeviceIdentity{}, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.DeviceIdentity{}, errors.New("session closed")
	}
	if s.params != nil {
		st := s.mgr.transport.State()
		s.mu.Unlock()
		return models.DeviceIdentity{}, &transport.BusyError{Op: "connect", State: st}
	}
	s.mu.Unlock()
	s.touch()

	dev, err := s.mgr.transport.Connect(ctx, p.selector())
	if err != nil {
		return models.DeviceIdentity{}, err
	}

	var sub *transport.Subscription
	if p.NotifyCharID != "" {
		sub, err = s.mgr.transport.Subscribe(s.ctx, p.ServiceID, p.NotifyCharID)
		if err != nil {
			// Subscribe failures already ended the DeviceSession.
			return models.DeviceIdentity{}, err
		}
	}

	s.mu.Lock()
	s.params = &p
	s.device = &dev
	s.sub = sub
	s.mu.Unlock()
	s.mgr.setOwner(s.ID)

	if sub != nil {
		s.wg.Add(1)
		go s.forward(sub)
	}

	s.log.WithFields(logrus.Fields{"device": dev.ID, "name": dev.Name}).Info("bridge connected")
	return dev, nil
}

// forward relays notifications in arrival order. When the stream ends
// without a local disconnect the client is told the device went away.
func (s *Session) forward(sub *transport.Subscription) {
	defer s.wg.Done()
	for n := range sub.C() {
		s.emit(Event{Kind: EventNotification, Notification: n})
	}

	s.mu.Lock()
	dropped := s.sub == sub
	if dropped {
		s.clearLocked()
	}
	s.mu.Unlock()
	if !dropped {
		return
	}
	s.mgr.clearOwner(s.ID)

	reason := "device disconnected"
	if last := s.mgr.transport.Snapshot().LastSession; last != nil && last.EndReason != "" {
		reason = last.EndReason
	}
	s.log.WithField("reason", reason).Warn("device session ended")
	s.emit(Event{Kind: EventDisconnected, Reason: reason})
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Write sends data to the write characteristic given at connect time.
func (s *Session) Write(ctx context.Context, data []byte) (uint64, error) {
	s.mu.Lock()
	p := s.params
	s.mu.Unlock()
	if p == nil {
		return 0, &transport.StateError{Op: "write", State: s.mgr.transport.State()}
	}
	s.touch()

	seq, err := s.mgr.transport.Write(ctx, p.ServiceID, p.WriteCharID, data)
	if err != nil {
		_, fault := transport.AdapterPhase(err)
		if fault || transport.IsState(err) {
			s.forgetUnsubscribed()
		}
		return 0, err
	}
	return seq, nil
}

// forgetUnsubscribed drops connection state after the DeviceSession ended
// underneath a session that has no notification stream to report it.
func (s *Session) forgetUnsubscribed() {
	s.mu.Lock()
	if s.sub != nil {
		s.mu.Unlock()
		return
	}
	s.clearLocked()
	s.mu.Unlock()
	s.mgr.clearOwner(s.ID)
}

// Disconnect ends the DeviceSession if this session owns it. A session
// that does not own the device gets (nil, nil).
func (s *Session) Disconnect(ctx context.Context) (*models.SessionInfo, error) {
	sub := s.release()
	if sub == nil && !s.mgr.isOwner(s.ID) {
		return nil, nil
	}
	if sub != nil {
		sub.Close()
	}
	s.mgr.clearOwner(s.ID)
	s.touch()

	ended, err := s.mgr.transport.Disconnect(ctx)
	if err != nil {
		return nil, err
	}
	s.log.Info("bridge disconnected")
	return ended, nil
}

// release forgets the connection and returns the subscription it had, so
// forward treats the stream's end as local.
func (s *Session) release() *transport.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.sub
	s.clearLocked()
	return sub
}

func (s *Session) clearLocked() {
	s.params = nil
	s.device = nil
	s.sub = nil
}

// Close disconnects an owned device, stops event delivery and removes the
// session from its manager. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if _, err := s.Disconnect(ctx); err != nil {
		s.log.WithError(err).Warn("disconnect on close failed")
	}
	s.cancel()
	s.wg.Wait()
	close(s.events)
	s.mgr.remove(s.ID)
	s.log.Debug("bridge session closed")
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccessed = time.Now()
	s.mu.Unlock()
}

// Connected reports whether this session owns a live DeviceSession.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params != nil
}

// Info is a JSON view of a session.
type Info struct {
	ID           string                 `json:"id"`
	CreatedAt    time.Time              `json:"createdAt"`
	LastActivity time.Time              `json:"lastActivity"`
	Connected    bool                   `json:"connected"`
	Device       *models.DeviceIdentity `json:"device,omitempty"`
	Params       *Params                `json:"params,omitempty"`
}

// Info snapshots the session for status listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastAccessed,
		Connected:    s.params != nil,
	}
	if s.device != nil {
		d := *s.device
		info.Device = &d
	}
	if s.params != nil {
		p := *s.params
		info.Params = &p
	}
	return info
}
