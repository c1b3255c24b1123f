package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ble-bridge/backend/internal/models"
)

// Driver is the boundary to the physical adapter. Implementations do not
// need to be safe for overlapping Scan and Connect calls; Transport never
// issues them concurrently.
type Driver interface {
	// Scan reports devices seen before ctx is done or timeout elapses.
	// Reaching the timeout is not an error.
	Scan(ctx context.Context, timeout time.Duration) ([]models.DiscoveredDevice, error)

	// Connect locates the peripheral described by sel and opens a link.
	Connect(ctx context.Context, sel models.Selector) (Link, error)
}

// Link is an open connection to one peripheral.
type Link interface {
	Device() models.DeviceIdentity

	// Write hands data to the adapter for the given characteristic. It
	// returns once the adapter accepted the bytes.
	Write(ctx context.Context, serviceID, charID string, data []byte) error

	// Subscribe enables notifications on a characteristic. The returned
	// channel delivers payloads in arrival order and is closed when ctx is
	// done or the link drops; closing unsubscribes.
	Subscribe(ctx context.Context, serviceID, charID string) (<-chan []byte, error)

	// Disconnect tears the link down. Best effort.
	Disconnect(ctx context.Context) error

	// Disconnected is closed once the link is gone, whoever closed it.
	Disconnected() <-chan struct{}
}

// HardwareOptions selects the local adapter for the hardware driver.
type HardwareOptions struct {
	// HCIDevice is the hciN index of the adapter.
	HCIDevice int
	// DialTimeout bounds link establishment inside the BLE stack.
	DialTimeout time.Duration
}

// ErrNoAdapter is returned by DisabledDriver.
var ErrNoAdapter = errors.New("no BLE adapter configured")

// DisabledDriver is used when the process runs without hardware. Every
// operation fails with ErrNoAdapter.
type DisabledDriver struct{}

func (DisabledDriver) Scan(context.Context, time.Duration) ([]models.DiscoveredDevice, error) {
	return nil, ErrNoAdapter
}

func (DisabledDriver) Connect(context.Context, models.Selector) (Link, error) {
	return nil, ErrNoAdapter
}
