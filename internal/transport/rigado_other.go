//go:build !linux

package transport

import (
	"context"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ble-bridge/backend/internal/models"
)

// RigadoDriver needs the Linux HCI socket transport.
type RigadoDriver struct{}

func NewRigadoDriver(opts HardwareOptions, log *logrus.Entry) (*RigadoDriver, error) {
	return nil, errors.Errorf("hci adapters are not supported on %s", runtime.GOOS)
}

func (r *RigadoDriver) Close() error { return nil }

func (r *RigadoDriver) Scan(context.Context, time.Duration) ([]models.DiscoveredDevice, error) {
	return nil, ErrNoAdapter
}

func (r *RigadoDriver) Connect(context.Context, models.Selector) (Link, error) {
	return nil, ErrNoAdapter
}
