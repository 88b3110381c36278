//go:build !linux
// +build !linux

package camera

import (
	"github.com/codergym/capture/pkg/driver"
	"github.com/codergym/capture/pkg/driver/availability"
)

func init() {
	_ = driver.Manager.Register(Scheme, NewProvider())
}

// Provider is unavailable on this platform: only V4L2 is supported.
type Provider struct{}

// NewProvider creates a Provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Devices implements driver.Lister.
func (p *Provider) Devices() ([]driver.Info, error) {
	return nil, nil
}

// OpenDevice implements driver.Provider.
func (p *Provider) OpenDevice(string, driver.DeviceCallbacks, driver.Executor) error {
	return availability.ErrUnimplemented
}
