package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const schemeSeparator = ":"

type manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// Manager is a singleton routing device IDs of the form "scheme:id" to the
// provider registered under scheme. Provider packages register themselves in
// init, so importing one for side effects is enough to make it available.
var Manager = &manager{
	providers: make(map[string]Provider),
}

// Register makes p reachable under scheme.
func (m *manager) Register(scheme string, p Provider) error {
	if scheme == "" || strings.Contains(scheme, schemeSeparator) {
		return fmt.Errorf("invalid scheme %q", scheme)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[scheme]; ok {
		return fmt.Errorf("scheme %q already registered", scheme)
	}
	m.providers[scheme] = p
	return nil
}

// OpenDevice implements Provider.
func (m *manager) OpenDevice(id string, callbacks DeviceCallbacks, exec Executor) error {
	scheme, local, ok := strings.Cut(id, schemeSeparator)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNoDevice)
	}

	m.mu.RLock()
	p, ok := m.providers[scheme]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNoDevice)
	}

	return p.OpenDevice(local, callbacks, exec)
}

// Devices implements Lister. IDs are returned in their routed form. A
// failing provider doesn't hide the devices of the others.
func (m *manager) Devices() ([]Info, error) {
	type entry struct {
		scheme string
		lister Lister
	}

	m.mu.RLock()
	entries := make([]entry, 0, len(m.providers))
	for scheme, p := range m.providers {
		if lister, ok := p.(Lister); ok {
			entries = append(entries, entry{scheme, lister})
		}
	}
	m.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].scheme < entries[j].scheme })

	var (
		results  []Info
		firstErr error
	)
	for _, e := range entries {
		infos, err := e.lister.Devices()
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", e.scheme, err)
			}
			continue
		}
		for _, info := range infos {
			info.ID = e.scheme + schemeSeparator + info.ID
			results = append(results, info)
		}
	}

	if len(results) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// Query returns the enumerable devices accepted by filter.
func (m *manager) Query(filter FilterFn) []Info {
	infos, _ := m.Devices()

	results := make([]Info, 0, len(infos))
	for _, info := range infos {
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

// FilterFn is being used to decide if a device should be included in the
// query result.
type FilterFn func(Info) bool

// FilterDeviceType returns a filter function to match devices by type.
func FilterDeviceType(t DeviceType) FilterFn {
	return func(info Info) bool {
		return info.DeviceType == t
	}
}

// FilterNot returns a filter function which inverts the filter.
func FilterNot(filter FilterFn) FilterFn {
	return func(info Info) bool {
		return !filter(info)
	}
}

// FilterAnd returns a filter function which matches all of the given filters.
func FilterAnd(filters ...FilterFn) FilterFn {
	return func(info Info) bool {
		for _, f := range filters {
			if !f(info) {
				return false
			}
		}
		return true
	}
}
