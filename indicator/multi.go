package indicator

import "errors"

// Multi combines multiple Indicator implementations.
type Multi struct {
	indicators []Indicator
}

// Idle implements Indicator.Idle.
func (m *Multi) Idle() {
	for _, ind := range m.indicators {
		ind.Idle()
	}
}

// Waiting implements Indicator.Waiting.
func (m *Multi) Waiting(info *Info) {
	for _, ind := range m.indicators {
		ind.Waiting(info)
	}
}

// Accepted implements Indicator.Accepted.
func (m *Multi) Accepted(info *Info) {
	for _, ind := range m.indicators {
		ind.Accepted(info)
	}
}

// Rejected implements Indicator.Rejected.
func (m *Multi) Rejected(info *Info) {
	for _, ind := range m.indicators {
		ind.Rejected(info)
	}
}

// Connected implements Indicator.Connected.
func (m *Multi) Connected() {
	for _, ind := range m.indicators {
		ind.Connected()
	}
}

// ConnectionLost implements Indicator.ConnectionLost.
func (m *Multi) ConnectionLost() {
	for _, ind := range m.indicators {
		ind.ConnectionLost()
	}
}

// Shutdown implements Indicator.Shutdown.
func (m *Multi) Shutdown() {
	for _, ind := range m.indicators {
		ind.Shutdown()
	}
}

// Release implements Indicator.Release.
func (m *Multi) Release() error {
	var errs []error
	for _, ind := range m.indicators {
		if err := ind.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
