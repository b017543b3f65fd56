package alert

import (
	"context"
	"errors"
)

// MultiAlerter delivers each alert to every alerter. One failing destination
// does not stop delivery to the others.
type MultiAlerter struct {
	alerters []Alerter
}

// NewMultiAlerter fans out to alerters in order.
func NewMultiAlerter(alerters ...Alerter) *MultiAlerter {
	return &MultiAlerter{alerters: alerters}
}

// Add appends a destination.
func (m *MultiAlerter) Add(a Alerter) {
	m.alerters = append(m.alerters, a)
}

func (m *MultiAlerter) Raise(ctx context.Context, a Alert) error {
	var errs []error
	for _, alerter := range m.alerters {
		if err := alerter.Raise(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Raise(context.Context, Alert) error { return nil }
