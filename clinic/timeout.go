/*
timeout.go - Deadline enforcement at the port boundary

Every call made through WithTimeout runs under its own deadline. A call
that exceeds it, or fails for any storage reason, comes back as a
*PersistenceError instead of hanging the caller. Domain sentinels
(ErrNotFound, ErrDuplicateAppointment, ErrConcurrentModification) pass
through untouched.
*/
package clinic

import (
	"context"
	"time"
)

// DefaultPortTimeout bounds a single port call when no timeout is configured.
const DefaultPortTimeout = 5 * time.Second

// WithTimeout wraps each port so every call carries a deadline of d.
// The notifier is left as is; it is fire-and-forget already.
func WithTimeout(p Ports, d time.Duration) Ports {
	if d <= 0 {
		d = DefaultPortTimeout
	}
	out := p
	if p.Sales != nil {
		out.Sales = &timeoutSales{next: p.Sales, d: d}
	}
	if p.Appointments != nil {
		out.Appointments = &timeoutAppointments{next: p.Appointments, d: d}
	}
	if p.Packages != nil {
		out.Packages = &timeoutPackages{next: p.Packages, d: d}
	}
	return out
}

// call runs fn under a deadline and classifies its error.
func call[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, persistence(op, r.err)
	case <-ctx.Done():
		var zero T
		return zero, &PersistenceError{Op: op, Err: ctx.Err()}
	}
}

func callErr(ctx context.Context, d time.Duration, op string, fn func(context.Context) error) error {
	_, err := call(ctx, d, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// =============================================================================
// SALES
// =============================================================================

type timeoutSales struct {
	next SalePort
	d    time.Duration
}

func (t *timeoutSales) Insert(ctx context.Context, sale Sale) (Sale, error) {
	return call(ctx, t.d, "sales.insert", func(ctx context.Context) (Sale, error) {
		return t.next.Insert(ctx, sale)
	})
}

func (t *timeoutSales) Delete(ctx context.Context, id string) error {
	return callErr(ctx, t.d, "sales.delete", func(ctx context.Context) error {
		return t.next.Delete(ctx, id)
	})
}

func (t *timeoutSales) FindAll(ctx context.Context) ([]Sale, error) {
	return call(ctx, t.d, "sales.find_all", t.next.FindAll)
}

func (t *timeoutSales) Get(ctx context.Context, id string) (Sale, error) {
	return call(ctx, t.d, "sales.get", func(ctx context.Context) (Sale, error) {
		return t.next.Get(ctx, id)
	})
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type timeoutAppointments struct {
	next AppointmentPort
	d    time.Duration
}

func (t *timeoutAppointments) Insert(ctx context.Context, appt Appointment) (Appointment, error) {
	return call(ctx, t.d, "appointments.insert", func(ctx context.Context) (Appointment, error) {
		return t.next.Insert(ctx, appt)
	})
}

func (t *timeoutAppointments) Update(ctx context.Context, id string, patch AppointmentPatch) (Appointment, error) {
	return call(ctx, t.d, "appointments.update", func(ctx context.Context) (Appointment, error) {
		return t.next.Update(ctx, id, patch)
	})
}

func (t *timeoutAppointments) Get(ctx context.Context, id string) (Appointment, error) {
	return call(ctx, t.d, "appointments.get", func(ctx context.Context) (Appointment, error) {
		return t.next.Get(ctx, id)
	})
}

func (t *timeoutAppointments) FindByClientAndService(ctx context.Context, clientID, serviceRef string) ([]Appointment, error) {
	return call(ctx, t.d, "appointments.find_by_client_and_service", func(ctx context.Context) ([]Appointment, error) {
		return t.next.FindByClientAndService(ctx, clientID, serviceRef)
	})
}

func (t *timeoutAppointments) FindByClientAndPackage(ctx context.Context, clientID, packageRef string) ([]Appointment, error) {
	return call(ctx, t.d, "appointments.find_by_client_and_package", func(ctx context.Context) ([]Appointment, error) {
		return t.next.FindByClientAndPackage(ctx, clientID, packageRef)
	})
}

func (t *timeoutAppointments) List(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	return call(ctx, t.d, "appointments.list", func(ctx context.Context) ([]Appointment, error) {
		return t.next.List(ctx, filter)
	})
}

// =============================================================================
// PACKAGES
// =============================================================================

type timeoutPackages struct {
	next PackagePort
	d    time.Duration
}

func (t *timeoutPackages) Get(ctx context.Context, id string) (Package, error) {
	return call(ctx, t.d, "packages.get", func(ctx context.Context) (Package, error) {
		return t.next.Get(ctx, id)
	})
}

func (t *timeoutPackages) Update(ctx context.Context, id string, patch PackagePatch) (Package, error) {
	return call(ctx, t.d, "packages.update", func(ctx context.Context) (Package, error) {
		return t.next.Update(ctx, id, patch)
	})
}

func (t *timeoutPackages) Insert(ctx context.Context, pkg Package) (Package, error) {
	return call(ctx, t.d, "packages.insert", func(ctx context.Context) (Package, error) {
		return t.next.Insert(ctx, pkg)
	})
}

func (t *timeoutPackages) Delete(ctx context.Context, id string) error {
	return callErr(ctx, t.d, "packages.delete", func(ctx context.Context) error {
		return t.next.Delete(ctx, id)
	})
}

func (t *timeoutPackages) List(ctx context.Context, filter PackageFilter) ([]Package, error) {
	return call(ctx, t.d, "packages.list", func(ctx context.Context) ([]Package, error) {
		return t.next.List(ctx, filter)
	})
}
