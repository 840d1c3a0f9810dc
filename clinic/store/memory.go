// Package store provides port implementations and the StorageMode switch.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements SalePort, AppointmentPort and PackagePort. It enforces
// the same uniqueness and compare-and-swap rules as the SQLite store.
type Memory struct {
	mu           sync.RWMutex
	sales        map[string]clinic.Sale
	appointments map[string]clinic.Appointment
	packages     map[string]clinic.Package
	sessions     map[sessionKey]string
}

type sessionKey struct {
	ClientID      string
	PackageRef    string
	SessionNumber int
}

func NewMemory() *Memory {
	return &Memory{
		sales:        make(map[string]clinic.Sale),
		appointments: make(map[string]clinic.Appointment),
		packages:     make(map[string]clinic.Package),
		sessions:     make(map[sessionKey]string),
	}
}

// Ports exposes the memory store through the engine's port bundle.
func (m *Memory) Ports() clinic.Ports {
	return clinic.Ports{
		Sales:        SalesView{m},
		Appointments: AppointmentsView{m},
		Packages:     PackagesView{m},
	}
}

// Reset drops every record.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales = make(map[string]clinic.Sale)
	m.appointments = make(map[string]clinic.Appointment)
	m.packages = make(map[string]clinic.Package)
	m.sessions = make(map[sessionKey]string)
	return nil
}

// =============================================================================
// SALES
// =============================================================================

type SalesView struct{ m *Memory }

func (v SalesView) Insert(_ context.Context, sale clinic.Sale) (clinic.Sale, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	sale.Items = append([]clinic.SaleItem(nil), sale.Items...)
	v.m.sales[sale.ID] = sale
	return sale, nil
}

func (v SalesView) Delete(_ context.Context, id string) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	if _, ok := v.m.sales[id]; !ok {
		return clinic.ErrNotFound
	}
	delete(v.m.sales, id)
	return nil
}

func (v SalesView) FindAll(_ context.Context) ([]clinic.Sale, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	result := make([]clinic.Sale, 0, len(v.m.sales))
	for _, s := range v.m.sales {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (v SalesView) Get(_ context.Context, id string) (clinic.Sale, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	s, ok := v.m.sales[id]
	if !ok {
		return clinic.Sale{}, clinic.ErrNotFound
	}
	return s, nil
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type AppointmentsView struct{ m *Memory }

func (v AppointmentsView) Insert(_ context.Context, appt clinic.Appointment) (clinic.Appointment, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	if appt.IsPackageSession() {
		k := sessionKey{appt.ClientID, appt.PackageRef, appt.SessionNumber}
		if _, taken := v.m.sessions[k]; taken {
			return clinic.Appointment{}, clinic.ErrDuplicateAppointment
		}
		v.m.sessions[k] = appt.ID
	}
	v.m.appointments[appt.ID] = appt
	return appt, nil
}

func (v AppointmentsView) Update(_ context.Context, id string, patch clinic.AppointmentPatch) (clinic.Appointment, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	current, ok := v.m.appointments[id]
	if !ok {
		return clinic.Appointment{}, clinic.ErrNotFound
	}
	if patch.ExpectStatus != nil && current.Status != *patch.ExpectStatus {
		return clinic.Appointment{}, clinic.ErrConcurrentModification
	}
	updated := patch.Apply(current)
	v.m.appointments[id] = updated
	return updated, nil
}

func (v AppointmentsView) Get(_ context.Context, id string) (clinic.Appointment, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	a, ok := v.m.appointments[id]
	if !ok {
		return clinic.Appointment{}, clinic.ErrNotFound
	}
	return a, nil
}

func (v AppointmentsView) FindByClientAndService(_ context.Context, clientID, serviceRef string) ([]clinic.Appointment, error) {
	return v.collect(func(a clinic.Appointment) bool {
		return a.Kind == clinic.KindIndividualService && a.ClientID == clientID && a.ServiceRef == serviceRef
	}), nil
}

func (v AppointmentsView) FindByClientAndPackage(_ context.Context, clientID, packageRef string) ([]clinic.Appointment, error) {
	result := v.collect(func(a clinic.Appointment) bool {
		return a.Kind == clinic.KindPackageSession && a.ClientID == clientID && a.PackageRef == packageRef
	})
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].SessionNumber < result[j].SessionNumber
	})
	return result, nil
}

func (v AppointmentsView) List(_ context.Context, filter clinic.AppointmentFilter) ([]clinic.Appointment, error) {
	return v.collect(filter.Matches), nil
}

// collect returns matching appointments ordered by creation time.
func (v AppointmentsView) collect(match func(clinic.Appointment) bool) []clinic.Appointment {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	var result []clinic.Appointment
	for _, a := range v.m.appointments {
		if match(a) {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// =============================================================================
// PACKAGES
// =============================================================================

type PackagesView struct{ m *Memory }

func (v PackagesView) Get(_ context.Context, id string) (clinic.Package, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	p, ok := v.m.packages[id]
	if !ok {
		return clinic.Package{}, clinic.ErrNotFound
	}
	return p, nil
}

func (v PackagesView) Update(_ context.Context, id string, patch clinic.PackagePatch) (clinic.Package, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	current, ok := v.m.packages[id]
	if !ok {
		return clinic.Package{}, clinic.ErrNotFound
	}
	updated := patch.Apply(current)
	v.m.packages[id] = updated
	return updated, nil
}

func (v PackagesView) Insert(_ context.Context, pkg clinic.Package) (clinic.Package, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	pkg.SessionHistory = append([]clinic.SessionEntry(nil), pkg.SessionHistory...)
	v.m.packages[pkg.ID] = pkg
	return pkg, nil
}

func (v PackagesView) Delete(_ context.Context, id string) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()

	if _, ok := v.m.packages[id]; !ok {
		return clinic.ErrNotFound
	}
	delete(v.m.packages, id)
	return nil
}

func (v PackagesView) List(_ context.Context, filter clinic.PackageFilter) ([]clinic.Package, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	var result []clinic.Package
	for _, p := range v.m.packages {
		if filter.Matches(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].ID < result[j].ID
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}
