/*
store.go - Ports between the engine and the outside world

PURPOSE:
  Defines the only interfaces the engine touches. Storage technology is
  chosen by whoever constructs the ports (see clinic/store.Open); the
  engine never reaches for a global client.

KEY INTERFACES:
  SalePort:        Immutable sale records (insert, delete, find)
  AppointmentPort: Appointment records with compare-and-swap updates
  PackagePort:     Catalog templates and sold packages
  Notifier:        Fire-and-forget events for UI toasts and logs

UNIQUENESS CONTRACT:
  AppointmentPort.Insert MUST reject a second package session with the
  same (ClientID, PackageRef, SessionNumber) with ErrDuplicateAppointment.

COMPARE-AND-SWAP:
  AppointmentPatch.ExpectStatus, when set, makes Update fail with
  ErrConcurrentModification unless the stored status still matches.

IMPLEMENTATIONS:
  - clinic/store/memory.go: In-memory
  - store/sqlite/sqlite.go: SQLite
*/
package clinic

import (
	"context"
	"time"
)

// =============================================================================
// STORAGE MODE
// =============================================================================

// StorageMode selects the port implementation at construction time.
type StorageMode string

const (
	StorageMemory StorageMode = "memory"
	StorageSQLite StorageMode = "sqlite"
)

func (m StorageMode) Valid() bool {
	return m == StorageMemory || m == StorageSQLite
}

// =============================================================================
// PORTS
// =============================================================================

type SalePort interface {
	Insert(ctx context.Context, sale Sale) (Sale, error)
	Delete(ctx context.Context, id string) error
	FindAll(ctx context.Context) ([]Sale, error)
	Get(ctx context.Context, id string) (Sale, error)
}

type AppointmentPort interface {
	Insert(ctx context.Context, appt Appointment) (Appointment, error)
	Update(ctx context.Context, id string, patch AppointmentPatch) (Appointment, error)
	Get(ctx context.Context, id string) (Appointment, error)

	// FindByClientAndService returns every individual-service appointment
	// for the pair, oldest first.
	FindByClientAndService(ctx context.Context, clientID, serviceRef string) ([]Appointment, error)

	// FindByClientAndPackage returns every session for the pair ordered by
	// session number.
	FindByClientAndPackage(ctx context.Context, clientID, packageRef string) ([]Appointment, error)

	List(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
}

type PackagePort interface {
	Get(ctx context.Context, id string) (Package, error)
	Update(ctx context.Context, id string, patch PackagePatch) (Package, error)
	Insert(ctx context.Context, pkg Package) (Package, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter PackageFilter) ([]Package, error)
}

// Ports bundles everything the engine needs.
type Ports struct {
	Sales        SalePort
	Appointments AppointmentPort
	Packages     PackagePort
	Notifier     Notifier
}

// =============================================================================
// PATCHES AND FILTERS
// =============================================================================

// AppointmentPatch lists the fields an update may change. Nil means untouched.
type AppointmentPatch struct {
	ExpectStatus  *AppointmentStatus
	Status        *AppointmentStatus
	ScheduledDate *time.Time
	ScheduledTime *string
	CompletedAt   *time.Time
	Notes         *string
	UpdatedAt     time.Time
}

// Apply returns a copy of appt with the patch applied.
func (p AppointmentPatch) Apply(appt Appointment) Appointment {
	if p.Status != nil {
		appt.Status = *p.Status
	}
	if p.ScheduledDate != nil {
		d := *p.ScheduledDate
		appt.ScheduledDate = &d
	}
	if p.ScheduledTime != nil {
		t := *p.ScheduledTime
		appt.ScheduledTime = &t
	}
	if p.CompletedAt != nil {
		c := *p.CompletedAt
		appt.CompletedAt = &c
	}
	if p.Notes != nil {
		appt.Notes = *p.Notes
	}
	if !p.UpdatedAt.IsZero() {
		appt.UpdatedAt = p.UpdatedAt
	}
	return appt
}

// PackagePatch lists the progress fields the tracker owns.
type PackagePatch struct {
	UsedSessions      *int
	RemainingSessions *int
	Status            *PackageStatus
	SessionHistory    []SessionEntry // replaces the whole history when non-nil
	LastUsedAt        *time.Time
}

func (p PackagePatch) Apply(pkg Package) Package {
	if p.UsedSessions != nil {
		pkg.UsedSessions = *p.UsedSessions
	}
	if p.RemainingSessions != nil {
		pkg.RemainingSessions = *p.RemainingSessions
	}
	if p.Status != nil {
		pkg.Status = *p.Status
	}
	if p.SessionHistory != nil {
		pkg.SessionHistory = append([]SessionEntry(nil), p.SessionHistory...)
	}
	if p.LastUsedAt != nil {
		t := *p.LastUsedAt
		pkg.LastUsedAt = &t
	}
	return pkg
}

type AppointmentFilter struct {
	ClientID string
	Status   AppointmentStatus
	SaleID   string
}

// Matches reports whether appt passes every non-empty filter field.
func (f AppointmentFilter) Matches(appt Appointment) bool {
	if f.ClientID != "" && appt.ClientID != f.ClientID {
		return false
	}
	if f.Status != "" && appt.Status != f.Status {
		return false
	}
	if f.SaleID != "" && appt.SourceSaleID != f.SaleID {
		return false
	}
	return true
}

type PackageFilter struct {
	ClientID      string
	TemplatesOnly bool
	SoldOnly      bool
}

func (f PackageFilter) Matches(pkg Package) bool {
	if f.ClientID != "" && pkg.ClientID != f.ClientID {
		return false
	}
	if f.TemplatesOnly && !pkg.IsTemplate() {
		return false
	}
	if f.SoldOnly && pkg.IsTemplate() {
		return false
	}
	return true
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type EventType string

const (
	EventSaleRecorded         EventType = "sale_recorded"
	EventSaleDeleted          EventType = "sale_deleted"
	EventAppointmentCreated   EventType = "appointment_created"
	EventAppointmentScheduled EventType = "appointment_scheduled"
	EventAppointmentConfirmed EventType = "appointment_confirmed"
	EventAppointmentCompleted EventType = "appointment_completed"
	EventAppointmentCancelled EventType = "appointment_cancelled"
	EventDerivationSkipped    EventType = "derivation_skipped"
	EventPackageProgressed    EventType = "package_progressed"
	EventPackageStatusChanged EventType = "package_status_changed"
)

type Event struct {
	Type          EventType         `json:"type"`
	At            time.Time         `json:"at"`
	SaleID        string            `json:"sale_id,omitempty"`
	AppointmentID string            `json:"appointment_id,omitempty"`
	PackageID     string            `json:"package_id,omitempty"`
	ClientID      string            `json:"client_id,omitempty"`
	Message       string            `json:"message,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// Notifier receives engine events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}
