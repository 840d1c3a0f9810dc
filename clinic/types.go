/*
Package clinic provides the sale-to-appointment engine.

PURPOSE:
  This package turns completed sales into schedulable appointments and
  keeps multi-session package progress in sync with completed sessions.
  It knows nothing about HTTP, SQL or Redis; storage and notification are
  reached only through the ports in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Sale / SaleItem: Immutable record of a checkout
  - Appointment: One schedulable service visit or one package session
  - Package: A multi-session bundle and, once sold, the client's progress
  - SessionEntry: One line of a package's session history

COMPONENTS:
  SaleLedger             (ledger.go)   Records sales, triggers derivation
  AppointmentDeriver     (deriver.go)  Sale items -> appointments, lifecycle
  PackageProgressTracker (progress.go) Used/remaining/status per package

USAGE:
  engine := clinic.NewEngine(ports, clinic.Options{})
  recorded, err := engine.Ledger.RecordSale(ctx, clinic.SaleInput{...})

SEE ALSO:
  - store.go: Port interfaces
  - errors.go: Error taxonomy
*/
package clinic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SALE - Immutable checkout record
// =============================================================================

type ItemKind string

const (
	ItemService ItemKind = "service"
	ItemPackage ItemKind = "package"
	ItemProduct ItemKind = "product"
)

// ProducesAppointments reports whether items of this kind are derived.
func (k ItemKind) ProducesAppointments() bool {
	return k == ItemService || k == ItemPackage
}

type PaymentMethod string

const (
	PaymentCash PaymentMethod = "cash"
	PaymentCard PaymentMethod = "card"
	PaymentPix  PaymentMethod = "pix"
)

// SaleItem is a value object; it is never persisted on its own.
type SaleItem struct {
	Kind      ItemKind
	RefID     string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int

	// CatalogRef is the template package id when a catalog package was
	// instantiated for the client at checkout. Empty otherwise.
	CatalogRef string

	// DurationMinutes is a snapshot of the catalog duration.
	DurationMinutes int
}

// LineTotal is unit price times quantity.
func (i SaleItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Sale struct {
	ID            string
	ClientID      string
	ClientName    string
	ClientPhone   string
	Items         []SaleItem
	Total         decimal.Decimal
	PaymentMethod PaymentMethod
	SaleDate      time.Time
	Notes         string
	CreatedAt     time.Time
}

// ComputeTotal sums the line totals of items.
func ComputeTotal(items []SaleItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.LineTotal())
	}
	return total
}

// =============================================================================
// APPOINTMENT - One service visit or one package session
// =============================================================================

type AppointmentKind string

const (
	KindIndividualService AppointmentKind = "individual_service"
	KindPackageSession    AppointmentKind = "package_session"
)

type AppointmentStatus string

const (
	StatusPendingSchedule AppointmentStatus = "pending_schedule"
	StatusScheduled       AppointmentStatus = "scheduled"
	StatusConfirmed       AppointmentStatus = "confirmed"
	StatusCompleted       AppointmentStatus = "completed"
	StatusCancelled       AppointmentStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPendingSchedule, StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Appointment struct {
	ID          string
	ClientID    string
	ClientName  string
	ClientPhone string
	Kind        AppointmentKind

	// Set iff Kind == KindIndividualService
	ServiceRef string

	// Set iff Kind == KindPackageSession
	PackageRef    string
	SessionNumber int
	TotalSessions int

	// Nil while pending_schedule
	ScheduledDate *time.Time
	ScheduledTime *string

	DurationMinutes int
	Price           decimal.Decimal
	Status          AppointmentStatus
	Notes           string

	// SourceSaleID is a lookup back-reference, not ownership.
	SourceSaleID string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// IsPackageSession is shorthand for Kind == KindPackageSession.
func (a Appointment) IsPackageSession() bool {
	return a.Kind == KindPackageSession
}

// =============================================================================
// PACKAGE - Catalog template or a client's sold bundle
// =============================================================================

type PackageStatus string

const (
	PackageActive    PackageStatus = "active"
	PackageExpiring  PackageStatus = "expiring"
	PackageCompleted PackageStatus = "completed"
	PackageExpired   PackageStatus = "expired"
)

type SessionEntry struct {
	Date  time.Time
	Notes string
}

type Package struct {
	ID          string
	Name        string
	Description string

	// ClientID is empty for a catalog template.
	ClientID string

	TotalSessions     int
	UsedSessions      int
	RemainingSessions int
	Price             decimal.Decimal

	// ValidityDays is applied to the sale date when a template is sold.
	ValidityDays int
	ValidUntil   time.Time

	Status         PackageStatus
	SessionHistory []SessionEntry
	CreatedAt      time.Time
	LastUsedAt     *time.Time
}

// IsTemplate reports whether this is a catalog entry rather than a sold package.
func (p Package) IsTemplate() bool {
	return p.ClientID == ""
}
