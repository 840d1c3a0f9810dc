/*
Package factory provides JSON to Go conversion for catalog packages.

PURPOSE:
  Converts JSON package definitions into clinic.Package catalog templates.
  Front-desk staff define bundles (how many sessions, price, how long they
  stay valid) in JSON; checkout copies a template into a client-owned
  package.

JSON SCHEMA:
  {
    "id": "physio-8",
    "name": "Physiotherapy - 8 sessions",
    "description": "Weekly physiotherapy",
    "total_sessions": 8,
    "price": "960.00",
    "validity_days": 120
  }

DEFAULTS:
  - id: generated when empty
  - validity_days: 0 means the package never expires

USAGE:
  f := factory.NewPackageFactory()
  tmpl, err := f.ParsePackage(jsonString)
  _, err = ports.Packages.Insert(ctx, tmpl)

SEE ALSO:
  - clinic/types.go: Package
  - clinic/ledger.go: template instantiation at checkout
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PackageJSON is the JSON representation of a catalog package.
type PackageJSON struct {
	ID            string          `json:"id,omitempty"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	TotalSessions int             `json:"total_sessions"`
	Price         decimal.Decimal `json:"price"`
	ValidityDays  int             `json:"validity_days,omitempty"`
}

// =============================================================================
// FACTORY
// =============================================================================

// PackageFactory creates catalog templates from JSON.
type PackageFactory struct {
	newID func() string
	now   func() time.Time
}

func NewPackageFactory() *PackageFactory {
	return &PackageFactory{
		newID: uuid.NewString,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock makes the factory stamp CreatedAt from clock.
func (f *PackageFactory) WithClock(clock clinic.Clock) *PackageFactory {
	f.now = clock.Now
	return f
}

// ParsePackage parses a JSON string into a catalog template.
func (f *PackageFactory) ParsePackage(jsonStr string) (clinic.Package, error) {
	var pj PackageJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return clinic.Package{}, &clinic.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return f.FromJSON(pj)
}

// FromJSON validates pj and converts it into a template.
func (f *PackageFactory) FromJSON(pj PackageJSON) (clinic.Package, error) {
	if pj.Name == "" {
		return clinic.Package{}, &clinic.ValidationError{Field: "name", Reason: "required"}
	}
	if pj.TotalSessions < 1 {
		return clinic.Package{}, &clinic.ValidationError{Field: "total_sessions", Reason: "must be at least 1"}
	}
	if pj.Price.IsNegative() {
		return clinic.Package{}, &clinic.ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if pj.ValidityDays < 0 {
		return clinic.Package{}, &clinic.ValidationError{Field: "validity_days", Reason: "must not be negative"}
	}

	id := pj.ID
	if id == "" {
		id = f.newID()
	}
	return clinic.Package{
		ID:                id,
		Name:              pj.Name,
		Description:       pj.Description,
		TotalSessions:     pj.TotalSessions,
		RemainingSessions: pj.TotalSessions,
		Price:             pj.Price,
		ValidityDays:      pj.ValidityDays,
		Status:            clinic.PackageActive,
		CreatedAt:         f.now(),
	}, nil
}

// ToJSON is the inverse of FromJSON for templates.
func ToJSON(pkg clinic.Package) PackageJSON {
	return PackageJSON{
		ID:            pkg.ID,
		Name:          pkg.Name,
		Description:   pkg.Description,
		TotalSessions: pkg.TotalSessions,
		Price:         pkg.Price,
		ValidityDays:  pkg.ValidityDays,
	}
}

// =============================================================================
// PRESETS
// =============================================================================

// DefaultCatalog is the demo catalog loaded by the scenarios.
func DefaultCatalog() []PackageJSON {
	return []PackageJSON{
		{
			ID:            "physio-8",
			Name:          "Physiotherapy - 8 sessions",
			Description:   "Weekly physiotherapy",
			TotalSessions: 8,
			Price:         decimal.RequireFromString("960.00"),
			ValidityDays:  120,
		},
		{
			ID:            "massage-4",
			Name:          "Relaxing massage - 4 sessions",
			TotalSessions: 4,
			Price:         decimal.RequireFromString("380.00"),
			ValidityDays:  60,
		},
		{
			ID:            "pilates-10",
			Name:          "Pilates - 10 sessions",
			TotalSessions: 10,
			Price:         decimal.RequireFromString("650.00"),
		},
	}
}
