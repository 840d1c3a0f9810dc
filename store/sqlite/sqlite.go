/*
Package sqlite provides a SQLite-backed implementation of the clinic ports.

PURPOSE:
  Persists sales, appointments and packages so that a restart of the
  server, or a clinicctl run against the same file, sees the same state.

PORTS IMPLEMENTED:
  clinic.SalePort:        via Store.Sales()
  clinic.AppointmentPort: via Store.Appointments()
  clinic.PackagePort:     via Store.Packages()

KEY TABLES:
  sales:        Immutable checkout facts, items as JSON
  appointments: Service visits and package sessions
  packages:     Catalog templates (client_id NULL) and sold packages

CONSTRAINTS:
  - idx_unique_package_session: at most one session per
    (client, package, session number). Violations map to
    clinic.ErrDuplicateAppointment.
  - Appointment updates are compare-and-swap on the previous status.
    A lost race maps to clinic.ErrConcurrentModification.

CONCURRENCY:
  Uses sync.RWMutex within one process. The status CAS and the unique
  index keep two processes sharing a file honest.

USAGE:
  store, err := sqlite.New("./data/clinic.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := clinic.NewEngine(store.Ports(), clinic.Options{})

SEE ALSO:
  - clinic/store.go: Port definitions
  - clinic/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/clinic-engine/clinic"
)

// timeLayout is fixed-width so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements the clinic ports using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ports returns the three port views of the store.
func (s *Store) Ports() clinic.Ports {
	return clinic.Ports{
		Sales:        s.Sales(),
		Appointments: s.Appointments(),
		Packages:     s.Packages(),
	}
}

func (s *Store) Sales() *SaleStore               { return &SaleStore{s} }
func (s *Store) Appointments() *AppointmentStore { return &AppointmentStore{s} }
func (s *Store) Packages() *PackageStore         { return &PackageStore{s} }

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_name TEXT,
		client_phone TEXT,
		items_json TEXT NOT NULL,
		total TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		sale_date TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_created_at
		ON sales(created_at);

	CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_name TEXT,
		client_phone TEXT,
		kind TEXT NOT NULL,
		service_ref TEXT,
		package_ref TEXT,
		session_number INTEGER NOT NULL DEFAULT 0,
		total_sessions INTEGER NOT NULL DEFAULT 0,
		scheduled_date TEXT,
		scheduled_time TEXT,
		duration_minutes INTEGER NOT NULL,
		price TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		source_sale_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);

	-- One session per (client, package, number). This is the last line of
	-- defence against two derivations racing on the same package.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_package_session
		ON appointments(client_id, package_ref, session_number)
		WHERE kind = 'package_session';

	CREATE INDEX IF NOT EXISTS idx_appointments_client_service
		ON appointments(client_id, service_ref) WHERE kind = 'individual_service';
	CREATE INDEX IF NOT EXISTS idx_appointments_status
		ON appointments(status);
	CREATE INDEX IF NOT EXISTS idx_appointments_sale
		ON appointments(source_sale_id) WHERE source_sale_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT,
		client_id TEXT,
		total_sessions INTEGER NOT NULL,
		used_sessions INTEGER NOT NULL DEFAULT 0,
		remaining_sessions INTEGER NOT NULL DEFAULT 0,
		price TEXT NOT NULL,
		validity_days INTEGER NOT NULL DEFAULT 0,
		valid_until TEXT,
		status TEXT NOT NULL,
		session_history_json TEXT,
		created_at TEXT NOT NULL,
		last_used_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_packages_client
		ON packages(client_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"appointments", "packages", "sales"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// SALES (clinic.SalePort)
// =============================================================================

type SaleStore struct{ s *Store }

// itemRecord is the JSON shape of a sale item inside items_json.
type itemRecord struct {
	Kind            string `json:"kind"`
	RefID           string `json:"ref_id"`
	Name            string `json:"name"`
	UnitPrice       string `json:"unit_price"`
	Quantity        int    `json:"quantity"`
	CatalogRef      string `json:"catalog_ref,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

func (v *SaleStore) Insert(ctx context.Context, sale clinic.Sale) (clinic.Sale, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	records := make([]itemRecord, len(sale.Items))
	for i, it := range sale.Items {
		records[i] = itemRecord{
			Kind:            string(it.Kind),
			RefID:           it.RefID,
			Name:            it.Name,
			UnitPrice:       it.UnitPrice.String(),
			Quantity:        it.Quantity,
			CatalogRef:      it.CatalogRef,
			DurationMinutes: it.DurationMinutes,
		}
	}
	itemsJSON, err := json.Marshal(records)
	if err != nil {
		return clinic.Sale{}, fmt.Errorf("failed to encode sale items: %w", err)
	}

	query := `
		INSERT INTO sales
		(id, client_id, client_name, client_phone, items_json, total,
		 payment_method, sale_date, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = v.s.db.ExecContext(ctx, query,
		sale.ID,
		sale.ClientID,
		nullString(sale.ClientName),
		nullString(sale.ClientPhone),
		string(itemsJSON),
		sale.Total.String(),
		string(sale.PaymentMethod),
		formatTime(sale.SaleDate),
		nullString(sale.Notes),
		formatTime(sale.CreatedAt),
	)
	if err != nil {
		return clinic.Sale{}, fmt.Errorf("failed to insert sale: %w", err)
	}
	return sale, nil
}

func (v *SaleStore) Delete(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	res, err := v.s.db.ExecContext(ctx, "DELETE FROM sales WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete sale: %w", err)
	}
	return requireRow(res)
}

func (v *SaleStore) FindAll(ctx context.Context) ([]clinic.Sale, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	rows, err := v.s.db.QueryContext(ctx, saleSelect+" ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	var sales []clinic.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (v *SaleStore) Get(ctx context.Context, id string) (clinic.Sale, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	sale, err := scanSale(v.s.db.QueryRowContext(ctx, saleSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return clinic.Sale{}, clinic.ErrNotFound
	}
	return sale, err
}

const saleSelect = `
	SELECT id, client_id, client_name, client_phone, items_json, total,
	       payment_method, sale_date, notes, created_at
	FROM sales`

func scanSale(row scanner) (clinic.Sale, error) {
	var (
		sale        clinic.Sale
		clientName  sql.NullString
		clientPhone sql.NullString
		itemsJSON   string
		total       string
		method      string
		saleDate    string
		notes       sql.NullString
		createdAt   string
	)
	err := row.Scan(&sale.ID, &sale.ClientID, &clientName, &clientPhone, &itemsJSON,
		&total, &method, &saleDate, &notes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sale, err
	}
	if err != nil {
		return sale, fmt.Errorf("failed to scan sale: %w", err)
	}

	var records []itemRecord
	if err := json.Unmarshal([]byte(itemsJSON), &records); err != nil {
		return sale, fmt.Errorf("failed to decode items of sale %s: %w", sale.ID, err)
	}
	dec := columnDecoder{table: "sale", id: sale.ID}
	sale.Items = make([]clinic.SaleItem, len(records))
	for i, r := range records {
		sale.Items[i] = clinic.SaleItem{
			Kind:            clinic.ItemKind(r.Kind),
			RefID:           r.RefID,
			Name:            r.Name,
			UnitPrice:       dec.decimal(fmt.Sprintf("items[%d].unit_price", i), r.UnitPrice),
			Quantity:        r.Quantity,
			CatalogRef:      r.CatalogRef,
			DurationMinutes: r.DurationMinutes,
		}
	}

	sale.ClientName = clientName.String
	sale.ClientPhone = clientPhone.String
	sale.Total = dec.decimal("total", total)
	sale.PaymentMethod = clinic.PaymentMethod(method)
	sale.SaleDate = dec.time("sale_date", saleDate)
	sale.Notes = notes.String
	sale.CreatedAt = dec.time("created_at", createdAt)
	return sale, dec.err
}

// =============================================================================
// APPOINTMENTS (clinic.AppointmentPort)
// =============================================================================

type AppointmentStore struct{ s *Store }

func (v *AppointmentStore) Insert(ctx context.Context, appt clinic.Appointment) (clinic.Appointment, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	query := `
		INSERT INTO appointments
		(id, client_id, client_name, client_phone, kind, service_ref, package_ref,
		 session_number, total_sessions, scheduled_date, scheduled_time,
		 duration_minutes, price, status, notes, source_sale_id,
		 created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := v.s.db.ExecContext(ctx, query,
		appt.ID,
		appt.ClientID,
		nullString(appt.ClientName),
		nullString(appt.ClientPhone),
		string(appt.Kind),
		nullString(appt.ServiceRef),
		nullString(appt.PackageRef),
		appt.SessionNumber,
		appt.TotalSessions,
		nullTime(appt.ScheduledDate),
		nullStringPtr(appt.ScheduledTime),
		appt.DurationMinutes,
		appt.Price.String(),
		string(appt.Status),
		nullString(appt.Notes),
		nullString(appt.SourceSaleID),
		formatTime(appt.CreatedAt),
		formatTime(appt.UpdatedAt),
		nullTime(appt.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return clinic.Appointment{}, clinic.ErrDuplicateAppointment
		}
		return clinic.Appointment{}, fmt.Errorf("failed to insert appointment: %w", err)
	}
	return appt, nil
}

// Update applies patch. When ExpectStatus is set the row is only written if
// its status still matches.
func (v *AppointmentStore) Update(ctx context.Context, id string, patch clinic.AppointmentPatch) (clinic.Appointment, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	current, err := scanAppointment(v.s.db.QueryRowContext(ctx, appointmentSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return clinic.Appointment{}, clinic.ErrNotFound
	}
	if err != nil {
		return clinic.Appointment{}, err
	}
	if patch.ExpectStatus != nil && current.Status != *patch.ExpectStatus {
		return clinic.Appointment{}, clinic.ErrConcurrentModification
	}
	updated := patch.Apply(current)

	query := `
		UPDATE appointments
		SET status = ?, scheduled_date = ?, scheduled_time = ?, notes = ?,
		    updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`
	res, err := v.s.db.ExecContext(ctx, query,
		string(updated.Status),
		nullTime(updated.ScheduledDate),
		nullStringPtr(updated.ScheduledTime),
		nullString(updated.Notes),
		formatTime(updated.UpdatedAt),
		nullTime(updated.CompletedAt),
		id,
		string(current.Status),
	)
	if err != nil {
		return clinic.Appointment{}, fmt.Errorf("failed to update appointment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return clinic.Appointment{}, clinic.ErrConcurrentModification
	}
	return updated, nil
}

func (v *AppointmentStore) Get(ctx context.Context, id string) (clinic.Appointment, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	appt, err := scanAppointment(v.s.db.QueryRowContext(ctx, appointmentSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return clinic.Appointment{}, clinic.ErrNotFound
	}
	return appt, err
}

func (v *AppointmentStore) FindByClientAndService(ctx context.Context, clientID, serviceRef string) ([]clinic.Appointment, error) {
	return v.query(ctx, appointmentSelect+`
		WHERE kind = 'individual_service' AND client_id = ? AND service_ref = ?
		ORDER BY created_at ASC, id ASC`, clientID, serviceRef)
}

func (v *AppointmentStore) FindByClientAndPackage(ctx context.Context, clientID, packageRef string) ([]clinic.Appointment, error) {
	return v.query(ctx, appointmentSelect+`
		WHERE kind = 'package_session' AND client_id = ? AND package_ref = ?
		ORDER BY session_number ASC, created_at ASC`, clientID, packageRef)
}

func (v *AppointmentStore) List(ctx context.Context, filter clinic.AppointmentFilter) ([]clinic.Appointment, error) {
	var (
		where []string
		args  []any
	)
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SaleID != "" {
		where = append(where, "source_sale_id = ?")
		args = append(args, filter.SaleID)
	}

	query := appointmentSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	return v.query(ctx, query, args...)
}

func (v *AppointmentStore) query(ctx context.Context, query string, args ...any) ([]clinic.Appointment, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	rows, err := v.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query appointments: %w", err)
	}
	defer rows.Close()

	var appts []clinic.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	return appts, rows.Err()
}

const appointmentSelect = `
	SELECT id, client_id, client_name, client_phone, kind, service_ref, package_ref,
	       session_number, total_sessions, scheduled_date, scheduled_time,
	       duration_minutes, price, status, notes, source_sale_id,
	       created_at, updated_at, completed_at
	FROM appointments`

func scanAppointment(row scanner) (clinic.Appointment, error) {
	var (
		a             clinic.Appointment
		clientName    sql.NullString
		clientPhone   sql.NullString
		kind          string
		serviceRef    sql.NullString
		packageRef    sql.NullString
		scheduledDate sql.NullString
		scheduledTime sql.NullString
		price         string
		status        string
		notes         sql.NullString
		sourceSaleID  sql.NullString
		createdAt     string
		updatedAt     string
		completedAt   sql.NullString
	)
	err := row.Scan(&a.ID, &a.ClientID, &clientName, &clientPhone, &kind, &serviceRef, &packageRef,
		&a.SessionNumber, &a.TotalSessions, &scheduledDate, &scheduledTime,
		&a.DurationMinutes, &price, &status, &notes, &sourceSaleID,
		&createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, err
	}
	if err != nil {
		return a, fmt.Errorf("failed to scan appointment: %w", err)
	}

	dec := columnDecoder{table: "appointment", id: a.ID}
	a.ClientName = clientName.String
	a.ClientPhone = clientPhone.String
	a.Kind = clinic.AppointmentKind(kind)
	a.ServiceRef = serviceRef.String
	a.PackageRef = packageRef.String
	a.ScheduledDate = dec.nullTime("scheduled_date", scheduledDate)
	if scheduledTime.Valid {
		t := scheduledTime.String
		a.ScheduledTime = &t
	}
	a.Price = dec.decimal("price", price)
	a.Status = clinic.AppointmentStatus(status)
	a.Notes = notes.String
	a.SourceSaleID = sourceSaleID.String
	a.CreatedAt = dec.time("created_at", createdAt)
	a.UpdatedAt = dec.time("updated_at", updatedAt)
	a.CompletedAt = dec.nullTime("completed_at", completedAt)
	return a, dec.err
}

// =============================================================================
// PACKAGES (clinic.PackagePort)
// =============================================================================

type PackageStore struct{ s *Store }

type sessionRecord struct {
	Date  string `json:"date"`
	Notes string `json:"notes,omitempty"`
}

func (v *PackageStore) Insert(ctx context.Context, pkg clinic.Package) (clinic.Package, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	history, err := encodeHistory(pkg.SessionHistory)
	if err != nil {
		return clinic.Package{}, err
	}

	query := `
		INSERT INTO packages
		(id, name, description, client_id, total_sessions, used_sessions,
		 remaining_sessions, price, validity_days, valid_until, status,
		 session_history_json, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = v.s.db.ExecContext(ctx, query,
		pkg.ID,
		pkg.Name,
		nullString(pkg.Description),
		nullString(pkg.ClientID),
		pkg.TotalSessions,
		pkg.UsedSessions,
		pkg.RemainingSessions,
		pkg.Price.String(),
		pkg.ValidityDays,
		nullTime(&pkg.ValidUntil),
		string(pkg.Status),
		history,
		formatTime(pkg.CreatedAt),
		nullTime(pkg.LastUsedAt),
	)
	if err != nil {
		return clinic.Package{}, fmt.Errorf("failed to insert package: %w", err)
	}
	return pkg, nil
}

func (v *PackageStore) Update(ctx context.Context, id string, patch clinic.PackagePatch) (clinic.Package, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	current, err := scanPackage(v.s.db.QueryRowContext(ctx, packageSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return clinic.Package{}, clinic.ErrNotFound
	}
	if err != nil {
		return clinic.Package{}, err
	}
	updated := patch.Apply(current)

	history, err := encodeHistory(updated.SessionHistory)
	if err != nil {
		return clinic.Package{}, err
	}
	query := `
		UPDATE packages
		SET used_sessions = ?, remaining_sessions = ?, status = ?,
		    session_history_json = ?, last_used_at = ?
		WHERE id = ?
	`
	_, err = v.s.db.ExecContext(ctx, query,
		updated.UsedSessions,
		updated.RemainingSessions,
		string(updated.Status),
		history,
		nullTime(updated.LastUsedAt),
		id,
	)
	if err != nil {
		return clinic.Package{}, fmt.Errorf("failed to update package: %w", err)
	}
	return updated, nil
}

func (v *PackageStore) Get(ctx context.Context, id string) (clinic.Package, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	pkg, err := scanPackage(v.s.db.QueryRowContext(ctx, packageSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return clinic.Package{}, clinic.ErrNotFound
	}
	return pkg, err
}

func (v *PackageStore) Delete(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	res, err := v.s.db.ExecContext(ctx, "DELETE FROM packages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete package: %w", err)
	}
	return requireRow(res)
}

func (v *PackageStore) List(ctx context.Context, filter clinic.PackageFilter) ([]clinic.Package, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, filter.ClientID)
	}
	if filter.TemplatesOnly {
		where = append(where, "client_id IS NULL")
	}
	if filter.SoldOnly {
		where = append(where, "client_id IS NOT NULL")
	}

	query := packageSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC, id ASC"

	rows, err := v.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var pkgs []clinic.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, rows.Err()
}

const packageSelect = `
	SELECT id, name, description, client_id, total_sessions, used_sessions,
	       remaining_sessions, price, validity_days, valid_until, status,
	       session_history_json, created_at, last_used_at
	FROM packages`

func scanPackage(row scanner) (clinic.Package, error) {
	var (
		p           clinic.Package
		description sql.NullString
		clientID    sql.NullString
		price       string
		validUntil  sql.NullString
		status      string
		historyJSON sql.NullString
		createdAt   string
		lastUsedAt  sql.NullString
	)
	err := row.Scan(&p.ID, &p.Name, &description, &clientID, &p.TotalSessions, &p.UsedSessions,
		&p.RemainingSessions, &price, &p.ValidityDays, &validUntil, &status,
		&historyJSON, &createdAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan package: %w", err)
	}

	dec := columnDecoder{table: "package", id: p.ID}
	p.Description = description.String
	p.ClientID = clientID.String
	p.Price = dec.decimal("price", price)
	if vu := dec.nullTime("valid_until", validUntil); vu != nil {
		p.ValidUntil = *vu
	}
	p.Status = clinic.PackageStatus(status)
	p.CreatedAt = dec.time("created_at", createdAt)
	p.LastUsedAt = dec.nullTime("last_used_at", lastUsedAt)

	if historyJSON.Valid && historyJSON.String != "" {
		var records []sessionRecord
		if err := json.Unmarshal([]byte(historyJSON.String), &records); err != nil {
			return p, fmt.Errorf("failed to decode history of package %s: %w", p.ID, err)
		}
		p.SessionHistory = make([]clinic.SessionEntry, len(records))
		for i, r := range records {
			p.SessionHistory[i] = clinic.SessionEntry{
				Date:  dec.time(fmt.Sprintf("session_history[%d].date", i), r.Date),
				Notes: r.Notes,
			}
		}
	}
	return p, dec.err
}

func encodeHistory(history []clinic.SessionEntry) (sql.NullString, error) {
	if len(history) == 0 {
		return sql.NullString{}, nil
	}
	records := make([]sessionRecord, len(history))
	for i, e := range history {
		records[i] = sessionRecord{Date: formatTime(e.Date), Notes: e.Notes}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode session history: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return clinic.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// columnDecoder parses the text columns of one row and keeps the first
// failure. A corrupt value fails the read; it never becomes a zero.
type columnDecoder struct {
	table string
	id    string
	err   error
}

func (d *columnDecoder) fail(column string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("corrupt %s %s: column %s: %w", d.table, d.id, column, err)
	}
}

func (d *columnDecoder) time(column, s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		d.fail(column, err)
	}
	return t
}

func (d *columnDecoder) nullTime(column string, s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := d.time(column, s.String)
	return &t
}

func (d *columnDecoder) decimal(column, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		d.fail(column, err)
	}
	return v
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
