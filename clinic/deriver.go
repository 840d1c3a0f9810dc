/*
deriver.go - Sale items to appointments, and the appointment lifecycle

PURPOSE:
  Converts the service and package items of a sale into appointment
  records with an at-most-one-per-logical-unit guarantee, then drives each
  appointment through its status machine.

STATUS MACHINE:
  ┌──────────────────┐  Schedule   ┌───────────┐  Confirm  ┌───────────┐
  │ pending_schedule │ ──────────▶ │ scheduled │ ────────▶ │ confirmed │
  └──────────────────┘             └───────────┘           └───────────┘
           │                          │     │                 │     │
           │ Cancel          Complete │     │ Cancel          │     │
           ▼                          ▼     ▼        Complete │     │ Cancel
      cancelled ◀──────────────── completed / cancelled ◀─────┘─────┘

  Terminal: completed, cancelled.

DERIVATION RULES:
  product  -> skipped, never derived
  service  -> one appointment per (client, service), ever. Any existing
              appointment, whatever its status, makes the item a duplicate
  package  -> ONE visible session at a time. A pending session means the
              item is already represented. Otherwise session count+1 is
              created while count < purchased sessions.

UNLOCKING:
  Completing package session N creates session N+1 (if N < total).
  Cancelling never unlocks anything.

CONCURRENCY:
  All work on one (client, service) or (client, package) key runs under a
  KeyedMutex; status updates are compare-and-swap on the previous status;
  stores reject duplicate (client, package, session) inserts.
*/
package clinic

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultDurationMinutes is used when a sale item carries no duration.
const DefaultDurationMinutes = 60

var scheduledTimePattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// =============================================================================
// DERIVATION RESULT
// =============================================================================

type DerivationResult struct {
	SaleID             string
	Created            int
	SkippedDuplicate   int
	SkippedProductType int
	Appointments       []Appointment
	Failures           []ItemFailure
}

// Summary renders the counts as a single human-readable line.
func (r *DerivationResult) Summary() string {
	parts := []string{fmt.Sprintf("%d appointment(s) created", r.Created)}
	if r.SkippedDuplicate > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped as duplicate", r.SkippedDuplicate))
	}
	if r.SkippedProductType > 0 {
		parts = append(parts, fmt.Sprintf("%d product item(s) ignored", r.SkippedProductType))
	}
	if len(r.Failures) > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", len(r.Failures)))
	}
	return strings.Join(parts, ", ")
}

// Err returns the aggregated failure, or nil when every item went through.
func (r *DerivationResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &DerivationError{SaleID: r.SaleID, Failures: r.Failures}
}

type itemOutcome int

const (
	outcomeCreated itemOutcome = iota
	outcomeDuplicate
)

// =============================================================================
// DERIVER
// =============================================================================

type AppointmentDeriver struct {
	appointments AppointmentPort
	tracker      *PackageProgressTracker
	notifier     Notifier
	clock        Clock
	logger       *zap.Logger
	locks        *KeyedMutex
	newID        func() string
}

func NewAppointmentDeriver(
	appointments AppointmentPort,
	tracker *PackageProgressTracker,
	notifier Notifier,
	clock Clock,
	logger *zap.Logger,
) *AppointmentDeriver {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppointmentDeriver{
		appointments: appointments,
		tracker:      tracker,
		notifier:     notifier,
		clock:        clock,
		logger:       logger,
		locks:        NewKeyedMutex(),
		newID:        uuid.NewString,
	}
}

// DeriveFromSale creates the appointments a sale calls for. Items are
// handled one after another; a failing item is recorded and the loop goes
// on. The returned error, if any, is a *DerivationError and the result
// still lists every success.
func (d *AppointmentDeriver) DeriveFromSale(ctx context.Context, sale Sale) (*DerivationResult, error) {
	result := &DerivationResult{SaleID: sale.ID}

	for i, item := range sale.Items {
		if !item.Kind.ProducesAppointments() {
			result.SkippedProductType++
			continue
		}

		var (
			appt    *Appointment
			outcome itemOutcome
			err     error
		)
		switch item.Kind {
		case ItemService:
			appt, outcome, err = d.deriveService(ctx, sale, item)
		case ItemPackage:
			appt, outcome, err = d.derivePackage(ctx, sale, item)
		}

		if err != nil {
			result.Failures = append(result.Failures, ItemFailure{
				SaleID:    sale.ID,
				ItemIndex: i,
				Kind:      item.Kind,
				RefID:     item.RefID,
				Err:       err,
			})
			d.logger.Error("derivation failed for item",
				zap.String("sale_id", sale.ID),
				zap.Int("item_index", i),
				zap.String("ref_id", item.RefID),
				zap.Error(err))
			continue
		}

		switch outcome {
		case outcomeCreated:
			result.Created++
			result.Appointments = append(result.Appointments, *appt)
		case outcomeDuplicate:
			result.SkippedDuplicate++
			notify(ctx, d.notifier, d.logger, Event{
				Type:     EventDerivationSkipped,
				At:       d.clock.Now(),
				SaleID:   sale.ID,
				ClientID: sale.ClientID,
				Message:  fmt.Sprintf("%s %s already exists", item.Kind, item.RefID),
			})
		}
	}

	d.logger.Info("sale derived",
		zap.String("sale_id", sale.ID),
		zap.Int("created", result.Created),
		zap.Int("skipped_duplicate", result.SkippedDuplicate),
		zap.Int("skipped_product", result.SkippedProductType),
		zap.Int("failed", len(result.Failures)))

	return result, result.Err()
}

func (d *AppointmentDeriver) deriveService(ctx context.Context, sale Sale, item SaleItem) (*Appointment, itemOutcome, error) {
	unlock := d.locks.Lock(serviceKey(sale.ClientID, item.RefID))
	defer unlock()

	existing, err := d.appointments.FindByClientAndService(ctx, sale.ClientID, item.RefID)
	if err != nil {
		return nil, 0, persistence("appointments.find_by_client_and_service", err)
	}
	if len(existing) > 0 {
		return nil, outcomeDuplicate, nil
	}

	now := d.clock.Now()
	appt := Appointment{
		ID:              d.newID(),
		ClientID:        sale.ClientID,
		ClientName:      sale.ClientName,
		ClientPhone:     sale.ClientPhone,
		Kind:            KindIndividualService,
		ServiceRef:      item.RefID,
		DurationMinutes: durationOf(item),
		Price:           item.LineTotal(),
		Status:          StatusPendingSchedule,
		Notes:           item.Name,
		SourceSaleID:    sale.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return d.insert(ctx, appt)
}

func (d *AppointmentDeriver) derivePackage(ctx context.Context, sale Sale, item SaleItem) (*Appointment, itemOutcome, error) {
	unlock := d.locks.Lock(packageKey(sale.ClientID, item.RefID))
	defer unlock()

	sessions, err := d.appointments.FindByClientAndPackage(ctx, sale.ClientID, item.RefID)
	if err != nil {
		return nil, 0, persistence("appointments.find_by_client_and_package", err)
	}
	for _, s := range sessions {
		if s.Status == StatusPendingSchedule {
			return nil, outcomeDuplicate, nil
		}
	}

	total := item.Quantity
	existing := len(sessions)
	if existing >= total {
		if existing > total {
			d.logger.Warn("package has more sessions than purchased",
				zap.String("client_id", sale.ClientID),
				zap.String("package_ref", item.RefID),
				zap.Int("sessions", existing),
				zap.Int("purchased", total))
		}
		return nil, outcomeDuplicate, nil
	}

	template := Appointment{
		ClientID:        sale.ClientID,
		ClientName:      sale.ClientName,
		ClientPhone:     sale.ClientPhone,
		PackageRef:      item.RefID,
		TotalSessions:   total,
		DurationMinutes: durationOf(item),
		Notes:           item.Name,
		SourceSaleID:    sale.ID,
	}
	return d.insert(ctx, d.newSession(template, existing+1))
}

// newSession builds pending session n from any session of the same package.
func (d *AppointmentDeriver) newSession(from Appointment, n int) Appointment {
	now := d.clock.Now()
	return Appointment{
		ID:              d.newID(),
		ClientID:        from.ClientID,
		ClientName:      from.ClientName,
		ClientPhone:     from.ClientPhone,
		Kind:            KindPackageSession,
		PackageRef:      from.PackageRef,
		SessionNumber:   n,
		TotalSessions:   from.TotalSessions,
		DurationMinutes: from.DurationMinutes,
		Price:           decimal.Zero,
		Status:          StatusPendingSchedule,
		Notes:           from.Notes,
		SourceSaleID:    from.SourceSaleID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (d *AppointmentDeriver) insert(ctx context.Context, appt Appointment) (*Appointment, itemOutcome, error) {
	stored, err := d.appointments.Insert(ctx, appt)
	if errors.Is(err, ErrDuplicateAppointment) {
		return nil, outcomeDuplicate, nil
	}
	if err != nil {
		return nil, 0, persistence("appointments.insert", err)
	}
	notify(ctx, d.notifier, d.logger, Event{
		Type:          EventAppointmentCreated,
		At:            stored.CreatedAt,
		SaleID:        stored.SourceSaleID,
		AppointmentID: stored.ID,
		PackageID:     stored.PackageRef,
		ClientID:      stored.ClientID,
	})
	return &stored, outcomeCreated, nil
}

func durationOf(item SaleItem) int {
	if item.DurationMinutes > 0 {
		return item.DurationMinutes
	}
	return DefaultDurationMinutes
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Get returns a single appointment.
func (d *AppointmentDeriver) Get(ctx context.Context, id string) (*Appointment, error) {
	appt, err := d.appointments.Get(ctx, id)
	if err != nil {
		return nil, persistence("appointments.get", err)
	}
	return &appt, nil
}

// List returns appointments matching filter.
func (d *AppointmentDeriver) List(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	appts, err := d.appointments.List(ctx, filter)
	if err != nil {
		return nil, persistence("appointments.list", err)
	}
	return appts, nil
}

// Schedule sets the date and time of a pending appointment.
func (d *AppointmentDeriver) Schedule(ctx context.Context, id string, date time.Time, clock string) (*Appointment, error) {
	if !scheduledTimePattern.MatchString(clock) {
		return nil, &ValidationError{Field: "time", Reason: "must be HH:MM"}
	}
	if date.IsZero() {
		return nil, &ValidationError{Field: "date", Reason: "required"}
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	return d.transition(ctx, id, "schedule", []AppointmentStatus{StatusPendingSchedule}, StatusScheduled,
		func(p *AppointmentPatch) {
			p.ScheduledDate = &day
			p.ScheduledTime = &clock
		})
}

// Confirm moves a scheduled appointment to confirmed.
func (d *AppointmentDeriver) Confirm(ctx context.Context, id string) (*Appointment, error) {
	return d.transition(ctx, id, "confirm", []AppointmentStatus{StatusScheduled}, StatusConfirmed, nil)
}

// Cancel ends any non-terminal appointment. The next package session is
// not unlocked.
func (d *AppointmentDeriver) Cancel(ctx context.Context, id string) (*Appointment, error) {
	return d.transition(ctx, id, "cancel",
		[]AppointmentStatus{StatusPendingSchedule, StatusScheduled, StatusConfirmed}, StatusCancelled, nil)
}

// Complete marks the appointment done. For a package session it records
// progress on the package and unlocks the following session.
func (d *AppointmentDeriver) Complete(ctx context.Context, id string) (*Appointment, error) {
	current, err := d.appointments.Get(ctx, id)
	if err != nil {
		return nil, persistence("appointments.get", err)
	}
	if !current.IsPackageSession() {
		now := d.clock.Now()
		return d.transition(ctx, id, "complete", []AppointmentStatus{StatusScheduled, StatusConfirmed}, StatusCompleted,
			func(p *AppointmentPatch) { p.CompletedAt = &now })
	}

	unlock := d.locks.Lock(packageKey(current.ClientID, current.PackageRef))
	defer unlock()

	now := d.clock.Now()
	done, err := d.transitionLocked(ctx, id, "complete", []AppointmentStatus{StatusScheduled, StatusConfirmed}, StatusCompleted,
		func(p *AppointmentPatch) { p.CompletedAt = &now })
	if err != nil {
		return nil, err
	}

	if d.tracker != nil {
		if _, err := d.tracker.RecordSessionCompleted(ctx, done.PackageRef, SessionEntry{Date: now, Notes: done.Notes}); err != nil {
			return done, fmt.Errorf("session %d of package %s completed but progress not recorded: %w",
				done.SessionNumber, done.PackageRef, err)
		}
	}

	if done.SessionNumber < done.TotalSessions {
		if err := d.unlockNext(ctx, *done); err != nil {
			return done, err
		}
	}
	return done, nil
}

// unlockNext creates session n+1 unless it already exists. Caller holds the
// package key.
func (d *AppointmentDeriver) unlockNext(ctx context.Context, done Appointment) error {
	sessions, err := d.appointments.FindByClientAndPackage(ctx, done.ClientID, done.PackageRef)
	if err != nil {
		return persistence("appointments.find_by_client_and_package", err)
	}
	next := done.SessionNumber + 1
	for _, s := range sessions {
		if s.SessionNumber == next {
			return nil
		}
	}
	_, _, err = d.insert(ctx, d.newSession(done, next))
	return err
}

func (d *AppointmentDeriver) transition(
	ctx context.Context,
	id string,
	action string,
	from []AppointmentStatus,
	to AppointmentStatus,
	mutate func(*AppointmentPatch),
) (*Appointment, error) {
	unlock := d.locks.Lock(appointmentKey(id))
	defer unlock()
	return d.transitionLocked(ctx, id, action, from, to, mutate)
}

func (d *AppointmentDeriver) transitionLocked(
	ctx context.Context,
	id string,
	action string,
	from []AppointmentStatus,
	to AppointmentStatus,
	mutate func(*AppointmentPatch),
) (*Appointment, error) {
	current, err := d.appointments.Get(ctx, id)
	if err != nil {
		return nil, persistence("appointments.get", err)
	}

	allowed := false
	for _, s := range from {
		if current.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, &InvalidStateTransitionError{AppointmentID: id, From: current.Status, Action: action}
	}

	expect := current.Status
	patch := AppointmentPatch{
		ExpectStatus: &expect,
		Status:       &to,
		UpdatedAt:    d.clock.Now(),
	}
	if mutate != nil {
		mutate(&patch)
	}

	updated, err := d.appointments.Update(ctx, id, patch)
	if err != nil {
		return nil, persistence("appointments.update", err)
	}

	d.logger.Info("appointment transitioned",
		zap.String("appointment_id", id),
		zap.String("from", string(expect)),
		zap.String("to", string(to)))

	notify(ctx, d.notifier, d.logger, Event{
		Type:          transitionEvent(to),
		At:            updated.UpdatedAt,
		SaleID:        updated.SourceSaleID,
		AppointmentID: updated.ID,
		PackageID:     updated.PackageRef,
		ClientID:      updated.ClientID,
	})
	return &updated, nil
}

func transitionEvent(to AppointmentStatus) EventType {
	switch to {
	case StatusScheduled:
		return EventAppointmentScheduled
	case StatusConfirmed:
		return EventAppointmentConfirmed
	case StatusCompleted:
		return EventAppointmentCompleted
	default:
		return EventAppointmentCancelled
	}
}
