/*
progress.go - Package session progress

PURPOSE:
  Owns UsedSessions, RemainingSessions, Status and SessionHistory of a sold
  package. Nothing else writes those fields; the UI and the deriver go
  through RecordSessionCompleted.

INVARIANTS:
  - UsedSessions + RemainingSessions == TotalSessions
  - UsedSessions <= TotalSessions (exceeding it is a ConsistencyError,
    detected before anything is written)
  - Status priority: completed > expired > expiring > active

REPAIR:
  Rebuild recomputes progress as a fold over completed appointments. It is
  the single repair path for packages whose counters drifted.
*/
package clinic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DefaultExpiringWithin is how close to ValidUntil a package turns "expiring".
const DefaultExpiringWithin = 7 * 24 * time.Hour

// RecomputeStatus derives a package's status at now. Pure.
func RecomputeStatus(pkg Package, now time.Time, expiringWithin time.Duration) PackageStatus {
	if pkg.TotalSessions > 0 && pkg.UsedSessions >= pkg.TotalSessions {
		return PackageCompleted
	}
	if pkg.ValidUntil.IsZero() {
		return PackageActive
	}
	if now.After(pkg.ValidUntil) {
		return PackageExpired
	}
	if pkg.ValidUntil.Sub(now) <= expiringWithin {
		return PackageExpiring
	}
	return PackageActive
}

// =============================================================================
// TRACKER
// =============================================================================

type PackageProgressTracker struct {
	packages       PackagePort
	appointments   AppointmentPort
	notifier       Notifier
	clock          Clock
	logger         *zap.Logger
	expiringWithin time.Duration
	locks          *KeyedMutex
}

func NewPackageProgressTracker(
	packages PackagePort,
	appointments AppointmentPort,
	notifier Notifier,
	clock Clock,
	logger *zap.Logger,
	expiringWithin time.Duration,
) *PackageProgressTracker {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if expiringWithin <= 0 {
		expiringWithin = DefaultExpiringWithin
	}
	return &PackageProgressTracker{
		packages:       packages,
		appointments:   appointments,
		notifier:       notifier,
		clock:          clock,
		logger:         logger,
		expiringWithin: expiringWithin,
		locks:          NewKeyedMutex(),
	}
}

// RecomputeStatus evaluates pkg with the tracker's expiring threshold.
func (t *PackageProgressTracker) RecomputeStatus(pkg Package, now time.Time) PackageStatus {
	return RecomputeStatus(pkg, now, t.expiringWithin)
}

// RecordSessionCompleted appends entry to the package history and counts it.
func (t *PackageProgressTracker) RecordSessionCompleted(ctx context.Context, packageRef string, entry SessionEntry) (*Package, error) {
	unlock := t.locks.Lock(packageRef)
	defer unlock()

	pkg, err := t.packages.Get(ctx, packageRef)
	if err != nil {
		return nil, persistence("packages.get", err)
	}

	used := pkg.UsedSessions + 1
	if used > pkg.TotalSessions {
		return nil, &ConsistencyError{
			PackageRef: packageRef,
			Detail:     fmt.Sprintf("completing a session would use %d of %d sessions", used, pkg.TotalSessions),
		}
	}

	remaining := pkg.TotalSessions - used
	history := append(append([]SessionEntry(nil), pkg.SessionHistory...), entry)
	lastUsed := entry.Date

	next := pkg
	next.UsedSessions = used
	next.RemainingSessions = remaining
	status := t.RecomputeStatus(next, t.clock.Now())

	updated, err := t.packages.Update(ctx, packageRef, PackagePatch{
		UsedSessions:      &used,
		RemainingSessions: &remaining,
		Status:            &status,
		SessionHistory:    history,
		LastUsedAt:        &lastUsed,
	})
	if err != nil {
		return nil, persistence("packages.update", err)
	}

	t.logger.Info("package session recorded",
		zap.String("package_id", packageRef),
		zap.Int("used", used),
		zap.Int("total", pkg.TotalSessions),
		zap.String("status", string(status)))

	notify(ctx, t.notifier, t.logger, Event{
		Type:      EventPackageProgressed,
		At:        t.clock.Now(),
		PackageID: packageRef,
		ClientID:  pkg.ClientID,
		Message:   fmt.Sprintf("%d of %d sessions used", used, pkg.TotalSessions),
	})
	if status != pkg.Status {
		t.notifyStatusChange(ctx, pkg, status)
	}
	return &updated, nil
}

// Rebuild recomputes progress from the package's completed appointments.
func (t *PackageProgressTracker) Rebuild(ctx context.Context, packageRef string) (*Package, error) {
	unlock := t.locks.Lock(packageRef)
	defer unlock()

	pkg, err := t.packages.Get(ctx, packageRef)
	if err != nil {
		return nil, persistence("packages.get", err)
	}
	if pkg.IsTemplate() {
		return nil, &ValidationError{Field: "package", Reason: "catalog templates carry no progress"}
	}

	sessions, err := t.appointments.FindByClientAndPackage(ctx, pkg.ClientID, packageRef)
	if err != nil {
		return nil, persistence("appointments.find_by_client_and_package", err)
	}

	var completed []Appointment
	for _, s := range sessions {
		if s.Status == StatusCompleted {
			completed = append(completed, s)
		}
	}
	if len(completed) > pkg.TotalSessions {
		return nil, &ConsistencyError{
			PackageRef: packageRef,
			Detail:     fmt.Sprintf("%d completed sessions exceed %d purchased", len(completed), pkg.TotalSessions),
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return completedAt(completed[i]).Before(completedAt(completed[j]))
	})

	history := make([]SessionEntry, 0, len(completed))
	var lastUsed *time.Time
	for _, s := range completed {
		at := completedAt(s)
		history = append(history, SessionEntry{Date: at, Notes: s.Notes})
		lastUsed = &at
	}

	used := len(completed)
	remaining := pkg.TotalSessions - used
	next := pkg
	next.UsedSessions = used
	status := t.RecomputeStatus(next, t.clock.Now())

	patch := PackagePatch{
		UsedSessions:      &used,
		RemainingSessions: &remaining,
		Status:            &status,
		SessionHistory:    history,
		LastUsedAt:        lastUsed,
	}
	updated, err := t.packages.Update(ctx, packageRef, patch)
	if err != nil {
		return nil, persistence("packages.update", err)
	}
	if used != pkg.UsedSessions {
		t.logger.Warn("package progress rebuilt with different count",
			zap.String("package_id", packageRef),
			zap.Int("stored", pkg.UsedSessions),
			zap.Int("rebuilt", used))
	}
	return &updated, nil
}

// RefreshStatuses re-evaluates the time-based status of every sold package
// and returns how many changed.
func (t *PackageProgressTracker) RefreshStatuses(ctx context.Context) (int, error) {
	pkgs, err := t.packages.List(ctx, PackageFilter{SoldOnly: true})
	if err != nil {
		return 0, persistence("packages.list", err)
	}

	now := t.clock.Now()
	changed := 0
	for _, p := range pkgs {
		status := t.RecomputeStatus(p, now)
		if status == p.Status {
			continue
		}
		if err := t.setStatus(ctx, p.ID, status); err != nil {
			return changed, err
		}
		t.notifyStatusChange(ctx, p, status)
		changed++
	}
	return changed, nil
}

func (t *PackageProgressTracker) setStatus(ctx context.Context, id string, status PackageStatus) error {
	unlock := t.locks.Lock(id)
	defer unlock()

	_, err := t.packages.Update(ctx, id, PackagePatch{Status: &status})
	return persistence("packages.update", err)
}

func (t *PackageProgressTracker) notifyStatusChange(ctx context.Context, pkg Package, status PackageStatus) {
	notify(ctx, t.notifier, t.logger, Event{
		Type:      EventPackageStatusChanged,
		At:        t.clock.Now(),
		PackageID: pkg.ID,
		ClientID:  pkg.ClientID,
		Attributes: map[string]string{
			"from": string(pkg.Status),
			"to":   string(status),
		},
	})
}

func completedAt(a Appointment) time.Time {
	if a.CompletedAt != nil {
		return *a.CompletedAt
	}
	return a.UpdatedAt
}

// notify hands an event to n without letting a misbehaving notifier reach
// the caller.
func notify(ctx context.Context, n Notifier, logger *zap.Logger, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("notifier panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	n.Notify(ctx, ev)
}
