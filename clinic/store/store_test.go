package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/store/sqlite"
)

// Both stores must satisfy the same port contract.
func forEachStore(t *testing.T, fn func(t *testing.T, ports clinic.Ports)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory().Ports())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s.Ports())
	})
}

var t0 = time.Date(2025, time.April, 1, 8, 0, 0, 0, time.UTC)

func session(id, client, pkg string, n int, at time.Time) clinic.Appointment {
	return clinic.Appointment{
		ID:              id,
		ClientID:        client,
		Kind:            clinic.KindPackageSession,
		PackageRef:      pkg,
		SessionNumber:   n,
		TotalSessions:   4,
		DurationMinutes: 60,
		Price:           decimal.Zero,
		Status:          clinic.StatusPendingSchedule,
		SourceSaleID:    "sale-1",
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func visit(id, client, service string, at time.Time) clinic.Appointment {
	return clinic.Appointment{
		ID:              id,
		ClientID:        client,
		Kind:            clinic.KindIndividualService,
		ServiceRef:      service,
		DurationMinutes: 30,
		Price:           decimal.RequireFromString("120.50"),
		Status:          clinic.StatusPendingSchedule,
		SourceSaleID:    "sale-1",
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func TestPorts_SaleRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, ports clinic.Ports) {
		ctx := context.Background()
		sale := clinic.Sale{
			ID:          "sale-1",
			ClientID:    "C1",
			ClientName:  "Ana",
			ClientPhone: "+55 11 90000-0000",
			Items: []clinic.SaleItem{
				{Kind: clinic.ItemService, RefID: "S1", Name: "Cleanup", UnitPrice: decimal.RequireFromString("99.90"), Quantity: 1},
				{Kind: clinic.ItemPackage, RefID: "pkg-1", Name: "Laser", UnitPrice: decimal.NewFromInt(50), Quantity: 4, CatalogRef: "laser-4", DurationMinutes: 45},
			},
			Total:         decimal.RequireFromString("299.90"),
			PaymentMethod: clinic.PaymentCard,
			SaleDate:      t0,
			CreatedAt:     t0,
		}
		_, err := ports.Sales.Insert(ctx, sale)
		require.NoError(t, err)
		_, err = ports.Sales.Insert(ctx, clinic.Sale{ID: "sale-0", ClientID: "C2", Total: decimal.Zero, PaymentMethod: clinic.PaymentCash, SaleDate: t0, CreatedAt: t0.Add(-time.Hour)})
		require.NoError(t, err)

		got, err := ports.Sales.Get(ctx, "sale-1")
		require.NoError(t, err)
		assert.Equal(t, "Ana", got.ClientName)
		require.Len(t, got.Items, 2)
		assert.True(t, sale.Items[0].UnitPrice.Equal(got.Items[0].UnitPrice))
		assert.Equal(t, "laser-4", got.Items[1].CatalogRef)
		assert.Equal(t, 45, got.Items[1].DurationMinutes)
		assert.True(t, sale.Total.Equal(got.Total))
		assert.True(t, t0.Equal(got.SaleDate))

		all, err := ports.Sales.FindAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "sale-0", all[0].ID, "oldest first")

		require.NoError(t, ports.Sales.Delete(ctx, "sale-1"))
		_, err = ports.Sales.Get(ctx, "sale-1")
		assert.ErrorIs(t, err, clinic.ErrNotFound)
		assert.ErrorIs(t, ports.Sales.Delete(ctx, "sale-1"), clinic.ErrNotFound)
	})
}

func TestPorts_PackageSessionUniqueness(t *testing.T) {
	// GIVEN: session 2 of pkg-1 for C1 exists
	// WHEN: another session 2 is inserted
	// THEN: ErrDuplicateAppointment; other clients and services are unaffected

	forEachStore(t, func(t *testing.T, ports clinic.Ports) {
		ctx := context.Background()
		appts := ports.Appointments

		_, err := appts.Insert(ctx, session("a1", "C1", "pkg-1", 2, t0))
		require.NoError(t, err)

		_, err = appts.Insert(ctx, session("a2", "C1", "pkg-1", 2, t0))
		assert.ErrorIs(t, err, clinic.ErrDuplicateAppointment)

		_, err = appts.Insert(ctx, session("a3", "C2", "pkg-1", 2, t0))
		assert.NoError(t, err)

		// individual services are never constrained by the index
		_, err = appts.Insert(ctx, visit("v1", "C1", "S1", t0))
		require.NoError(t, err)
		_, err = appts.Insert(ctx, visit("v2", "C1", "S1", t0.Add(time.Minute)))
		require.NoError(t, err)

		visits, err := appts.FindByClientAndService(ctx, "C1", "S1")
		require.NoError(t, err)
		require.Len(t, visits, 2)
		assert.Equal(t, "v1", visits[0].ID)
		assert.True(t, decimal.RequireFromString("120.5").Equal(visits[0].Price))
	})
}

func TestPorts_SessionsOrderedByNumber(t *testing.T) {
	forEachStore(t, func(t *testing.T, ports clinic.Ports) {
		ctx := context.Background()
		for _, a := range []clinic.Appointment{
			session("a3", "C1", "pkg-1", 3, t0),
			session("a1", "C1", "pkg-1", 1, t0.Add(time.Hour)),
			session("a2", "C1", "pkg-1", 2, t0.Add(2*time.Hour)),
			session("b1", "C1", "pkg-2", 1, t0),
		} {
			_, err := ports.Appointments.Insert(ctx, a)
			require.NoError(t, err)
		}

		got, err := ports.Appointments.FindByClientAndPackage(ctx, "C1", "pkg-1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, a := range got {
			assert.Equal(t, i+1, a.SessionNumber)
		}
	})
}

func TestPorts_AppointmentCompareAndSwap(t *testing.T) {
	// GIVEN: a pending appointment
	// WHEN: two updates both expect pending
	// THEN: the first wins, the second gets ErrConcurrentModification

	forEachStore(t, func(t *testing.T, ports clinic.Ports) {
		ctx := context.Background()
		_, err := ports.Appointments.Insert(ctx, visit("v1", "C1", "S1", t0))
		require.NoError(t, err)

		pending := clinic.StatusPendingSchedule
		scheduled := clinic.StatusScheduled
		cancelled := clinic.StatusCancelled
		day := time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC)
		clock := "10:30"

		updated, err := ports.Appointments.Update(ctx, "v1", clinic.AppointmentPatch{
			ExpectStatus:  &pending,
			Status:        &scheduled,
			ScheduledDate: &day,
			ScheduledTime: &clock,
			UpdatedAt:     t0.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, clinic.StatusScheduled, updated.Status)

		_, err = ports.Appointments.Update(ctx, "v1", clinic.AppointmentPatch{
			ExpectStatus: &pending,
			Status:       &cancelled,
		})
		assert.ErrorIs(t, err, clinic.ErrConcurrentModification)

		got, err := ports.Appointments.Get(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, clinic.StatusScheduled, got.Status)
		require.NotNil(t, got.ScheduledDate)
		assert.True(t, day.Equal(*got.ScheduledDate))
		assert.Equal(t, "10:30", *got.ScheduledTime)
		assert.True(t, t0.Add(time.Minute).Equal(got.UpdatedAt))

		_, err = ports.Appointments.Update(ctx, "missing", clinic.AppointmentPatch{Status: &cancelled})
		assert.ErrorIs(t, err, clinic.ErrNotFound)
	})
}

func TestPorts_AppointmentList(t *testing.T) {
	forEachStore(t, func(t *testing.T, ports clinic.Ports) {
		ctx := context.Background()
		a := visit("v1", "C1", "S1", t0)
		b := visit("v2", "C2", "S1", t0.Add(time.Minute))
		b.SourceSaleID = "sale-2"
		c := session("s1", "C1", "pkg-1", 1, t0.Add(2*time.Minute))
		c.Status = clinic.StatusCompleted
		for _, appt := range []clinic.Appointment{a, b, c} {
			_, err := ports.Appointments.Insert(ctx, appt)
			require.NoError(t, err)
		}

		all, err := ports.Appointments.List(ctx, clinic.AppointmentFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		byClient, err := ports.Appointments.List(ctx, clinic.AppointmentFilter{ClientID: "C1"})
		require.NoError(t, err)
		assert.Len(t, byClient, 2)

		done, err := ports.Appointments.List(ctx, clinic.AppointmentFilter{Status: clinic.StatusCompleted})
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.Equal(t, "s1", done[0].ID)

		bySale, err := ports.Appointments.List(ctx, clinic.AppointmentFilter{SaleID: "sale-2"})
		require.NoError(t, err)
		require.Len(t, bySale, 1)
		assert.Equal(t, "v2", bySale[0].ID)
	})
}

func TestPorts_PackageLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, ports clinic.Ports) {
		ctx := context.Background()
		pkgs := ports.Packages

		_, err := pkgs.Insert(ctx, clinic.Package{
			ID: "laser-4", Name: "Laser", TotalSessions: 4, RemainingSessions: 4,
			Price: decimal.NewFromInt(200), ValidityDays: 90, Status: clinic.PackageActive, CreatedAt: t0,
		})
		require.NoError(t, err)
		_, err = pkgs.Insert(ctx, clinic.Package{
			ID: "pkg-1", Name: "Laser", ClientID: "C1", TotalSessions: 4, RemainingSessions: 4,
			Price: decimal.NewFromInt(200), ValidUntil: t0.AddDate(0, 0, 90), Status: clinic.PackageActive, CreatedAt: t0,
		})
		require.NoError(t, err)

		used, remaining := 1, 3
		history := []clinic.SessionEntry{{Date: t0.Add(24 * time.Hour), Notes: "first"}}
		updated, err := pkgs.Update(ctx, "pkg-1", clinic.PackagePatch{
			UsedSessions:      &used,
			RemainingSessions: &remaining,
			SessionHistory:    history,
			LastUsedAt:        &history[0].Date,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.UsedSessions)

		got, err := pkgs.Get(ctx, "pkg-1")
		require.NoError(t, err)
		assert.Equal(t, 3, got.RemainingSessions)
		require.Len(t, got.SessionHistory, 1)
		assert.Equal(t, "first", got.SessionHistory[0].Notes)
		assert.True(t, history[0].Date.Equal(got.SessionHistory[0].Date))
		require.NotNil(t, got.LastUsedAt)
		assert.True(t, t0.AddDate(0, 0, 90).Equal(got.ValidUntil))

		tmpl, err := pkgs.Get(ctx, "laser-4")
		require.NoError(t, err)
		assert.True(t, tmpl.IsTemplate())
		assert.True(t, tmpl.ValidUntil.IsZero())
		assert.Equal(t, 90, tmpl.ValidityDays)

		templates, err := pkgs.List(ctx, clinic.PackageFilter{TemplatesOnly: true})
		require.NoError(t, err)
		require.Len(t, templates, 1)
		assert.Equal(t, "laser-4", templates[0].ID)

		sold, err := pkgs.List(ctx, clinic.PackageFilter{SoldOnly: true})
		require.NoError(t, err)
		require.Len(t, sold, 1)
		assert.Equal(t, "pkg-1", sold[0].ID)

		require.NoError(t, pkgs.Delete(ctx, "pkg-1"))
		_, err = pkgs.Get(ctx, "pkg-1")
		assert.ErrorIs(t, err, clinic.ErrNotFound)
		_, err = pkgs.Update(ctx, "pkg-1", clinic.PackagePatch{UsedSessions: &used})
		assert.ErrorIs(t, err, clinic.ErrNotFound)
	})
}

func TestOpen(t *testing.T) {
	mem, err := Open(clinic.StorageMemory, "")
	require.NoError(t, err)
	assert.Equal(t, clinic.StorageMemory, mem.Mode)
	assert.NoError(t, mem.Reset(context.Background()))
	assert.NoError(t, mem.Close())

	db, err := Open(clinic.StorageSQLite, ":memory:")
	require.NoError(t, err)
	assert.NotNil(t, db.Ports.Sales)
	assert.NoError(t, db.Reset(context.Background()))
	assert.NoError(t, db.Close())

	_, err = Open(clinic.StorageSQLite, "")
	assert.ErrorIs(t, err, clinic.ErrValidation)

	_, err = Open("cassandra", "")
	assert.ErrorIs(t, err, clinic.ErrValidation)
}
