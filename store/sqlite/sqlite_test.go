package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/clinic-engine/clinic"
)

func TestStore_SurvivesReopen(t *testing.T) {
	// GIVEN: a file-backed store with a sale and a session
	// WHEN: the store is closed and opened again
	// THEN: the data is still there and the unique index still holds

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clinic.db")
	at := time.Date(2025, 5, 2, 15, 4, 5, 123456789, time.UTC)

	s, err := New(path)
	require.NoError(t, err)
	_, err = s.Sales().Insert(ctx, clinic.Sale{
		ID: "sale-1", ClientID: "C1", Total: decimal.RequireFromString("10.00"),
		PaymentMethod: clinic.PaymentCash, SaleDate: at, CreatedAt: at,
	})
	require.NoError(t, err)
	_, err = s.Appointments().Insert(ctx, clinic.Appointment{
		ID: "a1", ClientID: "C1", Kind: clinic.KindPackageSession, PackageRef: "pkg-1",
		SessionNumber: 1, TotalSessions: 2, DurationMinutes: 60, Price: decimal.Zero,
		Status: clinic.StatusPendingSchedule, CreatedAt: at, UpdatedAt: at,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	sale, err := s.Sales().Get(ctx, "sale-1")
	require.NoError(t, err)
	assert.True(t, at.Equal(sale.CreatedAt), "sub-second precision is kept")

	_, err = s.Appointments().Insert(ctx, clinic.Appointment{
		ID: "a2", ClientID: "C1", Kind: clinic.KindPackageSession, PackageRef: "pkg-1",
		SessionNumber: 1, TotalSessions: 2, Price: decimal.Zero,
		Status: clinic.StatusPendingSchedule, CreatedAt: at, UpdatedAt: at,
	})
	assert.ErrorIs(t, err, clinic.ErrDuplicateAppointment)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Packages().Insert(ctx, clinic.Package{ID: "p", Name: "P", TotalSessions: 1, Price: decimal.Zero, Status: clinic.PackageActive})
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))

	pkgs, err := s.Packages().List(ctx, clinic.PackageFilter{})
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestFormatTime_SortsLexically(t *testing.T) {
	a := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(500 * time.Millisecond)
	c := a.Add(time.Second)

	assert.Less(t, formatTime(a), formatTime(b))
	assert.Less(t, formatTime(b), formatTime(c))

	dec := columnDecoder{table: "sale", id: "s"}
	assert.True(t, b.Equal(dec.time("created_at", formatTime(b))))
	assert.NoError(t, dec.err)
}

func TestStore_CorruptColumnsFailTheRead(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 5, 2, 9, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		update string
		read   func(*Store) error
		column string
	}{
		{
			name:   "sale total",
			update: `UPDATE sales SET total = 'ten euros' WHERE id = 'sale-1'`,
			read:   func(s *Store) error { _, err := s.Sales().Get(ctx, "sale-1"); return err },
			column: "column total",
		},
		{
			name:   "sale date",
			update: `UPDATE sales SET sale_date = '02/05/2025' WHERE id = 'sale-1'`,
			read:   func(s *Store) error { _, err := s.Sales().FindAll(ctx); return err },
			column: "column sale_date",
		},
		{
			name:   "appointment completed_at",
			update: `UPDATE appointments SET completed_at = 'yesterday' WHERE id = 'a1'`,
			read:   func(s *Store) error { _, err := s.Appointments().Get(ctx, "a1"); return err },
			column: "column completed_at",
		},
		{
			name:   "package price",
			update: `UPDATE packages SET price = '' WHERE id = 'pkg-1'`,
			read:   func(s *Store) error { _, err := s.Packages().Get(ctx, "pkg-1"); return err },
			column: "column price",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN: one stored row of each kind
			s, err := New(":memory:")
			require.NoError(t, err)
			defer s.Close()

			_, err = s.Sales().Insert(ctx, clinic.Sale{
				ID: "sale-1", ClientID: "C1", Total: decimal.RequireFromString("10.00"),
				PaymentMethod: clinic.PaymentCash, SaleDate: at, CreatedAt: at,
			})
			require.NoError(t, err)
			_, err = s.Appointments().Insert(ctx, clinic.Appointment{
				ID: "a1", ClientID: "C1", Kind: clinic.KindIndividualService, ServiceRef: "S1",
				DurationMinutes: 60, Price: decimal.RequireFromString("10.00"),
				Status: clinic.StatusPendingSchedule, CreatedAt: at, UpdatedAt: at,
			})
			require.NoError(t, err)
			_, err = s.Packages().Insert(ctx, clinic.Package{
				ID: "pkg-1", Name: "P", TotalSessions: 4, RemainingSessions: 4,
				Price: decimal.RequireFromString("40.00"), Status: clinic.PackageActive, CreatedAt: at,
			})
			require.NoError(t, err)

			// WHEN: a column is overwritten with an unparseable value
			_, err = s.db.ExecContext(ctx, tc.update)
			require.NoError(t, err)

			// THEN: reading the row fails and names the column
			err = tc.read(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.column)
		})
	}
}

func TestIsUniqueConstraintError(t *testing.T) {
	ctx := context.Background()
	s, err := New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.db.ExecContext(ctx, `INSERT INTO packages (id, name, total_sessions, price, status, created_at) VALUES ('p', 'P', 1, '0', 'active', '')`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO packages (id, name, total_sessions, price, status, created_at) VALUES ('p', 'P', 1, '0', 'active', '')`)
	require.Error(t, err)
	assert.True(t, isUniqueConstraintError(err), "primary key collision")
	assert.True(t, isUniqueConstraintError(fmt.Errorf("insert: %w", err)), "wrapped")

	_, err = s.db.ExecContext(ctx, `INSERT INTO packages (id) VALUES ('q')`)
	require.Error(t, err)
	assert.False(t, isUniqueConstraintError(err), "NOT NULL is a different constraint")

	assert.False(t, isUniqueConstraintError(errors.New("UNIQUE constraint failed: appointments.id")))
	assert.False(t, isUniqueConstraintError(nil))
}
