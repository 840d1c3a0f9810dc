package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/clinic/store"
	"github.com/warp/clinic-engine/observability"
)

// =============================================================================
// HARNESS
// =============================================================================

type testServer struct {
	t      *testing.T
	router http.Handler
	engine *clinic.Engine
	clock  *clinic.FakeClock
}

func newTestServer(t *testing.T, opts RouterOptions) *testServer {
	t.Helper()
	mem := store.NewMemory()
	clock := clinic.NewFakeClock(time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC))
	engine := clinic.NewEngine(mem.Ports(), clinic.Options{Clock: clock, Logger: zaptest.NewLogger(t)})
	h := NewHandler(engine, mem.Reset, zaptest.NewLogger(t))
	return &testServer{t: t, router: NewRouter(h, opts), engine: engine, clock: clock}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const physioTemplate = `{"id":"physio-8","name":"Physiotherapy","total_sessions":8,"price":"960.00","validity_days":120}`

const packageCheckout = `{
	"client_id": "c1",
	"client_name": "Ana",
	"payment_method": "card",
	"total": "1.00",
	"items": [{"kind":"package","ref_id":"physio-8","name":"Physiotherapy","unit_price":"120.00","quantity":8}]
}`

func (s *testServer) checkoutPackage() RecordSaleResponse {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/packages", physioTemplate)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/sales", packageCheckout)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[RecordSaleResponse](s.t, rec)
}

// =============================================================================
// SALES
// =============================================================================

func TestRecordSale_PackageCheckoutDerivesFirstSession(t *testing.T) {
	// GIVEN: a catalog template
	s := newTestServer(t, RouterOptions{})

	// WHEN: a checkout sells it with a bogus client-side total
	resp := s.checkoutPackage()

	// THEN: the total is recomputed and session 1 of 8 is pending
	assert.Equal(t, "960.00", resp.Sale.Total)
	require.NotNil(t, resp.Derivation)
	assert.Equal(t, 1, resp.Derivation.Created)
	require.Len(t, resp.Derivation.Appointments, 1)

	appt := resp.Derivation.Appointments[0]
	assert.Equal(t, "package_session", appt.Kind)
	assert.Equal(t, 1, appt.SessionNumber)
	assert.Equal(t, 8, appt.TotalSessions)
	assert.Equal(t, "pending_schedule", appt.Status)
	assert.Nil(t, appt.ScheduledDate)

	// AND: the item points at the client's copy, not the template
	item := resp.Sale.Items[0]
	assert.Equal(t, "physio-8", item.CatalogRef)
	assert.NotEqual(t, "physio-8", item.RefID)
	assert.Equal(t, item.RefID, appt.PackageRef)
}

func TestRecordSale_ValidationErrorsAre400(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"client_id":`},
		{"missing client", `{"payment_method":"pix","items":[{"kind":"service","ref_id":"s","name":"S","unit_price":"10","quantity":1}]}`},
		{"no items", `{"client_id":"c1","payment_method":"pix","items":[]}`},
		{"bad payment method", `{"client_id":"c1","payment_method":"cheque","items":[{"kind":"service","ref_id":"s","name":"S","unit_price":"10","quantity":1}]}`},
		{"bad sale date", `{"client_id":"c1","payment_method":"pix","sale_date":"yesterday","items":[{"kind":"service","ref_id":"s","name":"S","unit_price":"10","quantity":1}]}`},
		{"unknown package", `{"client_id":"c1","payment_method":"pix","items":[{"kind":"package","ref_id":"nope","name":"P","unit_price":"10","quantity":4}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/sales", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			errResp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, errResp.Error)
		})
	}

	// Nothing was stored
	rec := s.do(http.MethodGet, "/api/sales", nil)
	assert.Empty(t, decode[[]SaleDTO](t, rec))
}

func TestRederiveSale_IsIdempotent(t *testing.T) {
	// GIVEN: a recorded package sale
	s := newTestServer(t, RouterOptions{})
	resp := s.checkoutPackage()

	// WHEN: derivation is run again
	rec := s.do(http.MethodPost, "/api/sales/"+resp.Sale.ID+"/rederive", nil)

	// THEN: nothing new is created
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[DerivationDTO](t, rec)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 1, result.SkippedDuplicate)

	rec = s.do(http.MethodPost, "/api/sales/rederive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]DerivationDTO](t, rec), 1)
}

func TestDeleteSale_KeepsAppointments(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	resp := s.checkoutPackage()

	rec := s.do(http.MethodDelete, "/api/sales/"+resp.Sale.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/api/sales/"+resp.Sale.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/api/appointments?client_id=c1", nil)
	assert.Len(t, decode[[]AppointmentDTO](t, rec), 1)
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

func TestAppointmentLifecycle_CompletionUnlocksNextSession(t *testing.T) {
	// GIVEN: session 1 of a sold package
	s := newTestServer(t, RouterOptions{})
	resp := s.checkoutPackage()
	first := resp.Derivation.Appointments[0]

	// WHEN: it is scheduled, confirmed and completed
	rec := s.do(http.MethodPost, "/api/appointments/"+first.ID+"/schedule", ScheduleRequest{Date: "2025-03-10", Time: "14:30"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	scheduled := decode[AppointmentDTO](t, rec)
	require.NotNil(t, scheduled.ScheduledDate)
	assert.Equal(t, "2025-03-10", *scheduled.ScheduledDate)
	assert.Equal(t, "14:30", *scheduled.ScheduledTime)

	rec = s.do(http.MethodPost, "/api/appointments/"+first.ID+"/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/appointments/"+first.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", decode[AppointmentDTO](t, rec).Status)

	// THEN: session 2 is waiting to be scheduled
	rec = s.do(http.MethodGet, "/api/appointments?client_id=c1&status=pending_schedule", nil)
	pending := decode[[]AppointmentDTO](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].SessionNumber)

	// AND: the package shows the progress
	rec = s.do(http.MethodGet, "/api/packages/"+first.PackageRef, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pkg := decode[PackageDTO](t, rec)
	assert.Equal(t, 1, pkg.UsedSessions)
	assert.Equal(t, 7, pkg.RemainingSessions)
	assert.Len(t, pkg.SessionHistory, 1)
}

func TestCompleteAppointment_ReportsUnrecordedProgress(t *testing.T) {
	// GIVEN: session 1 of a package whose counters already read 8 of 8
	s := newTestServer(t, RouterOptions{})
	resp := s.checkoutPackage()
	first := resp.Derivation.Appointments[0]

	used, remaining := 8, 0
	_, err := s.engine.Ports.Packages.Update(context.Background(), first.PackageRef, clinic.PackagePatch{
		UsedSessions: &used, RemainingSessions: &remaining,
	})
	require.NoError(t, err)

	rec := s.do(http.MethodPost, "/api/appointments/"+first.ID+"/schedule", ScheduleRequest{Date: "2025-03-10", Time: "10:00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: it is completed
	rec = s.do(http.MethodPost, "/api/appointments/"+first.ID+"/complete", nil)

	// THEN: the appointment is completed and the response says progress was not recorded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[CompleteAppointmentResponse](t, rec)
	assert.Equal(t, "completed", done.Status)
	require.Len(t, done.Warnings, 1)
	assert.Contains(t, done.Warnings[0], "progress not recorded")
	assert.Contains(t, done.Warnings[0], "9 of 8 sessions")

	// AND: no next session was unlocked
	rec = s.do(http.MethodGet, "/api/appointments?client_id=c1&status=pending_schedule", nil)
	assert.Empty(t, decode[[]AppointmentDTO](t, rec))
}

func TestCompleteAppointment_NoWarningsOnSuccess(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	first := s.checkoutPackage().Derivation.Appointments[0]

	rec := s.do(http.MethodPost, "/api/appointments/"+first.ID+"/schedule", ScheduleRequest{Date: "2025-03-10", Time: "10:00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/appointments/"+first.ID+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.NotContains(t, rec.Body.String(), "warnings")
	assert.Empty(t, decode[CompleteAppointmentResponse](t, rec).Warnings)
}

func TestAppointmentErrors_MapToStatusCodes(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	resp := s.checkoutPackage()
	id := resp.Derivation.Appointments[0].ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"confirm pending", http.MethodPost, "/api/appointments/" + id + "/confirm", nil, http.StatusConflict},
		{"complete pending", http.MethodPost, "/api/appointments/" + id + "/complete", nil, http.StatusConflict},
		{"bad time", http.MethodPost, "/api/appointments/" + id + "/schedule", ScheduleRequest{Date: "2025-03-10", Time: "25:00"}, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/api/appointments/" + id + "/schedule", ScheduleRequest{Date: "10/03/2025", Time: "10:00"}, http.StatusBadRequest},
		{"unknown appointment", http.MethodGet, "/api/appointments/missing", nil, http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/api/appointments/missing/cancel", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/api/appointments?status=lost", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCancelAppointment_IsTerminal(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	resp := s.checkoutPackage()
	id := resp.Derivation.Appointments[0].ID

	rec := s.do(http.MethodPost, "/api/appointments/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[AppointmentDTO](t, rec).Status)

	rec = s.do(http.MethodPost, "/api/appointments/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// PACKAGES
// =============================================================================

func TestPackages_TemplatesAndSoldAreSeparated(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.checkoutPackage()

	rec := s.do(http.MethodGet, "/api/packages?templates=true", nil)
	templates := decode[[]PackageDTO](t, rec)
	require.Len(t, templates, 1)
	assert.True(t, templates[0].Template)

	rec = s.do(http.MethodGet, "/api/packages?sold=true", nil)
	sold := decode[[]PackageDTO](t, rec)
	require.Len(t, sold, 1)
	assert.Equal(t, "c1", sold[0].ClientID)
	require.NotNil(t, sold[0].ValidUntil)
	assert.Equal(t, "2025-07-01", *sold[0].ValidUntil)

	rec = s.do(http.MethodGet, "/api/packages?sold=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePackage_RejectsInvalidDefinition(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rec := s.do(http.MethodPost, "/api/packages", `{"name":"Broken","total_sessions":0,"price":"10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshStatus_FollowsTheClock(t *testing.T) {
	// GIVEN: a package valid for 120 days
	s := newTestServer(t, RouterOptions{})
	resp := s.checkoutPackage()
	ref := resp.Derivation.Appointments[0].PackageRef

	// WHEN: the validity window passes
	s.clock.Advance(121 * 24 * time.Hour)
	rec := s.do(http.MethodPost, "/api/packages/refresh-status", nil)

	// THEN: one package changed and is now expired
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RefreshStatusResponse](t, rec).Changed)

	rec = s.do(http.MethodGet, "/api/packages/"+ref, nil)
	assert.Equal(t, "expired", decode[PackageDTO](t, rec).Status)
}

func TestRebuildPackage(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	resp := s.checkoutPackage()
	ref := resp.Derivation.Appointments[0].PackageRef

	rec := s.do(http.MethodPost, "/api/packages/"+ref+"/rebuild", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decode[PackageDTO](t, rec).UsedSessions)

	rec = s.do(http.MethodPost, "/api/packages/missing/rebuild", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestLoadScenario_EightSessionPackage(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "eight-session-package"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/appointments?client_id=client-ana", nil)
	appts := decode[[]AppointmentDTO](t, rec)
	require.Len(t, appts, 4)

	completed := 0
	for _, a := range appts {
		if a.Status == "completed" {
			completed++
		}
	}
	assert.Equal(t, 3, completed)

	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "eight-session-package", decode[ScenarioDTO](t, rec).ID)
}

func TestLoadScenario_MixedCheckoutDeduplicatesRepeat(t *testing.T) {
	s := newTestServer(t, RouterOptions{})

	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "mixed-checkout"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/sales", nil)
	assert.Len(t, decode[[]SaleDTO](t, rec), 2)

	// One evaluation and the first massage session; no product, no repeat.
	rec = s.do(http.MethodGet, "/api/appointments?client_id=client-bruno", nil)
	assert.Len(t, decode[[]AppointmentDTO](t, rec), 2)
}

func TestLoadScenario_ResetsPreviousData(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	s.checkoutPackage()

	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "catalog-only"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/sales", nil)
	assert.Empty(t, decode[[]SaleDTO](t, rec))
	rec = s.do(http.MethodGet, "/api/packages", nil)
	assert.Len(t, decode[[]PackageDTO](t, rec), 3)

	rec = s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestCheckoutRateLimit(t *testing.T) {
	s := newTestServer(t, RouterOptions{CheckoutRateLimit: 1})
	body := `{"client_id":"c1","payment_method":"cash","items":[{"kind":"product","name":"Oil","unit_price":"10","quantity":1}]}`

	rec := s.do(http.MethodPost, "/api/sales", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/sales", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Reads are not limited
	rec = s.do(http.MethodGet, "/api/sales", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsAndHealth(t *testing.T) {
	s := newTestServer(t, RouterOptions{Metrics: observability.NewMetrics()})

	rec := s.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "clinic_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&clinic.ValidationError{Field: "clientId", Reason: "required"}, http.StatusBadRequest},
		{clinic.ErrNotFound, http.StatusNotFound},
		{&clinic.InvalidStateTransitionError{}, http.StatusConflict},
		{clinic.ErrConcurrentModification, http.StatusConflict},
		{clinic.ErrDuplicateAppointment, http.StatusConflict},
		{&clinic.ConsistencyError{}, http.StatusInternalServerError},
		{&clinic.PersistenceError{Op: "sales.insert", Err: errors.New("disk full")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
