/*
handlers.go - HTTP API handlers for the clinic engine

PURPOSE:
  Exposes the sale ledger, appointment lifecycle and package progress via
  REST. Handles HTTP request/response and JSON, and delegates everything
  else to clinic.Engine.

ENDPOINTS:
  Sales:
    POST   /api/sales                       Record a finalized checkout
    GET    /api/sales                       List sales
    GET    /api/sales/{id}                  Get one sale
    DELETE /api/sales/{id}                  Delete a sale (appointments stay)
    POST   /api/sales/{id}/rederive         Re-run derivation for one sale
    POST   /api/sales/rederive              Re-run derivation for every sale

  Appointments:
    GET    /api/appointments                List (?client_id, ?status, ?sale_id)
    GET    /api/appointments/{id}           Get one appointment
    POST   /api/appointments/{id}/schedule  Set date and time
    POST   /api/appointments/{id}/confirm
    POST   /api/appointments/{id}/complete  Completes; follow-up failures in warnings
    POST   /api/appointments/{id}/cancel

  Packages:
    GET    /api/packages                    List (?client_id, ?templates, ?sold)
    POST   /api/packages                    Create catalog template from JSON
    GET    /api/packages/{id}               Get one package
    POST   /api/packages/{id}/rebuild       Recount progress from appointments
    POST   /api/packages/refresh-status     Re-evaluate every package status

  Scenarios:
    GET    /api/scenarios                   List demo scenarios
    POST   /api/scenarios/load              Load a demo scenario

ERROR HANDLING:
  Errors are returned as JSON. statusFor maps the engine's sentinels:
  - 400: Validation errors, invalid input
  - 404: Record not found
  - 409: Invalid transition, duplicate, concurrent modification
  - 503: Storage failure or timeout (retryable)
  - 500: Everything else, including consistency violations

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// ResetFunc wipes all stored records.
type ResetFunc func(ctx context.Context) error

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine         *clinic.Engine
	PackageFactory *factory.PackageFactory
	Logger         *zap.Logger

	reset ResetFunc

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over engine. reset may be nil, in which case
// scenario loading is refused.
func NewHandler(engine *clinic.Engine, reset ResetFunc, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:         engine,
		PackageFactory: factory.NewPackageFactory(),
		Logger:         logger,
		reset:          reset,
	}
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// RecordSale stores a checkout and derives its appointments.
// POST /api/sales
func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req RecordSaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in, err := toSaleInput(req)
	if err != nil {
		h.fail(w, "Invalid sale", err)
		return
	}

	recorded, err := h.Engine.Ledger.RecordSale(r.Context(), in)
	if err != nil {
		h.fail(w, "Failed to record sale", err)
		return
	}

	writeJSON(w, http.StatusCreated, RecordSaleResponse{
		Sale:       toSaleDTO(recorded.Sale),
		Derivation: toDerivationDTO(recorded.Derivation),
		Warnings:   recorded.Warnings,
	})
}

// ListSales returns every sale, oldest first.
// GET /api/sales
func (h *Handler) ListSales(w http.ResponseWriter, r *http.Request) {
	sales, err := h.Engine.Ledger.ListSales(r.Context())
	if err != nil {
		h.fail(w, "Failed to list sales", err)
		return
	}

	dtos := make([]SaleDTO, len(sales))
	for i, s := range sales {
		dtos[i] = toSaleDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GET /api/sales/{id}
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.Engine.Ledger.GetSale(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get sale", err)
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(*sale))
}

// DeleteSale removes the sale record. Derived appointments are not touched.
// DELETE /api/sales/{id}
func (h *Handler) DeleteSale(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Ledger.DeleteSale(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, "Failed to delete sale", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/sales/{id}/rederive
func (h *Handler) RederiveSale(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.Ledger.Rederive(r.Context(), chi.URLParam(r, "id"))
	if result == nil && err != nil {
		h.fail(w, "Failed to rederive sale", err)
		return
	}
	// Item failures are reported inside the result, not as an HTTP error.
	writeJSON(w, http.StatusOK, toDerivationDTO(result))
}

// POST /api/sales/rederive
func (h *Handler) RederiveAll(w http.ResponseWriter, r *http.Request) {
	results, err := h.Engine.Ledger.RederiveAll(r.Context())
	if err != nil && len(results) == 0 {
		h.fail(w, "Failed to rederive sales", err)
		return
	}

	dtos := make([]*DerivationDTO, 0, len(results))
	for _, res := range results {
		dtos = append(dtos, toDerivationDTO(res))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// APPOINTMENT HANDLERS
// =============================================================================

// ListAppointments returns appointments matching the query filters.
// GET /api/appointments?client_id=&status=&sale_id=
func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := clinic.AppointmentFilter{
		ClientID: q.Get("client_id"),
		Status:   clinic.AppointmentStatus(q.Get("status")),
		SaleID:   q.Get("sale_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
		return
	}

	appts, err := h.Engine.Deriver.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list appointments", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTOs(appts))
}

// GET /api/appointments/{id}
func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.Engine.Deriver.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

// ScheduleAppointment moves a pending appointment to scheduled with the
// given date and time.
// POST /api/appointments/{id}/schedule
func (h *Handler) ScheduleAppointment(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date, err := parseDay(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	appt, err := h.Engine.Deriver.Schedule(r.Context(), chi.URLParam(r, "id"), date, req.Time)
	if err != nil {
		h.fail(w, "Failed to schedule appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

// POST /api/appointments/{id}/confirm
func (h *Handler) ConfirmAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "confirm", h.Engine.Deriver.Confirm)
}

// CompleteAppointment marks the visit done. For a package session this
// also records progress and unlocks the next session. When the status
// change sticks but a follow-up step fails, the response is still 200 and
// carries the failure in warnings.
// POST /api/appointments/{id}/complete
func (h *Handler) CompleteAppointment(w http.ResponseWriter, r *http.Request) {
	appt, err := h.Engine.Deriver.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil && appt == nil {
		h.fail(w, "Failed to complete appointment", err)
		return
	}
	resp := CompleteAppointmentResponse{AppointmentDTO: toAppointmentDTO(*appt)}
	if err != nil {
		h.Logger.Error("completion follow-up failed",
			zap.String("appointment_id", appt.ID), zap.Error(err))
		resp.Warnings = append(resp.Warnings, err.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/appointments/{id}/cancel
func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", h.Engine.Deriver.Cancel)
}

func (h *Handler) transition(
	w http.ResponseWriter,
	r *http.Request,
	verb string,
	fn func(context.Context, string) (*clinic.Appointment, error),
) {
	appt, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to "+verb+" appointment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentDTO(*appt))
}

// =============================================================================
// PACKAGE HANDLERS
// =============================================================================

// ListPackages returns catalog templates and sold packages.
// GET /api/packages?client_id=&templates=true&sold=true
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := clinic.PackageFilter{ClientID: q.Get("client_id")}
	var err error
	if filter.TemplatesOnly, err = boolParam(q.Get("templates")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid templates flag", err)
		return
	}
	if filter.SoldOnly, err = boolParam(q.Get("sold")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid sold flag", err)
		return
	}

	pkgs, err := h.Engine.Ports.Packages.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "Failed to list packages", err)
		return
	}

	dtos := make([]PackageDTO, len(pkgs))
	for i, p := range pkgs {
		dtos[i] = toPackageDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePackage adds a catalog template from its JSON definition.
// POST /api/packages
func (h *Handler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var pj factory.PackageJSON
	if err := json.NewDecoder(r.Body).Decode(&pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	pkg, err := h.PackageFactory.FromJSON(pj)
	if err != nil {
		h.fail(w, "Invalid package", err)
		return
	}

	stored, err := h.Engine.Ports.Packages.Insert(r.Context(), pkg)
	if err != nil {
		h.fail(w, "Failed to create package", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPackageDTO(stored))
}

// GET /api/packages/{id}
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.Engine.Ports.Packages.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get package", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(pkg))
}

// RebuildPackage recounts progress from the package's completed sessions.
// POST /api/packages/{id}/rebuild
func (h *Handler) RebuildPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := h.Engine.Tracker.Rebuild(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to rebuild package", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*pkg))
}

// POST /api/packages/refresh-status
func (h *Handler) RefreshPackageStatuses(w http.ResponseWriter, r *http.Request) {
	changed, err := h.Engine.Tracker.RefreshStatuses(r.Context())
	if err != nil {
		h.fail(w, "Failed to refresh package statuses", err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshStatusResponse{Changed: changed})
}

// =============================================================================
// HEALTH
// =============================================================================

// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps an engine error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, clinic.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, clinic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, clinic.ErrInvalidTransition),
		errors.Is(err, clinic.ErrConcurrentModification),
		errors.Is(err, clinic.ErrDuplicateAppointment):
		return http.StatusConflict
	case errors.Is(err, clinic.ErrConsistency):
		return http.StatusInternalServerError
	case errors.Is(err, clinic.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func boolParam(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
