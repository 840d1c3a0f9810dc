/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate storage with realistic data
	for demos. Each scenario loads the default package catalog and then
	records sales through the engine, so every appointment on screen was
	derived the same way a real checkout would derive it.

AVAILABLE SCENARIOS:

	catalog-only:          Default package catalog, no sales
	eight-session-package: One 8-session physiotherapy package, 3 sessions done
	mixed-checkout:        Service + package + product in one checkout,
	                       then a repeat service purchase that is deduplicated

HOW SCENARIOS WORK:
 1. Reset storage (clear all data)
 2. Create catalog templates via factory
 3. Record sales via the ledger
 4. Optionally walk appointments through their lifecycle

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "eight-session-package"}

NOTE:

	Scenarios reset storage. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Endpoint list
  - factory/package.go: DefaultCatalog
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "catalog-only",
		Name:        "Catalog Only",
		Description: "Default package catalog with no sales",
	},
	{
		ID:          "eight-session-package",
		Name:        "Eight-Session Package",
		Description: "Physiotherapy package sold at checkout, first three sessions completed",
	},
	{
		ID:          "mixed-checkout",
		Name:        "Mixed Checkout",
		Description: "Service, package and product in one sale plus a deduplicated repeat purchase",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"catalog-only":          (*Handler).loadCatalog,
	"eight-session-package": (*Handler).loadEightSessionScenario,
	"mixed-checkout":        (*Handler).loadMixedCheckoutScenario,
}

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets storage and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := h.resetLocked(ctx); err != nil {
		h.fail(w, "Failed to reset storage", err)
		return
	}
	if err := load(h, ctx); err != nil {
		h.fail(w, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

// ResetDatabase clears all records.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.resetLocked(r.Context()); err != nil {
		h.fail(w, "Failed to reset storage", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) resetLocked(ctx context.Context) error {
	if h.reset == nil {
		return errors.New("reset is not supported by this storage")
	}
	h.currentScenario = ""
	return h.reset(ctx)
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadCatalog(ctx context.Context) error {
	for _, pj := range factory.DefaultCatalog() {
		pkg, err := h.PackageFactory.FromJSON(pj)
		if err != nil {
			return err
		}
		if _, err := h.Engine.Ports.Packages.Insert(ctx, pkg); err != nil {
			return fmt.Errorf("catalog %s: %w", pj.ID, err)
		}
	}
	return nil
}

func (h *Handler) loadEightSessionScenario(ctx context.Context) error {
	if err := h.loadCatalog(ctx); err != nil {
		return err
	}

	recorded, err := h.Engine.Ledger.RecordSale(ctx, clinic.SaleInput{
		ClientID:      "client-ana",
		ClientName:    "Ana Souza",
		ClientPhone:   "+55 11 98888-1234",
		PaymentMethod: clinic.PaymentCard,
		Items: []clinic.SaleItemInput{{
			Kind:      clinic.ItemPackage,
			RefID:     "physio-8",
			Name:      "Physiotherapy - 8 sessions",
			UnitPrice: decimal.RequireFromString("120.00"),
			Quantity:  8,
		}},
	})
	if err != nil {
		return err
	}
	if len(recorded.Derivation.Appointments) != 1 {
		return fmt.Errorf("expected one derived session, got %d", len(recorded.Derivation.Appointments))
	}

	// Walk the first three sessions through their lifecycle, one week apart.
	next := recorded.Derivation.Appointments[0]
	first := time.Now().UTC().AddDate(0, 0, -21)
	for week := 0; week < 3; week++ {
		day := first.AddDate(0, 0, 7*week)
		if _, err := h.Engine.Deriver.Schedule(ctx, next.ID, day, "09:00"); err != nil {
			return err
		}
		if _, err := h.Engine.Deriver.Confirm(ctx, next.ID); err != nil {
			return err
		}
		if _, err := h.Engine.Deriver.Complete(ctx, next.ID); err != nil {
			return err
		}

		pending, err := h.Engine.Deriver.List(ctx, clinic.AppointmentFilter{
			ClientID: "client-ana",
			Status:   clinic.StatusPendingSchedule,
		})
		if err != nil {
			return err
		}
		if len(pending) != 1 {
			return fmt.Errorf("expected one unlocked session after week %d, got %d", week+1, len(pending))
		}
		next = pending[0]
	}
	return nil
}

func (h *Handler) loadMixedCheckoutScenario(ctx context.Context) error {
	if err := h.loadCatalog(ctx); err != nil {
		return err
	}

	client := clinic.SaleInput{
		ClientID:      "client-bruno",
		ClientName:    "Bruno Lima",
		ClientPhone:   "+55 21 97777-4321",
		PaymentMethod: clinic.PaymentPix,
	}

	first := client
	first.Items = []clinic.SaleItemInput{
		{
			Kind:            clinic.ItemService,
			RefID:           "svc-evaluation",
			Name:            "Initial evaluation",
			UnitPrice:       decimal.RequireFromString("150.00"),
			Quantity:        1,
			DurationMinutes: 45,
		},
		{
			Kind:      clinic.ItemPackage,
			RefID:     "massage-4",
			Name:      "Relaxing massage - 4 sessions",
			UnitPrice: decimal.RequireFromString("95.00"),
			Quantity:  4,
		},
		{
			Kind:      clinic.ItemProduct,
			Name:      "Massage oil 100ml",
			UnitPrice: decimal.RequireFromString("39.90"),
			Quantity:  2,
		},
	}
	if _, err := h.Engine.Ledger.RecordSale(ctx, first); err != nil {
		return err
	}

	// Same evaluation again while the first one is still open: recorded,
	// but no second appointment.
	repeat := client
	repeat.Items = []clinic.SaleItemInput{first.Items[0]}
	repeat.PaymentMethod = clinic.PaymentCash
	_, err := h.Engine.Ledger.RecordSale(ctx, repeat)
	return err
}
