/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the clinic domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings ("960.00"). Requests accept either a string
  or a JSON number.

DATES:
  Calendar dates are "2006-01-02". Timestamps are RFC3339.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/package.go: PackageJSON
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/clinic-engine/clinic"
)

const dateLayout = "2006-01-02"

// =============================================================================
// SALES
// =============================================================================

type SaleItemRequest struct {
	Kind            string          `json:"kind"`
	RefID           string          `json:"ref_id"`
	Name            string          `json:"name"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Quantity        int             `json:"quantity"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
}

// RecordSaleRequest is a finalized checkout. Any total sent by the client
// is ignored; the server recomputes it from the items.
type RecordSaleRequest struct {
	ClientID      string            `json:"client_id"`
	ClientName    string            `json:"client_name"`
	ClientPhone   string            `json:"client_phone"`
	Items         []SaleItemRequest `json:"items"`
	PaymentMethod string            `json:"payment_method"`
	SaleDate      string            `json:"sale_date,omitempty"`
	Notes         string            `json:"notes,omitempty"`
}

type SaleItemDTO struct {
	Kind            string `json:"kind"`
	RefID           string `json:"ref_id"`
	Name            string `json:"name"`
	UnitPrice       string `json:"unit_price"`
	Quantity        int    `json:"quantity"`
	LineTotal       string `json:"line_total"`
	CatalogRef      string `json:"catalog_ref,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

type SaleDTO struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"client_id"`
	ClientName    string        `json:"client_name,omitempty"`
	ClientPhone   string        `json:"client_phone,omitempty"`
	Items         []SaleItemDTO `json:"items"`
	Total         string        `json:"total"`
	PaymentMethod string        `json:"payment_method"`
	SaleDate      string        `json:"sale_date"`
	Notes         string        `json:"notes,omitempty"`
	CreatedAt     string        `json:"created_at"`
}

type ItemFailureDTO struct {
	ItemIndex int    `json:"item_index"`
	Kind      string `json:"kind"`
	RefID     string `json:"ref_id"`
	Error     string `json:"error"`
}

type DerivationDTO struct {
	SaleID             string           `json:"sale_id"`
	Created            int              `json:"created"`
	SkippedDuplicate   int              `json:"skipped_duplicate"`
	SkippedProductType int              `json:"skipped_product_type"`
	Summary            string           `json:"summary"`
	Appointments       []AppointmentDTO `json:"appointments"`
	Failures           []ItemFailureDTO `json:"failures,omitempty"`
}

type RecordSaleResponse struct {
	Sale       SaleDTO        `json:"sale"`
	Derivation *DerivationDTO `json:"derivation,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// =============================================================================
// APPOINTMENTS
// =============================================================================

type AppointmentDTO struct {
	ID              string  `json:"id"`
	ClientID        string  `json:"client_id"`
	ClientName      string  `json:"client_name,omitempty"`
	ClientPhone     string  `json:"client_phone,omitempty"`
	Kind            string  `json:"kind"`
	ServiceRef      string  `json:"service_ref,omitempty"`
	PackageRef      string  `json:"package_ref,omitempty"`
	SessionNumber   int     `json:"session_number,omitempty"`
	TotalSessions   int     `json:"total_sessions,omitempty"`
	ScheduledDate   *string `json:"scheduled_date"`
	ScheduledTime   *string `json:"scheduled_time"`
	DurationMinutes int     `json:"duration_minutes"`
	Price           string  `json:"price"`
	Status          string  `json:"status"`
	Notes           string  `json:"notes,omitempty"`
	SourceSaleID    string  `json:"source_sale_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

// CompleteAppointmentResponse is the completed appointment plus anything
// that went wrong after the status change, such as package progress that
// could not be recorded. The appointment fields stay at the top level.
type CompleteAppointmentResponse struct {
	AppointmentDTO
	Warnings []string `json:"warnings,omitempty"`
}

type ScheduleRequest struct {
	Date string `json:"date"` // 2006-01-02
	Time string `json:"time"` // HH:MM
}

// =============================================================================
// PACKAGES
// =============================================================================

type SessionEntryDTO struct {
	Date  string `json:"date"`
	Notes string `json:"notes,omitempty"`
}

type PackageDTO struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	ClientID          string            `json:"client_id,omitempty"`
	Template          bool              `json:"template"`
	TotalSessions     int               `json:"total_sessions"`
	UsedSessions      int               `json:"used_sessions"`
	RemainingSessions int               `json:"remaining_sessions"`
	Price             string            `json:"price"`
	ValidityDays      int               `json:"validity_days,omitempty"`
	ValidUntil        *string           `json:"valid_until,omitempty"`
	Status            string            `json:"status"`
	SessionHistory    []SessionEntryDTO `json:"session_history"`
	CreatedAt         string            `json:"created_at"`
	LastUsedAt        *string           `json:"last_used_at,omitempty"`
}

type RefreshStatusResponse struct {
	Changed int `json:"changed"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toSaleInput(req RecordSaleRequest) (clinic.SaleInput, error) {
	in := clinic.SaleInput{
		ClientID:      req.ClientID,
		ClientName:    req.ClientName,
		ClientPhone:   req.ClientPhone,
		PaymentMethod: clinic.PaymentMethod(req.PaymentMethod),
		Notes:         req.Notes,
	}
	if req.SaleDate != "" {
		d, err := parseDay(req.SaleDate)
		if err != nil {
			return in, &clinic.ValidationError{Field: "sale_date", Reason: "must be YYYY-MM-DD or RFC3339"}
		}
		in.SaleDate = d
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, clinic.SaleItemInput{
			Kind:            clinic.ItemKind(it.Kind),
			RefID:           it.RefID,
			Name:            it.Name,
			UnitPrice:       it.UnitPrice,
			Quantity:        it.Quantity,
			DurationMinutes: it.DurationMinutes,
		})
	}
	return in, nil
}

func parseDay(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func toSaleDTO(s clinic.Sale) SaleDTO {
	items := make([]SaleItemDTO, len(s.Items))
	for i, it := range s.Items {
		items[i] = SaleItemDTO{
			Kind:            string(it.Kind),
			RefID:           it.RefID,
			Name:            it.Name,
			UnitPrice:       it.UnitPrice.StringFixed(2),
			Quantity:        it.Quantity,
			LineTotal:       it.LineTotal().StringFixed(2),
			CatalogRef:      it.CatalogRef,
			DurationMinutes: it.DurationMinutes,
		}
	}
	return SaleDTO{
		ID:            s.ID,
		ClientID:      s.ClientID,
		ClientName:    s.ClientName,
		ClientPhone:   s.ClientPhone,
		Items:         items,
		Total:         s.Total.StringFixed(2),
		PaymentMethod: string(s.PaymentMethod),
		SaleDate:      s.SaleDate.Format(dateLayout),
		Notes:         s.Notes,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
	}
}

func toDerivationDTO(r *clinic.DerivationResult) *DerivationDTO {
	if r == nil {
		return nil
	}
	dto := &DerivationDTO{
		SaleID:             r.SaleID,
		Created:            r.Created,
		SkippedDuplicate:   r.SkippedDuplicate,
		SkippedProductType: r.SkippedProductType,
		Summary:            r.Summary(),
		Appointments:       toAppointmentDTOs(r.Appointments),
	}
	for _, f := range r.Failures {
		dto.Failures = append(dto.Failures, ItemFailureDTO{
			ItemIndex: f.ItemIndex,
			Kind:      string(f.Kind),
			RefID:     f.RefID,
			Error:     f.Err.Error(),
		})
	}
	return dto
}

func toAppointmentDTO(a clinic.Appointment) AppointmentDTO {
	dto := AppointmentDTO{
		ID:              a.ID,
		ClientID:        a.ClientID,
		ClientName:      a.ClientName,
		ClientPhone:     a.ClientPhone,
		Kind:            string(a.Kind),
		ServiceRef:      a.ServiceRef,
		PackageRef:      a.PackageRef,
		SessionNumber:   a.SessionNumber,
		TotalSessions:   a.TotalSessions,
		ScheduledTime:   a.ScheduledTime,
		DurationMinutes: a.DurationMinutes,
		Price:           a.Price.StringFixed(2),
		Status:          string(a.Status),
		Notes:           a.Notes,
		SourceSaleID:    a.SourceSaleID,
		CreatedAt:       a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.Format(time.RFC3339),
	}
	if a.ScheduledDate != nil {
		d := a.ScheduledDate.Format(dateLayout)
		dto.ScheduledDate = &d
	}
	if a.CompletedAt != nil {
		c := a.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &c
	}
	return dto
}

func toAppointmentDTOs(appts []clinic.Appointment) []AppointmentDTO {
	dtos := make([]AppointmentDTO, len(appts))
	for i, a := range appts {
		dtos[i] = toAppointmentDTO(a)
	}
	return dtos
}

func toPackageDTO(p clinic.Package) PackageDTO {
	dto := PackageDTO{
		ID:                p.ID,
		Name:              p.Name,
		Description:       p.Description,
		ClientID:          p.ClientID,
		Template:          p.IsTemplate(),
		TotalSessions:     p.TotalSessions,
		UsedSessions:      p.UsedSessions,
		RemainingSessions: p.RemainingSessions,
		Price:             p.Price.StringFixed(2),
		ValidityDays:      p.ValidityDays,
		Status:            string(p.Status),
		SessionHistory:    make([]SessionEntryDTO, len(p.SessionHistory)),
		CreatedAt:         p.CreatedAt.Format(time.RFC3339),
	}
	if !p.ValidUntil.IsZero() {
		v := p.ValidUntil.Format(dateLayout)
		dto.ValidUntil = &v
	}
	if p.LastUsedAt != nil {
		l := p.LastUsedAt.Format(time.RFC3339)
		dto.LastUsedAt = &l
	}
	for i, e := range p.SessionHistory {
		dto.SessionHistory[i] = SessionEntryDTO{Date: e.Date.Format(time.RFC3339), Notes: e.Notes}
	}
	return dto
}
