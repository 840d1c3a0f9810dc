/*
ledger.go - Sale recording

PURPOSE:
  Accepts a finalized checkout, stores it as an immutable fact and hands it
  to the AppointmentDeriver. Recording is all-or-nothing; derivation that
  follows is best-effort per item and reported back as warnings.

TOTALS:
  The total is always recomputed from the items. A client-supplied total
  is never trusted.

PACKAGE PROVISIONING:
  A package item may reference a catalog template (no ClientID). At
  checkout the template is copied into a package owned by the client,
  sized to the purchased quantity, and the item is pointed at the copy.
  CatalogRef keeps the template id. If the sale cannot be stored the
  copies are removed again. A sale insert that times out is looked up
  before anything is removed; when its fate is unknown the copies stay.

DELETION:
  DeleteSale removes the sale only. Appointments derived from it stay.
*/
package clinic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// INPUT
// =============================================================================

type SaleItemInput struct {
	Kind            ItemKind        `validate:"required,oneof=service package product"`
	RefID           string          `validate:"required_unless=Kind product"`
	Name            string          `validate:"required"`
	UnitPrice       decimal.Decimal `validate:"-"`
	Quantity        int             `validate:"min=1"`
	DurationMinutes int             `validate:"min=0"`
}

type SaleInput struct {
	ClientID      string          `validate:"required"`
	ClientName    string          `validate:"max=200"`
	ClientPhone   string          `validate:"max=40"`
	Items         []SaleItemInput `validate:"required,min=1,dive"`
	PaymentMethod PaymentMethod   `validate:"required,oneof=cash card pix"`
	SaleDate      time.Time
	Notes         string `validate:"max=2000"`
}

// RecordedSale is what RecordSale hands back: the stored sale plus what
// derivation did with it.
type RecordedSale struct {
	Sale       Sale
	Derivation *DerivationResult
	Warnings   []string
}

var saleValidator = validator.New()

func validateSaleInput(in SaleInput) error {
	err := saleValidator.Struct(in)
	if err == nil {
		for i, item := range in.Items {
			if item.UnitPrice.IsNegative() {
				return &ValidationError{Field: fmt.Sprintf("items[%d].unitPrice", i), Reason: "must not be negative"}
			}
		}
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fieldPath(fe.Namespace()), Reason: describeTag(fe)}
	}
	return &ValidationError{Reason: err.Error()}
}

// fieldPath turns "SaleInput.Items[0].RefID" into "items[0].refId".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "ID") {
			p = p[:len(p)-2] + "Id"
		}
		parts[i] = strings.ToLower(p[:1]) + p[1:]
	}
	return strings.Join(parts, ".")
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_unless":
		return "required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// =============================================================================
// LEDGER
// =============================================================================

type SaleLedger struct {
	sales    SalePort
	packages PackagePort
	deriver  *AppointmentDeriver
	notifier Notifier
	clock    Clock
	logger   *zap.Logger
	newID    func() string
}

func NewSaleLedger(
	sales SalePort,
	packages PackagePort,
	deriver *AppointmentDeriver,
	notifier Notifier,
	clock Clock,
	logger *zap.Logger,
) *SaleLedger {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SaleLedger{
		sales:    sales,
		packages: packages,
		deriver:  deriver,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// RecordSale validates, stores and derives a sale. A non-nil error means
// the sale was not stored, or that an insert which ran out of time could
// not be confirmed either way. Derivation problems are reported in the result's
// Warnings and Derivation.Failures, not as an error.
func (l *SaleLedger) RecordSale(ctx context.Context, in SaleInput) (*RecordedSale, error) {
	if err := validateSaleInput(in); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	saleDate := in.SaleDate
	if saleDate.IsZero() {
		saleDate = now
	}

	items := make([]SaleItem, len(in.Items))
	for i, it := range in.Items {
		items[i] = SaleItem{
			Kind:            it.Kind,
			RefID:           it.RefID,
			Name:            it.Name,
			UnitPrice:       it.UnitPrice,
			Quantity:        it.Quantity,
			DurationMinutes: it.DurationMinutes,
		}
	}

	sale := Sale{
		ID:            l.newID(),
		ClientID:      in.ClientID,
		ClientName:    in.ClientName,
		ClientPhone:   in.ClientPhone,
		PaymentMethod: in.PaymentMethod,
		SaleDate:      saleDate,
		Notes:         in.Notes,
		CreatedAt:     now,
	}

	provisioned, err := l.provisionPackages(ctx, sale, items)
	if err != nil {
		return nil, err
	}
	sale.Items = items
	sale.Total = ComputeTotal(items)

	stored, err := l.insertSale(ctx, sale, provisioned)
	if err != nil {
		return nil, err
	}

	l.logger.Info("sale recorded",
		zap.String("sale_id", stored.ID),
		zap.String("client_id", stored.ClientID),
		zap.String("total", stored.Total.StringFixed(2)),
		zap.Int("items", len(stored.Items)))
	notify(ctx, l.notifier, l.logger, Event{
		Type:     EventSaleRecorded,
		At:       now,
		SaleID:   stored.ID,
		ClientID: stored.ClientID,
		Message:  "total " + stored.Total.StringFixed(2),
	})

	recorded := &RecordedSale{Sale: stored}
	if l.deriver == nil {
		return recorded, nil
	}

	result, derr := l.deriver.DeriveFromSale(ctx, stored)
	recorded.Derivation = result
	recorded.Warnings = append(recorded.Warnings, result.Summary())
	if derr != nil {
		recorded.Warnings = append(recorded.Warnings, derr.Error())
	}
	return recorded, nil
}

// insertSale stores sale and undoes provisioning when the insert definitely
// failed. An insert cut short by its deadline may still land, so the sale is
// looked up first. If it cannot be found the provisioned packages are kept.
func (l *SaleLedger) insertSale(ctx context.Context, sale Sale, provisioned []string) (Sale, error) {
	stored, err := l.sales.Insert(ctx, sale)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		l.rollbackProvisioned(ctx, provisioned)
		return Sale{}, persistence("sales.insert", err)
	}

	if found, gerr := l.sales.Get(ctx, sale.ID); gerr == nil {
		l.logger.Warn("sale insert timed out but the sale was stored",
			zap.String("sale_id", sale.ID), zap.Error(err))
		return found, nil
	}
	l.logger.Warn("sale insert outcome unknown, keeping provisioned packages",
		zap.String("sale_id", sale.ID),
		zap.Strings("package_ids", provisioned),
		zap.Error(err))
	return Sale{}, persistence("sales.insert", err)
}

// provisionPackages resolves every package item, copying catalog templates
// into client-owned packages. items is rewritten in place.
func (l *SaleLedger) provisionPackages(ctx context.Context, sale Sale, items []SaleItem) ([]string, error) {
	var created []string
	fail := func(err error) ([]string, error) {
		l.rollbackProvisioned(ctx, created)
		return nil, err
	}

	for i := range items {
		item := &items[i]
		if item.Kind != ItemPackage {
			continue
		}
		field := fmt.Sprintf("items[%d].refId", i)
		if l.packages == nil {
			return fail(&ValidationError{Field: field, Reason: "packages are not available"})
		}

		pkg, err := l.packages.Get(ctx, item.RefID)
		if errors.Is(err, ErrNotFound) {
			return fail(&ValidationError{Field: field, Reason: "unknown package " + item.RefID})
		}
		if err != nil {
			return fail(persistence("packages.get", err))
		}

		if !pkg.IsTemplate() {
			if pkg.ClientID != sale.ClientID {
				return fail(&ValidationError{Field: field, Reason: "package belongs to another client"})
			}
			if pkg.TotalSessions != item.Quantity {
				return fail(&ValidationError{
					Field:  fmt.Sprintf("items[%d].quantity", i),
					Reason: fmt.Sprintf("package has %d sessions", pkg.TotalSessions),
				})
			}
			continue
		}

		sold := l.instantiate(pkg, sale, item.Quantity)
		stored, err := l.packages.Insert(ctx, sold)
		if err != nil {
			return fail(persistence("packages.insert", err))
		}
		created = append(created, stored.ID)
		item.CatalogRef = pkg.ID
		item.RefID = stored.ID
	}
	return created, nil
}

func (l *SaleLedger) instantiate(template Package, sale Sale, sessions int) Package {
	sold := Package{
		ID:                l.newID(),
		Name:              template.Name,
		Description:       template.Description,
		ClientID:          sale.ClientID,
		TotalSessions:     sessions,
		RemainingSessions: sessions,
		Price:             template.Price,
		ValidityDays:      template.ValidityDays,
		CreatedAt:         l.clock.Now(),
	}
	if template.ValidityDays > 0 {
		sold.ValidUntil = sale.SaleDate.AddDate(0, 0, template.ValidityDays)
	}
	sold.Status = RecomputeStatus(sold, l.clock.Now(), l.expiringWithin())
	return sold
}

func (l *SaleLedger) expiringWithin() time.Duration {
	if l.deriver != nil && l.deriver.tracker != nil {
		return l.deriver.tracker.expiringWithin
	}
	return DefaultExpiringWithin
}

func (l *SaleLedger) rollbackProvisioned(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := l.packages.Delete(ctx, id); err != nil {
			l.logger.Error("failed to remove provisioned package",
				zap.String("package_id", id), zap.Error(err))
		}
	}
}

// DeleteSale removes a sale. Derived appointments are left in place.
func (l *SaleLedger) DeleteSale(ctx context.Context, id string) error {
	if err := l.sales.Delete(ctx, id); err != nil {
		return persistence("sales.delete", err)
	}
	l.logger.Info("sale deleted", zap.String("sale_id", id))
	notify(ctx, l.notifier, l.logger, Event{
		Type:    EventSaleDeleted,
		At:      l.clock.Now(),
		SaleID:  id,
		Message: "derived appointments were kept",
	})
	return nil
}

func (l *SaleLedger) GetSale(ctx context.Context, id string) (*Sale, error) {
	sale, err := l.sales.Get(ctx, id)
	if err != nil {
		return nil, persistence("sales.get", err)
	}
	return &sale, nil
}

func (l *SaleLedger) ListSales(ctx context.Context) ([]Sale, error) {
	sales, err := l.sales.FindAll(ctx)
	if err != nil {
		return nil, persistence("sales.find_all", err)
	}
	return sales, nil
}

// Rederive runs derivation again for a stored sale. Safe to repeat.
func (l *SaleLedger) Rederive(ctx context.Context, id string) (*DerivationResult, error) {
	sale, err := l.GetSale(ctx, id)
	if err != nil {
		return nil, err
	}
	return l.deriver.DeriveFromSale(ctx, *sale)
}

// RederiveAll runs derivation for every stored sale, oldest first, and
// returns one result per sale. Failing sales do not stop the run.
func (l *SaleLedger) RederiveAll(ctx context.Context) ([]*DerivationResult, error) {
	sales, err := l.ListSales(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*DerivationResult, 0, len(sales))
	var errs []error
	for _, sale := range sales {
		result, err := l.deriver.DeriveFromSale(ctx, sale)
		results = append(results, result)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}
