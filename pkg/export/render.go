package export

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/draft"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

// FormatVersion tags every rendered document. ERP-side parsers key on
// it before touching any other field.
const FormatVersion = "orderflow_export_json_v1"

const (
	dateLayout      = "2006-01-02"
	filenameLayout  = "20060102150405"
	timestampLayout = time.RFC3339
)

// Document is the rendered export payload.
type Document struct {
	FormatVersion   string     `json:"format_version"`
	ExportTimestamp string     `json:"export_timestamp"`
	Org             OrgRef     `json:"org"`
	Order           OrderBody  `json:"order"`
	Lines           []LineBody `json:"lines"`
}

// OrgRef identifies the exporting tenant to the ERP.
type OrgRef struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
}

// OrderBody is the draft header as the ERP sees it.
type OrderBody struct {
	DraftOrderID          string             `json:"draft_order_id"`
	ExternalOrderNumber   string             `json:"external_order_number,omitempty"`
	OrderDate             string             `json:"order_date,omitempty"`
	Currency              string             `json:"currency,omitempty"`
	RequestedDeliveryDate string             `json:"requested_delivery_date,omitempty"`
	Notes                 string             `json:"notes,omitempty"`
	ShipTo                *contracts.Address `json:"ship_to,omitempty"`
	BillTo                *contracts.Address `json:"bill_to,omitempty"`
	ApprovedAt            string             `json:"approved_at,omitempty"`
	Customer              *CustomerRef       `json:"customer,omitempty"`
}

// CustomerRef carries the ERP-side customer identity.
type CustomerRef struct {
	ERPCustomerNumber string `json:"erp_customer_number,omitempty"`
	Name              string `json:"name,omitempty"`
}

// LineBody is one order position. Qty and unit price are decimal
// strings so no precision is lost between systems.
type LineBody struct {
	LineNo                int              `json:"line_no"`
	InternalSKU           string           `json:"internal_sku,omitempty"`
	CustomerSKU           string           `json:"customer_sku,omitempty"`
	Description           string           `json:"description,omitempty"`
	Qty                   decimal.Decimal  `json:"qty"`
	UoM                   string           `json:"uom"`
	UnitPrice             *decimal.Decimal `json:"unit_price,omitempty"`
	Currency              string           `json:"currency,omitempty"`
	RequestedDeliveryDate string           `json:"requested_delivery_date,omitempty"`
	LineNotes             string           `json:"line_notes,omitempty"`
}

// Render builds the export document for an approved draft. Quantity
// and UoM are mandatory on every line; the ready-check guarantees
// them, so a gap here is a pipeline bug and fails the render.
func Render(tenant *tenants.Tenant, customer *catalog.Customer, d *draft.Draft) (*Document, error) {
	doc := &Document{
		FormatVersion:   FormatVersion,
		ExportTimestamp: timeNow().UTC().Format(timestampLayout),
		Org: OrgRef{
			ID:   tenant.ID.String(),
			Slug: tenant.Slug,
		},
		Order: OrderBody{
			DraftOrderID:          d.ID.String(),
			ExternalOrderNumber:   d.ExternalOrderNumber,
			OrderDate:             formatDate(d.OrderDate),
			Currency:              d.Currency,
			RequestedDeliveryDate: formatDate(d.RequestedDeliveryDate),
			Notes:                 d.Notes,
			ShipTo:                d.ShipTo,
			BillTo:                d.BillTo,
			ApprovedAt:            formatTimestamp(d.ApprovedAt),
		},
		Lines: make([]LineBody, 0, len(d.Lines)),
	}
	if customer != nil {
		doc.Order.Customer = &CustomerRef{
			ERPCustomerNumber: customer.ERPCustomerNumber,
			Name:              customer.Name,
		}
	}

	for i := range d.Lines {
		l := &d.Lines[i]
		if l.Qty == nil {
			return nil, fmt.Errorf("export: render line %d: missing qty", l.LineNo)
		}
		if l.UoM == "" {
			return nil, fmt.Errorf("export: render line %d: missing uom", l.LineNo)
		}
		body := LineBody{
			LineNo:                l.LineNo,
			InternalSKU:           l.InternalSKU,
			CustomerSKU:           l.CustomerSKURaw,
			Description:           l.Description,
			Qty:                   *l.Qty,
			UoM:                   l.UoM,
			Currency:              l.Currency,
			RequestedDeliveryDate: formatDate(l.RequestedDeliveryDate),
			LineNotes:             l.Notes,
		}
		if l.UnitPriceMicros != nil {
			price := contracts.DecimalFromMicros(*l.UnitPriceMicros)
			body.UnitPrice = &price
		}
		doc.Lines = append(doc.Lines, body)
	}
	return doc, nil
}

// Bytes serializes the document as it is written to the dropzone and
// the archive: indented, stable field order.
func (doc *Document) Bytes() ([]byte, error) {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: marshal document: %w", err)
	}
	return append(raw, '\n'), nil
}

// Filename builds sales_order_{draft8}_{YYYYMMDDHHMMSS}_{rand8}.json.
// The random suffix keeps two exports of the same draft version
// distinguishable on the ERP side even within one second.
func Filename(draftID uuid.UUID, at time.Time) (string, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("export: filename entropy: %w", err)
	}
	return fmt.Sprintf("sales_order_%s_%s_%s.json",
		draftPrefix(draftID), at.UTC().Format(filenameLayout), hex.EncodeToString(buf[:])), nil
}

// draftPrefix is the 8-hex-char head of the draft id used in
// filenames; ack files carry it back.
func draftPrefix(id uuid.UUID) string {
	return id.String()[:8]
}

// ArchiveKey is the object-store location of the archive copy.
func ArchiveKey(tenantID uuid.UUID, filename string) string {
	return fmt.Sprintf("exports/%s/%s", tenantID, filename)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(dateLayout)
}

func formatTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(timestampLayout)
}
