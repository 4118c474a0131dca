package export

import (
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/draft"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

func qtyPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func renderTenant() *tenants.Tenant {
	return &tenants.Tenant{
		ID:   uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"),
		Slug: "acme",
		Name: "Acme GmbH",
	}
}

func renderDraft() *draft.Draft {
	return &draft.Draft{
		ID:                  uuid.MustParse("3f1c2b7a-1111-2222-3333-444444444444"),
		TenantID:            uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"),
		ExternalOrderNumber: "PO-2025-001",
		OrderDate:           timePtr(time.Date(2025, 1, 4, 0, 0, 0, 0, time.UTC)),
		Currency:            "EUR",
		Notes:               "Ref: Rahmenvertrag 77",
		ShipTo: &contracts.Address{
			Company: "Acme Werk 2",
			Street:  "Industriestr. 5",
			Zip:     "44135",
			City:    "Dortmund",
			Country: "DE",
		},
		ApprovedAt: timePtr(time.Date(2025, 1, 5, 9, 30, 0, 0, time.UTC)),
		Version:    5,
		Lines: []draft.Line{
			{
				LineNo:          1,
				InternalSKU:     "INT-777",
				CustomerSKURaw:  "ABC-123",
				Description:     "Kabel NYM-J 3x1,5",
				Qty:             qtyPtr("10"),
				UoM:             "M",
				UnitPriceMicros: int64Ptr(1_230_000),
				Currency:        "EUR",
			},
			{
				LineNo:      2,
				InternalSKU: "INT-778",
				Description: "Kabelbinder 200mm",
				Qty:         qtyPtr("2.5"),
				UoM:         "KAR",
			},
		},
	}
}

func TestRenderFullDocument(t *testing.T) {
	timeNow = func() time.Time { return time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC) }
	defer func() { timeNow = time.Now }()

	customer := &catalog.Customer{
		ERPCustomerNumber: "K-100",
		Name:              "Muster GmbH",
	}
	doc, err := Render(renderTenant(), customer, renderDraft())
	require.NoError(t, err)

	assert.Equal(t, "orderflow_export_json_v1", doc.FormatVersion)
	assert.Equal(t, "2025-01-05T10:00:00Z", doc.ExportTimestamp)
	assert.Equal(t, "aaaaaaaa-0000-0000-0000-000000000001", doc.Org.ID)
	assert.Equal(t, "acme", doc.Org.Slug)

	assert.Equal(t, "3f1c2b7a-1111-2222-3333-444444444444", doc.Order.DraftOrderID)
	assert.Equal(t, "PO-2025-001", doc.Order.ExternalOrderNumber)
	assert.Equal(t, "2025-01-04", doc.Order.OrderDate)
	assert.Equal(t, "EUR", doc.Order.Currency)
	assert.Equal(t, "2025-01-05T09:30:00Z", doc.Order.ApprovedAt)
	require.NotNil(t, doc.Order.ShipTo)
	assert.Equal(t, "Dortmund", doc.Order.ShipTo.City)
	require.NotNil(t, doc.Order.Customer)
	assert.Equal(t, "K-100", doc.Order.Customer.ERPCustomerNumber)
	assert.Equal(t, "Muster GmbH", doc.Order.Customer.Name)

	require.Len(t, doc.Lines, 2)
	first := doc.Lines[0]
	assert.Equal(t, 1, first.LineNo)
	assert.Equal(t, "INT-777", first.InternalSKU)
	assert.Equal(t, "ABC-123", first.CustomerSKU)
	assert.True(t, first.Qty.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "M", first.UoM)
	require.NotNil(t, first.UnitPrice)
	assert.Equal(t, "1.23", first.UnitPrice.String())

	second := doc.Lines[1]
	assert.True(t, second.Qty.Equal(decimal.RequireFromString("2.5")))
	assert.Nil(t, second.UnitPrice)
}

func TestRenderBytesOmitsEmptyOptionals(t *testing.T) {
	d := renderDraft()
	d.ShipTo = nil
	d.ApprovedAt = nil
	d.Notes = ""

	doc, err := Render(renderTenant(), nil, d)
	require.NoError(t, err)
	raw, err := doc.Bytes()
	require.NoError(t, err)

	body := string(raw)
	assert.NotContains(t, body, `"customer"`)
	assert.NotContains(t, body, `"ship_to"`)
	assert.NotContains(t, body, `"approved_at"`)
	assert.NotContains(t, body, `"notes"`)
	assert.Contains(t, body, `"format_version": "orderflow_export_json_v1"`)

	// The rendered file must parse back as-is.
	var back Document
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, doc.Order.DraftOrderID, back.Order.DraftOrderID)
	require.Len(t, back.Lines, 2)
	assert.True(t, back.Lines[0].Qty.Equal(decimal.NewFromInt(10)))
}

func TestRenderRequiresQtyAndUoM(t *testing.T) {
	d := renderDraft()
	d.Lines[1].Qty = nil
	_, err := Render(renderTenant(), nil, d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	d = renderDraft()
	d.Lines[0].UoM = ""
	_, err = Render(renderTenant(), nil, d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestFilenameShape(t *testing.T) {
	draftID := uuid.MustParse("3f1c2b7a-1111-2222-3333-444444444444")
	at := time.Date(2025, 1, 4, 12, 30, 45, 0, time.UTC)

	name, err := Filename(draftID, at)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^sales_order_3f1c2b7a_20250104123045_[0-9a-f]{8}\.json$`), name)

	// The ERP echoes the name back with an ack_/error_ prefix; our own
	// names must satisfy the poller's pattern.
	assert.Regexp(t, ackFilePattern, "ack_"+name)
	assert.Regexp(t, ackFilePattern, "error_"+name)

	second, err := Filename(draftID, at)
	require.NoError(t, err)
	assert.NotEqual(t, name, second, "random suffix keeps same-second names distinct")
}

func TestArchiveKey(t *testing.T) {
	tenantID := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	key := ArchiveKey(tenantID, "sales_order_3f1c2b7a_20250104123045_deadbeef.json")
	assert.Equal(t, "exports/aaaaaaaa-0000-0000-0000-000000000001/sales_order_3f1c2b7a_20250104123045_deadbeef.json", key)
}

func TestIdempotencyKeyStable(t *testing.T) {
	tenantID := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	draftID := uuid.MustParse("3f1c2b7a-1111-2222-3333-444444444444")

	first := IdempotencyKey(tenantID, draftID, 5)
	second := IdempotencyKey(tenantID, draftID, 5)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)

	assert.NotEqual(t, first, IdempotencyKey(tenantID, draftID, 6),
		"a new draft version is a new export identity")
	assert.NotEqual(t, first, IdempotencyKey(tenantID, uuid.New(), 5))
}
