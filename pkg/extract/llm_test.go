package extract

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

const validLLMResponse = `{
  "order": {
    "external_order_number": "PO-881",
    "order_date": "2024-06-01",
    "currency": "eur",
    "requested_delivery_date": "15.06.2024",
    "notes": null,
    "customer_hint": {"name": "Muster GmbH", "email": null, "erp_customer_number": "K-100"},
    "ship_to": null
  },
  "lines": [
    {
      "customer_sku_raw": " ABC-123 ",
      "product_description": "Kugellager 6204",
      "qty": 40,
      "uom": "Stück",
      "unit_price": 3.2,
      "currency": null,
      "requested_delivery_date": null
    },
    {
      "customer_sku_raw": "DEF-456",
      "product_description": "Wellendichtring",
      "qty": 12.5,
      "uom": "pseudounit",
      "unit_price": null,
      "currency": "USD",
      "requested_delivery_date": null
    }
  ],
  "confidence": {
    "order": {"external_order_number": 0.98, "order_date": 0.95, "currency": 0.9},
    "lines": [
      {"sku": 0.99, "qty": 0.97, "description": 0.9},
      {"sku": 0.8, "qty": 0.7, "description": 0.75}
    ]
  }
}`

func TestParseLLMOutputValid(t *testing.T) {
	out, err := parseLLMOutput(validLLMResponse)
	require.NoError(t, err)

	assert.Equal(t, VersionLLM, out.ExtractorVersion)
	assert.Equal(t, "PO-881", out.Order.ExternalOrderNumber)
	assert.Equal(t, "2024-06-01", out.Order.OrderDate)
	assert.Equal(t, "EUR", out.Order.Currency, "lowercase code folded")
	assert.Equal(t, "2024-06-15", out.Order.RequestedDeliveryDate, "german date re-normalized")
	require.NotNil(t, out.Order.CustomerHint)
	assert.Equal(t, "Muster GmbH", out.Order.CustomerHint.Name)
	assert.Equal(t, "K-100", out.Order.CustomerHint.ERPCustomerNumber)

	require.Len(t, out.Lines, 2)
	first := out.Lines[0]
	assert.Equal(t, 1, first.LineNo)
	assert.Equal(t, "ABC-123", first.CustomerSKURaw, "whitespace trimmed")
	require.NotNil(t, first.Qty)
	assert.True(t, first.Qty.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, "ST", first.UoM)
	require.NotNil(t, first.UnitPriceMicros)
	assert.Equal(t, int64(3_200_000), *first.UnitPriceMicros)

	second := out.Lines[1]
	assert.Equal(t, 2, second.LineNo)
	assert.Empty(t, second.UoM, "unmappable unit dropped")
	assert.True(t, out.HasWarning(contracts.WarnUnknownUoM))
	assert.Nil(t, second.UnitPriceMicros)
	assert.Equal(t, "USD", second.Currency)

	assert.Equal(t, 0.98, out.Confidence.Order["external_order_number"])
	require.Len(t, out.Confidence.Lines, 2)
	assert.Equal(t, 0.97, out.Confidence.Lines[0]["qty"])
}

func TestParseLLMOutputFencedJSON(t *testing.T) {
	fenced := "```json\n" + validLLMResponse + "\n```"
	out, err := parseLLMOutput(fenced)
	require.NoError(t, err)
	assert.Equal(t, "PO-881", out.Order.ExternalOrderNumber)
}

func TestParseLLMOutputInvalidJSON(t *testing.T) {
	_, err := parseLLMOutput("I could not read the document, sorry.")
	require.ErrorIs(t, err, errLLMInvalidJSON)
}

func TestParseLLMOutputSchemaMismatch(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing confidence", `{"order": {}, "lines": []}`},
		{"qty as string", `{"order": {}, "lines": [{"qty": "forty"}], "confidence": {"order": {}, "lines": []}}`},
		{"unknown top-level key", `{"order": {}, "lines": [], "confidence": {"order": {}, "lines": []}, "total": 12}`},
		{"confidence out of range", `{"order": {}, "lines": [], "confidence": {"order": {"currency": 1.5}, "lines": []}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseLLMOutput(tc.body)
			require.ErrorIs(t, err, errLLMSchemaMismatch)
		})
	}
}

func TestParseLLMOutputPresenceFallback(t *testing.T) {
	body := `{
	  "order": {"external_order_number": "PO-1", "currency": "EUR"},
	  "lines": [{"customer_sku_raw": "A-1", "qty": 5}],
	  "confidence": {"order": {}, "lines": []}
	}`
	out, err := parseLLMOutput(body)
	require.NoError(t, err)

	// The model sent an empty confidence.order map: kept as-is (empty
	// means unscored, not absent). The missing line entry falls back to
	// presence.
	require.Len(t, out.Confidence.Lines, 1)
	assert.Equal(t, 1.0, out.Confidence.Lines[0]["sku"])
	assert.Equal(t, 1.0, out.Confidence.Lines[0]["qty"])
	assert.Equal(t, 0.0, out.Confidence.Lines[0]["description"])
}

func TestParseLLMOutputNoLines(t *testing.T) {
	body := `{
	  "order": {"external_order_number": "PO-2"},
	  "lines": [],
	  "confidence": {"order": {"external_order_number": 0.9}, "lines": []}
	}`
	out, err := parseLLMOutput(body)
	require.NoError(t, err)
	assert.Empty(t, out.Lines)
	assert.True(t, out.HasWarning(contracts.WarnNoLines))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
	assert.Equal(t, `{"a":1}`, stripFences("  {\"a\":1}  "))
}

func TestBuildPromptsCarryContext(t *testing.T) {
	c := Context{
		SenderEmail:          "einkauf@muster.de",
		Subject:              "Bestellung 4711",
		DefaultCurrency:      "EUR",
		KnownCustomerNumbers: []string{"K-100", "K-200"},
		FewShotHints:         []string{"SKUs look like ABC-123"},
	}

	system, user := buildTextPrompt("Pos 1 ABC-123", c)
	assert.Equal(t, systemPrompt, system)
	assert.Contains(t, user, "einkauf@muster.de")
	assert.Contains(t, user, "Bestellung 4711")
	assert.Contains(t, user, "K-100, K-200")
	assert.Contains(t, user, "SKUs look like ABC-123")
	assert.Contains(t, user, "Pos 1 ABC-123")
	assert.Contains(t, user, `"order"`, "schema embedded")

	_, vision := buildVisionPrompt(c)
	assert.Contains(t, vision, "attached as an image or PDF")

	_, repair := buildRepairPrompt(`{"oops`, errLLMInvalidJSON)
	assert.Contains(t, repair, `{"oops`)
	assert.Contains(t, repair, errLLMInvalidJSON.Error())
	assert.Contains(t, repair, "corrected JSON object")
}
