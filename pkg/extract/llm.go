package extract

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/orderflowhq/orderflow/pkg/contracts"
)

//go:embed order_schema.json
var orderSchemaJSON string

// llmSchema validates model output before anything downstream touches
// it. Compiled once; the file is part of the binary.
var llmSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://schemas.orderflowhq.com/extract/order.schema.json"
	if err := c.AddResource(url, strings.NewReader(orderSchemaJSON)); err != nil {
		panic(fmt.Sprintf("extract: load order schema: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("extract: compile order schema: %v", err))
	}
	return s
}

// Parse failure classes. Both count against the single repair attempt;
// the distinction only matters for the warning code on the failed run.
var (
	errLLMInvalidJSON    = errors.New("extract: llm output is not valid json")
	errLLMSchemaMismatch = errors.New("extract: llm output violates schema")
)

// llmPayload is the shape the model is asked to produce. It differs
// from canonical output in one point: unit_price is a decimal amount,
// converted to micros only after validation.
type llmPayload struct {
	Order struct {
		ExternalOrderNumber   string                 `json:"external_order_number"`
		OrderDate             string                 `json:"order_date"`
		Currency              string                 `json:"currency"`
		RequestedDeliveryDate string                 `json:"requested_delivery_date"`
		Notes                 string                 `json:"notes"`
		CustomerHint          *contracts.CustomerHint `json:"customer_hint"`
		ShipTo                *contracts.Address      `json:"ship_to"`
	} `json:"order"`
	Lines      []llmLine `json:"lines"`
	Confidence struct {
		Order map[string]float64   `json:"order"`
		Lines []map[string]float64 `json:"lines"`
	} `json:"confidence"`
}

type llmLine struct {
	CustomerSKURaw        string           `json:"customer_sku_raw"`
	ProductDescription    string           `json:"product_description"`
	Qty                   *decimal.Decimal `json:"qty"`
	UoM                   string           `json:"uom"`
	UnitPrice             *decimal.Decimal `json:"unit_price"`
	Currency              string           `json:"currency"`
	RequestedDeliveryDate string           `json:"requested_delivery_date"`
}

// parseLLMOutput validates raw model output against the schema and
// converts it to canonical form.
func parseLLMOutput(content string) (*contracts.CanonicalOutput, error) {
	raw := stripFences(content)

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", errLLMInvalidJSON, err)
	}
	if err := llmSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", errLLMSchemaMismatch, err)
	}
	var p llmPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errLLMInvalidJSON, err)
	}
	return p.canonical(), nil
}

// canonical converts the validated payload: dates re-normalized, UoM
// folded onto the canonical set, prices to micros. Field confidences
// the model omitted fall back to presence.
func (p *llmPayload) canonical() *contracts.CanonicalOutput {
	o := &contracts.CanonicalOutput{ExtractorVersion: VersionLLM}

	o.Order.ExternalOrderNumber = strings.TrimSpace(p.Order.ExternalOrderNumber)
	o.Order.OrderDate = normalizeDate(p.Order.OrderDate)
	o.Order.Currency = normalizeCurrency(p.Order.Currency)
	o.Order.RequestedDeliveryDate = normalizeDate(p.Order.RequestedDeliveryDate)
	o.Order.Notes = strings.TrimSpace(p.Order.Notes)
	o.Order.CustomerHint = p.Order.CustomerHint
	o.Order.ShipTo = p.Order.ShipTo

	for _, l := range p.Lines {
		line := contracts.CanonicalLine{
			CustomerSKURaw:        strings.TrimSpace(l.CustomerSKURaw),
			ProductDescription:    strings.TrimSpace(l.ProductDescription),
			Qty:                   l.Qty,
			Currency:              normalizeCurrency(l.Currency),
			RequestedDeliveryDate: normalizeDate(l.RequestedDeliveryDate),
		}
		if l.UoM != "" {
			if c, ok := aliases.canonicalUoM(l.UoM); ok {
				line.UoM = c
			} else {
				o.Warnf(contracts.WarnUnknownUoM, len(o.Lines)+1, "unknown unit %q", l.UoM)
			}
		}
		if l.UnitPrice != nil {
			micros := contracts.MicrosFromDecimal(*l.UnitPrice)
			line.UnitPriceMicros = &micros
		}
		o.Lines = append(o.Lines, line)
	}
	o.RenumberLines()

	o.Confidence.Order = p.Confidence.Order
	if o.Confidence.Order == nil {
		o.Confidence.Order = map[string]float64{
			"external_order_number": presence(o.Order.ExternalOrderNumber),
			"order_date":            presence(o.Order.OrderDate),
			"currency":              presence(o.Order.Currency),
		}
	}
	o.Confidence.Lines = make([]map[string]float64, len(o.Lines))
	for i := range o.Lines {
		if i < len(p.Confidence.Lines) && p.Confidence.Lines[i] != nil {
			o.Confidence.Lines[i] = p.Confidence.Lines[i]
			continue
		}
		o.Confidence.Lines[i] = map[string]float64{
			"sku":         presence(o.Lines[i].CustomerSKURaw),
			"qty":         presenceQty(o.Lines[i].Qty),
			"description": presence(o.Lines[i].ProductDescription),
		}
	}
	if len(o.Lines) == 0 {
		o.Warnf(contracts.WarnNoLines, 0, "model returned no lines")
	}
	return o
}

func presenceQty(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return 1
}

// stripFences removes a markdown code fence if the model wrapped its
// JSON in one despite the response-format instruction.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

const systemPrompt = `You are an extraction engine for B2B purchase orders. You read order
documents and return exactly one JSON object matching the provided
schema. Rules:
- Extract only what is present in the document. Never invent lines,
  quantities or prices.
- Dates in ISO format YYYY-MM-DD. Numbers as plain JSON numbers with
  dot decimals, no thousands separators, no currency symbols.
- uom: use one of ST, M, CM, MM, KG, G, L, ML, KAR, PAL, SET when the
  unit clearly maps to one; otherwise copy the unit verbatim.
- currency: ISO 4217 code.
- customer_hint: company name, email address or customer number of the
  BUYER if the document states them.
- confidence: for each extracted field a value between 0 and 1
  reflecting how certain you are; confidence.lines has one entry per
  line with keys sku, qty, description.
- Unknown or absent fields are null.`

// buildTextPrompt renders the versioned text-extraction prompt.
func buildTextPrompt(docText string, c Context) (system, user string) {
	var b strings.Builder
	writeContext(&b, c)
	b.WriteString("JSON schema of the required output:\n")
	b.WriteString(orderSchemaJSON)
	b.WriteString("\n\nDocument text:\n\"\"\"\n")
	b.WriteString(docText)
	b.WriteString("\n\"\"\"\n\nReturn the JSON object only.")
	return systemPrompt, b.String()
}

// buildVisionPrompt renders the versioned vision prompt; the document
// itself travels as an attachment.
func buildVisionPrompt(c Context) (system, user string) {
	var b strings.Builder
	writeContext(&b, c)
	b.WriteString("JSON schema of the required output:\n")
	b.WriteString(orderSchemaJSON)
	b.WriteString("\n\nThe purchase order is attached as an image or PDF. ")
	b.WriteString("Read it carefully, including tables.\n\nReturn the JSON object only.")
	return systemPrompt, b.String()
}

// buildRepairPrompt asks the model to fix its previous output. Used at
// most once per document.
func buildRepairPrompt(invalid string, cause error) (system, user string) {
	var b strings.Builder
	b.WriteString("Your previous response was rejected.\n\nError:\n")
	b.WriteString(cause.Error())
	b.WriteString("\n\nPrevious response:\n\"\"\"\n")
	b.WriteString(invalid)
	b.WriteString("\n\"\"\"\n\nJSON schema of the required output:\n")
	b.WriteString(orderSchemaJSON)
	b.WriteString("\n\nReturn a corrected JSON object only. Keep every value that was correct.")
	return systemPrompt, b.String()
}

func writeContext(b *strings.Builder, c Context) {
	b.WriteString("Context:\n")
	if c.SenderEmail != "" {
		fmt.Fprintf(b, "- sender email: %s\n", c.SenderEmail)
	}
	if c.Subject != "" {
		fmt.Fprintf(b, "- email subject: %s\n", c.Subject)
	}
	if c.DefaultCurrency != "" {
		fmt.Fprintf(b, "- tenant default currency: %s\n", c.DefaultCurrency)
	}
	if len(c.KnownCustomerNumbers) > 0 {
		fmt.Fprintf(b, "- known customer numbers: %s\n", strings.Join(c.KnownCustomerNumbers, ", "))
	}
	for _, hint := range c.FewShotHints {
		fmt.Fprintf(b, "- hint: %s\n", hint)
	}
	b.WriteString("\n")
}
