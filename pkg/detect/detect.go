// Package detect assigns an inbound order to a customer. Multiple weak
// signals (sender address, sender domain, customer numbers and company
// names found in the document, hints from the LLM) are aggregated per
// customer with a probabilistic OR; the winner is auto-selected only
// when it clears the tenant's threshold with a sufficient gap to the
// runner-up.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/tenants"
	"github.com/orderflowhq/orderflow/pkg/textutil"
)

// Signal kinds in detection evidence.
const (
	SignalFromEmail      = "from_email_exact"
	SignalFromDomain     = "from_domain"
	SignalDocNumber      = "doc_customer_number"
	SignalDocCompanyName = "doc_company_name"
	SignalLLMHintNumber  = "llm_hint_erp_customer_number"
	SignalLLMHintEmail   = "llm_hint_email"
)

// Base scores per signal kind.
const (
	scoreFromEmail  = 0.95
	scoreFromDomain = 0.75
	scoreDocNumber  = 0.98

	// Fuzzy name scores scale with similarity and never reach the
	// certainty of an exact identifier.
	nameSimilarityThreshold = 0.40
	nameScoreBase           = 0.40
	nameScoreSlope          = 0.60
	nameScoreCap            = 0.85

	// aggregateCap keeps even a pile of signals short of certainty.
	aggregateCap = 0.999

	// docNumberScanLimit bounds the text prefix scanned for customer
	// numbers; identifiers live in headers, not on page 12.
	docNumberScanLimit = 2000

	// TopK is the number of ranked candidates returned.
	TopK = 5
)

// genericDomains never yield a domain signal: a gmail address says
// nothing about which company sent the order.
var genericDomains = map[string]struct{}{
	"gmail.com": {}, "googlemail.com": {}, "gmx.de": {}, "gmx.net": {},
	"gmx.at": {}, "gmx.ch": {}, "outlook.com": {}, "outlook.de": {},
	"hotmail.com": {}, "hotmail.de": {}, "live.com": {}, "live.de": {},
	"yahoo.com": {}, "yahoo.de": {}, "web.de": {}, "t-online.de": {},
	"freenet.de": {}, "icloud.com": {}, "aol.com": {}, "mail.com": {},
	"posteo.de": {}, "proton.me": {}, "protonmail.com": {},
}

// customerNumberPatterns match labeled customer identifiers in order
// documents, German labels first since that is the dominant corpus.
var customerNumberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)kunden-?nr\.?\s*:?\s*([A-Za-z0-9][A-Za-z0-9-]{1,19})`),
	regexp.MustCompile(`(?i)kundennummer\s*:?\s*([A-Za-z0-9][A-Za-z0-9-]{1,19})`),
	regexp.MustCompile(`(?i)customer\s*(?:number|no|nr|id)\.?\s*:?\s*([A-Za-z0-9][A-Za-z0-9-]{1,19})`),
	regexp.MustCompile(`(?i)debitor(?:en)?-?(?:nummer|nr\.?)?\s*:?\s*([A-Za-z0-9][A-Za-z0-9-]{1,19})`),
	regexp.MustCompile(`(?i)account\s*(?:number|no)\.?\s*:?\s*([A-Za-z0-9][A-Za-z0-9-]{1,19})`),
}

// Input is everything the detector may consider for one document.
type Input struct {
	FromEmail    string
	DocumentText string
	// Hint carries the customer block the LLM extracted, when any.
	Hint *contracts.CustomerHint
}

// Evidence is one matched signal attached to a candidate.
type Evidence struct {
	Signal string  `json:"signal"`
	Score  float64 `json:"score"`
	Detail string  `json:"detail,omitempty"`
}

// Candidate is one scored customer.
type Candidate struct {
	CustomerID uuid.UUID  `json:"customer_id"`
	Name       string     `json:"name"`
	Aggregate  float64    `json:"aggregate"`
	Evidence   []Evidence `json:"evidence"`
}

// Result is a ranked detection outcome. Selected is nil when the
// detector could not pick a single customer; Reason then explains why.
type Result struct {
	Selected   *Candidate  `json:"selected,omitempty"`
	Ambiguous  bool        `json:"ambiguous"`
	Reason     string      `json:"reason,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Confidence is the selected candidate's aggregate, zero when nothing
// was selected.
func (r *Result) Confidence() float64 {
	if r.Selected == nil {
		return 0
	}
	return r.Selected.Aggregate
}

// Detector scores customers against inbound signals.
type Detector struct {
	customers catalog.CustomerStore
	log       *slog.Logger
}

func NewDetector(customers catalog.CustomerStore, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		customers: customers,
		log:       log.With("component", "detect"),
	}
}

// Detect aggregates all signals and ranks the tenant's customers.
// The top candidate is selected only above the tenant threshold and
// with enough distance to the runner-up; otherwise the result is
// flagged ambiguous and left for review.
func (d *Detector) Detect(ctx context.Context, tenantID uuid.UUID, settings tenants.Settings, in Input) (*Result, error) {
	evidence := make(map[uuid.UUID][]Evidence)
	add := func(customerID uuid.UUID, ev Evidence) {
		evidence[customerID] = append(evidence[customerID], ev)
	}

	if err := d.collectEmailSignals(ctx, tenantID, in.FromEmail, SignalFromEmail, SignalFromDomain, add); err != nil {
		return nil, err
	}
	if err := d.collectNumberSignals(ctx, tenantID, extractCustomerNumbers(in.DocumentText), SignalDocNumber, add); err != nil {
		return nil, err
	}

	customers, err := d.customers.ListActiveCustomers(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("detect: list customers: %w", err)
	}
	collectNameSignals(in.DocumentText, customers, add)

	if in.Hint != nil {
		if n := strings.TrimSpace(in.Hint.ERPCustomerNumber); n != "" {
			if err := d.collectNumberSignals(ctx, tenantID, []string{n}, SignalLLMHintNumber, add); err != nil {
				return nil, err
			}
		}
		if e := strings.TrimSpace(in.Hint.Email); e != "" {
			if err := d.collectEmailSignals(ctx, tenantID, e, SignalLLMHintEmail, "", add); err != nil {
				return nil, err
			}
		}
	}

	candidates := rank(ctx, d, tenantID, customers, evidence)
	if len(candidates) > TopK {
		candidates = candidates[:TopK]
	}

	res := &Result{Candidates: candidates}
	switch {
	case len(candidates) == 0:
		res.Ambiguous = true
		res.Reason = "no customer matched any signal"
	case candidates[0].Aggregate < settings.AutoSelectThreshold:
		res.Ambiguous = true
		res.Reason = fmt.Sprintf("top score %.3f below auto-select threshold %.2f",
			candidates[0].Aggregate, settings.AutoSelectThreshold)
	case len(candidates) > 1 && candidates[0].Aggregate-candidates[1].Aggregate < settings.AutoSelectMinGap:
		res.Ambiguous = true
		res.Reason = fmt.Sprintf("gap %.3f between %q and %q below minimum %.2f",
			candidates[0].Aggregate-candidates[1].Aggregate,
			candidates[0].Name, candidates[1].Name, settings.AutoSelectMinGap)
	default:
		res.Selected = &candidates[0]
	}

	d.log.InfoContext(ctx, "customer detection finished",
		"tenant_id", tenantID, "candidates", len(candidates),
		"ambiguous", res.Ambiguous, "confidence", res.Confidence())
	return res, nil
}

// collectEmailSignals resolves the sender address to contacts: an
// exact contact match scores high, a shared non-generic domain lower.
// domainSignal may be empty to skip the domain pass (LLM hints carry
// no provenance for the domain).
func (d *Detector) collectEmailSignals(ctx context.Context, tenantID uuid.UUID, email, exactSignal, domainSignal string, add func(uuid.UUID, Evidence)) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil
	}

	contact, err := d.customers.FindContactByEmail(ctx, tenantID, email)
	switch {
	case err == nil:
		add(contact.CustomerID, Evidence{Signal: exactSignal, Score: scoreFromEmail, Detail: email})
		return nil
	case !errors.Is(err, catalog.ErrNotFound):
		return fmt.Errorf("detect: contact lookup: %w", err)
	}

	if domainSignal == "" {
		return nil
	}
	domain := email[strings.LastIndex(email, "@")+1:]
	if _, generic := genericDomains[domain]; generic || domain == "" {
		return nil
	}
	contacts, err := d.customers.FindContactsByEmailDomain(ctx, tenantID, domain)
	if err != nil {
		return fmt.Errorf("detect: domain lookup: %w", err)
	}
	seen := make(map[uuid.UUID]struct{})
	for i := range contacts {
		id := contacts[i].CustomerID
		if _, done := seen[id]; done {
			continue
		}
		seen[id] = struct{}{}
		add(id, Evidence{Signal: domainSignal, Score: scoreFromDomain, Detail: domain})
	}
	return nil
}

// collectNumberSignals matches extracted customer numbers against ERP
// customer numbers, case-insensitively.
func (d *Detector) collectNumberSignals(ctx context.Context, tenantID uuid.UUID, numbers []string, signal string, add func(uuid.UUID, Evidence)) error {
	for _, n := range numbers {
		c, err := d.customers.GetCustomerByNumber(ctx, tenantID, n)
		if errors.Is(err, catalog.ErrNotFound) {
			// ERP numbers are usually stored uppercase; retry once.
			c, err = d.customers.GetCustomerByNumber(ctx, tenantID, strings.ToUpper(n))
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("detect: customer number lookup: %w", err)
		}
		add(c.ID, Evidence{Signal: signal, Score: scoreDocNumber, Detail: n})
	}
	return nil
}

// collectNameSignals fuzzily compares document header lines against
// customer names. Only the best line per customer counts.
func collectNameSignals(text string, customers []catalog.Customer, add func(uuid.UUID, Evidence)) {
	lines := headerLines(text)
	if len(lines) == 0 {
		return
	}
	for i := range customers {
		c := &customers[i]
		name := c.NameNormalized
		if name == "" {
			name = textutil.NormalizeCompanyName(c.Name)
		}
		if name == "" {
			continue
		}
		best, bestLine := 0.0, ""
		for _, line := range lines {
			if sim := textutil.Similarity(textutil.NormalizeCompanyName(line), name); sim > best {
				best, bestLine = sim, line
			}
		}
		if best < nameSimilarityThreshold {
			continue
		}
		score := nameScoreBase + nameScoreSlope*best
		if score > nameScoreCap {
			score = nameScoreCap
		}
		add(c.ID, Evidence{Signal: SignalDocCompanyName, Score: score, Detail: strings.TrimSpace(bestLine)})
	}
}

// rank combines each customer's evidence with a probabilistic OR and
// sorts descending, customer id as the tiebreaker for stable output.
func rank(ctx context.Context, d *Detector, tenantID uuid.UUID, active []catalog.Customer, evidence map[uuid.UUID][]Evidence) []Candidate {
	names := make(map[uuid.UUID]string, len(active))
	for i := range active {
		names[active[i].ID] = active[i].Name
	}

	out := make([]Candidate, 0, len(evidence))
	for id, evs := range evidence {
		name, known := names[id]
		if !known {
			// Contact or number signals can point at inactive customers;
			// resolve the name but keep them rankable so reviewers see why.
			if c, err := d.customers.GetCustomer(ctx, tenantID, id); err == nil {
				name = c.Name
			}
		}
		out = append(out, Candidate{
			CustomerID: id,
			Name:       name,
			Aggregate:  combine(evs),
			Evidence:   evs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Aggregate != out[j].Aggregate {
			return out[i].Aggregate > out[j].Aggregate
		}
		return out[i].CustomerID.String() < out[j].CustomerID.String()
	})
	return out
}

// combine folds signal scores with 1 - Π(1-s), capped below certainty.
func combine(evs []Evidence) float64 {
	miss := 1.0
	for _, ev := range evs {
		s := ev.Score
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		miss *= 1 - s
	}
	agg := 1 - miss
	if agg > aggregateCap {
		agg = aggregateCap
	}
	return agg
}

// extractCustomerNumbers scans the leading slice of the document for
// labeled customer numbers, deduplicated in order of appearance.
func extractCustomerNumbers(text string) []string {
	if len(text) > docNumberScanLimit {
		text = text[:docNumberScanLimit]
	}
	var out []string
	seen := make(map[string]struct{})
	for _, re := range customerNumberPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			n := strings.TrimSpace(m[1])
			key := strings.ToUpper(n)
			if _, dup := seen[key]; dup || n == "" {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// headerLines returns the first non-empty lines of the document, the
// region where sender companies print their letterhead.
func headerLines(text string) []string {
	const maxLines = 25
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) >= maxLines {
			break
		}
	}
	return out
}
