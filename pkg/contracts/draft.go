package contracts

import "time"

// MatchCandidate is one scored product suggestion persisted on a draft
// line. The score breakdown stays attached so reviewers can see why a
// candidate ranked where it did.
type MatchCandidate struct {
	ProductID    string      `json:"product_id"`
	InternalSKU  string      `json:"internal_sku"`
	Name         string      `json:"name,omitempty"`
	Confidence   float64     `json:"confidence"`
	Method       MatchMethod `json:"method"`
	Trigram      float64     `json:"trigram,omitempty"`
	Vector       float64     `json:"vector,omitempty"`
	UoMPenalty   float64     `json:"uom_penalty,omitempty"`
	PricePenalty float64     `json:"price_penalty,omitempty"`
}

// ReadyCheck is the approval gate snapshot stored on a draft. IsReady
// is true iff no OPEN ERROR validation issues exist; BlockingReasons
// lists the distinct issue types that keep the draft from approval.
type ReadyCheck struct {
	IsReady         bool      `json:"is_ready"`
	BlockingReasons []string  `json:"blocking_reasons,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}
