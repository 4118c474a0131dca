package contracts

// DocumentStatus tracks a source document through the pipeline.
type DocumentStatus string

// Document status constants.
const (
	DocumentUploaded   DocumentStatus = "UPLOADED"
	DocumentStored     DocumentStatus = "STORED"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentExtracted  DocumentStatus = "EXTRACTED"
	DocumentFailed     DocumentStatus = "FAILED"
)

// documentTransitions is the allowed edge set; FAILED documents may only be
// retried back into PROCESSING.
var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentUploaded:   {DocumentStored},
	DocumentStored:     {DocumentProcessing},
	DocumentProcessing: {DocumentExtracted, DocumentFailed},
	DocumentFailed:     {DocumentProcessing},
}

// CanTransition reports whether moving to next is an allowed edge.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	for _, t := range documentTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// DraftStatus tracks a draft order from creation to ERP acknowledgment.
type DraftStatus string

// Draft status constants.
const (
	DraftNew       DraftStatus = "NEW"
	DraftExtracted DraftStatus = "EXTRACTED"
	DraftMatched   DraftStatus = "MATCHED"
	DraftReady     DraftStatus = "READY"
	DraftApproved  DraftStatus = "APPROVED"
	DraftPushed    DraftStatus = "PUSHED"
	DraftAcked     DraftStatus = "ACKED"
	DraftFailed    DraftStatus = "FAILED"
)

// READY falls back to MATCHED when an edit invalidates the ready check;
// FAILED is reachable only from the export leg.
var draftTransitions = map[DraftStatus][]DraftStatus{
	DraftNew:       {DraftExtracted},
	DraftExtracted: {DraftMatched},
	DraftMatched:   {DraftReady},
	DraftReady:     {DraftApproved, DraftMatched},
	DraftApproved:  {DraftPushed, DraftFailed},
	DraftPushed:    {DraftAcked, DraftFailed},
}

// CanTransition reports whether moving to next is an allowed edge. ACKED and
// FAILED are terminal.
func (s DraftStatus) CanTransition(next DraftStatus) bool {
	for _, t := range draftTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s DraftStatus) Terminal() bool {
	return len(draftTransitions[s]) == 0
}

// ExportStatus tracks an ERP export record.
type ExportStatus string

// Export status constants.
const (
	ExportPending ExportStatus = "PENDING"
	ExportSent    ExportStatus = "SENT"
	ExportAcked   ExportStatus = "ACKED"
	ExportFailed  ExportStatus = "FAILED"
)

// Terminal reports whether the export can no longer change state.
func (s ExportStatus) Terminal() bool {
	return s == ExportAcked || s == ExportFailed
}

// IssueSeverity ranks validation issues.
type IssueSeverity string

// Issue severity constants.
const (
	SeverityError   IssueSeverity = "ERROR"
	SeverityWarning IssueSeverity = "WARNING"
	SeverityInfo    IssueSeverity = "INFO"
)

// IssueStatus is the validation issue lifecycle.
type IssueStatus string

// Issue status constants.
const (
	IssueOpen         IssueStatus = "OPEN"
	IssueAcknowledged IssueStatus = "ACKNOWLEDGED"
	IssueResolved     IssueStatus = "RESOLVED"
	IssueOverridden   IssueStatus = "OVERRIDDEN"
)

// Acknowledging an issue does not unblock the ready gate; overriding or
// resolving does.
var issueTransitions = map[IssueStatus][]IssueStatus{
	IssueOpen:         {IssueAcknowledged, IssueResolved, IssueOverridden},
	IssueAcknowledged: {IssueResolved, IssueOverridden},
}

// CanTransition reports whether moving to next is an allowed edge.
// RESOLVED and OVERRIDDEN are terminal.
func (s IssueStatus) CanTransition(next IssueStatus) bool {
	for _, t := range issueTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Blocking reports whether an ERROR issue in this status still holds
// the ready gate closed.
func (s IssueStatus) Blocking() bool {
	return s == IssueOpen || s == IssueAcknowledged
}

// MappingStatus is the SKU mapping lifecycle.
type MappingStatus string

// Mapping status constants. SUGGESTED and CONFIRMED count as active for the
// per-(tenant, customer, normalized SKU) uniqueness rule.
const (
	MappingSuggested  MappingStatus = "SUGGESTED"
	MappingConfirmed  MappingStatus = "CONFIRMED"
	MappingRejected   MappingStatus = "REJECTED"
	MappingDeprecated MappingStatus = "DEPRECATED"
)

// Active reports whether the mapping participates in lookups.
func (s MappingStatus) Active() bool {
	return s == MappingSuggested || s == MappingConfirmed
}

// MatchStatus is the per-line matching outcome.
type MatchStatus string

// Match status constants.
const (
	MatchMatched   MatchStatus = "MATCHED"
	MatchSuggested MatchStatus = "SUGGESTED"
	MatchUnmatched MatchStatus = "UNMATCHED"
)

// MatchMethod records which path produced a line match.
type MatchMethod string

// Match method constants.
const (
	MethodExactMapping MatchMethod = "exact_mapping"
	MethodTrigram      MatchMethod = "trigram"
	MethodVector       MatchMethod = "vector"
	MethodHybrid       MatchMethod = "hybrid"
	MethodNone         MatchMethod = "none"
)
