package contracts

// ErrorCode classifies failures in persisted error payloads (failed documents,
// extraction runs, exports, tasks). Sentinel errors live in their owning
// packages; these codes are the serialized taxonomy.
type ErrorCode string

// Error code constants.
const (
	CodeValidationFailed   ErrorCode = "VALIDATION_FAILED"
	CodeExtractionFailed   ErrorCode = "EXTRACTION_FAILED"
	CodeBudgetExceeded     ErrorCode = "BUDGET_EXCEEDED"
	CodeAIProviderError    ErrorCode = "AI_PROVIDER_ERROR"
	CodeMatchingFailed     ErrorCode = "MATCHING_FAILED"
	CodeExportFailed       ErrorCode = "EXPORT_FAILED"
	CodeVersionConflict    ErrorCode = "VERSION_CONFLICT"
	CodeDuplicateExport    ErrorCode = "DUPLICATE_EXPORT"
	CodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeUnsupportedMime    ErrorCode = "UNSUPPORTED_MIME_TYPE"
	CodeFileTooLarge       ErrorCode = "FILE_TOO_LARGE"
	CodeEmptyFile          ErrorCode = "EMPTY_FILE"
	CodeFilenameInvalid    ErrorCode = "FILENAME_INVALID"
	CodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	CodeDropzoneWrite      ErrorCode = "DROPZONE_WRITE_FAILED"
	CodeSFTPAuth           ErrorCode = "SFTP_AUTH_FAILED"
	CodeInternal           ErrorCode = "INTERNAL"
)

// ErrorDetail is the persisted failure payload: machine-readable code plus the
// verbatim message. Provider messages are stored untruncated for audit.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewErrorDetail builds a detail from an error, defaulting the code.
func NewErrorDetail(code ErrorCode, err error) ErrorDetail {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if code == "" {
		code = CodeInternal
	}
	return ErrorDetail{Code: code, Message: msg}
}

// CodedError attaches a taxonomy code to an error so the classification
// chosen at the failure site survives into persisted payloads.
type CodedError struct {
	Code ErrorCode
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// WithCode wraps err with a taxonomy code. A nil err stays nil.
func WithCode(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}
