package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/objectstore"
)

// Ingest validation errors.
var (
	ErrInvalidFile     = errors.New("intake: file content does not match declared type")
	ErrUnsupportedMIME = errors.New("intake: unsupported mime type")
	ErrFileTooLarge    = errors.New("intake: file too large")
	ErrEmptyFile       = errors.New("intake: empty file")
	ErrFilenameInvalid = errors.New("intake: invalid filename")
)

// MaxUploadBytes is the default per-file size ceiling.
const MaxUploadBytes = 25 << 20

// allowedMIME is the closed set of accepted document types.
var allowedMIME = map[string]bool{
	"application/pdf": true,
	"text/csv":        true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"image/png":  true,
	"image/jpeg": true,
	"image/tiff": true,
}

// extensionMIME recovers the type when senders declare something generic like
// application/octet-stream.
var extensionMIME = map[string]string{
	".pdf":  "application/pdf",
	".csv":  "text/csv",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
}

// Ingestor validates and persists inbound files: bytes land in the object
// store, the document row tracks the lifecycle.
type Ingestor struct {
	store    Store
	objects  objectstore.Store
	maxBytes int64
	logger   *slog.Logger
}

// NewIngestor wires an Ingestor. maxBytes <= 0 selects MaxUploadBytes.
func NewIngestor(store Store, objects objectstore.Store, maxBytes int64, logger *slog.Logger) *Ingestor {
	if maxBytes <= 0 {
		maxBytes = MaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:    store,
		objects:  objects,
		maxBytes: maxBytes,
		logger:   logger.With("component", "intake"),
	}
}

// IngestInput is one inbound file.
type IngestInput struct {
	TenantID    uuid.UUID
	MessageID   *uuid.UUID
	Source      Source
	SenderEmail string
	Filename    string
	MIME        string
	Data        []byte
}

// Ingest validates the file, archives its bytes and returns the document.
// The boolean is false when the content hash already exists for the tenant;
// the existing document is returned and nothing new is written.
func (ing *Ingestor) Ingest(ctx context.Context, in IngestInput) (*Document, bool, error) {
	filename := strings.TrimSpace(in.Filename)
	if err := ValidateFilename(filename); err != nil {
		return nil, false, err
	}
	if len(in.Data) == 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrEmptyFile, filename)
	}
	if int64(len(in.Data)) > ing.maxBytes {
		return nil, false, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFileTooLarge, len(in.Data), ing.maxBytes)
	}
	mimeType := ResolveMIME(filename, in.MIME)
	if mimeType == "" {
		return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedMIME, in.MIME)
	}
	if err := checkMagic(mimeType, in.Data); err != nil {
		return nil, false, err
	}

	sha := objectstore.HashBytes(in.Data)
	existing, err := ing.store.FindDocumentByHash(ctx, in.TenantID, sha)
	switch {
	case err == nil:
		if existing.StorageKey != "" {
			ing.logger.InfoContext(ctx, "duplicate document skipped",
				"tenant_id", in.TenantID, "sha256", sha, "document_id", existing.ID)
			return existing, false, nil
		}
		// Bytes never landed on a previous attempt; finish the store step.
		return ing.persistBytes(ctx, existing, in.Data, false)
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}

	source := in.Source
	if source == "" {
		source = SourceUpload
	}
	doc := &Document{
		TenantID:    in.TenantID,
		MessageID:   in.MessageID,
		Source:      source,
		SenderEmail: lowerEmail(in.SenderEmail),
		Filename:    filename,
		MIME:        mimeType,
		SHA256:      sha,
		SizeBytes:   int64(len(in.Data)),
	}
	if err := ing.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, ErrDuplicate) {
			// Concurrent ingest of the same bytes won the insert.
			if winner, ferr := ing.store.FindDocumentByHash(ctx, in.TenantID, sha); ferr == nil {
				return winner, false, nil
			}
		}
		return nil, false, err
	}
	return ing.persistBytes(ctx, doc, in.Data, true)
}

func (ing *Ingestor) persistBytes(ctx context.Context, doc *Document, data []byte, created bool) (*Document, bool, error) {
	obj, err := ing.objects.Put(ctx, objectstore.PutInput{
		TenantID: doc.TenantID,
		Filename: doc.Filename,
		MIME:     doc.MIME,
		Data:     data,
	})
	if err != nil {
		return nil, false, fmt.Errorf("intake: store document bytes: %w", err)
	}
	stored, err := ing.store.MarkStored(ctx, doc.TenantID, doc.ID, obj.Key)
	if err != nil {
		return nil, false, err
	}
	ing.logger.InfoContext(ctx, "document stored",
		"tenant_id", doc.TenantID, "document_id", doc.ID,
		"mime", doc.MIME, "size_bytes", doc.SizeBytes, "key", obj.Key)
	return stored, created, nil
}

// ValidateFilename rejects empty names, path components and overlong names.
func ValidateFilename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: empty", ErrFilenameInvalid)
	}
	if len(name) > 255 {
		return fmt.Errorf("%w: longer than 255 bytes", ErrFilenameInvalid)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q contains path separators", ErrFilenameInvalid, name)
	}
	return nil
}

// ResolveMIME normalizes the declared type and falls back to the filename
// extension for generic declarations. Empty result means unsupported.
func ResolveMIME(filename, declared string) string {
	normalized := declared
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		normalized = mt
	}
	normalized = strings.ToLower(strings.TrimSpace(normalized))
	if allowedMIME[normalized] {
		return normalized
	}
	if mt, ok := extensionMIME[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}
	return ""
}

var magicPrefixes = map[string][][]byte{
	"application/pdf": {[]byte("%PDF-")},
	"image/png":       {{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}},
	"image/jpeg":      {{0xff, 0xd8, 0xff}},
	"image/tiff":      {[]byte("II*\x00"), []byte("MM\x00*")},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": {[]byte("PK\x03\x04")},
}

// checkMagic verifies the content signature matches the resolved type. CSV has
// no signature; it is rejected only when it carries NUL bytes.
func checkMagic(mimeType string, data []byte) error {
	prefixes, ok := magicPrefixes[mimeType]
	if !ok {
		if mimeType == "text/csv" && bytes.ContainsRune(head(data, 1024), 0) {
			return fmt.Errorf("%w: binary content declared as csv", ErrInvalidFile)
		}
		return nil
	}
	for _, p := range prefixes {
		if bytes.HasPrefix(data, p) {
			return nil
		}
	}
	return fmt.Errorf("%w: missing %s signature", ErrInvalidFile, mimeType)
}

func head(data []byte, n int) []byte {
	if len(data) < n {
		return data
	}
	return data[:n]
}
