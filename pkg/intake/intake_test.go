package intake

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/objectstore"
)

func newIngestor(t *testing.T, maxBytes int64) (*Ingestor, *MemoryStore, objectstore.Store) {
	t.Helper()
	objects, err := objectstore.NewFileStore(objectstore.FileStoreConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	store := NewMemoryStore()
	return NewIngestor(store, objects, maxBytes, nil), store, objects
}

func pdfBytes(body string) []byte {
	return []byte("%PDF-1.7\n" + body)
}

func TestValidateFilename(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"order_4711.pdf", true},
		{"Bestellung (Mai).xlsx", true},
		{"", false},
		{"   ", false},
		{".", false},
		{"..", false},
		{"../../etc/passwd", false},
		{"a\\b.csv", false},
		{"nul\x00byte.pdf", false},
		{strings.Repeat("x", 256) + ".pdf", false},
	}
	for _, tc := range cases {
		err := ValidateFilename(tc.name)
		if tc.ok {
			assert.NoError(t, err, tc.name)
		} else {
			assert.ErrorIs(t, err, ErrFilenameInvalid, tc.name)
		}
	}
}

func TestResolveMIME(t *testing.T) {
	assert.Equal(t, "application/pdf", ResolveMIME("a.pdf", "application/pdf"))
	assert.Equal(t, "text/csv", ResolveMIME("a.csv", "text/csv; charset=utf-8"))
	assert.Equal(t, "application/pdf", ResolveMIME("a.pdf", "APPLICATION/PDF"))
	// Generic declaration falls back to the extension.
	assert.Equal(t,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		ResolveMIME("order.XLSX", "application/octet-stream"))
	assert.Equal(t, "image/jpeg", ResolveMIME("scan.jpeg", ""))
	assert.Equal(t, "", ResolveMIME("a.exe", "application/octet-stream"))
	assert.Equal(t, "", ResolveMIME("a.docx", "application/msword"))
}

func TestIngestStoresDocument(t *testing.T) {
	ing, _, objects := newIngestor(t, 0)
	ctx := context.Background()
	tenant := uuid.New()

	doc, created, err := ing.Ingest(ctx, IngestInput{
		TenantID:    tenant,
		Source:      SourceEmail,
		SenderEmail: "Buyer@Acme.COM",
		Filename:    "order_4711.pdf",
		MIME:        "application/pdf",
		Data:        pdfBytes("Bestellung 4711"),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, contracts.DocumentStored, doc.Status)
	assert.Equal(t, "buyer@acme.com", doc.SenderEmail)
	assert.NotEmpty(t, doc.StorageKey)
	assert.Equal(t, int64(len(pdfBytes("Bestellung 4711"))), doc.SizeBytes)

	exists, err := objects.Exists(ctx, doc.StorageKey)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIngestDeduplicatesByContentHash(t *testing.T) {
	ing, _, _ := newIngestor(t, 0)
	ctx := context.Background()
	tenant := uuid.New()
	data := pdfBytes("same bytes")

	first, created, err := ing.Ingest(ctx, IngestInput{
		TenantID: tenant, Filename: "a.pdf", MIME: "application/pdf", Data: data,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Same content under a different filename is the same document.
	second, created, err := ing.Ingest(ctx, IngestInput{
		TenantID: tenant, Filename: "b.pdf", MIME: "application/pdf", Data: data,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Another tenant ingesting the same bytes gets its own document.
	other, created, err := ing.Ingest(ctx, IngestInput{
		TenantID: uuid.New(), Filename: "a.pdf", MIME: "application/pdf", Data: data,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestIngestValidation(t *testing.T) {
	ing, _, _ := newIngestor(t, 64)
	ctx := context.Background()
	tenant := uuid.New()

	_, _, err := ing.Ingest(ctx, IngestInput{TenantID: tenant, Filename: "a.pdf", MIME: "application/pdf"})
	assert.ErrorIs(t, err, ErrEmptyFile)

	_, _, err = ing.Ingest(ctx, IngestInput{
		TenantID: tenant, Filename: "a.pdf", MIME: "application/pdf",
		Data: pdfBytes(strings.Repeat("x", 100)),
	})
	assert.ErrorIs(t, err, ErrFileTooLarge)

	_, _, err = ing.Ingest(ctx, IngestInput{
		TenantID: tenant, Filename: "a.exe", MIME: "application/x-msdownload",
		Data: []byte("MZ"),
	})
	assert.ErrorIs(t, err, ErrUnsupportedMIME)

	_, _, err = ing.Ingest(ctx, IngestInput{
		TenantID: tenant, Filename: "../a.pdf", MIME: "application/pdf",
		Data: pdfBytes("x"),
	})
	assert.ErrorIs(t, err, ErrFilenameInvalid)

	// Declared PDF without the signature.
	_, _, err = ing.Ingest(ctx, IngestInput{
		TenantID: tenant, Filename: "a.pdf", MIME: "application/pdf",
		Data: []byte("plain text"),
	})
	assert.ErrorIs(t, err, ErrInvalidFile)

	// Binary bytes declared as CSV.
	_, _, err = ing.Ingest(ctx, IngestInput{
		TenantID: tenant, Filename: "a.csv", MIME: "text/csv",
		Data: []byte{'s', 'k', 'u', 0x00, 'q'},
	})
	assert.ErrorIs(t, err, ErrInvalidFile)
}

func TestIngestFinishesInterruptedStore(t *testing.T) {
	ing, store, _ := newIngestor(t, 0)
	ctx := context.Background()
	tenant := uuid.New()
	data := pdfBytes("interrupted")

	// A previous attempt created the row but never landed the bytes.
	doc := &Document{
		TenantID: tenant,
		Source:   SourceUpload,
		Filename: "a.pdf",
		MIME:     "application/pdf",
		SHA256:   objectstore.HashBytes(data),
		SizeBytes: int64(len(data)),
	}
	require.NoError(t, store.CreateDocument(ctx, doc))
	require.Equal(t, contracts.DocumentUploaded, doc.Status)

	got, created, err := ing.Ingest(ctx, IngestInput{
		TenantID: tenant, Filename: "a.pdf", MIME: "application/pdf", Data: data,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, contracts.DocumentStored, got.Status)
	assert.NotEmpty(t, got.StorageKey)
}

func TestDocumentTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tenant := uuid.New()

	doc := &Document{TenantID: tenant, Source: SourceUpload, Filename: "a.pdf",
		MIME: "application/pdf", SHA256: "abc", SizeBytes: 3}
	require.NoError(t, store.CreateDocument(ctx, doc))

	// UPLOADED cannot jump straight to PROCESSING.
	_, err := store.TransitionDocument(ctx, tenant, doc.ID, contracts.DocumentProcessing, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.MarkStored(ctx, tenant, doc.ID, "tenants/x/doc.pdf")
	require.NoError(t, err)

	_, err = store.TransitionDocument(ctx, tenant, doc.ID, contracts.DocumentProcessing, nil)
	require.NoError(t, err)

	detail := contracts.NewErrorDetail(contracts.CodeExtractionFailed, assert.AnError)
	failed, err := store.TransitionDocument(ctx, tenant, doc.ID, contracts.DocumentFailed, &detail)
	require.NoError(t, err)
	require.NotNil(t, failed.Error)
	assert.Equal(t, contracts.CodeExtractionFailed, failed.Error.Code)

	// FAILED may only be retried back into PROCESSING.
	_, err = store.TransitionDocument(ctx, tenant, doc.ID, contracts.DocumentExtracted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	retried, err := store.TransitionDocument(ctx, tenant, doc.ID, contracts.DocumentProcessing, nil)
	require.NoError(t, err)
	assert.Nil(t, retried.Error)

	done, err := store.TransitionDocument(ctx, tenant, doc.ID, contracts.DocumentExtracted, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.DocumentExtracted, done.Status)

	// EXTRACTED is terminal.
	_, err = store.TransitionDocument(ctx, tenant, doc.ID, contracts.DocumentProcessing, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Cross-tenant transitions surface NotFound.
	_, err = store.TransitionDocument(ctx, uuid.New(), doc.ID, contracts.DocumentProcessing, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tenant := uuid.New()

	msg := &InboundMessage{
		TenantID:  tenant,
		FromEmail: "Buyer@Acme.COM",
		ToEmail:   "Orders@Tenant.example",
		Subject:   "Bestellung 4711",
	}
	require.NoError(t, store.CreateMessage(ctx, msg))
	assert.Equal(t, MessageReceived, msg.Status)
	assert.Equal(t, "buyer@acme.com", msg.FromEmail)
	assert.Equal(t, "orders@tenant.example", msg.ToEmail)

	_, err := store.TransitionMessage(ctx, tenant, msg.ID, MessageProcessed, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.TransitionMessage(ctx, tenant, msg.ID, MessageProcessing, nil)
	require.NoError(t, err)
	done, err := store.TransitionMessage(ctx, tenant, msg.ID, MessageProcessed, nil)
	require.NoError(t, err)
	assert.Equal(t, MessageProcessed, done.Status)
}

func TestListDocumentsByMessage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	tenant := uuid.New()

	msg := &InboundMessage{TenantID: tenant, FromEmail: "a@b.c", ToEmail: "x@y.z"}
	require.NoError(t, store.CreateMessage(ctx, msg))

	for i, sha := range []string{"h1", "h2"} {
		require.NoError(t, store.CreateDocument(ctx, &Document{
			TenantID:  tenant,
			MessageID: &msg.ID,
			Source:    SourceEmail,
			Filename:  "a.pdf",
			MIME:      "application/pdf",
			SHA256:    sha,
			SizeBytes: int64(i + 1),
		}))
	}
	require.NoError(t, store.CreateDocument(ctx, &Document{
		TenantID: tenant, Source: SourceUpload, Filename: "b.pdf",
		MIME: "application/pdf", SHA256: "h3", SizeBytes: 1,
	}))

	docs, err := store.ListDocumentsByMessage(ctx, tenant, msg.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}
