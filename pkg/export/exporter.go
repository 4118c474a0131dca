package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/catalog"
	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/draft"
	"github.com/orderflowhq/orderflow/pkg/objectstore"
	"github.com/orderflowhq/orderflow/pkg/secrets"
	"github.com/orderflowhq/orderflow/pkg/tenants"
)

var (
	// ErrNotApproved is returned when a push is requested for a draft
	// outside the APPROVED state.
	ErrNotApproved = errors.New("export: draft is not approved")
	// ErrNoConnection is returned when the tenant has no ACTIVE
	// connection of the requested type.
	ErrNoConnection = errors.New("export: no active connection")
	// ErrDraftChanged is returned by Retry when the draft moved on
	// since the failed attempt; the caller should push the new version
	// instead.
	ErrDraftChanged = errors.New("export: draft version changed since this export")
)

// Deps wires the exporter's collaborators.
type Deps struct {
	Tenants     tenants.Store
	Customers   catalog.CustomerStore
	Drafts      draft.Store
	Connections ConnectionStore
	Exports     ExportStore
	Objects     objectstore.Store
	Box         *secrets.Box
	// Dial defaults to the production Dial.
	Dial Dialer
}

// Exporter renders approved drafts and delivers them to the tenant's
// dropzone. A push failure is recorded on the export and never
// retried automatically; Retry is the explicit action.
type Exporter struct {
	deps   Deps
	logger *slog.Logger
}

func NewExporter(deps Deps, logger *slog.Logger) *Exporter {
	if deps.Dial == nil {
		deps.Dial = Dial
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		deps:   deps,
		logger: logger.With("component", "export"),
	}
}

// Push exports an approved draft. The idempotency key on (tenant,
// draft, version) makes a second push of the same version return
// ErrDuplicateExport before anything is written.
func (e *Exporter) Push(ctx context.Context, tenantID, draftID uuid.UUID) (*Export, error) {
	tenant, err := e.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	d, err := e.deps.Drafts.GetDraft(ctx, tenantID, draftID)
	if err != nil {
		return nil, err
	}
	if d.Status != contracts.DraftApproved {
		return nil, fmt.Errorf("%w: draft %s is %s", ErrNotApproved, draftID, d.Status)
	}

	conn, cfg, err := e.activeConnection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	data, err := e.render(ctx, tenant, d)
	if err != nil {
		return nil, err
	}
	filename, err := Filename(d.ID, timeNow())
	if err != nil {
		return nil, err
	}

	rec := &Export{
		TenantID:     tenantID,
		DraftID:      d.ID,
		ConnectionID: conn.ID,
		DraftVersion: d.Version,
		Filename:     filename,
	}
	if err := e.deps.Exports.CreateExport(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.deliver(ctx, cfg, rec, data, d.Version); err != nil {
		return e.reload(ctx, rec), err
	}
	return e.reload(ctx, rec), nil
}

// Retry re-sends a FAILED export verbatim: same draft version, same
// filename, same archive key.
func (e *Exporter) Retry(ctx context.Context, tenantID, exportID uuid.UUID) (*Export, error) {
	rec, err := e.deps.Exports.GetExport(ctx, tenantID, exportID)
	if err != nil {
		return nil, err
	}
	tenant, err := e.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	d, err := e.deps.Drafts.GetDraft(ctx, tenantID, rec.DraftID)
	if err != nil {
		return nil, err
	}
	if d.Version != rec.DraftVersion {
		return nil, fmt.Errorf("%w: draft is at %d, export rendered %d",
			ErrDraftChanged, d.Version, rec.DraftVersion)
	}
	if d.Status != contracts.DraftApproved {
		return nil, fmt.Errorf("%w: draft %s is %s", ErrNotApproved, d.ID, d.Status)
	}

	_, cfg, err := e.activeConnection(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	data, err := e.render(ctx, tenant, d)
	if err != nil {
		return nil, err
	}
	if err := e.deps.Exports.MarkRetrying(ctx, tenantID, exportID); err != nil {
		return nil, err
	}
	if err := e.deliver(ctx, cfg, rec, data, d.Version); err != nil {
		return e.reload(ctx, rec), err
	}
	return e.reload(ctx, rec), nil
}

// Test probes a connection: decrypt the config, open the dropzone,
// list the export directory. Success stamps last_tested_at.
func (e *Exporter) Test(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	conn, err := e.deps.Connections.GetConnection(ctx, tenantID, connectionID)
	if err != nil {
		return err
	}
	cfg, err := conn.OpenConfig(e.deps.Box)
	if err != nil {
		return err
	}
	dz, err := e.deps.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = dz.Close() }()
	if _, err := dz.List(ctx, cfg.ExportPath); err != nil {
		return err
	}
	return e.deps.Connections.TouchConnectionTest(ctx, tenantID, connectionID, timeNow().UTC())
}

// activeConnection resolves and decrypts the tenant's dropzone target.
func (e *Exporter) activeConnection(ctx context.Context, tenantID uuid.UUID) (*Connection, *ConnectionConfig, error) {
	conn, err := e.deps.Connections.ActiveConnection(ctx, tenantID, TypeDropzoneJSONV1)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: tenant %s type %s", ErrNoConnection, tenantID, TypeDropzoneJSONV1)
	}
	if err != nil {
		return nil, nil, err
	}
	cfg, err := conn.OpenConfig(e.deps.Box)
	if err != nil {
		return nil, nil, err
	}
	return conn, cfg, nil
}

// render resolves the customer reference and serializes the document.
func (e *Exporter) render(ctx context.Context, tenant *tenants.Tenant, d *draft.Draft) ([]byte, error) {
	var customer *catalog.Customer
	if d.CustomerID != nil {
		var err error
		customer, err = e.deps.Customers.GetCustomer(ctx, tenant.ID, *d.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("export: resolve customer: %w", err)
		}
	}
	doc, err := Render(tenant, customer, d)
	if err != nil {
		return nil, err
	}
	return doc.Bytes()
}

// deliver archives the document, writes it to the dropzone and settles
// the record: SENT plus the draft moving to PUSHED, or FAILED with the
// provider error verbatim.
func (e *Exporter) deliver(ctx context.Context, cfg *ConnectionConfig, rec *Export, data []byte, draftVersion int64) error {
	start := timeNow()

	storageKey := ArchiveKey(rec.TenantID, rec.Filename)
	if _, err := e.deps.Objects.PutAt(ctx, storageKey, data, "application/json"); err != nil {
		e.fail(ctx, rec, contracts.CodeStorageUnavailable, err)
		return err
	}

	dz, err := e.deps.Dial(ctx, cfg)
	if err != nil {
		e.fail(ctx, rec, dialCode(err), err)
		return err
	}
	defer func() { _ = dz.Close() }()

	target := joinPath(cfg.ExportPath, rec.Filename)
	if err := dz.WriteFile(ctx, target, data); err != nil {
		e.fail(ctx, rec, contracts.CodeDropzoneWrite, err)
		return err
	}

	latency := timeNow().Sub(start).Milliseconds()
	if err := e.deps.Exports.MarkSent(ctx, rec.TenantID, rec.ID, target, storageKey, latency); err != nil {
		return err
	}
	e.logger.Info("export sent",
		"tenant_id", rec.TenantID, "draft_id", rec.DraftID,
		"filename", rec.Filename, "latency_ms", latency)

	if _, err := e.deps.Drafts.Transition(ctx, rec.TenantID, rec.DraftID,
		draft.TransitionInput{Next: contracts.DraftPushed}, draftVersion); err != nil {
		return fmt.Errorf("export: mark draft pushed: %w", err)
	}
	return nil
}

// fail records the terminal failure; the original error keeps flowing
// to the caller.
func (e *Exporter) fail(ctx context.Context, rec *Export, code contracts.ErrorCode, cause error) {
	e.logger.Error("export failed",
		"tenant_id", rec.TenantID, "draft_id", rec.DraftID,
		"code", code, "error", cause)
	if err := e.deps.Exports.MarkFailed(ctx, rec.TenantID, rec.ID,
		contracts.NewErrorDetail(code, cause)); err != nil {
		e.logger.Error("recording export failure failed",
			"export_id", rec.ID, "error", err)
	}
}

// reload returns the stored record after the status writes; rec is the
// fallback when the read itself fails.
func (e *Exporter) reload(ctx context.Context, rec *Export) *Export {
	fresh, err := e.deps.Exports.GetExport(ctx, rec.TenantID, rec.ID)
	if err != nil {
		return rec
	}
	return fresh
}

func dialCode(err error) contracts.ErrorCode {
	if errors.Is(err, ErrSFTPAuth) {
		return contracts.CodeSFTPAuth
	}
	return contracts.CodeDropzoneWrite
}
