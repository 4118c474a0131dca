package export

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/draft"
)

// DefaultPollInterval is how often ack directories are scanned when
// no watcher wakes the poller earlier.
const DefaultPollInterval = 60 * time.Second

// ackFilePattern extracts the draft id prefix the export filename
// carried out. Files that match the ack naming but not this pattern
// are quarantined, not skipped.
var ackFilePattern = regexp.MustCompile(`^(ack|error)_sales_order_([0-9a-f-]+)_\d+_[0-9a-f]+\.json$`)

// Ack is the file body the ERP writes back.
type Ack struct {
	Status      string `json:"status"`
	ERPOrderID  string `json:"erp_order_id,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Message     string `json:"message,omitempty"`
	ProcessedAt string `json:"processed_at,omitempty"`
}

// Ack statuses.
const (
	AckStatusAcked  = "ACKED"
	AckStatusFailed = "FAILED"
)

// Poller consumes acknowledgment files from every active connection's
// ack directory. Processing is idempotent: once an export left SENT,
// further files for it are warn-and-archive no-ops.
type Poller struct {
	deps     Deps
	interval time.Duration
	wake     chan struct{}
	logger   *slog.Logger
}

func NewPoller(deps Deps, interval time.Duration, logger *slog.Logger) *Poller {
	if deps.Dial == nil {
		deps.Dial = Dial
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		deps:     deps,
		interval: interval,
		wake:     make(chan struct{}, 1),
		logger:   logger.With("component", "ackpoller"),
	}
}

// Run polls on the interval until the context ends. Single-connection
// errors are logged and never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if err := p.PollOnce(ctx); err != nil {
			p.logger.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// Wake triggers an immediate cycle; the filesystem watcher calls it
// when a file lands in a local ack directory.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// PollConnection scans one connection's ack directory. Inactive
// connections are skipped without error; the background task that
// calls this may race a deactivation.
func (p *Poller) PollConnection(ctx context.Context, tenantID, connectionID uuid.UUID) error {
	conn, err := p.deps.Connections.GetConnection(ctx, tenantID, connectionID)
	if err != nil {
		return err
	}
	if conn.Status != ConnectionActive {
		return nil
	}
	return p.pollConnection(ctx, conn)
}

// PollOnce scans every active connection once.
func (p *Poller) PollOnce(ctx context.Context) error {
	conns, err := p.deps.Connections.ListActiveConnections(ctx, TypeDropzoneJSONV1)
	if err != nil {
		return err
	}
	for i := range conns {
		if err := p.pollConnection(ctx, &conns[i]); err != nil {
			p.logger.Error("connection poll failed",
				"tenant_id", conns[i].TenantID, "connection_id", conns[i].ID, "error", err)
		}
	}
	return nil
}

func (p *Poller) pollConnection(ctx context.Context, conn *Connection) error {
	cfg, err := conn.OpenConfig(p.deps.Box)
	if err != nil {
		return err
	}
	if cfg.AckPath == "" {
		return nil
	}
	dz, err := p.deps.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = dz.Close() }()

	names, err := dz.List(ctx, cfg.AckPath)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !isAckCandidate(name) {
			continue
		}
		if err := p.processFile(ctx, dz, conn.TenantID, cfg.AckPath, name); err != nil {
			p.logger.Error("ack file failed",
				"tenant_id", conn.TenantID, "file", name, "error", err)
		}
	}
	return nil
}

// isAckCandidate mirrors the ack_*.json / error_*.json listing filter.
func isAckCandidate(name string) bool {
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	return strings.HasPrefix(name, "ack_") || strings.HasPrefix(name, "error_")
}

// processFile applies one ack file. Read errors leave the file in
// place for the next cycle; everything else ends in a move so the
// directory drains even on bad input.
func (p *Poller) processFile(ctx context.Context, dz Dropzone, tenantID uuid.UUID, ackPath, name string) error {
	src := joinPath(ackPath, name)

	m := ackFilePattern.FindStringSubmatch(name)
	if m == nil {
		p.logger.Warn("unparsable ack filename", "tenant_id", tenantID, "file", name)
		return dz.Move(ctx, src, joinPath(ackPath, "error", name))
	}
	draftIDPrefix := m[2]

	data, err := dz.ReadFile(ctx, src)
	if err != nil {
		return err
	}
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		p.logger.Warn("unparsable ack body", "tenant_id", tenantID, "file", name, "error", err)
		return dz.Move(ctx, src, joinPath(ackPath, "error", name))
	}
	if ack.Status != AckStatusAcked && ack.Status != AckStatusFailed {
		p.logger.Warn("unknown ack status", "tenant_id", tenantID, "file", name, "status", ack.Status)
		return dz.Move(ctx, src, joinPath(ackPath, "error", name))
	}

	rec, err := p.deps.Exports.LatestSentByDraftPrefix(ctx, tenantID, draftIDPrefix)
	if errors.Is(err, ErrNotFound) {
		// Late ack: the export already settled, or never existed. One
		// warn, then archive so the file is not reprocessed forever.
		p.logger.Warn("ack without matching SENT export",
			"tenant_id", tenantID, "file", name, "draft_prefix", draftIDPrefix)
		return dz.Move(ctx, src, joinPath(ackPath, "processed", name))
	}
	if err != nil {
		return err
	}

	if err := p.apply(ctx, rec, &ack); err != nil {
		return err
	}
	return dz.Move(ctx, src, joinPath(ackPath, "processed", name))
}

// apply settles the export record and advances the draft. A draft
// that already moved on only logs; the export transition is the one
// that must land exactly once.
func (p *Poller) apply(ctx context.Context, rec *Export, ack *Ack) error {
	switch ack.Status {
	case AckStatusAcked:
		if err := p.deps.Exports.MarkAcked(ctx, rec.TenantID, rec.ID, ack.ERPOrderID); err != nil {
			return err
		}
		p.logger.Info("export acked",
			"tenant_id", rec.TenantID, "draft_id", rec.DraftID, "erp_order_id", ack.ERPOrderID)
		p.transitionDraft(ctx, rec, draft.TransitionInput{
			Next:         contracts.DraftAcked,
			ERPReference: ack.ERPOrderID,
		})
	case AckStatusFailed:
		code := contracts.ErrorCode(ack.ErrorCode)
		if code == "" {
			code = contracts.CodeExportFailed
		}
		detail := contracts.ErrorDetail{Code: code, Message: ack.Message}
		if err := p.deps.Exports.MarkFailed(ctx, rec.TenantID, rec.ID, detail); err != nil {
			return err
		}
		p.logger.Warn("export rejected by ERP",
			"tenant_id", rec.TenantID, "draft_id", rec.DraftID,
			"code", code, "message", ack.Message)
		p.transitionDraft(ctx, rec, draft.TransitionInput{Next: contracts.DraftFailed})
	}
	return nil
}

// transitionDraft moves the draft out of PUSHED. Conflicts are logged,
// not returned: the ack already landed on the export record.
func (p *Poller) transitionDraft(ctx context.Context, rec *Export, in draft.TransitionInput) {
	d, err := p.deps.Drafts.GetDraft(ctx, rec.TenantID, rec.DraftID)
	if err != nil {
		p.logger.Warn("draft lookup after ack failed",
			"tenant_id", rec.TenantID, "draft_id", rec.DraftID, "error", err)
		return
	}
	if _, err := p.deps.Drafts.Transition(ctx, rec.TenantID, rec.DraftID, in, d.Version); err != nil {
		p.logger.Warn("draft transition after ack failed",
			"tenant_id", rec.TenantID, "draft_id", rec.DraftID,
			"next", in.Next, "error", err)
	}
}
