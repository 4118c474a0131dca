package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/contracts"
	"github.com/orderflowhq/orderflow/pkg/draft"
)

// writeAck drops a file into the fixture's ack directory the way the
// ERP side would.
func (f *exportFixture) writeAck(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(f.ackDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.ackDir, name), []byte(body), 0o644))
}

func (f *exportFixture) ackFileName(kind string, d *draft.Draft) string {
	return fmt.Sprintf("%s_sales_order_%s_20250104120000_abcdef12.json", kind, d.ID.String()[:8])
}

func (f *exportFixture) requireMoved(t *testing.T, sub, name string) {
	t.Helper()
	_, err := os.Stat(filepath.Join(f.ackDir, name))
	assert.True(t, os.IsNotExist(err), "file must leave the ack directory")
	_, err = os.Stat(filepath.Join(f.ackDir, sub, name))
	assert.NoError(t, err, "file must land in %s/", sub)
}

func TestPollOnceAppliesAck(t *testing.T) {
	ctx := context.Background()
	f := newExportFixture(t)
	d := f.approvedDraft(t)

	rec, err := f.exporter.Push(ctx, f.tenant.ID, d.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.ExportSent, rec.Status)

	name := f.ackFileName("ack", d)
	f.writeAck(t, name, `{"status":"ACKED","erp_order_id":"SO-2025-000123","processed_at":"2025-01-04T12:00:05Z"}`)

	poller := NewPoller(f.deps, 0, nil)
	require.NoError(t, poller.PollOnce(ctx))

	got, err := f.store.GetExport(ctx, f.tenant.ID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExportAcked, got.Status)
	assert.Equal(t, "SO-2025-000123", got.ERPOrderID)

	dd, err := f.drafts.GetDraft(ctx, f.tenant.ID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DraftAcked, dd.Status)
	assert.Equal(t, "SO-2025-000123", dd.ERPReference)

	f.requireMoved(t, "processed", name)
}

func TestPollOnceAppliesErrorAck(t *testing.T) {
	ctx := context.Background()
	f := newExportFixture(t)
	d := f.approvedDraft(t)

	rec, err := f.exporter.Push(ctx, f.tenant.ID, d.ID)
	require.NoError(t, err)

	name := f.ackFileName("error", d)
	f.writeAck(t, name, `{"status":"FAILED","error_code":"DUPLICATE_ORDER","message":"order PO-2025-001 already exists"}`)

	poller := NewPoller(f.deps, 0, nil)
	require.NoError(t, poller.PollOnce(ctx))

	got, err := f.store.GetExport(ctx, f.tenant.ID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExportFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.EqualValues(t, "DUPLICATE_ORDER", got.Error.Code)
	assert.Equal(t, "order PO-2025-001 already exists", got.Error.Message)

	dd, err := f.drafts.GetDraft(ctx, f.tenant.ID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DraftFailed, dd.Status)

	f.requireMoved(t, "processed", name)
}

func TestPollOnceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newExportFixture(t)
	d := f.approvedDraft(t)

	rec, err := f.exporter.Push(ctx, f.tenant.ID, d.ID)
	require.NoError(t, err)

	name := f.ackFileName("ack", d)
	body := `{"status":"ACKED","erp_order_id":"SO-1"}`
	f.writeAck(t, name, body)

	poller := NewPoller(f.deps, 0, nil)
	require.NoError(t, poller.PollOnce(ctx))

	dd, err := f.drafts.GetDraft(ctx, f.tenant.ID, d.ID)
	require.NoError(t, err)
	ackedVersion := dd.Version

	// The ERP replays the same ack. The export already left SENT, so
	// the file is archived without touching the records again.
	f.writeAck(t, name, body)
	require.NoError(t, poller.PollOnce(ctx))

	got, err := f.store.GetExport(ctx, f.tenant.ID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExportAcked, got.Status)

	dd, err = f.drafts.GetDraft(ctx, f.tenant.ID, d.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DraftAcked, dd.Status)
	assert.Equal(t, ackedVersion, dd.Version, "a replayed ack must not bump the draft again")

	f.requireMoved(t, "processed", name)
}

func TestPollOnceQuarantinesUnparsableBody(t *testing.T) {
	ctx := context.Background()
	f := newExportFixture(t)
	d := f.approvedDraft(t)

	_, err := f.exporter.Push(ctx, f.tenant.ID, d.ID)
	require.NoError(t, err)

	name := f.ackFileName("ack", d)
	f.writeAck(t, name, `this is not json`)

	poller := NewPoller(f.deps, 0, nil)
	require.NoError(t, poller.PollOnce(ctx))

	f.requireMoved(t, "error", name)

	// The export stays SENT; a later well-formed ack can still settle it.
	got, err := f.store.LatestSentByDraftPrefix(ctx, f.tenant.ID, d.ID.String()[:8])
	require.NoError(t, err)
	assert.Equal(t, contracts.ExportSent, got.Status)
}

func TestPollOnceQuarantinesBadFilename(t *testing.T) {
	ctx := context.Background()
	f := newExportFixture(t)

	f.writeAck(t, "ack_whatever.json", `{"status":"ACKED"}`)

	poller := NewPoller(f.deps, 0, nil)
	require.NoError(t, poller.PollOnce(ctx))

	f.requireMoved(t, "error", "ack_whatever.json")
}

func TestPollOnceQuarantinesUnknownStatus(t *testing.T) {
	ctx := context.Background()
	f := newExportFixture(t)
	d := f.approvedDraft(t)

	name := f.ackFileName("ack", d)
	f.writeAck(t, name, `{"status":"MAYBE"}`)

	poller := NewPoller(f.deps, 0, nil)
	require.NoError(t, poller.PollOnce(ctx))

	f.requireMoved(t, "error", name)
}

func TestPollOnceArchivesLateAck(t *testing.T) {
	ctx := context.Background()
	f := newExportFixture(t)

	// No export was ever sent for this prefix.
	name := "ack_sales_order_deadbeef_20250104120000_abcdef12.json"
	f.writeAck(t, name, `{"status":"ACKED","erp_order_id":"SO-9"}`)

	poller := NewPoller(f.deps, 0, nil)
	require.NoError(t, poller.PollOnce(ctx))

	f.requireMoved(t, "processed", name)
}

func TestPollOnceIgnoresForeignFiles(t *testing.T) {
	ctx := context.Background()
	f := newExportFixture(t)

	f.writeAck(t, "README.txt", "not an ack")
	f.writeAck(t, "report_2025.json", `{}`)

	poller := NewPoller(f.deps, 0, nil)
	require.NoError(t, poller.PollOnce(ctx))

	// Neither file moves: they never matched the ack_/error_ filter.
	_, err := os.Stat(filepath.Join(f.ackDir, "README.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.ackDir, "report_2025.json"))
	assert.NoError(t, err)
}

func TestPollOnceSkipsConnectionsWithoutAckPath(t *testing.T) {
	ctx := context.Background()
	f := newExportFixture(t)

	sealed, err := SealConfig(f.box, f.tenant.ID, TypeDropzoneJSONV1, ConnectionConfig{
		SchemaVersion: "1.0",
		ExportPath:    f.outDir,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateConnectionConfig(ctx, f.tenant.ID, f.conn.ID, sealed))

	poller := NewPoller(f.deps, 0, nil)
	assert.NoError(t, poller.PollOnce(ctx))
}

func TestAckFilePattern(t *testing.T) {
	m := ackFilePattern.FindStringSubmatch("ack_sales_order_3f1c2b7a_20250104120000_abcdef12.json")
	require.NotNil(t, m)
	assert.Equal(t, "ack", m[1])
	assert.Equal(t, "3f1c2b7a", m[2])

	m = ackFilePattern.FindStringSubmatch("error_sales_order_3f1c2b7a-1111-2222-3333-444444444444_1_ff.json")
	require.NotNil(t, m, "a full dashed uuid is also a valid draft reference")
	assert.Equal(t, "error", m[1])
	assert.Equal(t, "3f1c2b7a-1111-2222-3333-444444444444", m[2])

	for _, name := range []string{
		"ack_sales_order_XYZ_1_aa.json",
		"ack_sales_order_3f1c2b7a_x_aa.json",
		"ack_sales_order_3f1c2b7a_1_aa.json.tmp",
		"nack_sales_order_3f1c2b7a_1_aa.json",
		"ack_sales_order__1_aa.json",
	} {
		assert.Nil(t, ackFilePattern.FindStringSubmatch(name), name)
	}
}

func TestIsAckCandidate(t *testing.T) {
	assert.True(t, isAckCandidate("ack_sales_order_a_1_b.json"))
	assert.True(t, isAckCandidate("error_sales_order_a_1_b.json"))
	assert.False(t, isAckCandidate("ack_sales_order_a_1_b.json.tmp"))
	assert.False(t, isAckCandidate("sales_order_a_1_b.json"))
	assert.False(t, isAckCandidate("notes.txt"))
}
