package export

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orderflowhq/orderflow/pkg/secrets"
)

func testBox(t *testing.T) *secrets.Box {
	t.Helper()
	box, err := secrets.NewBox([]byte("unit-test-master-secret"))
	require.NoError(t, err)
	return box
}

func TestSealOpenConfigRoundTrip(t *testing.T) {
	box := testBox(t)
	tenantID := uuid.New()
	cfg := ConnectionConfig{
		SchemaVersion: "1.0",
		ExportPath:    "/srv/erp/orders/in",
		AckPath:       "/srv/erp/orders/ack",
	}

	sealed, err := SealConfig(box, tenantID, TypeDropzoneJSONV1, cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "/srv/erp/orders/in",
		"sealed blob must not leak the plaintext path")

	conn := &Connection{ID: uuid.New(), TenantID: tenantID, Type: TypeDropzoneJSONV1, ConfigSealed: sealed}
	got, err := conn.OpenConfig(box)
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)
}

func TestOpenConfigBoundToTenant(t *testing.T) {
	box := testBox(t)
	sealed, err := SealConfig(box, uuid.New(), TypeDropzoneJSONV1, ConnectionConfig{
		SchemaVersion: "1.0",
		ExportPath:    "/in",
	})
	require.NoError(t, err)

	// Same blob under a different tenant's row must not open.
	conn := &Connection{ID: uuid.New(), TenantID: uuid.New(), Type: TypeDropzoneJSONV1, ConfigSealed: sealed}
	_, err = conn.OpenConfig(box)
	require.Error(t, err)
	assert.ErrorIs(t, err, secrets.ErrDecryptFailed)
}

func TestSealConfigRejectsInvalid(t *testing.T) {
	box := testBox(t)
	_, err := SealConfig(box, uuid.New(), TypeDropzoneJSONV1, ConnectionConfig{
		SchemaVersion: "2.0",
		ExportPath:    "/in",
	})
	assert.ErrorIs(t, err, ErrConfigVersion)
}

func TestConnectionConfigValidate(t *testing.T) {
	valid := func() ConnectionConfig {
		return ConnectionConfig{SchemaVersion: "1.2", ExportPath: "/in"}
	}

	t.Run("ok", func(t *testing.T) {
		cfg := valid()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("future major version", func(t *testing.T) {
		cfg := valid()
		cfg.SchemaVersion = "2.0"
		assert.ErrorIs(t, cfg.Validate(), ErrConfigVersion)
	})

	t.Run("garbage version", func(t *testing.T) {
		cfg := valid()
		cfg.SchemaVersion = "latest"
		err := cfg.Validate()
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrConfigVersion)
	})

	t.Run("missing export path", func(t *testing.T) {
		cfg := valid()
		cfg.ExportPath = ""
		assert.ErrorContains(t, cfg.Validate(), "export_path")
	})

	t.Run("sftp without host", func(t *testing.T) {
		cfg := valid()
		cfg.SFTP = &SFTPConfig{User: "erp", Password: "pw"}
		assert.ErrorContains(t, cfg.Validate(), "host")
	})

	t.Run("sftp without credentials", func(t *testing.T) {
		cfg := valid()
		cfg.SFTP = &SFTPConfig{Host: "erp.internal", User: "erp"}
		assert.ErrorContains(t, cfg.Validate(), "password or private key")
	})

	t.Run("sftp with key only", func(t *testing.T) {
		cfg := valid()
		cfg.SFTP = &SFTPConfig{Host: "erp.internal", User: "erp", PrivateKeyPEM: "-----BEGIN..."}
		assert.NoError(t, cfg.Validate())
	})
}
