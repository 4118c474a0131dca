package secrets

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := NewBox([]byte("master-secret-for-tests"))
	require.NoError(t, err)

	plaintext := []byte(`{"export_path":"/dropzone/out","schema_version":"1.0"}`)
	aad := []byte("3f1c2b7a-aaaa-bbbb-cccc-000000000001|DROPZONE_JSON_V1")

	blob, err := box.Seal(plaintext, aad)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "export_path", "plaintext must not leak into the blob")

	got, err := box.Open(blob, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSealProducesFreshNonces(t *testing.T) {
	box, err := NewBox([]byte("master-secret-for-tests"))
	require.NoError(t, err)

	aad := []byte("tenant|DROPZONE_JSON_V1")
	first, err := box.Seal([]byte("same plaintext"), aad)
	require.NoError(t, err)
	second, err := box.Seal([]byte("same plaintext"), aad)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	box, err := NewBox([]byte("master-secret-for-tests"))
	require.NoError(t, err)

	blob, err := box.Seal([]byte("config"), []byte("tenant-a|DROPZONE_JSON_V1"))
	require.NoError(t, err)

	_, err = box.Open(blob, []byte("tenant-b|DROPZONE_JSON_V1"))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenRejectsWrongMasterSecret(t *testing.T) {
	sealer, err := NewBox([]byte("master-secret-one"))
	require.NoError(t, err)
	opener, err := NewBox([]byte("master-secret-two"))
	require.NoError(t, err)

	aad := []byte("tenant|DROPZONE_JSON_V1")
	blob, err := sealer.Seal([]byte("config"), aad)
	require.NoError(t, err)

	_, err = opener.Open(blob, aad)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	box, err := NewBox([]byte("master-secret-for-tests"))
	require.NoError(t, err)

	aad := []byte("tenant|DROPZONE_JSON_V1")
	blob, err := box.Seal([]byte("config"), aad)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(blob, &env))
	require.NotEmpty(t, env.CT)
	env.CT[0] ^= 0xff
	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = box.Open(tampered, aad)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenRejectsVersionMismatch(t *testing.T) {
	box, err := NewBox([]byte("master-secret-for-tests"))
	require.NoError(t, err)

	aad := []byte("tenant|DROPZONE_JSON_V1")
	blob, err := box.Seal([]byte("config"), aad)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(blob, &env))
	env.V = 2
	bumped, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = box.Open(bumped, aad)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestOpenRejectsGarbage(t *testing.T) {
	box, err := NewBox([]byte("master-secret-for-tests"))
	require.NoError(t, err)

	_, err = box.Open([]byte("not an envelope"), nil)
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = box.Open([]byte(`{"v":1,"nonce":"AA==","ct":"AA=="}`), nil)
	assert.ErrorIs(t, err, ErrMalformedEnvelope, "short nonce must be rejected before AEAD open")
}

func TestNewBoxRequiresSecret(t *testing.T) {
	_, err := NewBox(nil)
	assert.Error(t, err)
}

func TestDerivationIsDeterministic(t *testing.T) {
	first, err := NewBox([]byte("shared"))
	require.NoError(t, err)
	second, err := NewBox([]byte("shared"))
	require.NoError(t, err)

	aad := []byte("tenant|DROPZONE_JSON_V1")
	blob, err := first.Seal([]byte("config"), aad)
	require.NoError(t, err)

	got, err := second.Open(blob, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("config"), got)
}
