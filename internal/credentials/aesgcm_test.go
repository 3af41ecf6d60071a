package credentials

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *AESGCM {
	t.Helper()
	a, err := NewAESGCM([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return a
}

func TestNewAESGCMRejectsBadKeyLength(t *testing.T) {
	_, err := NewAESGCM([]byte("too-short"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}

func TestSealDecryptRoundTrip(t *testing.T) {
	a := testKey(t)

	in := map[string]string{"username": "admin", "password": "s3cret"}
	blob, err := a.Seal(in)
	require.NoError(t, err)
	assert.NotContains(t, blob, "s3cret")

	out, err := a.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSealProducesUniqueBlobs(t *testing.T) {
	a := testKey(t)

	in := map[string]string{"username": "admin", "password": "s3cret"}
	first, err := a.Seal(in)
	require.NoError(t, err)
	second, err := a.Seal(in)
	require.NoError(t, err)

	// Fresh nonce per seal: identical plaintext never yields identical blobs.
	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	a := testKey(t)

	blob, err := a.Seal(map[string]string{"username": "admin", "password": "pw"})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = a.Decrypt(tampered)
	require.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	a := testKey(t)
	b, err := NewAESGCM([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	blob, err := a.Seal(map[string]string{"username": "admin", "password": "pw"})
	require.NoError(t, err)

	_, err = b.Decrypt(blob)
	require.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	a := testKey(t)

	_, err := a.Decrypt("not base64 at all!!!")
	require.Error(t, err)

	// Valid base64 but shorter than a GCM nonce.
	short := base64.StdEncoding.EncodeToString([]byte("abc"))
	_, err = a.Decrypt(short)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "too short"))
}
