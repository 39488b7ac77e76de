package workspace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20"
)

// encryptFixture produces bytes as the device log exporter would: a
// fresh keystream starting at counter zero for every 8 KiB chunk.
func encryptFixture(t *testing.T, plaintext []byte) []byte {
	t.Helper()
	out := make([]byte, len(plaintext))
	for off := 0; off < len(plaintext); off += plaudChunkSize {
		end := off + plaudChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		cipher, err := chacha20.NewUnauthenticatedCipher(plaudKey, plaudNonce)
		require.NoError(t, err)
		cipher.XORKeyStream(out[off:end], plaintext[off:end])
	}
	return out
}

func TestDecryptStream(t *testing.T) {
	plaintext := []byte("2024-01-02 03:04:05 INFO boot complete\n2024-01-02 03:04:06 ERROR sensor timeout\n")
	encrypted := encryptFixture(t, plaintext)

	var out bytes.Buffer
	require.NoError(t, DecryptStream(&out, bytes.NewReader(encrypted)))
	assert.Equal(t, plaintext, out.Bytes())
}

func TestDecryptStreamLargeInput(t *testing.T) {
	// Well past the 8 KiB encryption unit, covering the keystream
	// restart at every chunk boundary.
	plaintext := bytes.Repeat([]byte("0123456789abcdef"), 10_000) // 160 KB
	encrypted := encryptFixture(t, plaintext)

	var out bytes.Buffer
	require.NoError(t, DecryptStream(&out, bytes.NewReader(encrypted)))
	assert.Equal(t, plaintext, out.Bytes())
}

func TestDecryptStreamChunkedKeystream(t *testing.T) {
	// The exporter restarts the keystream for each 8 KiB chunk, so the
	// ciphertext of an all-zero plaintext is the keystream itself and
	// must repeat chunk for chunk. A continuous-keystream decoder would
	// round-trip its own fixtures but corrupt real bundles past 8 KiB.
	var out bytes.Buffer
	require.NoError(t, DecryptStream(&out, bytes.NewReader(make([]byte, 2*plaudChunkSize))))
	keystream := out.Bytes()
	require.Len(t, keystream, 2*plaudChunkSize)
	assert.Equal(t, keystream[:plaudChunkSize], keystream[plaudChunkSize:])
}

func TestDecryptFile(t *testing.T) {
	t.Run("zip plaintext detected", func(t *testing.T) {
		zipBytes, err := os.ReadFile(buildZip(t, map[string]string{"a.log": "hello\n"}))
		require.NoError(t, err)

		dir := t.TempDir()
		src := filepath.Join(dir, "bundle.plaud")
		require.NoError(t, os.WriteFile(src, encryptFixture(t, zipBytes), 0o644))

		dst := filepath.Join(dir, "bundle.zip")
		isZip, err := DecryptFile(dst, src)
		require.NoError(t, err)
		assert.True(t, isZip)

		got, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, zipBytes, got)
	})

	t.Run("bare log plaintext", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "trace.plaud")
		require.NoError(t, os.WriteFile(src, encryptFixture(t, []byte("just a log line\n")), 0o644))

		dst := filepath.Join(dir, "trace.log")
		isZip, err := DecryptFile(dst, src)
		require.NoError(t, err)
		assert.False(t, isZip)
	})

	t.Run("empty input", func(t *testing.T) {
		dir := t.TempDir()
		src := filepath.Join(dir, "empty.plaud")
		require.NoError(t, os.WriteFile(src, nil, 0o644))

		isZip, err := DecryptFile(filepath.Join(dir, "empty.out"), src)
		require.NoError(t, err)
		assert.False(t, isZip)
	})
}
