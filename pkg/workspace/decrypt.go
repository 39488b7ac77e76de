package workspace

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20"
)

// Encrypted device log bundles (.plaud) are ChaCha20-encrypted with a
// fixed product key and a constant nonce, as produced by the device
// firmware's log exporter. The plaintext is normally a ZIP archive.
var (
	plaudKey   = []byte("plaud2023_log_chacha20_key_32bit")
	plaudNonce = bytes.Repeat([]byte{0x01}, chacha20.NonceSize)
)

// plaudChunkSize is the exporter's encryption unit: the keystream
// restarts at counter zero for every 8 KiB of input, it does not run
// continuously across the file.
const plaudChunkSize = 8192

// zipMagic is the local-file-header signature of a ZIP archive.
var zipMagic = []byte("PK")

// DecryptStream decrypts an encrypted log bundle from r into w.
func DecryptStream(w io.Writer, r io.Reader) error {
	buf := make([]byte, plaudChunkSize)
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			cipher, err := chacha20.NewUnauthenticatedCipher(plaudKey, plaudNonce)
			if err != nil {
				return fmt.Errorf("init log cipher: %w", err)
			}
			cipher.XORKeyStream(buf[:n], buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write decrypted log: %w", werr)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read encrypted log: %w", rerr)
		}
	}
}

// DecryptFile decrypts src into dst and reports whether the plaintext
// is a ZIP archive (the usual case) or a bare log file.
func DecryptFile(dst, src string) (isZip bool, err error) {
	in, err := os.Open(src)
	if err != nil {
		return false, fmt.Errorf("open encrypted log %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if err := DecryptStream(out, in); err != nil {
		return false, err
	}
	if err := out.Sync(); err != nil {
		return false, fmt.Errorf("sync %s: %w", dst, err)
	}

	header := make([]byte, len(zipMagic))
	if _, err := out.ReadAt(header, 0); err != nil {
		// Shorter than the magic: tiny plaintext, not an archive.
		return false, nil
	}
	return bytes.Equal(header, zipMagic), nil
}
