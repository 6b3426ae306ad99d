package appbundle

import (
	"crypto/md5" //nolint:gosec // bundle identity digest, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/meigma/appbundle/internal/fileops"
)

// FingerprintLen is the length of a rendered fingerprint.
const FingerprintLen = md5.Size * 2

// Fingerprint returns the MD5 digest of the whole bundle file (stub and
// payload) as 32 lowercase hex characters. The value is cached and computed
// again when the open file's size or modification time changes.
func (b *Bundle) Fingerprint() (string, error) {
	if b.file == nil {
		return "", ErrClosed
	}
	info, err := b.file.Stat()
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", b.path, err)
	}
	if b.fingerprint != "" && info.Size() == b.fpSize && info.ModTime().Equal(b.fpModTime) {
		return b.fingerprint, nil
	}
	sum, err := digest(io.NewSectionReader(b.file, 0, info.Size()))
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", b.path, err)
	}
	b.fingerprint = sum
	b.fpSize = info.Size()
	b.fpModTime = info.ModTime()
	return sum, nil
}

// FingerprintFile computes the fingerprint of the file at path without
// opening it as a bundle.
func FingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum, err := digest(f)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return sum, nil
}

func digest(r io.Reader) (string, error) {
	hr := fileops.NewHashingReader(r, md5.New()) //nolint:gosec // see import
	if _, err := fileops.Copy(io.Discard, hr); err != nil {
		return "", err
	}
	return hex.EncodeToString(hr.Sum()), nil
}
