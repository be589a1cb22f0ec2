package record

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// ChecksumPrefix is the algorithm tag carried in archive media metadata.
const ChecksumPrefix = "md5:"

// Checksum computes the content hash of a reader in the archive's
// "md5:<hex>" form.
func Checksum(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return ChecksumPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes computes the content hash of a byte slice.
func ChecksumBytes(data []byte) string {
	sum := md5.Sum(data)
	return ChecksumPrefix + hex.EncodeToString(sum[:])
}

// ChecksumEqual compares two checksums, tolerating a missing algorithm
// prefix on either side.
func ChecksumEqual(a, b string) bool {
	return strings.TrimPrefix(a, ChecksumPrefix) == strings.TrimPrefix(b, ChecksumPrefix)
}

// FormatSize renders a byte count in human-readable form.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTP"[exp])
}
