// Package fileid derives stable identifiers for images and watched files.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const (
	digestPrefix = "img:"
	pathPrefix   = "file:"
)

// Digest returns the content address of an image payload. Byte-identical uploads share a digest.
func Digest(data []byte) string {
	hash := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(hash[:])
}

// PathID returns a stable record ID for the given absolute path.
// Same path always yields the same ID, so re-captioning a changed file replaces its record.
func PathID(absolutePath string) string {
	normalized := filepath.Clean(absolutePath)
	hash := sha256.Sum256([]byte(normalized))
	return pathPrefix + hex.EncodeToString(hash[:])
}

// IsPathID reports whether id was produced by PathID.
func IsPathID(id string) bool {
	return strings.HasPrefix(id, pathPrefix)
}
