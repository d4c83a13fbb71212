package extract

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// ContentHash returns the hex xxhash64 of the file at path.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// MetadataHash is the change marker for files indexed without reading them.
func MetadataHash(size int64, modUnixNano int64) string {
	return fmt.Sprintf("meta:%d:%d", size, modUnixNano)
}
