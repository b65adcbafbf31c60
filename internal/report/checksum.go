package report

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/dvloznov/payu-reconciler/internal/domain"
)

// Checksum is a SHA-256 digest over the canonical value of every field,
// taken in column-name order. NULLs hash differently from empty strings.
func Checksum(fields map[string]domain.Value) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		v := fields[name]
		h.Write([]byte(name))
		if v.Valid {
			h.Write([]byte{'='})
			h.Write([]byte(v.Canonical()))
		} else {
			h.Write([]byte{'!'})
		}
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}
