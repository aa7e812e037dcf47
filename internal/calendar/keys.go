package calendar

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// cacheKey derives a deterministic cache key from an operation name and its
// parameters. Parameters are folded in sorted order so logically identical
// requests share one entry regardless of construction order.
func cacheKey(op string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(op)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return "cal:" + hex.EncodeToString(sum[:8])
}
