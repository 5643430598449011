package catalog

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeKey canonicalizes a tree key before it is sent to the
// service. Stream names originate from operator input, so the key is
// NFC-normalized and stripped of surrounding whitespace and slashes.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.Trim(key, "/")
	return norm.NFC.String(key)
}
