package assets

import (
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the cache form of an asset path: Unicode NFC, forward
// slashes, cleaned, with no leading "./" or "/". Paths that differ only in
// composition ("é" as one rune or as e + combining accent) share an entry.
// An empty or root path normalizes to "".
func Normalize(p string) string {
	p = norm.NFC.String(p)
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	return p
}
