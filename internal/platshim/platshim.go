// Package platshim isolates the handful of OS idiosyncrasies the rest of
// the module would otherwise have to special-case inline: advisory file
// locking and path normalization differ enough between Unix and Windows
// that cargo itself carries a dedicated shim layer for them.
package platshim

import "strings"

// NormalizePath rewrites p into slash-separated form by replacing every
// backslash. No identity string in the core (SourceId.Display, StableHash,
// fingerprint keys) passes through it.
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// LongPathAware returns p unchanged on platforms without a path-length
// idiosyncrasy; the Windows build of this function prepends the `\\?\`
// extended-length prefix so paths beyond MAX_PATH still resolve.
var LongPathAware = func(p string) string { return p }
