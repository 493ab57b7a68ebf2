// Package privdrop drops process privileges to a named user after the
// listening socket has already been bound, mirroring the classic "bind as
// root, serve as nobody" pattern.
package privdrop

import "errors"

// ErrUnsupported is returned by Drop on platforms where privilege drop
// isn't implemented (everything but Linux), so callers can log and
// continue rather than treat it as fatal.
var ErrUnsupported = errors.New("privdrop: unsupported on this platform")

// Drop switches the process's effective and real UID/GID to those of
// username. It is a best-effort, Linux-only operation that logs nothing:
// on platforms where it isn't implemented it returns ErrUnsupported, and on
// Linux a failed user lookup or a refused setgid/setuid (for example when
// not running as root) is returned as a wrapped error, so callers can
// decide whether to treat that as fatal.
func Drop(username string) error {
	return drop(username)
}
