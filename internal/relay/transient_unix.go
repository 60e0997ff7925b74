//go:build unix

package relay

import (
	"errors"

	"golang.org/x/sys/unix"
)

// transientErrnos are socket errors that report a path-level problem while
// the connection itself is still alive. The kernel clears the pending error
// once it has been returned, so the next read or write on the same socket
// may succeed over another subflow.
var transientErrnos = []unix.Errno{
	unix.ENETUNREACH,
	unix.EHOSTUNREACH,
	unix.ENETDOWN,
	unix.EHOSTDOWN,
	unix.ENOBUFS,
}

func isTransient(err error) bool {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return false
	}
	for _, e := range transientErrnos {
		if errno == e {
			return true
		}
	}
	return false
}
