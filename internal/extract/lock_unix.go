//go:build unix

package extract

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isLockErrno(err error) bool {
	return errors.Is(err, unix.EBUSY) || errors.Is(err, unix.ETXTBSY) || errors.Is(err, unix.EAGAIN)
}
