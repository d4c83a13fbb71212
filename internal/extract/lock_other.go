//go:build !unix && !windows

package extract

func isLockErrno(error) bool { return false }
