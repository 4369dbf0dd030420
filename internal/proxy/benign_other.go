//go:build !unix && !windows

package proxy

func isBenignErrno(error) bool {
	return false
}
