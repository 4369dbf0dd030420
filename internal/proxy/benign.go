package proxy

import (
	"errors"
	"io"
	"net"
)

// IsBenign reports whether err is an ordinary end of a connection: EOF, a
// peer reset or broken pipe, or a use of a connection we already closed.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return isBenignErrno(err)
}
