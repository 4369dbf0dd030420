package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays bytes between client and upstream until either
// direction ends, then closes both. up counts client to upstream bytes and
// down the reverse.
//
// Ordinary disconnects are not errors. If ctx ends first, both connections
// are closed and its error is returned.
func CopyBidirectional(ctx context.Context, client, upstream net.Conn) (up, down int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		var err error
		up, err = copyBuffered(upstream, client)
		closeBoth()
		return err
	})
	g.Go(func() error {
		var err error
		down, err = copyBuffered(client, upstream)
		closeBoth()
		return err
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return up, down, context.Cause(ctx)
	}
	return up, down, err
}

// relayBufferSize matches the largest TLS record plus framing, so one read
// usually carries a whole record through a tunnel.
const relayBufferSize = 32 << 10

var relayBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, relayBufferSize)
		return &b
	},
}

// copyBuffered copies src to dst and drops benign errors; the other
// direction closing a connection under us shows up as net.ErrClosed.
func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	bp := relayBuffers.Get().(*[]byte)
	defer relayBuffers.Put(bp)

	n, err := io.CopyBuffer(dst, src, *bp)
	if IsBenign(err) {
		err = nil
	}
	return n, err
}

// bufferedConn reads bytes the client sent after its CONNECT request, and
// already buffered by the HTTP server, before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
