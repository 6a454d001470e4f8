package daemon

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.trai.ch/forge/internal/adapters/transport"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/zerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// serverConn adapts the server side of a stream to ports.Conn. Sends are
// queued and written by a dedicated goroutine so the scheduler never blocks
// on a slow peer.
type serverConn[S, R any] struct {
	stream    grpc.ServerStream
	newR      func() R
	out       *transport.Queue[S]
	closed    chan struct{}
	closeOnce sync.Once
	flushed   chan struct{}
}

func newServerConn[S, R any](stream grpc.ServerStream, newR func() R) *serverConn[S, R] {
	c := &serverConn[S, R]{
		stream:  stream,
		newR:    newR,
		out:     transport.NewQueue[S](),
		closed:  make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go c.write()
	return c
}

func (c *serverConn[S, R]) Send(msg S) error {
	return c.out.Push(msg)
}

func (c *serverConn[S, R]) Recv() (R, error) {
	msg := c.newR()
	if err := c.stream.RecvMsg(msg); err != nil {
		var zero R
		return zero, recvError(err)
	}
	return msg, nil
}

// Close stops accepting messages. Queued ones are still written before the
// stream ends.
func (c *serverConn[S, R]) Close() error {
	c.closeOnce.Do(func() {
		c.out.Close()
		close(c.closed)
	})
	return nil
}

func (c *serverConn[S, R]) write() {
	defer close(c.flushed)
	for {
		msg, err := c.out.Pop()
		if err != nil {
			return
		}
		if err := c.stream.SendMsg(msg); err != nil {
			_ = c.Close()
			return
		}
	}
}

// serve blocks until the connection is closed from either side and the
// queued messages are written.
func (c *serverConn[S, R]) serve() {
	select {
	case <-c.closed:
	case <-c.stream.Context().Done():
		_ = c.Close()
	}
	<-c.flushed
}

// clientConn adapts the client side of a stream to ports.Conn.
type clientConn[S, R any] struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	newR   func() R
	sendMu sync.Mutex
}

func (c *clientConn[S, R]) Send(msg S) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(msg); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (c *clientConn[S, R]) Recv() (R, error) {
	msg := c.newR()
	if err := c.stream.RecvMsg(msg); err != nil {
		var zero R
		return zero, recvError(err)
	}
	return msg, nil
}

func (c *clientConn[S, R]) Close() error {
	c.cancel()
	return nil
}

// recvError maps stream termination to io.EOF and rejections to
// domain.ErrPeerRejected.
func recvError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	switch s, _ := status.FromError(err); s.Code() {
	case codes.Canceled:
		return io.EOF
	case codes.PermissionDenied, codes.InvalidArgument:
		return zerr.With(domain.ErrPeerRejected, "reason", s.Message())
	}
	return err
}
