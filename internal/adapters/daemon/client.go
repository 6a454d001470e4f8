package daemon

import (
	"context"

	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/zerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Remote is a connection to a networked scheduler. Streams are opened
// lazily, one per client or worker.
type Remote struct {
	conn *grpc.ClientConn
}

// Dial prepares a connection to the scheduler at target, host:port or
// unix:///path. The connection is established on the first stream.
func Dial(target string, opts ...grpc.DialOption) (*Remote, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(forgev1.CodecName),
			grpc.MaxCallRecvMsgSize(forgev1.MaxMessageSize),
			grpc.MaxCallSendMsgSize(forgev1.MaxMessageSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to create scheduler client"), "target", target)
	}
	return &Remote{conn: conn}, nil
}

// OpenClient opens a client stream introduced as name.
func (r *Remote) OpenClient(ctx context.Context, name string) (ports.ClientConn, error) {
	c, err := open[*forgev1.ClientToServer](ctx, r.conn, forgev1.ClientStreamDesc, forgev1.ClientMethod,
		func() *forgev1.ServerToClient { return new(forgev1.ServerToClient) })
	if err != nil {
		return nil, err
	}
	if err := c.Send(&forgev1.ClientToServer{Welcome: &forgev1.Welcome{Name: name}}); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// OpenWorker opens a worker stream introduced as name.
func (r *Remote) OpenWorker(ctx context.Context, name string) (ports.WorkerConn, error) {
	c, err := open[*forgev1.WorkerToServer](ctx, r.conn, forgev1.WorkerStreamDesc, forgev1.WorkerMethod,
		func() *forgev1.ServerToWorker { return new(forgev1.ServerToWorker) })
	if err != nil {
		return nil, err
	}
	if err := c.Send(&forgev1.WorkerToServer{Welcome: &forgev1.Welcome{Name: name}}); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Close tears down the connection and every stream on it.
func (r *Remote) Close() error {
	return r.conn.Close()
}

func open[S, R any](
	ctx context.Context,
	cc *grpc.ClientConn,
	desc *grpc.StreamDesc,
	method string,
	newR func() R,
) (*clientConn[S, R], error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(streamCtx, desc, method)
	if err != nil {
		cancel()
		return nil, zerr.With(zerr.Wrap(err, "failed to open stream"), "method", method)
	}
	return &clientConn[S, R]{stream: stream, cancel: cancel, newR: newR}, nil
}
