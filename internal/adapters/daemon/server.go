// Package daemon exposes a scheduler over gRPC and connects clients and
// workers to a remote one. Streams carry the messages of api/forge/v1 with
// its JSON codec.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"

	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/zerr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const unixPrefix = "unix://"

// Acceptor takes ownership of connected peers. The scheduler implements it.
type Acceptor interface {
	AddClient(conn ports.ClientSession) domain.ClientID
	AddWorker(name string, conn ports.WorkerSession) domain.WorkerID
}

// Server accepts client and worker streams and hands them to an Acceptor.
type Server struct {
	acceptor   Acceptor
	lifecycle  *Lifecycle
	logger     ports.Logger
	allowed    []string
	grpcServer *grpc.Server
}

// NewServer creates a server. An empty allowed list admits every peer.
func NewServer(acceptor Acceptor, lifecycle *Lifecycle, logger ports.Logger, allowed []string) *Server {
	s := &Server{
		acceptor:   acceptor,
		lifecycle:  lifecycle,
		logger:     logger,
		allowed:    allowed,
		grpcServer: grpc.NewServer(
			grpc.MaxRecvMsgSize(forgev1.MaxMessageSize),
			grpc.MaxSendMsgSize(forgev1.MaxMessageSize),
		),
	}
	forgev1.RegisterExecutorServer(s.grpcServer, s)
	return s
}

// Listen opens addr, either host:port or unix:///path/to/socket.
func Listen(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, unixPrefix); ok {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, zerr.Wrap(err, "failed to remove stale socket")
		}
		lis, err := net.Listen("unix", path)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to listen"), "address", addr)
		}
		return lis, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to listen"), "address", addr)
	}
	return lis, nil
}

// Serve accepts streams on lis until ctx is cancelled or the lifecycle
// triggers an idle shutdown.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-errCh
		return nil
	case <-s.lifecycle.ShutdownChan():
		s.logger.Info("no peers connected for the idle timeout, shutting down")
		// A peer racing the timer is dropped rather than waited for.
		s.grpcServer.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		return zerr.Wrap(err, "server failed")
	}
}

// Client implements forgev1.ExecutorServer.
func (s *Server) Client(stream grpc.ServerStream) error {
	var hello forgev1.ClientToServer
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	name, err := s.admit(hello.Welcome)
	if err != nil {
		return err
	}

	s.lifecycle.Acquire()
	defer s.lifecycle.Release()

	conn := newServerConn[*forgev1.ServerToClient](stream, func() *forgev1.ClientToServer {
		return new(forgev1.ClientToServer)
	})
	id := s.acceptor.AddClient(conn)
	s.logger.Info(fmt.Sprintf("client %s connected as %s", name, id.Short()))
	conn.serve()
	return nil
}

// Worker implements forgev1.ExecutorServer.
func (s *Server) Worker(stream grpc.ServerStream) error {
	var hello forgev1.WorkerToServer
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	name, err := s.admit(hello.Welcome)
	if err != nil {
		return err
	}

	s.lifecycle.Acquire()
	defer s.lifecycle.Release()

	conn := newServerConn[*forgev1.ServerToWorker](stream, func() *forgev1.WorkerToServer {
		return new(forgev1.WorkerToServer)
	})
	s.acceptor.AddWorker(name, conn)
	conn.serve()
	return nil
}

func (s *Server) admit(hello *forgev1.Welcome) (string, error) {
	if hello == nil || hello.Name == "" {
		return "", status.Error(codes.InvalidArgument, "the first message must be a welcome with a name")
	}
	if len(s.allowed) > 0 && !slices.Contains(s.allowed, hello.Name) {
		s.logger.Warn(fmt.Sprintf("rejected peer %q", hello.Name))
		return "", status.Errorf(codes.PermissionDenied, "peer %q is not allowed", hello.Name)
	}
	return hello.Name, nil
}
