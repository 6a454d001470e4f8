package forgev1

import (
	"math"

	"google.golang.org/grpc"
)

// MaxMessageSize bounds a single envelope on a gRPC stream in both
// directions. Graphs and blobs are chunked; the rest grows with one group.
const MaxMessageSize = math.MaxInt32

// Fully qualified names of the executor service and its streams.
const (
	ServiceName  = "forge.v1.Executor"
	ClientMethod = "/" + ServiceName + "/Client"
	WorkerMethod = "/" + ServiceName + "/Worker"
)

// ExecutorServer handles the two bidirectional streams of the service.
type ExecutorServer interface {
	// Client carries ClientToServer and ServerToClient messages.
	Client(stream grpc.ServerStream) error
	// Worker carries WorkerToServer and ServerToWorker messages.
	Worker(stream grpc.ServerStream) error
}

// ServiceDesc describes the executor service to gRPC.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Client",
			Handler:       clientHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "Worker",
			Handler:       workerHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "forge/v1/executor",
}

// ClientStreamDesc and WorkerStreamDesc are used when opening streams.
var (
	ClientStreamDesc = &ServiceDesc.Streams[0]
	WorkerStreamDesc = &ServiceDesc.Streams[1]
)

// RegisterExecutorServer registers srv with a gRPC server.
func RegisterExecutorServer(s grpc.ServiceRegistrar, srv ExecutorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func clientHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ExecutorServer).Client(stream)
}

func workerHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ExecutorServer).Worker(stream)
}
