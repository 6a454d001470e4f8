package ports

import forgev1 "go.trai.ch/forge/api/forge/v1"

// Conn is one end of a bidirectional typed message channel. Send may be
// called from several goroutines; Recv from one at a time.
type Conn[S, R any] interface {
	// Send delivers msg to the peer, or fails with domain.ErrConnectionClosed.
	Send(msg S) error
	// Recv blocks for the next message. It returns io.EOF once the peer
	// closed the channel cleanly.
	Recv() (R, error)
	// Close tears down both directions.
	Close() error
}

type (
	// ClientConn is the client end of a client session.
	ClientConn = Conn[*forgev1.ClientToServer, *forgev1.ServerToClient]
	// ClientSession is the scheduler end of a client session.
	ClientSession = Conn[*forgev1.ServerToClient, *forgev1.ClientToServer]
	// WorkerConn is the worker end of a worker session.
	WorkerConn = Conn[*forgev1.WorkerToServer, *forgev1.ServerToWorker]
	// WorkerSession is the scheduler end of a worker session.
	WorkerSession = Conn[*forgev1.ServerToWorker, *forgev1.WorkerToServer]
)
