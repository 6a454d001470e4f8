// Package client submits computation graphs to a scheduler and runs the
// callbacks registered on them as events come back.
package client

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/adapters/fs"
	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/forge/internal/core/ports"
	"go.trai.ch/zerr"
)

const executablePerm os.FileMode = 0o755

// Client evaluates graphs over a connection to a scheduler. A Client runs
// one evaluation at a time.
type Client struct {
	conn   ports.ClientConn
	sendMu sync.Mutex

	statusEvery time.Duration
	onStatus    func(domain.ExecutorStatus)
}

// Option configures a Client.
type Option func(*Client)

// WithStatus polls the scheduler every interval while an evaluation runs
// and passes each snapshot to fn.
func WithStatus(interval time.Duration, fn func(domain.ExecutorStatus)) Option {
	return func(c *Client) {
		c.statusEvery = interval
		c.onStatus = fn
	}
}

// New creates a Client on conn.
func New(conn ports.ClientConn, opts ...Option) *Client {
	c := &Client{conn: conn}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close closes the connection to the scheduler.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Evaluate runs dag until every execution is done or skipped, invoking the
// callbacks of dag from the calling goroutine. Cancelling ctx stops the
// evaluation; Evaluate then still waits for the scheduler to confirm and
// returns ctx.Err().
func (c *Client) Evaluate(ctx context.Context, dag *domain.DAG) error {
	if err := dag.Validate(); err != nil {
		return err
	}
	cb := dag.Callbacks()

	// Provided files are ready from the start and never travel back.
	var wanted []domain.FileID
	for _, id := range cb.WantedFiles() {
		p, ok := dag.Provided(id)
		if !ok {
			wanted = append(wanted, id)
			continue
		}
		content, err := readProvided(p)
		if err != nil {
			return err
		}
		if err := deliver(cb, id, content); err != nil {
			return err
		}
	}

	req := &forgev1.Evaluate{DAG: dag.Data(), Wanted: wanted}
	if err := forgev1.SendEvaluate(c.send, req); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.send(&forgev1.ClientToServer{Stop: &forgev1.Stop{}})
	})
	defer stop()

	if c.onStatus != nil && c.statusEvery > 0 {
		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Go(func() { c.pollStatus(done) })
		defer func() {
			close(done)
			wg.Wait()
		}()
	}

	for {
		msg, err := c.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return domain.ErrConnectionClosed
			}
			return err
		}
		switch {
		case msg.AskFile != nil:
			if err := c.provide(dag, msg.AskFile); err != nil {
				return err
			}
		case msg.ProvideFile != nil:
			content, err := forgev1.RecvBlob(c.conn.Recv, (*forgev1.ServerToClient).GetChunk)
			if err != nil {
				return err
			}
			if err := deliver(cb, msg.ProvideFile.File, content); err != nil {
				return err
			}
		case msg.Started != nil:
			for _, fn := range cb.Start[msg.Started.Execution] {
				fn(msg.Started.Worker)
			}
		case msg.Done != nil:
			for _, fn := range cb.Done[msg.Done.Result.Execution] {
				fn(msg.Done.Result)
			}
		case msg.Skipped != nil:
			for _, fn := range cb.Skip[msg.Skipped.Execution] {
				fn()
			}
		case msg.Status != nil:
			if c.onStatus != nil {
				c.onStatus(*msg.Status)
			}
		case msg.Error != nil:
			return zerr.Wrap(errors.New(msg.Error.Message), domain.ErrEvaluationFailed.Error())
		case msg.Completed != nil:
			return ctx.Err()
		default:
			return zerr.With(domain.ErrProtocolViolation, "peer", "scheduler")
		}
	}
}

func (c *Client) send(msg *forgev1.ClientToServer) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Send(msg)
}

// provide uploads a provided file the scheduler does not store yet.
func (c *Client) provide(dag *domain.DAG, req *forgev1.AskFile) error {
	p, ok := dag.Provided(req.File)
	if !ok {
		return zerr.With(domain.ErrUnknownFile, "file", req.File.String())
	}
	content, err := readProvided(p)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.Send(&forgev1.ClientToServer{ProvideFile: &forgev1.FileAnnounce{File: p.File.ID, Key: p.Key}}); err != nil {
		return err
	}
	wrap := func(ch *forgev1.Chunk) *forgev1.ClientToServer { return &forgev1.ClientToServer{Chunk: ch} }
	return forgev1.SendBlob(c.conn.Send, wrap, content)
}

func (c *Client) pollStatus(done <-chan struct{}) {
	ticker := time.NewTicker(c.statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.send(&forgev1.ClientToServer{Status: &forgev1.StatusRequest{}}); err != nil {
				return
			}
		}
	}
}

func readProvided(p domain.ProvidedFile) ([]byte, error) {
	if p.LocalPath == "" {
		return p.Content, nil
	}
	//nolint:gosec // Path is provided by the graph author
	content, err := os.ReadFile(p.LocalPath)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrProvidedFileUnreadable.Error()), "path", p.LocalPath)
	}
	return content, nil
}

// deliver runs the callbacks of a ready file.
func deliver(cb *domain.Callbacks, id domain.FileID, content []byte) error {
	for _, target := range cb.WriteTo[id] {
		perm := os.FileMode(domain.FilePerm)
		if target.Executable {
			perm = executablePerm
		}
		if err := fs.WriteFileAtomic(target.Path, content, perm); err != nil {
			return err
		}
	}
	for _, get := range cb.Content[id] {
		limited := content
		if get.Limit >= 0 && int64(len(limited)) > get.Limit {
			limited = limited[:get.Limit]
		}
		get.Fn(limited)
	}
	return nil
}
