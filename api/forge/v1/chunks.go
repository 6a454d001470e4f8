package forgev1

import (
	"bytes"

	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/zerr"
)

// ChunkSize is the largest payload of a single Chunk.
const ChunkSize = 64 << 10

// SendBlob sends data as a run of chunks ending with a Last chunk. wrap puts
// a chunk in the sender's envelope type.
func SendBlob[M any](send func(M) error, wrap func(*Chunk) M, data []byte) error {
	for len(data) > ChunkSize {
		if err := send(wrap(&Chunk{Data: data[:ChunkSize]})); err != nil {
			return err
		}
		data = data[ChunkSize:]
	}
	return send(wrap(&Chunk{Data: data, Last: true}))
}

// RecvBlob reads chunks until the Last one and returns the joined payload.
// Any other message in between is a protocol violation.
func RecvBlob[M any](recv func() (M, error), unwrap func(M) *Chunk) ([]byte, error) {
	var buf bytes.Buffer
	for {
		msg, err := recv()
		if err != nil {
			return nil, err
		}
		chunk := unwrap(msg)
		if chunk == nil {
			return nil, zerr.With(domain.ErrProtocolViolation, "expected", "chunk")
		}
		buf.Write(chunk.Data)
		if chunk.Last {
			return buf.Bytes(), nil
		}
	}
}

// GetChunk returns the chunk carried by the message, if any.
func (m *ClientToServer) GetChunk() *Chunk { return m.Chunk }

// GetChunk returns the chunk carried by the message, if any.
func (m *ServerToClient) GetChunk() *Chunk { return m.Chunk }

// GetChunk returns the chunk carried by the message, if any.
func (m *WorkerToServer) GetChunk() *Chunk { return m.Chunk }

// GetChunk returns the chunk carried by the message, if any.
func (m *ServerToWorker) GetChunk() *Chunk { return m.Chunk }
