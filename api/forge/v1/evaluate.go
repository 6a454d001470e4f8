package forgev1

import (
	"encoding/json"

	"go.trai.ch/forge/internal/core/domain"
	"go.trai.ch/zerr"
)

// SendEvaluate sends an Evaluate followed by the encoded graph in chunks, so
// no single message grows with the graph.
func SendEvaluate(send func(*ClientToServer) error, req *Evaluate) error {
	data, err := json.Marshal(req.DAG)
	if err != nil {
		return zerr.Wrap(err, "failed to encode graph")
	}
	if err := send(&ClientToServer{Evaluate: &Evaluate{Wanted: req.Wanted}}); err != nil {
		return err
	}
	return SendBlob(send, func(c *Chunk) *ClientToServer { return &ClientToServer{Chunk: c} }, data)
}

// RecvGraph reads the graph that follows an Evaluate into req.
func RecvGraph(recv func() (*ClientToServer, error), req *Evaluate) error {
	data, err := RecvBlob(recv, (*ClientToServer).GetChunk)
	if err != nil {
		return err
	}
	var dag domain.DAGData
	if err := json.Unmarshal(data, &dag); err != nil {
		return zerr.With(zerr.Wrap(err, domain.ErrProtocolViolation.Error()), "expected", "graph")
	}
	req.DAG = dag
	return nil
}
