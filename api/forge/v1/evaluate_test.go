package forgev1_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	forgev1 "go.trai.ch/forge/api/forge/v1"
	"go.trai.ch/forge/internal/core/domain"
)

func TestEvaluate_GraphTravelsInChunks(t *testing.T) {
	t.Parallel()

	dag := domain.NewDAG()
	seed := dag.ProvideContent([]byte("seed"), "seed")
	for range 500 {
		exec := domain.NewExecution("copy", domain.SystemCommand("cp"))
		exec.Args = []string{"in", "out"}
		exec.Input(seed, "in", false)
		exec.Output("out")
		dag.AddExecution(exec)
	}
	wanted := []domain.FileID{seed.ID}

	var sent []*forgev1.ClientToServer
	err := forgev1.SendEvaluate(func(m *forgev1.ClientToServer) error {
		sent = append(sent, m)
		return nil
	}, &forgev1.Evaluate{DAG: dag.Data(), Wanted: wanted})
	require.NoError(t, err)
	require.Greater(t, len(sent), 2)
	for _, m := range sent[1:] {
		require.NotNil(t, m.Chunk)
		assert.LessOrEqual(t, len(m.Chunk.Data), forgev1.ChunkSize)
	}

	head := sent[0]
	require.NotNil(t, head.Evaluate)
	assert.Empty(t, head.Evaluate.DAG.Groups)
	recv := func() (*forgev1.ClientToServer, error) {
		sent = sent[1:]
		if len(sent) == 0 {
			return nil, io.EOF
		}
		return sent[0], nil
	}
	req := head.Evaluate
	require.NoError(t, forgev1.RecvGraph(recv, req))

	assert.Equal(t, wanted, req.Wanted)
	require.Len(t, req.DAG.Groups, 500)
	assert.Equal(t, dag.Data().Groups[42].ID, req.DAG.Groups[42].ID)
	assert.Equal(t, seed.ID, req.DAG.Groups[42].Executions[0].Inputs["in"].File)
	assert.Equal(t, domain.KeyOf([]byte("seed")), req.DAG.Provided[seed.ID].Key)
}

func TestRecvGraph_RejectsGarbage(t *testing.T) {
	t.Parallel()

	msgs := []*forgev1.ClientToServer{{Chunk: &forgev1.Chunk{Data: []byte("{not json"), Last: true}}}
	err := forgev1.RecvGraph(func() (*forgev1.ClientToServer, error) {
		m := msgs[0]
		msgs = msgs[1:]
		return m, nil
	}, &forgev1.Evaluate{})
	require.ErrorContains(t, err, domain.ErrProtocolViolation.Error())
}
