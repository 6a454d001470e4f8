package scheduler

import (
	"container/heap"

	"go.trai.ch/forge/internal/core/domain"
)

// readyQueue orders ready groups by priority, highest first, then by
// declaration order.
type readyQueue []*groupState

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	pi, pj := q[i].group.Priority(), q[j].group.Priority()
	if pi != pj {
		return pi > pj
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *readyQueue) Push(x any) {
	g := x.(*groupState) //nolint:forcetypeassert // Only groupState is pushed
	g.index = len(*q)
	*q = append(*q, g)
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	g := old[n-1]
	old[n-1] = nil
	g.index = -1
	*q = old[:n-1]
	return g
}

func (q *readyQueue) push(g *groupState) {
	heap.Push(q, g)
}

// pop returns the best group still waiting for a worker. Groups skipped
// while queued are dropped here.
func (q *readyQueue) pop() *groupState {
	for q.Len() > 0 {
		g := heap.Pop(q).(*groupState) //nolint:forcetypeassert // Only groupState is pushed
		if g.state == domain.GroupReady {
			return g
		}
	}
	return nil
}
