package mot

// costEdge is candidate pair of cost matrix
type costEdge struct {
	row  int
	col  int
	cost float64
}

// Copied from container/heap - https://golang.org/pkg/container/heap/
// Why make copy? Just want to avoid type conversion

type distanceHeap []costEdge

func (h distanceHeap) Len() int { return len(h) }
func (h distanceHeap) Less(i, j int) bool {
	if h[i].cost != h[j].cost {
		return h[i].cost < h[j].cost
	}
	// Ties are broken by position
	if h[i].row != h[j].row {
		return h[i].row < h[j].row
	}
	return h[i].col < h[j].col
}
func (h distanceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push pushes the element x onto the heap.
// The complexity is O(log n) where n = h.Len().
func (h *distanceHeap) Push(x costEdge) {
	*h = append(*h, x)
	h.up(h.Len() - 1)
}

// Pop removes and returns the minimum element (according to Less) from the heap.
// The complexity is O(log n) where n = h.Len().
func (h *distanceHeap) Pop() costEdge {
	n := h.Len() - 1
	h.Swap(0, n)
	h.down(0, n)
	heapSize := len(*h)
	lastNode := (*h)[heapSize-1]
	*h = (*h)[0 : heapSize-1]
	return lastNode
}

func (h distanceHeap) up(j int) {
	for {
		i := (j - 1) / 2
		if i == j || !h.Less(j, i) {
			break
		}
		h.Swap(i, j)
		j = i
	}
}

func (h distanceHeap) down(i0, n int) bool {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.Less(j2, j1) {
			j = j2
		}
		if !h.Less(j, i) {
			break
		}
		h.Swap(i, j)
		i = j
	}
	return i > i0
}

// solveGreedy matches pairs in ascending cost order while both sides are free.
// It is not optimal in total cost but never produces non-edge match.
func solveGreedy(cost [][]float64, rows, cols int, thresh float64) []int {
	priorityQueue := make(distanceHeap, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if isEdge(cost[i][j], thresh) {
				priorityQueue.Push(costEdge{row: i, col: j, cost: cost[i][j]})
			}
		}
	}
	rowAssign := make([]int, rows)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	takenCols := make([]bool, cols)
	for priorityQueue.Len() > 0 {
		edge := priorityQueue.Pop()
		if rowAssign[edge.row] != -1 || takenCols[edge.col] {
			continue
		}
		rowAssign[edge.row] = edge.col
		takenCols[edge.col] = true
	}
	return rowAssign
}
