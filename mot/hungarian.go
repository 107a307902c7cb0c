package mot

import (
	"fmt"
	"math"
	"strings"

	"github.com/arthurkushman/go-hungarian"
	"github.com/pkg/errors"
)

// AssignmentSolver is for algorithm type for solving linear assignment between tracks and detections
type AssignmentSolver uint16

const (
	// SolverKuhnMunkres uses Kuhn-Munkres with potentials over cost matrix extended with dummy rows and columns
	SolverKuhnMunkres AssignmentSolver = iota
	// SolverHungarian uses github.com/arthurkushman/go-hungarian maximization over profit matrix.
	// The library reduces the matrix heuristically, so total cost is not guaranteed to be minimal
	SolverHungarian
	// SolverGreedy picks cheapest free pairs first. Fast, but not optimal
	SolverGreedy
)

// Stand-in for infinity in cost matrix
const forbiddenCost = 1e18

func (s AssignmentSolver) String() string {
	switch s {
	case SolverKuhnMunkres:
		return "kuhn-munkres"
	case SolverHungarian:
		return "hungarian"
	case SolverGreedy:
		return "greedy"
	default:
		return fmt.Sprintf("solver(%d)", uint16(s))
	}
}

// IsExact returns true for solvers which always reach minimum total cost
func (s AssignmentSolver) IsExact() bool {
	return s == SolverKuhnMunkres
}

// ParseSolver parses solver name
func ParseSolver(name string) (AssignmentSolver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "kuhn-munkres", "lapjv":
		return SolverKuhnMunkres, nil
	case "hungarian":
		return SolverHungarian, nil
	case "greedy":
		return SolverGreedy, nil
	default:
		return SolverKuhnMunkres, errors.Wrapf(ErrConfig, "unknown solver %q", name)
	}
}

// linearAssignment solves minimum-cost assignment between rows and columns of cost matrix.
// Entries at or above thresh are not edges, approximate solvers never match them either.
// With exact solver the result minimizes sum of (cost - thresh) over matched pairs.
// Matches are (row, col) pairs ordered by row.
func linearAssignment(cost [][]float64, rows, cols int, thresh float64, solver AssignmentSolver) ([][2]int, []int, []int) {
	if rows == 0 || cols == 0 {
		unmatchedRows := make([]int, rows)
		for i := range unmatchedRows {
			unmatchedRows[i] = i
		}
		unmatchedCols := make([]int, cols)
		for j := range unmatchedCols {
			unmatchedCols[j] = j
		}
		return nil, unmatchedRows, unmatchedCols
	}

	var rowAssign []int
	switch solver {
	case SolverHungarian:
		rowAssign = solveHungarianLib(cost, rows, cols, thresh)
	case SolverGreedy:
		rowAssign = solveGreedy(cost, rows, cols, thresh)
	default:
		rowAssign = solveExtended(cost, rows, cols, thresh)
	}

	matches := make([][2]int, 0, minInt(rows, cols))
	matchedCols := make([]bool, cols)
	unmatchedRows := make([]int, 0)
	for i := 0; i < rows; i++ {
		j := rowAssign[i]
		if j >= 0 && j < cols && isEdge(cost[i][j], thresh) {
			matches = append(matches, [2]int{i, j})
			matchedCols[j] = true
		} else {
			unmatchedRows = append(unmatchedRows, i)
		}
	}
	unmatchedCols := make([]int, 0)
	for j, matched := range matchedCols {
		if !matched {
			unmatchedCols = append(unmatchedCols, j)
		}
	}
	return matches, unmatchedRows, unmatchedCols
}

func isEdge(cost, thresh float64) bool {
	return !math.IsNaN(cost) && cost < thresh
}

// solveExtended builds (rows+cols) square matrix [[C, t/2], [t/2, 0]] so that leaving a row and a column
// unmatched costs thresh, then solves it with Kuhn-Munkres
func solveExtended(cost [][]float64, rows, cols int, thresh float64) []int {
	n := rows + cols
	half := thresh / 2
	ext := make([][]float64, n)
	for i := 0; i < n; i++ {
		ext[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			switch {
			case i < rows && j < cols:
				if isEdge(cost[i][j], thresh) {
					ext[i][j] = cost[i][j]
				} else {
					ext[i][j] = forbiddenCost
				}
			case i >= rows && j >= cols:
				ext[i][j] = 0
			default:
				ext[i][j] = half
			}
		}
	}
	assign := kuhnMunkres(ext)
	rowAssign := make([]int, rows)
	for i := 0; i < rows; i++ {
		rowAssign[i] = -1
		if assign[i] < cols {
			rowAssign[i] = assign[i]
		}
	}
	return rowAssign
}

// kuhnMunkres solves square assignment problem in O(n^3).
// Returns assignment[i] = column assigned to row i.
// Adapted from HungarianAssign of github.com/banshee-data/velocity.report (internal/lidar/hungarian.go),
// switched to float64 costs.
func kuhnMunkres(c [][]float64) []int {
	dim := len(c)
	// Uses 1-indexed arrays internally for cleaner index arithmetic.
	const inf = math.MaxFloat64 / 2

	u := make([]float64, dim+1) // Row potentials
	v := make([]float64, dim+1) // Column potentials
	p := make([]int, dim+1)     // p[j] = row assigned to column j
	way := make([]int, dim+1)   // way[j] = previous column in augmenting path
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0 // Virtual column

		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}

			if j1 < 0 {
				break
			}

			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		// Augment along the path.
		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	assignment := make([]int, dim)
	for i := range assignment {
		assignment[i] = -1
	}
	for j := 1; j <= dim; j++ {
		if p[j] > 0 && p[j] <= dim {
			assignment[p[j]-1] = j - 1
		}
	}
	return assignment
}

// solveHungarianLib maximizes total profit (thresh - cost) over the padded square matrix with
// hungarian.SolveMax. Non-edges have zero profit and are filtered out by caller.
// Result may be suboptimal.
func solveHungarianLib(cost [][]float64, rows, cols int, thresh float64) []int {
	size := maxInt(rows, cols)
	profit := make([][]float64, size)
	for i := 0; i < size; i++ {
		profit[i] = make([]float64, size)
		if i >= rows {
			continue
		}
		for j := 0; j < cols; j++ {
			if isEdge(cost[i][j], thresh) {
				profit[i][j] = thresh - cost[i][j]
			}
		}
	}
	rowAssign := make([]int, rows)
	for i := range rowAssign {
		rowAssign[i] = -1
	}
	assignmentsMap := hungarian.SolveMax(profit)
	for rowIdx, rowMap := range assignmentsMap {
		if rowIdx >= rows {
			continue
		}
		for colIdx := range rowMap {
			if colIdx < cols {
				rowAssign[rowIdx] = colIdx
			}
			break
		}
	}
	return rowAssign
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
