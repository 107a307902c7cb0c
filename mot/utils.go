package mot

// IoU calculates Intersection over Union between two rectangles.
// Degenerate rectangles (zero union) give 0.
func IoU(r1, r2 Rectangle) float64 {
	xA := maxFloat64(r1.X, r2.X)
	yA := maxFloat64(r1.Y, r2.Y)
	xB := minFloat64(r1.X+r1.Width, r2.X+r2.Width)
	yB := minFloat64(r1.Y+r1.Height, r2.Y+r2.Height)

	interArea := maxFloat64(0, xB-xA) * maxFloat64(0, yB-yA)
	if interArea == 0 {
		return 0.0
	}

	unionArea := r1.Area() + r2.Area() - interArea
	if unionArea <= 0 {
		return 0.0
	}
	return interArea / unionArea
}

// iouDistance returns matrix of (1 - IoU) for every pair of rectangles.
// Rows correspond to a, columns to b.
func iouDistance(a, b []Rectangle) [][]float64 {
	dists := make([][]float64, len(a))
	for i := range a {
		row := make([]float64, len(b))
		for j := range b {
			row[j] = 1.0 - IoU(a[i], b[j])
		}
		dists[i] = row
	}
	return dists
}

func maxFloat64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
