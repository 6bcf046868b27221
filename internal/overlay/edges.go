package overlay

import "math"

// sobelEdges computes a Sobel gradient-magnitude mask over m and returns a
// boolean mask of pixels whose magnitude exceeds threshold.
func sobelEdges(m InkMask, threshold float64) []bool {
	out := make([]bool, m.Width*m.Height)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			gx := m.at(x+1, y-1) + 2*m.at(x+1, y) + m.at(x+1, y+1) -
				m.at(x-1, y-1) - 2*m.at(x-1, y) - m.at(x-1, y+1)
			gy := m.at(x-1, y+1) + 2*m.at(x, y+1) + m.at(x+1, y+1) -
				m.at(x-1, y-1) - 2*m.at(x, y-1) - m.at(x+1, y-1)
			mag := math.Sqrt(gx*gx + gy*gy)
			out[y*m.Width+x] = mag > threshold
		}
	}
	return out
}
