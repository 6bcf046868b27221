package overlay

// changeThreshold is the ink value above which a pixel counts as "changed"
// for connected-component labeling.
const changeThreshold = 16.0

// countChangedComponents labels 4-connected components over the union of
// old_only and new_only ink and returns the component count. This mirrors
// how a connected-component pass over a changed-pixel mask was used to
// derive a single "number of changes" figure from a raw diff mask.
func countChangedComponents(c Classification) int {
	w, h := c.OldOnly.Width, c.OldOnly.Height
	if w == 0 || h == 0 {
		return 0
	}

	changed := make([]bool, w*h)
	for i := range changed {
		changed[i] = c.OldOnly.Values[i] > changeThreshold || c.NewOnly.Values[i] > changeThreshold
	}

	visited := make([]bool, w*h)
	stack := make([]int, 0, 64)
	count := 0

	for start := 0; start < w*h; start++ {
		if !changed[start] || visited[start] {
			continue
		}
		count++
		visited[start] = true
		stack = append(stack, start)
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := idx%w, idx/w
			for _, n := range neighbors4(x, y, w, h) {
				if !changed[n] || visited[n] {
					continue
				}
				visited[n] = true
				stack = append(stack, n)
			}
		}
	}
	return count
}

func neighbors4(x, y, w, h int) []int {
	var out []int
	if x > 0 {
		out = append(out, y*w+x-1)
	}
	if x < w-1 {
		out = append(out, y*w+x+1)
	}
	if y > 0 {
		out = append(out, (y-1)*w+x)
	}
	if y < h-1 {
		out = append(out, (y+1)*w+x)
	}
	return out
}
