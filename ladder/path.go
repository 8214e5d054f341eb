package ladder

// Path is the column sequence visited from a starting column, one entry per
// row plus the start.
type Path []int

// ResolvePaths descends the board from every starting column. It never
// modifies the board.
func ResolvePaths(board Board, participants int) []Path {
	paths := make([]Path, 0, participants)

	for start := 0; start < participants; start++ {
		path := make(Path, 0, len(board)+1)
		path = append(path, start)
		pos := start

		for _, rungs := range board {
			switch {
			case pos > 0 && pos-1 < len(rungs) && rungs[pos-1]:
				pos--
			case pos < participants-1 && pos < len(rungs) && rungs[pos]:
				pos++
			}
			path = append(path, pos)
		}

		paths = append(paths, path)
	}

	return paths
}

// Start returns the starting column.
func (p Path) Start() int {
	if len(p) == 0 {
		return -1
	}
	return p[0]
}

// Final returns the column the path ends on.
func (p Path) Final() int {
	if len(p) == 0 {
		return -1
	}
	return p[len(p)-1]
}

// PositionAt returns the column shown after step rows have been animated.
// Steps past the end of the path stay on the final column.
func (p Path) PositionAt(step int) int {
	if len(p) == 0 {
		return -1
	}
	if step <= 0 {
		return p[0]
	}
	if step >= len(p) {
		return p[len(p)-1]
	}
	return p[step]
}
