// Ladder lottery (사다리타기)
//
// A board is a fixed number of rows of rungs between adjacent vertical lines.
// Each participant picks a starting line at the top, descends, and crosses
// every rung they meet; the line they finish on selects their result.
//
// All randomness lives in Generate. Path resolution is a pure function of
// the board, so a game's outcome is fixed the moment its board is drawn.

package ladder

const (
	// Rows is the number of rung rows on every board.
	Rows = 8

	MinParticipants = 2
	MaxParticipants = 6
)

// Board holds rung flags: b[r][c] is true when a rung joins line c and c+1 at row r.
type Board [][]bool

// Generate draws a new board for participants vertical lines.
func Generate(participants int, rng RandomSource) (Board, error) {
	if participants < MinParticipants {
		return nil, ErrTooFewParticipants
	}
	if rng == nil {
		rng = DefaultRNG()
	}

	cols := participants - 1
	board := make(Board, Rows)

	for row := range board {
		rungs := make([]bool, cols)

		for col := 0; col < cols; col++ {
			if rng.Float64() <= 0.5 {
				continue
			}
			// Neither neighbour may share a line with this rung.
			if col > 0 && rungs[col-1] {
				continue
			}
			if col < cols-1 && rungs[col+1] {
				continue
			}
			rungs[col] = true
		}

		board[row] = rungs
	}

	return board, nil
}

// Columns returns the number of rung columns, or 0 for an empty board.
func (b Board) Columns() int {
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// Validate checks the board's shape for participants lines and that no row
// has two rungs touching the same line.
func (b Board) Validate(participants int) error {
	if len(b) != Rows {
		return ErrMalformedBoard
	}
	for _, row := range b {
		if len(row) != participants-1 {
			return ErrMalformedBoard
		}
		for c := 0; c+1 < len(row); c++ {
			if row[c] && row[c+1] {
				return ErrMalformedBoard
			}
		}
	}
	return nil
}

// Clone returns a deep copy of the board.
func (b Board) Clone() Board {
	if b == nil {
		return nil
	}
	out := make(Board, len(b))
	for i, row := range b {
		out[i] = append([]bool(nil), row...)
	}
	return out
}
