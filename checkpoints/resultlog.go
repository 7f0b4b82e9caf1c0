package checkpoints

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// ResultLog is the PSNR table of a run: one row per evaluation pass, one
// column per scale factor. Rows are only ever appended.
type ResultLog struct {
	rows [][]float64
	cols int
}

// NewResultLog creates a log from existing rows, e.g. a resumed run.
func NewResultLog(rows [][]float64) (*ResultLog, error) {
	r := &ResultLog{}
	for i, row := range rows {
		if i == 0 {
			r.cols = len(row)
		} else if len(row) != r.cols {
			return nil, errors.Errorf("result log row %d has %d columns, expected %d", i, len(row), r.cols)
		}
		r.rows = append(r.rows, append([]float64(nil), row...))
	}
	return r, nil
}

// AddRow appends an all-zero row with cols columns.
func (r *ResultLog) AddRow(cols int) error {
	if cols <= 0 {
		return errors.Errorf("result log needs at least one column, got %d", cols)
	}
	if len(r.rows) > 0 && cols != r.cols {
		return errors.Errorf("result log has %d columns, cannot add a row of %d", r.cols, cols)
	}
	r.cols = cols
	r.rows = append(r.rows, make([]float64, cols))
	return nil
}

// SetLast stores v in column col of the most recent row.
func (r *ResultLog) SetLast(col int, v float64) error {
	if len(r.rows) == 0 {
		return errors.New("result log is empty")
	}
	if col < 0 || col >= r.cols {
		return errors.Errorf("column %d out of range [0, %d)", col, r.cols)
	}
	r.rows[len(r.rows)-1][col] = v
	return nil
}

// At returns a single cell.
func (r *ResultLog) At(row, col int) float64 {
	return r.rows[row][col]
}

// Rows returns the number of evaluation passes recorded.
func (r *ResultLog) Rows() int {
	return len(r.rows)
}

// Cols returns the number of scale columns.
func (r *ResultLog) Cols() int {
	return r.cols
}

// Last returns a copy of the most recent row.
func (r *ResultLog) Last() []float64 {
	if len(r.rows) == 0 {
		return nil
	}
	return append([]float64(nil), r.rows[len(r.rows)-1]...)
}

// Best returns, per column, the highest value and the 0-based row it was
// recorded in. Ties resolve to the earliest row.
func (r *ResultLog) Best() (values []float64, rows []int, err error) {
	if len(r.rows) == 0 {
		return nil, nil, errors.New("result log is empty")
	}
	column := make([]float64, len(r.rows))
	values = make([]float64, r.cols)
	rows = make([]int, r.cols)
	for c := 0; c < r.cols; c++ {
		for i, row := range r.rows {
			column[i] = row[c]
		}
		idx := floats.MaxIdx(column)
		values[c] = column[idx]
		rows[c] = idx
	}
	return values, rows, nil
}

// Data returns a deep copy of the table.
func (r *ResultLog) Data() [][]float64 {
	out := make([][]float64, len(r.rows))
	for i, row := range r.rows {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
