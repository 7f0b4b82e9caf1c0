package training

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/tensor"
)

// LossType enumerates the supported pixel losses
type LossType int

const (
	L1 LossType = iota
	MSE
)

func (lt LossType) String() string {
	switch lt {
	case L1:
		return "L1"
	case MSE:
		return "MSE"
	default:
		return fmt.Sprintf("LossType(%d)", int(lt))
	}
}

type lossTerm struct {
	Type   LossType
	Weight float64
}

// parseLossSpec parses a "1*L1+0.5*MSE" weighted sum.
func parseLossSpec(spec string) ([]lossTerm, error) {
	var terms []lossTerm
	for _, part := range strings.Split(spec, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		weight, name, ok := strings.Cut(part, "*")
		if !ok {
			return nil, errors.Errorf("loss term %q is not weight*TYPE", part)
		}
		w, err := strconv.ParseFloat(weight, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "loss weight in %q", part)
		}
		var lt LossType
		switch name {
		case "L1":
			lt = L1
		case "MSE":
			lt = MSE
		default:
			return nil, errors.Errorf("unsupported loss type %q", name)
		}
		terms = append(terms, lossTerm{Type: lt, Weight: w})
	}
	if len(terms) == 0 {
		return nil, errors.Errorf("empty loss specification %q", spec)
	}
	return terms, nil
}

// Loss is a weighted sum of pixel losses with a per-epoch log. Each log row
// holds one running sum per term plus a Total column when there is more
// than one term.
type Loss struct {
	terms []lossTerm
	log   [][]float64
}

// NewLoss parses spec, e.g. "1*L1" or "1*L1+0.1*MSE".
func NewLoss(spec string) (*Loss, error) {
	terms, err := parseLossSpec(spec)
	if err != nil {
		return nil, err
	}
	return &Loss{terms: terms}, nil
}

func (l *Loss) columns() int {
	if len(l.terms) > 1 {
		return len(l.terms) + 1
	}
	return len(l.terms)
}

func (l *Loss) names() []string {
	names := make([]string, 0, l.columns())
	for _, t := range l.terms {
		names = append(names, t.Type.String())
	}
	if len(l.terms) > 1 {
		names = append(names, "Total")
	}
	return names
}

// Compute returns the scalar weighted loss of sr against hr. When sr
// carries a backward function the result propagates into it. Values are
// added to the current log row when a log has been started.
func (l *Loss) Compute(sr, hr *tensor.Tensor) (*tensor.Tensor, error) {
	if !sr.SameShape(hr) {
		return nil, errors.Errorf("loss shape mismatch: %v vs %v", sr.Shape, hr.Shape)
	}
	n := len(sr.Data)
	if n == 0 {
		return nil, errors.New("loss of an empty tensor")
	}

	grad := make([]float32, n)
	values := make([]float64, len(l.terms))
	total := 0.0
	for ti, term := range l.terms {
		sum := 0.0
		for i := range sr.Data {
			d := float64(sr.Data[i]) - float64(hr.Data[i])
			var g float64
			switch term.Type {
			case L1:
				sum += math.Abs(d)
				switch {
				case d > 0:
					g = 1
				case d < 0:
					g = -1
				}
			case MSE:
				sum += d * d
				g = 2 * d
			}
			grad[i] += float32(term.Weight * g / float64(n))
		}
		values[ti] = term.Weight * sum / float64(n)
		total += values[ti]
	}

	if len(l.log) > 0 {
		row := l.log[len(l.log)-1]
		for i, v := range values {
			row[i] += v
		}
		if len(l.terms) > 1 {
			row[len(row)-1] += total
		}
	}

	out := tensor.FromScalar(float32(total))
	if sr.RequiresGrad() {
		out.SetBackward(func(g []float32) error {
			scaled := make([]float32, n)
			for i := range grad {
				scaled[i] = grad[i] * g[0]
			}
			return sr.BackwardWith(scaled)
		})
	}
	return out, nil
}

// Step advances per-term schedules at the start of an epoch. Pixel losses
// have none.
func (l *Loss) Step() {}

// StartLog opens a zero row for the new epoch.
func (l *Loss) StartLog() {
	l.log = append(l.log, make([]float64, l.columns()))
}

// EndLog turns the running sums of the current row into means over batches.
func (l *Loss) EndLog(batches int) {
	if len(l.log) == 0 || batches <= 0 {
		return
	}
	row := l.log[len(l.log)-1]
	for i := range row {
		row[i] /= float64(batches)
	}
}

// DisplayLoss formats the running means of the current row after batch
// (zero-based) batches, e.g. "[L1: 0.0123]".
func (l *Loss) DisplayLoss(batch int) string {
	if len(l.log) == 0 {
		return ""
	}
	row := l.log[len(l.log)-1]
	n := float64(batch + 1)
	var sb strings.Builder
	for i, name := range l.names() {
		fmt.Fprintf(&sb, "[%s: %.4f]", name, row[i]/n)
	}
	return sb.String()
}

// LastEpochLoss returns the final column of the last row.
func (l *Loss) LastEpochLoss() float64 {
	if len(l.log) == 0 {
		return 0
	}
	row := l.log[len(l.log)-1]
	return row[len(row)-1]
}

// Log returns a copy of the epoch log.
func (l *Loss) Log() [][]float64 {
	out := make([][]float64, len(l.log))
	for i, row := range l.log {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// LoadLog replaces the log with rows restored from a checkpoint.
func (l *Loss) LoadLog(rows [][]float64) error {
	cols := l.columns()
	log := make([][]float64, len(rows))
	for i, row := range rows {
		if len(row) != cols {
			return errors.Errorf("loss log row %d has %d columns, expected %d", i, len(row), cols)
		}
		log[i] = append([]float64(nil), row...)
	}
	l.log = log
	return nil
}
