package training

import (
	"fmt"
	"time"

	"github.com/tsawler/srtrain/tensor"
)

// Timer measures wall time between Tic and Toc, and accumulates held
// intervals until they are released.
type Timer struct {
	start time.Time
	acc   time.Duration
	now   func() time.Time
}

// NewTimer returns a started timer.
func NewTimer() *Timer {
	t := &Timer{now: time.Now}
	t.Tic()
	return t
}

// Tic restarts the current interval.
func (t *Timer) Tic() {
	t.start = t.now()
}

// Toc returns the seconds elapsed since the last Tic.
func (t *Timer) Toc() float64 {
	return t.now().Sub(t.start).Seconds()
}

// Hold adds the current interval to the accumulator.
func (t *Timer) Hold() {
	t.acc += t.now().Sub(t.start)
}

// Release returns the accumulated seconds and clears the accumulator.
func (t *Timer) Release() float64 {
	s := t.acc.Seconds()
	t.acc = 0
	return s
}

func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000)
	}
	return fmt.Sprintf("%d", count)
}

func countParameters(params []*tensor.Parameter) int64 {
	var n int64
	for _, p := range params {
		n += int64(p.Value.NumElems())
	}
	return n
}
