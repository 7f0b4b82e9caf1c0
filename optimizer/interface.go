// Package optimizer implements first-order optimizers over tensor.Parameters.
// Every optimizer can export and restore its state for checkpointing.
package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/checkpoints"
	"github.com/tsawler/srtrain/tensor"
)

// Optimizer defines the common interface for all optimizers
type Optimizer interface {
	// Step applies one update using the accumulated gradients
	Step() error

	// ZeroGrad clears the gradients of every parameter
	ZeroGrad()

	GetLR() float64
	SetLR(lr float64)

	// GetStepCount returns the number of updates applied so far
	GetStepCount() uint64

	// GetState extracts optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *checkpoints.OptimizerState) error
}

// base holds what every optimizer shares.
type base struct {
	params    []*tensor.Parameter
	lr        float64
	stepCount uint64
}

func (b *base) ZeroGrad() {
	for _, p := range b.params {
		p.ZeroGrad()
	}
}

func (b *base) GetLR() float64 { return b.lr }

func (b *base) SetLR(lr float64) { b.lr = lr }

func (b *base) GetStepCount() uint64 { return b.stepCount }

func newBase(params []*tensor.Parameter, lr float64) (base, error) {
	if len(params) == 0 {
		return base{}, errors.New("no parameters to optimize")
	}
	if lr < 0 {
		return base{}, errors.Errorf("learning rate cannot be negative: %f", lr)
	}
	return base{params: params, lr: lr}, nil
}

func zerosLike(params []*tensor.Parameter) [][]float32 {
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = make([]float32, len(p.Value.Data))
	}
	return out
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
