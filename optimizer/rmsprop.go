package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/checkpoints"
	"github.com/tsawler/srtrain/tensor"
)

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float64
	Alpha        float64 // Smoothing constant of the squared gradient average
	Epsilon      float64
	WeightDecay  float64
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// RMSProp implements the RMSprop optimizer.
type RMSProp struct {
	base
	alpha       float64
	epsilon     float64
	weightDecay float64
	squareAvg   [][]float32
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(params []*tensor.Parameter, config RMSPropConfig) (*RMSProp, error) {
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, errors.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}
	return &RMSProp{
		base:        b,
		alpha:       config.Alpha,
		epsilon:     config.Epsilon,
		weightDecay: config.WeightDecay,
		squareAvg:   zerosLike(params),
	}, nil
}

// Step performs a single RMSProp optimization step
func (r *RMSProp) Step() error {
	alpha := float32(r.alpha)
	wd := float32(r.weightDecay)
	for i, p := range r.params {
		w := p.Value.Data
		sq := r.squareAvg[i]
		for j, g := range p.Grad {
			if wd != 0 {
				g += wd * w[j]
			}
			sq[j] = alpha*sq[j] + (1-alpha)*g*g
			w[j] -= float32(r.lr * float64(g) / (math.Sqrt(float64(sq[j])) + r.epsilon))
		}
	}
	r.stepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (r *RMSProp) GetState() (*checkpoints.OptimizerState, error) {
	return &checkpoints.OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]float64{
			"learning_rate": r.lr,
			"alpha":         r.alpha,
			"epsilon":       r.epsilon,
			"weight_decay":  r.weightDecay,
		},
		StepCount: r.stepCount,
		StateData: extractBufferStates(r.squareAvg, r.params, "square_avg", "square_avg"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (r *RMSProp) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	if err := restoreBufferStates(state, r.squareAvg, "square_avg"); err != nil {
		return errors.Wrap(err, "restore RMSProp state")
	}
	r.lr = extractParam(state.Parameters, "learning_rate", r.lr)
	r.stepCount = state.StepCount
	return nil
}
