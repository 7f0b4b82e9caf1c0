package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/checkpoints"
	"github.com/tsawler/srtrain/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	base
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
	m, v         [][]float32
}

// NewAdam creates a new Adam optimizer
func NewAdam(params []*tensor.Parameter, config AdamConfig) (*Adam, error) {
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
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
	return &Adam{
		base:        b,
		beta1:       config.Beta1,
		beta2:       config.Beta2,
		epsilon:     config.Epsilon,
		weightDecay: config.WeightDecay,
		m:           zerosLike(params),
		v:           zerosLike(params),
	}, nil
}

// Step performs a single Adam optimization step
func (a *Adam) Step() error {
	a.stepCount++
	t := float64(a.stepCount)
	bc1 := 1 - math.Pow(a.beta1, t)
	bc2 := 1 - math.Pow(a.beta2, t)
	stepSize := a.lr / bc1
	sqrtBC2 := math.Sqrt(bc2)

	b1, b2 := float32(a.beta1), float32(a.beta2)
	wd := float32(a.weightDecay)
	for i, p := range a.params {
		w := p.Value.Data
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			if wd != 0 {
				g += wd * w[j]
			}
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			denom := math.Sqrt(float64(v[j]))/sqrtBC2 + a.epsilon
			w[j] -= float32(stepSize * float64(m[j]) / denom)
		}
	}
	return nil
}

// GetState extracts optimizer state for checkpointing
func (a *Adam) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": a.lr,
			"beta1":         a.beta1,
			"beta2":         a.beta2,
			"epsilon":       a.epsilon,
			"weight_decay":  a.weightDecay,
		},
		StepCount: a.stepCount,
	}
	state.StateData = append(state.StateData, extractBufferStates(a.m, a.params, "m", "m")...)
	state.StateData = append(state.StateData, extractBufferStates(a.v, a.params, "v", "v")...)
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (a *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	if err := restoreBufferStates(state, a.m, "m"); err != nil {
		return errors.Wrap(err, "restore Adam first moment")
	}
	if err := restoreBufferStates(state, a.v, "v"); err != nil {
		return errors.Wrap(err, "restore Adam second moment")
	}
	a.lr = extractParam(state.Parameters, "learning_rate", a.lr)
	a.stepCount = state.StepCount
	return nil
}
