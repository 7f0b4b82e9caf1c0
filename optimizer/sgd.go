package optimizer

import (
	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/checkpoints"
	"github.com/tsawler/srtrain/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum,
// Nesterov momentum and L2 weight decay.
type SGD struct {
	base
	momentum    float64
	weightDecay float64
	nesterov    bool
	velocities  [][]float32
}

// NewSGD creates a new SGD optimizer
func NewSGD(params []*tensor.Parameter, config SGDConfig) (*SGD, error) {
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, errors.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("nesterov momentum requires a momentum")
	}
	b, err := newBase(params, config.LearningRate)
	if err != nil {
		return nil, err
	}

	sgd := &SGD{
		base:        b,
		momentum:    config.Momentum,
		weightDecay: config.WeightDecay,
		nesterov:    config.Nesterov,
	}
	// Only allocate momentum buffers if momentum > 0
	if config.Momentum > 0 {
		sgd.velocities = zerosLike(params)
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGD) Step() error {
	lr := float32(sgd.lr)
	mom := float32(sgd.momentum)
	wd := float32(sgd.weightDecay)

	for i, p := range sgd.params {
		w := p.Value.Data
		for j, g := range p.Grad {
			if wd != 0 {
				g += wd * w[j]
			}
			if sgd.velocities != nil {
				v := sgd.velocities[i]
				v[j] = mom*v[j] + g
				if sgd.nesterov {
					g += mom * v[j]
				} else {
					g = v[j]
				}
			}
			w[j] -= lr * g
		}
	}
	sgd.stepCount++
	return nil
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	nesterov := 0.0
	if sgd.nesterov {
		nesterov = 1
	}
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.lr,
			"momentum":      sgd.momentum,
			"weight_decay":  sgd.weightDecay,
			"nesterov":      nesterov,
		},
		StepCount: sgd.stepCount,
	}
	if sgd.velocities != nil {
		state.StateData = extractBufferStates(sgd.velocities, sgd.params, "momentum", "momentum")
	}
	return state, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	if sgd.velocities != nil {
		if err := restoreBufferStates(state, sgd.velocities, "momentum"); err != nil {
			return errors.Wrap(err, "restore SGD state")
		}
	}
	sgd.lr = extractParam(state.Parameters, "learning_rate", sgd.lr)
	sgd.stepCount = state.StepCount
	return nil
}
