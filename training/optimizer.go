package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/optimizer"
	"github.com/tsawler/srtrain/tensor"
)

// MakeOptimizer builds the optimizer named by cfg.Optimizer over params.
func MakeOptimizer(cfg Config, params []*tensor.Parameter) (optimizer.Optimizer, error) {
	switch cfg.Optimizer {
	case "SGD":
		return optimizer.NewSGD(params, optimizer.SGDConfig{
			LearningRate: cfg.LR,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
		})
	case "ADAM":
		return optimizer.NewAdam(params, optimizer.AdamConfig{
			LearningRate: cfg.LR,
			Beta1:        cfg.Beta1,
			Beta2:        cfg.Beta2,
			Epsilon:      cfg.Epsilon,
			WeightDecay:  cfg.WeightDecay,
		})
	case "RMSprop":
		return optimizer.NewRMSProp(params, optimizer.RMSPropConfig{
			LearningRate: cfg.LR,
			Alpha:        optimizer.DefaultRMSPropConfig().Alpha,
			Epsilon:      cfg.Epsilon,
			WeightDecay:  cfg.WeightDecay,
		})
	default:
		return nil, errors.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
}
