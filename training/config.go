package training

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config holds every run parameter. It is read once when the Trainer is
// constructed and never modified afterwards.
type Config struct {
	// Model and data
	Scales    []int   `json:"scales"`
	RGBRange  float64 `json:"rgb_range"`
	NColors   int     `json:"n_colors"`
	DirData   string  `json:"dir_data"`
	DataTrain string  `json:"data_train"`
	DataTest  string  `json:"data_test"`
	PatchSize int     `json:"patch_size"`
	Noise     float64 `json:"noise"` // Gaussian noise sigma added to LR inputs, in [0, RGBRange] units

	// Optimisation
	BatchSize     int     `json:"batch_size"`
	Epochs        int     `json:"epochs"`
	LR            float64 `json:"lr"`
	LRDecay       int     `json:"lr_decay"`
	DecayType     string  `json:"decay_type"` // step | step_<m1>_<m2>... | exp | cosine | const
	Gamma         float64 `json:"gamma"`
	Optimizer     string  `json:"optimizer"` // SGD | ADAM | RMSprop
	Momentum      float64 `json:"momentum"`
	Beta1         float64 `json:"beta1"`
	Beta2         float64 `json:"beta2"`
	Epsilon       float64 `json:"epsilon"`
	WeightDecay   float64 `json:"weight_decay"`
	Loss          string  `json:"loss"`
	SkipThreshold float64 `json:"skip_threshold"`

	// Runtime
	CPU        bool   `json:"cpu"`
	Precision  string `json:"precision"` // single | half
	Seed       int64  `json:"seed"`
	PrintEvery int    `json:"print_every"`
	TestOnly   bool   `json:"test_only"`

	// Experiment
	Save             string `json:"save"`
	Load             string `json:"load"`
	Reset            bool   `json:"reset"`
	SaveResults      bool   `json:"save_results"`
	SaveModels       bool   `json:"save_models"`
	CheckpointFormat string `json:"checkpoint_format"`
	Ledger           bool   `json:"ledger"`
}

// DefaultConfig returns the defaults used by app/srtrain.
func DefaultConfig() Config {
	return Config{
		Scales:           []int{4},
		RGBRange:         255,
		NColors:          3,
		DirData:          "../dataset",
		DataTrain:        "DIV2K",
		DataTest:         "Set5",
		PatchSize:        192,
		BatchSize:        16,
		Epochs:           300,
		LR:               1e-4,
		LRDecay:          200,
		DecayType:        "step",
		Gamma:            0.5,
		Optimizer:        "ADAM",
		Momentum:         0.9,
		Beta1:            0.9,
		Beta2:            0.999,
		Epsilon:          1e-8,
		Loss:             "1*L1",
		SkipThreshold:    1e6,
		CPU:              true,
		Precision:        "single",
		Seed:             1,
		PrintEvery:       100,
		Save:             "test",
		CheckpointFormat: "proto",
		Ledger:           true,
	}
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if len(c.Scales) == 0 {
		return errors.New("at least one scale factor is required")
	}
	maxScale := 0
	for _, s := range c.Scales {
		if s <= 0 {
			return errors.Errorf("invalid scale factor %d", s)
		}
		if s > maxScale {
			maxScale = s
		}
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.PrintEvery <= 0 {
		return errors.Errorf("print interval must be positive, got %d", c.PrintEvery)
	}
	if c.LR < 0 {
		return errors.Errorf("learning rate cannot be negative: %g", c.LR)
	}
	if c.SkipThreshold <= 0 {
		return errors.Errorf("skip threshold must be positive, got %g", c.SkipThreshold)
	}
	if c.RGBRange <= 0 {
		return errors.Errorf("rgb range must be positive, got %g", c.RGBRange)
	}
	if c.NColors != 1 && c.NColors != 3 {
		return errors.Errorf("n_colors must be 1 or 3, got %d", c.NColors)
	}
	if c.PatchSize < maxScale {
		return errors.Errorf("patch size %d is smaller than scale x%d", c.PatchSize, maxScale)
	}
	if c.Noise < 0 {
		return errors.Errorf("noise sigma cannot be negative: %g", c.Noise)
	}
	switch c.Precision {
	case "single", "half":
	default:
		return errors.Errorf("unknown precision %q", c.Precision)
	}
	switch c.Optimizer {
	case "SGD", "ADAM", "RMSprop":
	default:
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if _, err := parseDecayType(c.DecayType); err != nil {
		return err
	}
	if _, err := parseLossSpec(c.Loss); err != nil {
		return err
	}
	return nil
}

// ParseScales parses a "2+3+4" scale list.
func ParseScales(s string) ([]int, error) {
	var scales []int
	for _, part := range strings.Split(s, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid scale %q", part)
		}
		scales = append(scales, v)
	}
	if len(scales) == 0 {
		return nil, errors.Errorf("no scales in %q", s)
	}
	return scales, nil
}
