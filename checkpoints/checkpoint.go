package checkpoints

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatJSON:
		return "json"
	default:
		return "pb"
	}
}

// ParseFormat maps a flag value to a CheckpointFormat.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "proto", "pb", "":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", s)
	}
}

// State is the complete persisted run state: model weights, optimizer state,
// scheduler position and the result and loss logs needed to resume a run
// exactly where it stopped.
type State struct {
	RunID         string          `json:"run_id"`
	Epoch         int             `json:"epoch"`
	SchedulerStep int             `json:"scheduler_step"`
	LearningRate  float64         `json:"learning_rate"`
	Dataset       string          `json:"dataset,omitempty"`
	Scales        []int           `json:"scales,omitempty"`
	Weights       []WeightTensor  `json:"weights,omitempty"`
	Optimizer     *OptimizerState `json:"optimizer,omitempty"`
	ResultLog     [][]float64     `json:"result_log,omitempty"`
	LossLog       [][]float64     `json:"loss_log,omitempty"`
	Metadata      Metadata        `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StepCount  uint64             `json:"step_count"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v", "square_avg"
}

// Metadata contains checkpoint metadata
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Saver reads and writes State files in one format.
type Saver struct {
	format CheckpointFormat
}

// NewSaver creates a new saver for the specified format
func NewSaver(format CheckpointFormat) *Saver {
	return &Saver{format: format}
}

// Format returns the saver's format.
func (s *Saver) Format() CheckpointFormat {
	return s.format
}

// Save writes state to path. The file is written to a temporary name first
// and renamed so an interrupted save never leaves a truncated checkpoint.
func (s *Saver) Save(state *State, path string) error {
	if state.Metadata.Framework == "" {
		state.Metadata.Framework = "srtrain"
		state.Metadata.Version = "1.0.0"
		state.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch s.format {
	case FormatProto:
		data, err = MarshalState(state)
	case FormatJSON:
		data, err = json.MarshalIndent(state, "", "  ")
	default:
		return errors.Errorf("unsupported checkpoint format: %s", s.format)
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// Load reads a State from path.
func (s *Saver) Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	switch s.format {
	case FormatProto:
		state, err := UnmarshalState(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
		}
		return state, nil
	case FormatJSON:
		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
		}
		return &state, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

// ExtractWeights copies parameter values into WeightTensors.
func ExtractWeights(params []*tensor.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  data,
		})
	}
	return weights
}

// LoadWeights restores parameters by name. Every parameter must be present.
func LoadWeights(weights []WeightTensor, params []*tensor.Parameter) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no weights for parameter %s", p.Name)
		}
		if err := p.Load(w.Shape, w.Data); err != nil {
			return err
		}
	}
	return nil
}
