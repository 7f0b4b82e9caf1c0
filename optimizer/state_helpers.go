package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/checkpoints"
	"github.com/tsawler/srtrain/tensor"
)

// Common helper functions for optimizer state management

// extractBufferStates copies one per-parameter buffer set into state tensors
// named "<prefix>_<index>".
func extractBufferStates(buffers [][]float32, params []*tensor.Parameter, prefix, stateType string) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, 0, len(buffers))
	for i, buf := range buffers {
		data := make([]float32, len(buf))
		copy(data, buf)
		out = append(out, checkpoints.OptimizerTensor{
			Name:      fmt.Sprintf("%s_%d", prefix, i),
			Shape:     append([]int(nil), params[i].Value.Shape...),
			Data:      data,
			StateType: stateType,
		})
	}
	return out
}

// restoreBufferStates copies every state tensor of stateType back into
// buffers, matching them by index.
func restoreBufferStates(state *checkpoints.OptimizerState, buffers [][]float32, stateType string) error {
	restored := 0
	for _, st := range state.StateData {
		if st.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(buffers) {
			return errors.Errorf("invalid buffer index in state tensor %s", st.Name)
		}
		if len(st.Data) != len(buffers[idx]) {
			return errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
				st.Name, len(buffers[idx]), len(st.Data))
		}
		copy(buffers[idx], st.Data)
		restored++
	}
	if restored != len(buffers) {
		return errors.Errorf("expected %d %s buffers, found %d", len(buffers), stateType, restored)
	}
	return nil
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "square_avg_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// extractParam reads a hyperparameter from the state map
func extractParam(params map[string]float64, key string, defaultValue float64) float64 {
	if val, ok := params[key]; ok {
		return val
	}
	return defaultValue
}
