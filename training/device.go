package training

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/srtrain/tensor"
)

// describeDevice summarises the compute device for the run log.
func describeDevice() string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = runtime.GOARCH
	}
	var features []string
	for _, f := range []cpuid.FeatureID{cpuid.AVX2, cpuid.AVX512F, cpuid.FMA3, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	desc := fmt.Sprintf("cpu: %s, %d cores", brand, runtime.NumCPU())
	if len(features) > 0 {
		desc += " (" + strings.Join(features, ", ") + ")"
	}
	return desc
}

// Prepare converts tensors to the configured precision. With single
// precision the inputs are returned as they are; with half precision each
// tensor is replaced by a rounded copy.
func (t *Trainer) Prepare(ts ...*tensor.Tensor) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(ts))
	for i, x := range ts {
		if t.cfg.Precision == "half" {
			out[i] = tensor.ToHalf(x)
		} else {
			out[i] = x
		}
	}
	return out
}
