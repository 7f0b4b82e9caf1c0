package tensor

import "math"

const (
	halfOverflow     = 65520.0 // values at or above this round to infinity
	halfMinNormalExp = -14
	halfMantissaBits = 10
)

// RoundHalf rounds v to the nearest IEEE 754 binary16 value (ties to even)
// and returns it widened back to float32.
func RoundHalf(v float32) float32 {
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) || f == 0 {
		return v
	}
	a := math.Abs(f)
	if a >= halfOverflow {
		return float32(math.Copysign(math.Inf(1), f))
	}
	var quantum float64
	if a < math.Ldexp(1, halfMinNormalExp) {
		quantum = math.Ldexp(1, halfMinNormalExp-halfMantissaBits)
	} else {
		_, exp := math.Frexp(a)
		quantum = math.Ldexp(1, exp-1-halfMantissaBits)
	}
	return float32(math.RoundToEven(f/quantum) * quantum)
}

// ToHalf returns a copy of t with every value rounded to half precision.
func ToHalf(t *Tensor) *Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = RoundHalf(v)
	}
	out.DType = Float16
	return out
}
