package layers

import (
	"math"
	"strings"
	"testing"

	"github.com/tsawler/srtrain/tensor"
)

func TestNewUpsamplerValidation(t *testing.T) {
	if _, err := NewUpsampler(nil, 3); err == nil {
		t.Error("expected error for empty scales")
	}
	if _, err := NewUpsampler([]int{2, 0}, 3); err == nil {
		t.Error("expected error for zero scale")
	}
	if _, err := NewUpsampler([]int{2}, 0); err == nil {
		t.Error("expected error for zero channels")
	}
}

func TestUpsamplerIdentityForward(t *testing.T) {
	m, err := NewUpsampler([]int{2, 3}, 1)
	if err != nil {
		t.Fatalf("NewUpsampler failed: %v", err)
	}
	in, _ := tensor.New([]int{1, 1, 1, 2}, []float32{0.25, 0.75})

	out, err := m.Forward(in, 1)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Shape[2] != 3 || out.Shape[3] != 6 {
		t.Fatalf("unexpected output shape %v", out.Shape)
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 6; x++ {
			want := float32(0.25)
			if x >= 3 {
				want = 0.75
			}
			if got := out.Data[y*6+x]; got != want {
				t.Errorf("out[%d,%d] = %v, want %v", y, x, got, want)
			}
		}
	}

	if _, err := m.Forward(in, 2); err == nil {
		t.Error("expected error for out of range scale index")
	}
	bad, _ := tensor.New([]int{1, 2, 1, 1}, []float32{0, 0})
	if _, err := m.Forward(bad, 0); err == nil {
		t.Error("expected error for channel mismatch")
	}
}

func TestUpsamplerGradients(t *testing.T) {
	m, _ := NewUpsampler([]int{2}, 2)
	in, _ := tensor.New([]int{1, 2, 1, 1}, []float32{1, 2})

	out, err := m.Forward(in, 0)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	grad := make([]float32, len(out.Data))
	for i := range grad {
		grad[i] = 1
	}
	if err := out.BackwardWith(grad); err != nil {
		t.Fatalf("BackwardWith failed: %v", err)
	}

	params := m.Parameters()
	weight, bias := params[0], params[1]
	// Each output plane has 4 pixels, each input channel is constant.
	wantW := []float32{4, 8, 4, 8}
	for i, want := range wantW {
		if math.Abs(float64(weight.Grad[i]-want)) > 1e-6 {
			t.Errorf("weight grad[%d] = %v, want %v", i, weight.Grad[i], want)
		}
	}
	for i := range bias.Grad {
		if bias.Grad[i] != 4 {
			t.Errorf("bias grad[%d] = %v, want 4", i, bias.Grad[i])
		}
	}
}

func TestUpsamplerGradSwitch(t *testing.T) {
	m, _ := NewUpsampler([]int{2}, 1)
	in, _ := tensor.New([]int{1, 1, 1, 1}, []float32{1})

	if prev := m.SetGradEnabled(false); !prev {
		t.Error("gradients should be enabled by default")
	}
	out, _ := m.Forward(in, 0)
	if out.RequiresGrad() {
		t.Error("output must not require grad when gradients are disabled")
	}
	m.SetGradEnabled(true)
	out, _ = m.Forward(in, 0)
	if !out.RequiresGrad() {
		t.Error("output should require grad when gradients are enabled")
	}
}

func TestUpsamplerModesAndString(t *testing.T) {
	m, _ := NewUpsampler([]int{2, 4}, 3)
	if !m.training {
		t.Error("new model should start in training mode")
	}
	m.Eval()
	if m.training {
		t.Error("Eval() should leave training mode")
	}
	m.Train()
	if !m.training {
		t.Error("Train() should enter training mode")
	}
	if got := m.Scales(); len(got) != 2 || got[1] != 4 {
		t.Errorf("Scales() = %v", got)
	}
	s := m.String()
	if !strings.Contains(s, "head_x4") || !strings.Contains(s, "Conv2d(3, 3") {
		t.Errorf("unexpected architecture string:\n%s", s)
	}
	if len(m.Parameters()) != 4 {
		t.Errorf("expected 4 parameters, got %d", len(m.Parameters()))
	}
}
