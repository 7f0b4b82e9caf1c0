// Package layers contains the super-resolution models trained by srtrain.
package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/tensor"
)

// Upsampler is a multi-scale super-resolution model. Every configured scale
// has its own head: a nearest-neighbour upsample followed by a learned 1x1
// channel mix with bias. Heads are initialised to the identity mapping.
type Upsampler struct {
	channels    int
	heads       []*upsampleHead
	training    bool
	gradEnabled bool
}

type upsampleHead struct {
	scale  int
	weight *tensor.Parameter // [C, C]
	bias   *tensor.Parameter // [C]
}

// NewUpsampler creates a model with one head per scale.
func NewUpsampler(scales []int, channels int) (*Upsampler, error) {
	if len(scales) == 0 {
		return nil, errors.New("upsampler needs at least one scale")
	}
	if channels <= 0 {
		return nil, errors.Errorf("invalid channel count %d", channels)
	}

	m := &Upsampler{
		channels:    channels,
		training:    true,
		gradEnabled: true,
	}
	for _, s := range scales {
		if s <= 0 {
			return nil, errors.Errorf("invalid scale %d", s)
		}
		w := make([]float32, channels*channels)
		for c := 0; c < channels; c++ {
			w[c*channels+c] = 1
		}
		weight, err := tensor.NewParameter(fmt.Sprintf("head_x%d.weight", s), []int{channels, channels}, w)
		if err != nil {
			return nil, err
		}
		bias, err := tensor.NewParameter(fmt.Sprintf("head_x%d.bias", s), []int{channels}, make([]float32, channels))
		if err != nil {
			return nil, err
		}
		m.heads = append(m.heads, &upsampleHead{scale: s, weight: weight, bias: bias})
	}
	return m, nil
}

// Forward upscales input with the head at scaleIdx.
func (m *Upsampler) Forward(input *tensor.Tensor, scaleIdx int) (*tensor.Tensor, error) {
	if scaleIdx < 0 || scaleIdx >= len(m.heads) {
		return nil, errors.Errorf("scale index %d out of range [0, %d)", scaleIdx, len(m.heads))
	}
	n, c, h, w, err := input.Dims4()
	if err != nil {
		return nil, errors.Wrap(err, "upsampler input")
	}
	if c != m.channels {
		return nil, errors.Errorf("upsampler expects %d channels, got %d", m.channels, c)
	}

	hd := m.heads[scaleIdx]
	s := hd.scale
	oh, ow := h*s, w*s
	plane := oh * ow
	up := make([]float32, n*c*plane)
	for b := 0; b < n; b++ {
		for k := 0; k < c; k++ {
			src := input.Data[(b*c+k)*h*w:]
			dst := up[(b*c+k)*plane:]
			for y := 0; y < oh; y++ {
				row := src[(y/s)*w:]
				for x := 0; x < ow; x++ {
					dst[y*ow+x] = row[x/s]
				}
			}
		}
	}

	wt, bs := hd.weight.Value.Data, hd.bias.Value.Data
	out := tensor.Zeros(n, c, oh, ow)
	for b := 0; b < n; b++ {
		for co := 0; co < c; co++ {
			dst := out.Data[(b*c+co)*plane : (b*c+co+1)*plane]
			for i := range dst {
				dst[i] = bs[co]
			}
			for k := 0; k < c; k++ {
				wv := wt[co*c+k]
				if wv == 0 {
					continue
				}
				src := up[(b*c+k)*plane : (b*c+k+1)*plane]
				for i, v := range src {
					dst[i] += wv * v
				}
			}
		}
	}

	if m.gradEnabled {
		out.SetBackward(func(grad []float32) error {
			gw, gb := hd.weight.Grad, hd.bias.Grad
			for b := 0; b < n; b++ {
				for co := 0; co < c; co++ {
					g := grad[(b*c+co)*plane : (b*c+co+1)*plane]
					var sum float32
					for _, v := range g {
						sum += v
					}
					gb[co] += sum
					for k := 0; k < c; k++ {
						src := up[(b*c+k)*plane : (b*c+k+1)*plane]
						var acc float32
						for i, v := range g {
							acc += v * src[i]
						}
						gw[co*c+k] += acc
					}
				}
			}
			return nil
		})
	}
	return out, nil
}

// Parameters returns the trainable parameters of every head.
func (m *Upsampler) Parameters() []*tensor.Parameter {
	params := make([]*tensor.Parameter, 0, 2*len(m.heads))
	for _, hd := range m.heads {
		params = append(params, hd.weight, hd.bias)
	}
	return params
}

func (m *Upsampler) Train() { m.training = true }

func (m *Upsampler) Eval() { m.training = false }

// SetGradEnabled switches gradient recording and returns the previous setting.
func (m *Upsampler) SetGradEnabled(enabled bool) bool {
	prev := m.gradEnabled
	m.gradEnabled = enabled
	return prev
}

// Scales returns the scale served by each head, in head order.
func (m *Upsampler) Scales() []int {
	scales := make([]int, len(m.heads))
	for i, hd := range m.heads {
		scales[i] = hd.scale
	}
	return scales
}

// String prints the architecture in PyTorch style.
func (m *Upsampler) String() string {
	var sb strings.Builder
	sb.WriteString("Upsampler(\n")
	for _, hd := range m.heads {
		fmt.Fprintf(&sb, "  (head_x%d): Sequential(\n", hd.scale)
		fmt.Fprintf(&sb, "    (0): Upsample(scale_factor=%d, mode='nearest')\n", hd.scale)
		fmt.Fprintf(&sb, "    (1): Conv2d(%d, %d, kernel_size=(1, 1), stride=(1, 1), bias=true)\n", m.channels, m.channels)
		sb.WriteString("  )\n")
	}
	sb.WriteString(")")
	return sb.String()
}
