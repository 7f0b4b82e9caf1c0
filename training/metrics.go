package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/srtrain/tensor"
)

// maxPSNR caps the PSNR of identical images.
const maxPSNR = 100.0

// ITU-R BT.601 luma coefficients for values in [0, 1].
var yCoefficients = [3]float64{65.738 / 256, 129.057 / 256, 25.064 / 256}

// Quantize snaps values in [0, rgbRange] onto the 8-bit grid an image
// file can hold: scale to [0, 255], clamp, round, scale back.
func Quantize(t *tensor.Tensor, rgbRange float64) *tensor.Tensor {
	out := t.Clone()
	pixelRange := 255 / rgbRange
	for i, v := range out.Data {
		p := math.Max(0, math.Min(255, float64(v)*pixelRange))
		out.Data[i] = float32(math.RoundToEven(p) / pixelRange)
	}
	return out
}

// CalcPSNR measures sr against hr in decibels. A border of the image is
// excluded: scale pixels for benchmark sets, where colour images are
// compared on the luma channel, and scale+6 pixels otherwise.
func CalcPSNR(sr, hr *tensor.Tensor, scale int, rgbRange float64, benchmark bool) (float64, error) {
	if !sr.SameShape(hr) {
		return 0, errors.Errorf("psnr shape mismatch: %v vs %v", sr.Shape, hr.Shape)
	}
	n, c, h, w, err := sr.Dims4()
	if err != nil {
		return 0, err
	}

	shave := scale + 6
	if benchmark {
		shave = scale
	}
	if h <= 2*shave || w <= 2*shave {
		return 0, errors.Errorf("image %dx%d too small for a %d pixel border", h, w, shave)
	}

	plane := h * w
	diff := make([]float64, len(sr.Data))
	for i := range sr.Data {
		diff[i] = (float64(sr.Data[i]) - float64(hr.Data[i])) / rgbRange
	}

	channels := c
	if benchmark && c == 3 {
		luma := make([]float64, n*plane)
		for s := 0; s < n; s++ {
			for ch := 0; ch < 3; ch++ {
				src := diff[(s*3+ch)*plane : (s*3+ch+1)*plane]
				floats.AddScaled(luma[s*plane:(s+1)*plane], yCoefficients[ch], src)
			}
		}
		diff = luma
		channels = 1
	}

	var valid []float64
	for s := 0; s < n*channels; s++ {
		for y := shave; y < h-shave; y++ {
			row := diff[s*plane+y*w : s*plane+(y+1)*w]
			valid = append(valid, row[shave:w-shave]...)
		}
	}

	mse := floats.Dot(valid, valid) / float64(len(valid))
	if mse <= 0 {
		return maxPSNR, nil
	}
	return math.Min(maxPSNR, -10*math.Log10(mse)), nil
}
