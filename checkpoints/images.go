package checkpoints

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/srtrain/tensor"
)

// WritePNG writes the first sample of an [N,C,H,W] tensor whose values lie in
// [0, rgbRange] as an 8-bit PNG. One channel is written as grayscale, three as RGB.
func WritePNG(path string, t *tensor.Tensor, rgbRange float64) error {
	_, c, h, w, err := t.Dims4()
	if err != nil {
		return err
	}
	if c != 1 && c != 3 {
		return errors.Errorf("cannot write a %d-channel image", c)
	}

	scale := 255 / rgbRange
	plane := h * w
	pixel := func(ch, i int) uint8 {
		v := math.Round(float64(t.Data[ch*plane+i]) * scale)
		return uint8(math.Max(0, math.Min(255, v)))
	}

	var img image.Image
	if c == 1 {
		gray := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				gray.SetGray(x, y, color.Gray{Y: pixel(0, y*w+x)})
			}
		}
		img = gray
	} else {
		rgba := image.NewNRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*w + x
				rgba.SetNRGBA(x, y, color.NRGBA{R: pixel(0, i), G: pixel(1, i), B: pixel(2, i), A: 255})
			}
		}
		img = rgba
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create result image")
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}
