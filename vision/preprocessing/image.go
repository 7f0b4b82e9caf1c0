package preprocessing

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"math/rand"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ProcessedImage is a decoded image in CHW layout with values in
// [0, rgbRange].
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// NewProcessedImage allocates a zero image.
func NewProcessedImage(channels, height, width int) *ProcessedImage {
	return &ProcessedImage{
		Data:     make([]float32, channels*height*width),
		Width:    width,
		Height:   height,
		Channels: channels,
	}
}

// At returns the value of channel c at (x, y).
func (p *ProcessedImage) At(c, y, x int) float32 {
	return p.Data[(c*p.Height+y)*p.Width+x]
}

func (p *ProcessedImage) set(c, y, x int, v float32) {
	p.Data[(c*p.Height+y)*p.Width+x] = v
}

// Shape returns the [C, H, W] shape.
func (p *ProcessedImage) Shape() []int {
	return []int{p.Channels, p.Height, p.Width}
}

// Clone returns a deep copy.
func (p *ProcessedImage) Clone() *ProcessedImage {
	out := *p
	out.Data = append([]float32(nil), p.Data...)
	return &out
}

// ImageProcessor decodes PNG and JPEG images into ProcessedImages
type ImageProcessor struct {
	rgbRange float64
	nColors  int
}

// NewImageProcessor creates a processor producing nColors channels (1 for
// luma only, 3 for RGB) in [0, rgbRange].
func NewImageProcessor(rgbRange float64, nColors int) *ImageProcessor {
	return &ImageProcessor{rgbRange: rgbRange, nColors: nColors}
}

// Decode decodes an image and converts it to CHW float data.
func (p *ImageProcessor) Decode(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if p.nColors != 1 && p.nColors != 3 {
		return nil, errors.Errorf("unsupported channel count %d", p.nColors)
	}

	out := NewProcessedImage(p.nColors, height, width)
	scale := float32(p.rgbRange / 255)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			r8, g8, b8 := float32(r>>8), float32(g>>8), float32(b>>8)
			if p.nColors == 1 {
				// ITU-R BT.601 luma on the [16, 235] studio range.
				luma := 16 + (65.481*r8+128.553*g8+24.966*b8)/255
				out.set(0, y, x, luma*scale)
				continue
			}
			out.set(0, y, x, r8*scale)
			out.set(1, y, x, g8*scale)
			out.set(2, y, x, b8*scale)
		}
	}
	return out, nil
}

// DecodeFile opens and decodes the image at path.
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := p.Decode(f)
	return img, errors.Wrap(err, path)
}

// Downsample shrinks img by an integer factor, averaging each scale x scale
// block. Trailing rows and columns that do not fill a block are dropped.
func Downsample(img *ProcessedImage, scale int) (*ProcessedImage, error) {
	if scale <= 0 {
		return nil, errors.Errorf("invalid scale %d", scale)
	}
	h, w := img.Height/scale, img.Width/scale
	if h == 0 || w == 0 {
		return nil, errors.Errorf("%dx%d image is smaller than scale %d", img.Width, img.Height, scale)
	}
	out := NewProcessedImage(img.Channels, h, w)
	norm := float32(scale * scale)
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var sum float32
				for dy := 0; dy < scale; dy++ {
					for dx := 0; dx < scale; dx++ {
						sum += img.At(c, y*scale+dy, x*scale+dx)
					}
				}
				out.set(c, y, x, sum/norm)
			}
		}
	}
	return out, nil
}

// Crop returns the w x h window whose top-left corner is (x, y).
func Crop(img *ProcessedImage, x, y, w, h int) (*ProcessedImage, error) {
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > img.Width || y+h > img.Height {
		return nil, errors.Errorf("crop %dx%d at (%d,%d) outside %dx%d image", w, h, x, y, img.Width, img.Height)
	}
	out := NewProcessedImage(img.Channels, h, w)
	for c := 0; c < img.Channels; c++ {
		for row := 0; row < h; row++ {
			src := img.Data[(c*img.Height+y+row)*img.Width+x:]
			copy(out.Data[(c*h+row)*w:(c*h+row+1)*w], src[:w])
		}
	}
	return out, nil
}

// Augment flips and transposes img. rot90 swaps the spatial axes.
func Augment(img *ProcessedImage, hflip, vflip, rot90 bool) *ProcessedImage {
	h, w := img.Height, img.Width
	oh, ow := h, w
	if rot90 {
		oh, ow = w, h
	}
	out := NewProcessedImage(img.Channels, oh, ow)
	for c := 0; c < img.Channels; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sx, sy := x, y
				if hflip {
					sx = w - 1 - x
				}
				if vflip {
					sy = h - 1 - y
				}
				v := img.At(c, sy, sx)
				if rot90 {
					out.set(c, x, y, v)
				} else {
					out.set(c, y, x, v)
				}
			}
		}
	}
	return out
}

// AddNoise adds zero-mean Gaussian noise with standard deviation sigma and
// clamps the result to [0, rgbRange].
func AddNoise(img *ProcessedImage, rng *rand.Rand, sigma, rgbRange float64) {
	if sigma <= 0 {
		return
	}
	for i, v := range img.Data {
		n := float64(v) + rng.NormFloat64()*sigma
		img.Data[i] = float32(math.Max(0, math.Min(rgbRange, n)))
	}
}

// PreprocessBatch decodes multiple images concurrently
func PreprocessBatch(imagePaths []string, processor *ImageProcessor, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.index], errs[j.index] = processor.DecodeFile(j.path)
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to process image %d", i)
		}
	}
	return results, nil
}
