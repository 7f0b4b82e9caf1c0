package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/srtrain/tensor"
	"github.com/tsawler/srtrain/vision/preprocessing"
)

var benchmarks = map[string]bool{
	"Set5":     true,
	"Set14":    true,
	"B100":     true,
	"Urban100": true,
}

// IsBenchmark reports whether name is one of the standard benchmark sets,
// which are scored on the luma channel.
func IsBenchmark(name string) bool {
	return benchmarks[name]
}

var defaultExtensions = []string{".png", ".jpg", ".jpeg"}

// Options configures an SRFolder.
type Options struct {
	Root      string
	Scales    []int
	Train     bool // random patches and augmentation
	PatchSize int  // HR patch size when training
	RGBRange  float64
	NColors   int
	Noise     float64 // Gaussian sigma added to LR inputs
	Repeat    int     // visits of every image per training epoch
	Benchmark bool
	LROnly    bool // Root holds inputs without ground truth
	Augment   bool
	Seed      int64
	CacheSize int // decoded images kept in memory
	Workers   int // decode the HR set up front with this many workers
}

// SRFolder is a super-resolution dataset read from a directory:
//
//	<root>/HR/<name>.png
//	<root>/LR_bicubic/X<s>/<name>x<s>.png   (optional)
//
// Missing LR images are made by box-downsampling the HR image. Images may
// also sit directly in root. With LROnly every image in root is an input.
type SRFolder struct {
	opts      Options
	names     []string
	hrPaths   []string
	lrPaths   map[int][]string // per scale, "" where the LR must be generated
	processor *preprocessing.ImageProcessor
	cache     *CacheManager

	mu       sync.Mutex
	rng      *rand.Rand
	scaleIdx int
}

// NewSRFolder scans opts.Root.
func NewSRFolder(opts Options) (*SRFolder, error) {
	if len(opts.Scales) == 0 {
		return nil, errors.New("no scales given")
	}
	if opts.RGBRange <= 0 {
		opts.RGBRange = 255
	}
	if opts.NColors == 0 {
		opts.NColors = 3
	}
	if opts.Repeat <= 0 {
		opts.Repeat = 1
	}
	if opts.Train {
		for _, s := range opts.Scales {
			if opts.PatchSize < s {
				return nil, errors.Errorf("patch size %d is smaller than scale %d", opts.PatchSize, s)
			}
		}
	}

	d := &SRFolder{
		opts:      opts,
		lrPaths:   make(map[int][]string),
		processor: preprocessing.NewImageProcessor(opts.RGBRange, opts.NColors),
		cache:     NewCacheManager(opts.CacheSize),
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}

	hrDir := filepath.Join(opts.Root, "HR")
	if info, err := os.Stat(hrDir); err != nil || !info.IsDir() || opts.LROnly {
		hrDir = opts.Root
	}
	paths, err := listImages(hrDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %s", hrDir)
	}
	d.hrPaths = paths
	for _, p := range paths {
		d.names = append(d.names, strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)))
	}

	if !opts.LROnly {
		for _, s := range opts.Scales {
			d.lrPaths[s] = d.findLR(s)
		}
	}

	if opts.Workers > 0 && !opts.LROnly && opts.CacheSize >= len(paths) {
		if err := d.preload(); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("%s: %d images, scales %v, train=%v", opts.Root, len(paths), opts.Scales, opts.Train)
	return d, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s", dir)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range defaultExtensions {
			if ext == want {
				paths = append(paths, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (d *SRFolder) findLR(scale int) []string {
	dir := filepath.Join(d.opts.Root, "LR_bicubic", fmt.Sprintf("X%d", scale))
	out := make([]string, len(d.names))
	found := 0
	for i, name := range d.names {
		for _, ext := range defaultExtensions {
			p := filepath.Join(dir, fmt.Sprintf("%sx%d%s", name, scale, ext))
			if _, err := os.Stat(p); err == nil {
				out[i] = p
				found++
				break
			}
		}
	}
	if found < len(d.names) {
		klog.V(1).Infof("x%d: %d of %d LR images generated from HR", scale, len(d.names)-found, len(d.names))
	}
	return out
}

func (d *SRFolder) preload() error {
	images, err := preprocessing.PreprocessBatch(d.hrPaths, d.processor, d.opts.Workers)
	if err != nil {
		return errors.Wrap(err, "preload")
	}
	for i, img := range images {
		d.cache.Put(hrKey(i), img)
	}
	return nil
}

func hrKey(i int) string { return fmt.Sprintf("hr/%d", i) }
func lrKey(scale, i int) string { return fmt.Sprintf("lr/x%d/%d", scale, i) }

func (d *SRFolder) load(key, path string) (*preprocessing.ProcessedImage, error) {
	if img, ok := d.cache.Get(key); ok {
		return img, nil
	}
	img, err := d.processor.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	d.cache.Put(key, img)
	return img, nil
}

func (d *SRFolder) loadLR(i, scale int, hr *preprocessing.ProcessedImage) (*preprocessing.ProcessedImage, error) {
	if p := d.lrPaths[scale][i]; p != "" {
		return d.load(lrKey(scale, i), p)
	}
	if img, ok := d.cache.Get(lrKey(scale, i)); ok {
		return img, nil
	}
	img, err := preprocessing.Downsample(hr, scale)
	if err != nil {
		return nil, errors.Wrap(err, d.names[i])
	}
	d.cache.Put(lrKey(scale, i), img)
	return img, nil
}

// Len returns the number of samples per epoch
func (d *SRFolder) Len() int {
	if d.opts.Train {
		return len(d.names) * d.opts.Repeat
	}
	return len(d.names)
}

// Names returns the image names without extension.
func (d *SRFolder) Names() []string {
	return d.names
}

// Benchmark reports whether the set is scored as a benchmark.
func (d *SRFolder) Benchmark() bool {
	return d.opts.Benchmark
}

// SetScale selects the scale served by Get.
func (d *SRFolder) SetScale(idx int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx >= 0 && idx < len(d.opts.Scales) {
		d.scaleIdx = idx
	}
}

// Reseed restarts patch selection, augmentation and noise from seed.
func (d *SRFolder) Reseed(seed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng = rand.New(rand.NewSource(seed))
}

// CacheStats returns statistics of the decoded image cache.
func (d *SRFolder) CacheStats() CacheStats {
	return d.cache.Stats()
}

// Get returns the [C,H,W] LR and HR tensors of sample idx at the current
// scale. hr is nil for LROnly sets.
func (d *SRFolder) Get(idx int) (*tensor.Tensor, *tensor.Tensor, string, error) {
	if idx < 0 || idx >= d.Len() {
		return nil, nil, "", errors.Errorf("index %d out of range [0, %d)", idx, d.Len())
	}
	i := idx % len(d.names)
	name := d.names[i]

	d.mu.Lock()
	defer d.mu.Unlock()
	scale := d.opts.Scales[d.scaleIdx]

	if d.opts.LROnly {
		lr, err := d.load(hrKey(i), d.hrPaths[i])
		if err != nil {
			return nil, nil, "", err
		}
		lr = lr.Clone()
		preprocessing.AddNoise(lr, d.rng, d.opts.Noise, d.opts.RGBRange)
		lrT, err := toTensor(lr)
		return lrT, nil, name, err
	}

	hr, err := d.load(hrKey(i), d.hrPaths[i])
	if err != nil {
		return nil, nil, "", err
	}
	lr, err := d.loadLR(i, scale, hr)
	if err != nil {
		return nil, nil, "", err
	}

	if d.opts.Train {
		lr, hr, err = d.patch(lr, hr, scale)
	} else {
		lr = lr.Clone()
		hr, err = preprocessing.Crop(hr, 0, 0, lr.Width*scale, lr.Height*scale)
	}
	if err != nil {
		return nil, nil, "", errors.Wrap(err, name)
	}
	preprocessing.AddNoise(lr, d.rng, d.opts.Noise, d.opts.RGBRange)

	lrT, err := toTensor(lr)
	if err != nil {
		return nil, nil, "", err
	}
	hrT, err := toTensor(hr)
	return lrT, hrT, name, err
}

// patch cuts aligned random LR/HR patches and augments them.
func (d *SRFolder) patch(lr, hr *preprocessing.ProcessedImage, scale int) (*preprocessing.ProcessedImage, *preprocessing.ProcessedImage, error) {
	lp := d.opts.PatchSize / scale
	if lr.Width < lp || lr.Height < lp {
		return nil, nil, errors.Errorf("%dx%d LR image is smaller than a %d pixel patch", lr.Width, lr.Height, lp)
	}
	ix := d.rng.Intn(lr.Width - lp + 1)
	iy := d.rng.Intn(lr.Height - lp + 1)

	lrPatch, err := preprocessing.Crop(lr, ix, iy, lp, lp)
	if err != nil {
		return nil, nil, err
	}
	hrPatch, err := preprocessing.Crop(hr, ix*scale, iy*scale, lp*scale, lp*scale)
	if err != nil {
		return nil, nil, err
	}

	if d.opts.Augment {
		hflip := d.rng.Float64() < 0.5
		vflip := d.rng.Float64() < 0.5
		rot90 := d.rng.Float64() < 0.5
		lrPatch = preprocessing.Augment(lrPatch, hflip, vflip, rot90)
		hrPatch = preprocessing.Augment(hrPatch, hflip, vflip, rot90)
	}
	return lrPatch, hrPatch, nil
}

func toTensor(img *preprocessing.ProcessedImage) (*tensor.Tensor, error) {
	return tensor.New(img.Shape(), img.Data)
}
