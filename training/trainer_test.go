package training

import (
	"math"
	"strings"
	"testing"

	"github.com/tsawler/srtrain/checkpoints"
	"github.com/tsawler/srtrain/tensor"
)

// fakeModel passes its input through and records how it was called.
type fakeModel struct {
	w           *tensor.Parameter
	training    bool
	gradEnabled bool

	forwardScales []int
	evalGradCalls int // forwards in eval mode with gradients enabled
	backwardCalls int
}

func newFakeModel(t *testing.T) *fakeModel {
	t.Helper()
	w, err := tensor.NewParameter("w", []int{1}, []float32{1})
	if err != nil {
		t.Fatalf("NewParameter failed: %v", err)
	}
	return &fakeModel{w: w, gradEnabled: true}
}

func (m *fakeModel) Forward(in *tensor.Tensor, scaleIdx int) (*tensor.Tensor, error) {
	m.forwardScales = append(m.forwardScales, scaleIdx)
	if !m.training && m.gradEnabled {
		m.evalGradCalls++
	}
	out := in.Clone()
	if m.gradEnabled {
		out.SetBackward(func(grad []float32) error {
			m.backwardCalls++
			return nil
		})
	}
	return out, nil
}

func (m *fakeModel) Parameters() []*tensor.Parameter { return []*tensor.Parameter{m.w} }
func (m *fakeModel) Train() { m.training = true }
func (m *fakeModel) Eval() { m.training = false }

func (m *fakeModel) SetGradEnabled(enabled bool) bool {
	prev := m.gradEnabled
	m.gradEnabled = enabled
	return prev
}

// scriptedLoss returns preset loss values in order.
type scriptedLoss struct {
	values []float64
	next   int
	log    [][]float64
}

func (l *scriptedLoss) Compute(sr, hr *tensor.Tensor) (*tensor.Tensor, error) {
	v := l.values[l.next]
	l.next++
	if len(l.log) > 0 {
		l.log[len(l.log)-1][0] += v
	}
	out := tensor.FromScalar(float32(v))
	if sr.RequiresGrad() {
		out.SetBackward(func(g []float32) error {
			return sr.BackwardWith(make([]float32, len(sr.Data)))
		})
	}
	return out, nil
}

func (l *scriptedLoss) Step() {}
func (l *scriptedLoss) StartLog() { l.log = append(l.log, []float64{0}) }

func (l *scriptedLoss) EndLog(n int) { l.log[len(l.log)-1][0] /= float64(n) }

func (l *scriptedLoss) DisplayLoss(b int) string {
	return "[L1: 0.0000]"
}

func (l *scriptedLoss) LastEpochLoss() float64 { return l.log[len(l.log)-1][0] }
func (l *scriptedLoss) Log() [][]float64 { return l.log }

func (l *scriptedLoss) LoadLog(rows [][]float64) error {
	l.log = rows
	return nil
}

type fakeOptimizer struct {
	lr        float64
	steps     int
	zeroGrads int
	loaded    *checkpoints.OptimizerState
}

func (o *fakeOptimizer) Step() error {
	o.steps++
	return nil
}

func (o *fakeOptimizer) ZeroGrad() { o.zeroGrads++ }
func (o *fakeOptimizer) GetLR() float64 { return o.lr }
func (o *fakeOptimizer) SetLR(lr float64) { o.lr = lr }
func (o *fakeOptimizer) GetStepCount() uint64 { return uint64(o.steps) }

func (o *fakeOptimizer) GetState() (*checkpoints.OptimizerState, error) {
	return &checkpoints.OptimizerState{Type: "fake", StepCount: uint64(o.steps)}, nil
}

func (o *fakeOptimizer) LoadState(s *checkpoints.OptimizerState) error {
	o.loaded = s
	o.steps = int(s.StepCount)
	return nil
}

// fakeSource serves fixed batches.
type fakeSource struct {
	batches []*Batch
	pos     int
	samples int

	scales  []int
	reseeds []int64
}

func (s *fakeSource) Reset() { s.pos = 0 }
func (s *fakeSource) Len() int { return len(s.batches) }
func (s *fakeSource) NumSamples() int { return s.samples }
func (s *fakeSource) Benchmark() bool { return false }
func (s *fakeSource) SetScale(i int) { s.scales = append(s.scales, i) }
func (s *fakeSource) Reseed(v int64) { s.reseeds = append(s.reseeds, v) }

func (s *fakeSource) Next() (*Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

type savedCheckpoint struct {
	epoch  int
	isBest bool
	state  *checkpoints.State
}

type fakeCheckpoint struct {
	lines   []string
	results *checkpoints.ResultLog
	saves   []savedCheckpoint
	images  int
	resumed *checkpoints.State
}

func newFakeCheckpoint() *fakeCheckpoint {
	return &fakeCheckpoint{results: &checkpoints.ResultLog{}}
}

func (c *fakeCheckpoint) WriteLog(line string, refresh bool) { c.lines = append(c.lines, line) }
func (c *fakeCheckpoint) AddLog(cols int) error { return c.results.AddRow(cols) }
func (c *fakeCheckpoint) Log() *checkpoints.ResultLog { return c.results }
func (c *fakeCheckpoint) Resumed() *checkpoints.State { return c.resumed }

func (c *fakeCheckpoint) SaveResults(filename string, images []*tensor.Tensor, idx, scale int) error {
	c.images += len(images)
	return nil
}

func (c *fakeCheckpoint) Save(state *checkpoints.State, epoch int, isBest bool) error {
	c.saves = append(c.saves, savedCheckpoint{epoch: epoch, isBest: isBest, state: state})
	return nil
}

func (c *fakeCheckpoint) LoadOptimizerState() (*checkpoints.OptimizerState, error) {
	return c.resumed.Optimizer, nil
}

func (c *fakeCheckpoint) hasLine(prefix string) bool {
	for _, l := range c.lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func imageBatch(t *testing.T, size int, base, offset float32) *Batch {
	t.Helper()
	lr := make([]float32, size*size)
	hr := make([]float32, size*size)
	for i := range lr {
		lr[i] = base + float32(i%50)
		hr[i] = lr[i] + offset
	}
	lrT, err := tensor.New([]int{1, 1, size, size}, lr)
	if err != nil {
		t.Fatalf("tensor.New failed: %v", err)
	}
	hrT, _ := tensor.New([]int{1, 1, size, size}, hr)
	return &Batch{LR: lrT, HR: hrT}
}

func trainBatches(t *testing.T, n int) []*Batch {
	batches := make([]*Batch, n)
	for i := range batches {
		batches[i] = imageBatch(t, 4, 0, 0)
	}
	return batches
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Scales = []int{2}
	cfg.BatchSize = 1
	cfg.Epochs = 3
	cfg.PatchSize = 8
	cfg.PrintEvery = 100
	cfg.DataTest = "Set5"
	return cfg
}

type harness struct {
	trainer *Trainer
	model   *fakeModel
	loss    *scriptedLoss
	opt     *fakeOptimizer
	train   *fakeSource
	test    *fakeSource
	ckp     *fakeCheckpoint
}

func newHarness(t *testing.T, cfg Config, losses []float64, trainN int, ckp *fakeCheckpoint) *harness {
	t.Helper()
	h := &harness{
		model: newFakeModel(t),
		loss:  &scriptedLoss{values: losses},
		opt:   &fakeOptimizer{},
		train: &fakeSource{batches: trainBatches(t, trainN), samples: trainN * cfg.BatchSize},
		test:  &fakeSource{batches: []*Batch{imageBatch(t, 24, 20, 10)}, samples: 1},
		ckp:   ckp,
	}
	if h.ckp == nil {
		h.ckp = newFakeCheckpoint()
	}
	tr, err := NewTrainer(cfg, h.train, h.test, h.model, h.loss, h.ckp, WithOptimizer(h.opt))
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	h.trainer = tr
	return h
}

func TestNewTrainerRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Scales = nil
	_, err := NewTrainer(cfg, &fakeSource{}, &fakeSource{}, newFakeModel(t), &scriptedLoss{}, newFakeCheckpoint())
	if err == nil {
		t.Fatal("expected error for empty scale list")
	}
}

func TestErrorLastAndTerminateAcrossEpochs(t *testing.T) {
	h := newHarness(t, testConfig(), []float64{0.5, 0.3, 0.4, 0.2, 0.1, 0.1}, 2, nil)

	if h.trainer.ErrorLast() != initialErrorLast {
		t.Fatalf("expected initial errorLast %v, got %v", initialErrorLast, h.trainer.ErrorLast())
	}

	wantLoss := []float64{0.4, 0.3, 0.1}
	wantDone := []bool{false, false, true}
	for epoch := 0; epoch < 3; epoch++ {
		if err := h.trainer.Train(); err != nil {
			t.Fatalf("epoch %d: Train failed: %v", epoch+1, err)
		}
		if got := h.trainer.ErrorLast(); math.Abs(got-wantLoss[epoch]) > 1e-9 {
			t.Errorf("epoch %d: errorLast = %v, want %v", epoch+1, got, wantLoss[epoch])
		}
		done, err := h.trainer.Terminate()
		if err != nil {
			t.Fatalf("Terminate failed: %v", err)
		}
		if done != wantDone[epoch] {
			t.Errorf("epoch %d: Terminate = %v, want %v", epoch+1, done, wantDone[epoch])
		}
	}

	if h.opt.steps != 6 || h.opt.zeroGrads != 6 {
		t.Errorf("expected 6 steps and zero-grads, got %d and %d", h.opt.steps, h.opt.zeroGrads)
	}
	if h.model.backwardCalls != 6 {
		t.Errorf("expected 6 backward passes, got %d", h.model.backwardCalls)
	}
	if !h.model.training {
		t.Error("model should be in training mode after Train")
	}
	for _, prefix := range []string{"[Epoch 1]\tLearning rate: ", "[Epoch 3]\tLearning rate: "} {
		if !h.ckp.hasLine(prefix) {
			t.Errorf("missing log line %q in %q", prefix, h.ckp.lines)
		}
	}
}

func TestTrainSkipsOutlierBatch(t *testing.T) {
	cfg := testConfig()
	cfg.SkipThreshold = 2
	h := newHarness(t, cfg, []float64{0.5, 0.5, 2.0, 0.4}, 2, nil)

	if err := h.trainer.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if h.opt.steps != 2 {
		t.Fatalf("expected 2 optimizer steps in the first epoch, got %d", h.opt.steps)
	}
	if err := h.trainer.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	// 2.0 >= 2 * 0.5, so the first batch of epoch 2 is skipped.
	if h.opt.steps != 3 {
		t.Errorf("expected 3 optimizer steps, got %d", h.opt.steps)
	}
	// Skipped batches still count towards the epoch loss.
	if got := h.trainer.ErrorLast(); math.Abs(got-1.2) > 1e-9 {
		t.Errorf("expected errorLast 1.2, got %v", got)
	}
}

func TestTrainSkipsBatchAtThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.SkipThreshold = 2
	h := newHarness(t, cfg, []float64{0.5, 0.5, 1.0, 0.25}, 2, nil)

	if err := h.trainer.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if err := h.trainer.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	// 1.0 == 2 * 0.5 is not below the threshold.
	if h.opt.steps != 3 {
		t.Errorf("expected 3 optimizer steps, got %d", h.opt.steps)
	}
}

func TestTrainUsesFirstScaleHead(t *testing.T) {
	cfg := testConfig()
	cfg.Scales = []int{2, 3, 4}
	h := newHarness(t, cfg, []float64{0.5, 0.4, 0.3, 0.2}, 4, nil)

	if err := h.trainer.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if len(h.model.forwardScales) != 4 {
		t.Fatalf("expected 4 forward passes, got %d", len(h.model.forwardScales))
	}
	for i, idx := range h.model.forwardScales {
		if idx != 0 {
			t.Errorf("batch %d: forward used scale index %d, want 0", i+1, idx)
		}
	}
}

func TestTrainProgressLine(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.PrintEvery = 1
	h := newHarness(t, cfg, []float64{0.1, 0.1}, 2, nil)

	if err := h.trainer.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	for _, prefix := range []string{"[2/4]\t[L1: 0.0000]\t", "[4/4]\t[L1: 0.0000]\t"} {
		if !h.ckp.hasLine(prefix) {
			t.Errorf("missing progress line %q in %q", prefix, h.ckp.lines)
		}
	}
}

func TestTrainWithoutBatchesFails(t *testing.T) {
	h := newHarness(t, testConfig(), nil, 0, nil)
	if err := h.trainer.Train(); err == nil {
		t.Fatal("expected error for an empty epoch")
	}
}

func TestEvaluationRowAndCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Scales = []int{2, 4}
	cfg.SaveResults = true
	h := newHarness(t, cfg, []float64{0.5, 0.4}, 1, nil)

	if err := h.trainer.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if err := h.trainer.Test(); err != nil {
		t.Fatalf("Test failed: %v", err)
	}

	log := h.ckp.Log()
	if log.Rows() != 1 || log.Cols() != 2 {
		t.Fatalf("expected a 1x2 result log, got %dx%d", log.Rows(), log.Cols())
	}
	want := -10 * math.Log10(math.Pow(10.0/255, 2))
	for col := 0; col < 2; col++ {
		if got := log.At(0, col); math.Abs(got-want) > 1e-3 {
			t.Errorf("scale %d: PSNR %v, want %v", cfg.Scales[col], got, want)
		}
	}

	if len(h.test.scales) != 2 || h.test.scales[0] != 0 || h.test.scales[1] != 1 {
		t.Errorf("expected scales selected in order, got %v", h.test.scales)
	}
	if len(h.test.reseeds) != 2 || h.test.reseeds[0] != 0 {
		t.Errorf("expected a reseed to 0 per scale, got %v", h.test.reseeds)
	}
	if h.model.evalGradCalls != 0 {
		t.Errorf("%d evaluation forwards ran with gradients enabled", h.model.evalGradCalls)
	}
	if !h.model.gradEnabled {
		t.Error("gradient tracking was not restored after evaluation")
	}
	if h.model.training {
		t.Error("model should be in eval mode after Test")
	}
	if h.ckp.images != 6 {
		t.Errorf("expected 6 saved images, got %d", h.ckp.images)
	}

	if !h.ckp.hasLine("\nEvaluation:") || !h.ckp.hasLine("[Set5 x4]\tPSNR: 28.131 (Best: 28.131 @epoch 1)") {
		t.Errorf("unexpected evaluation log: %q", h.ckp.lines)
	}
	if !h.ckp.hasLine("Total time: ") {
		t.Error("missing total time line")
	}

	if len(h.ckp.saves) != 1 {
		t.Fatalf("expected one checkpoint, got %d", len(h.ckp.saves))
	}
	saved := h.ckp.saves[0]
	if saved.epoch != 1 || !saved.isBest {
		t.Errorf("expected best checkpoint of epoch 1, got epoch %d best %v", saved.epoch, saved.isBest)
	}
	if saved.state.SchedulerStep != 0 || len(saved.state.LossLog) != 1 || len(saved.state.Weights) != 1 {
		t.Errorf("incomplete saved state: %+v", saved.state)
	}
}

func TestEvaluationBestTracking(t *testing.T) {
	h := newHarness(t, testConfig(), []float64{0.5, 0.4}, 1, nil)

	h.trainer.Train()
	if err := h.trainer.Test(); err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	// Lower the PSNR of the second evaluation.
	h.test.batches = []*Batch{imageBatch(t, 24, 20, 30)}
	h.trainer.Train()
	if err := h.trainer.Test(); err != nil {
		t.Fatalf("Test failed: %v", err)
	}

	if len(h.ckp.saves) != 2 {
		t.Fatalf("expected two checkpoints, got %d", len(h.ckp.saves))
	}
	if !h.ckp.saves[0].isBest || h.ckp.saves[1].isBest {
		t.Errorf("expected only epoch 1 to be best, got %v %v", h.ckp.saves[0].isBest, h.ckp.saves[1].isBest)
	}
	if h.ckp.saves[1].epoch != 2 {
		t.Errorf("expected epoch 2, got %d", h.ckp.saves[1].epoch)
	}
	if !h.ckp.hasLine("[Set5 x2]\tPSNR: 18.588 (Best: 28.131 @epoch 1)") {
		t.Errorf("unexpected evaluation log: %q", h.ckp.lines)
	}
}

func TestEvaluationWithoutTestImagesFails(t *testing.T) {
	h := newHarness(t, testConfig(), nil, 1, nil)
	h.test.batches = nil
	if err := h.trainer.Test(); err == nil {
		t.Fatal("expected error for an empty test set")
	}
	if !h.model.gradEnabled {
		t.Error("gradient tracking was not restored after a failed evaluation")
	}
}

func TestEvaluationWithoutGroundTruth(t *testing.T) {
	cfg := testConfig()
	cfg.SaveResults = true
	h := newHarness(t, cfg, nil, 1, nil)
	b := imageBatch(t, 8, 20, 0)
	b.HR = nil
	h.test.batches = []*Batch{b}

	if err := h.trainer.Test(); err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if got := h.ckp.Log().At(0, 0); got != 0 {
		t.Errorf("expected PSNR 0 without ground truth, got %v", got)
	}
	if len(h.model.forwardScales) != 1 {
		t.Errorf("expected one forward pass, got %d", len(h.model.forwardScales))
	}
	if h.ckp.images != 2 {
		t.Errorf("expected SR and LR images only, got %d", h.ckp.images)
	}
}

func TestTerminateInTestOnlyMode(t *testing.T) {
	cfg := testConfig()
	cfg.TestOnly = true
	h := newHarness(t, cfg, nil, 1, nil)

	done, err := h.trainer.Terminate()
	if err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if !done {
		t.Error("test-only run should terminate")
	}
	if h.ckp.Log().Rows() != 1 {
		t.Errorf("expected one evaluation, got %d rows", h.ckp.Log().Rows())
	}
	if len(h.ckp.saves) != 0 {
		t.Error("test-only run should not save checkpoints")
	}
	if h.opt.steps != 0 {
		t.Error("test-only run should not train")
	}
}

func TestResumeContinuesAtNextEpoch(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 5
	cfg.LR = 1
	cfg.LRDecay = 1
	cfg.Gamma = 0.5

	model := newFakeModel(t)
	model.w.Value.Data[0] = 3
	results, err := checkpoints.NewResultLog([][]float64{{30}, {31}})
	if err != nil {
		t.Fatalf("NewResultLog failed: %v", err)
	}
	ckp := newFakeCheckpoint()
	ckp.results = results
	ckp.resumed = &checkpoints.State{
		Weights:   checkpoints.ExtractWeights(model.Parameters()),
		Optimizer: &checkpoints.OptimizerState{Type: "fake", StepCount: 8},
		LossLog:   [][]float64{{0.4}, {0.3}},
	}

	h := newHarness(t, cfg, []float64{0.2}, 1, ckp)

	if h.model.w.Value.Data[0] != 3 {
		t.Errorf("weights not restored: %v", h.model.w.Value.Data)
	}
	if h.opt.loaded == nil || h.opt.steps != 8 {
		t.Errorf("optimizer state not restored")
	}
	if got := h.trainer.Scheduler().LastEpoch(); got != 1 {
		t.Errorf("expected scheduler at epoch index 1, got %d", got)
	}
	if got := h.trainer.ErrorLast(); got != 0.3 {
		t.Errorf("expected errorLast 0.3 from the loss log, got %v", got)
	}

	if err := h.trainer.Train(); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if !h.ckp.hasLine("[Epoch 3]\tLearning rate: 2.50e-01") {
		t.Errorf("expected epoch 3 at lr 0.25, got %q", h.ckp.lines)
	}
	if h.opt.lr != 0.25 {
		t.Errorf("expected optimizer lr 0.25, got %v", h.opt.lr)
	}
	if err := h.trainer.Test(); err != nil {
		t.Fatalf("Test failed: %v", err)
	}
	if h.ckp.Log().Rows() != 3 || h.ckp.saves[0].epoch != 3 {
		t.Errorf("expected the third result row saved as epoch 3")
	}
}

func TestResumeRejectsScaleMismatch(t *testing.T) {
	model := newFakeModel(t)
	results, _ := checkpoints.NewResultLog([][]float64{{30, 29}})
	ckp := newFakeCheckpoint()
	ckp.results = results
	ckp.resumed = &checkpoints.State{
		Weights:   checkpoints.ExtractWeights(model.Parameters()),
		Optimizer: &checkpoints.OptimizerState{Type: "fake"},
	}
	_, err := NewTrainer(testConfig(), &fakeSource{}, &fakeSource{}, model, &scriptedLoss{}, ckp, WithOptimizer(&fakeOptimizer{}))
	if err == nil {
		t.Fatal("expected error when the resumed run has a different number of scales")
	}
}

func TestPrepare(t *testing.T) {
	x, _ := tensor.New([]int{1}, []float32{1.0001})

	h := newHarness(t, testConfig(), nil, 1, nil)
	if out := h.trainer.Prepare(x); out[0] != x {
		t.Error("single precision should pass tensors through")
	}

	cfg := testConfig()
	cfg.Precision = "half"
	h = newHarness(t, cfg, nil, 1, nil)
	out := h.trainer.Prepare(x, x)
	if len(out) != 2 {
		t.Fatalf("expected 2 tensors, got %d", len(out))
	}
	if out[0].DType != tensor.Float16 || out[0].Data[0] != 1 {
		t.Errorf("expected a rounded half tensor, got %v %v", out[0].DType, out[0].Data)
	}
	if x.Data[0] != 1.0001 {
		t.Error("Prepare modified its input")
	}
}
