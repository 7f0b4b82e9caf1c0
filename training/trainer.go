package training

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/tsawler/srtrain/checkpoints"
	"github.com/tsawler/srtrain/optimizer"
	"github.com/tsawler/srtrain/tensor"
)

// initialErrorLast stands in for the previous epoch's loss before any
// epoch has finished.
const initialErrorLast = 1e5

// Model is a super-resolution network with one output head per scale.
type Model interface {
	Forward(input *tensor.Tensor, scaleIdx int) (*tensor.Tensor, error)
	Parameters() []*tensor.Parameter
	Train()
	Eval()
	// SetGradEnabled switches gradient tracking and returns the previous setting.
	SetGradEnabled(enabled bool) bool
}

// LossComputer computes the training loss and keeps its per-epoch log.
type LossComputer interface {
	Compute(sr, hr *tensor.Tensor) (*tensor.Tensor, error)
	Step()
	StartLog()
	EndLog(batches int)
	DisplayLoss(batch int) string
	LastEpochLoss() float64
	Log() [][]float64
	LoadLog(rows [][]float64) error
}

// EpochScheduler drives the optimizer's learning rate once per epoch.
type EpochScheduler interface {
	Step()
	LastEpoch() int
	LR() float64
	Replay(n int) error
}

// Checkpointer owns the run log, the PSNR result log and persisted state.
type Checkpointer interface {
	WriteLog(line string, refresh bool)
	AddLog(cols int) error
	Log() *checkpoints.ResultLog
	SaveResults(filename string, images []*tensor.Tensor, idx, scale int) error
	Save(state *checkpoints.State, epoch int, isBest bool) error
	Resumed() *checkpoints.State
	LoadOptimizerState() (*checkpoints.OptimizerState, error)
}

// Option customises a Trainer.
type Option func(*Trainer)

// WithOptimizer replaces the optimizer built from the config.
func WithOptimizer(opt optimizer.Optimizer) Option {
	return func(t *Trainer) { t.optimizer = opt }
}

// WithScheduler replaces the scheduler built from the config.
func WithScheduler(s EpochScheduler) Option {
	return func(t *Trainer) { t.scheduler = s }
}

// Trainer alternates training epochs and evaluations of a super-resolution
// model, checkpointing after every evaluation.
type Trainer struct {
	cfg         Config
	loaderTrain DataSource
	loaderTest  TestSource
	model       Model
	loss        LossComputer
	optimizer   optimizer.Optimizer
	scheduler   EpochScheduler
	ckp         Checkpointer

	errorLast float64
}

// NewTrainer wires the collaborators together. When ckp holds a resumed
// run, the model weights, optimizer state, loss log and scheduler position
// are restored so the next epoch continues where the run stopped.
func NewTrainer(cfg Config, loaderTrain DataSource, loaderTest TestSource, model Model, loss LossComputer, ckp Checkpointer, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	t := &Trainer{
		cfg:         cfg,
		loaderTrain: loaderTrain,
		loaderTest:  loaderTest,
		model:       model,
		loss:        loss,
		ckp:         ckp,
		errorLast:   initialErrorLast,
	}
	for _, opt := range opts {
		opt(t)
	}

	var err error
	if t.optimizer == nil {
		if t.optimizer, err = MakeOptimizer(cfg, model.Parameters()); err != nil {
			return nil, errors.Wrap(err, "create optimizer")
		}
	}
	if t.scheduler == nil {
		if t.scheduler, err = MakeScheduler(cfg, t.optimizer); err != nil {
			return nil, errors.Wrap(err, "create scheduler")
		}
	}

	if !cfg.CPU {
		klog.Warning("no GPU backend is available, running on the CPU")
	}
	klog.Infof("device: %s, precision: %s", describeDevice(), cfg.Precision)
	klog.V(1).Infof("model: %s parameters", formatParameterCount(countParameters(model.Parameters())))

	if state := ckp.Resumed(); state != nil {
		if err := t.resume(state); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Trainer) resume(state *checkpoints.State) error {
	if err := checkpoints.LoadWeights(state.Weights, t.model.Parameters()); err != nil {
		return errors.Wrap(err, "restore model")
	}
	optState, err := t.ckp.LoadOptimizerState()
	if err != nil {
		return errors.Wrap(err, "restore optimizer")
	}
	if err := t.optimizer.LoadState(optState); err != nil {
		return errors.Wrap(err, "restore optimizer")
	}

	results := t.ckp.Log()
	if results.Rows() > 0 && results.Cols() != len(t.cfg.Scales) {
		return errors.Errorf("resumed run evaluated %d scales, config has %d", results.Cols(), len(t.cfg.Scales))
	}
	if err := t.scheduler.Replay(results.Rows()); err != nil {
		return errors.Wrap(err, "replay scheduler")
	}
	if got := t.scheduler.LastEpoch(); got != results.Rows()-1 {
		return errors.Errorf("scheduler replayed to epoch %d, expected %d", got, results.Rows()-1)
	}

	if len(state.LossLog) > 0 {
		if err := t.loss.LoadLog(state.LossLog); err != nil {
			return errors.Wrap(err, "restore loss log")
		}
		t.errorLast = t.loss.LastEpochLoss()
	}
	klog.Infof("resumed after epoch %d, learning rate %.2e", results.Rows(), t.scheduler.LR())
	return nil
}

// ErrorLast returns the mean loss of the last finished epoch.
func (t *Trainer) ErrorLast() float64 {
	return t.errorLast
}

// Optimizer returns the optimizer in use.
func (t *Trainer) Optimizer() optimizer.Optimizer {
	return t.optimizer
}

// Scheduler returns the scheduler in use.
func (t *Trainer) Scheduler() EpochScheduler {
	return t.scheduler
}

// Train runs one epoch over the training data. A batch whose loss exceeds
// SkipThreshold times the previous epoch's loss is logged but not applied.
func (t *Trainer) Train() error {
	t.scheduler.Step()
	t.loss.Step()
	epoch := t.scheduler.LastEpoch() + 1
	lr := t.scheduler.LR()

	t.ckp.WriteLog(fmt.Sprintf("[Epoch %d]\tLearning rate: %.2e", epoch, lr), false)
	t.loss.StartLog()
	t.model.Train()

	timerEpoch := NewTimer()
	timerData, timerModel := NewTimer(), NewTimer()
	t.loaderTrain.Reset()
	batches := 0
	for {
		batch, err := t.loaderTrain.Next()
		if err != nil {
			return errors.Wrapf(err, "epoch %d, batch %d", epoch, batches+1)
		}
		if batch == nil {
			break
		}
		b := batches
		batches++
		if batch.HR == nil {
			return errors.Errorf("epoch %d, batch %d has no ground truth", epoch, b+1)
		}

		prepared := t.Prepare(batch.LR, batch.HR)
		timerData.Hold()
		timerModel.Tic()

		if err := t.trainBatch(prepared[0], prepared[1], b); err != nil {
			return errors.Wrapf(err, "epoch %d, batch %d", epoch, b+1)
		}

		timerModel.Hold()
		if (b+1)%t.cfg.PrintEvery == 0 {
			t.ckp.WriteLog(fmt.Sprintf("[%d/%d]\t%s\t%.1f+%.1fs",
				(b+1)*t.cfg.BatchSize,
				t.loaderTrain.NumSamples(),
				t.loss.DisplayLoss(b),
				timerModel.Release(),
				timerData.Release()), false)
		}
		timerData.Tic()
	}
	if batches == 0 {
		return errors.Errorf("epoch %d: training data produced no batches", epoch)
	}

	t.loss.EndLog(batches)
	t.errorLast = t.loss.LastEpochLoss()
	klog.V(1).Infof("epoch %d finished in %s: %d batches, loss %.4f",
		epoch, formatDuration(time.Duration(timerEpoch.Toc()*float64(time.Second))), batches, t.errorLast)
	return nil
}

func (t *Trainer) trainBatch(lr, hr *tensor.Tensor, b int) error {
	t.optimizer.ZeroGrad()
	sr, err := t.model.Forward(lr, 0)
	if err != nil {
		return errors.Wrap(err, "forward")
	}
	loss, err := t.loss.Compute(sr, hr)
	if err != nil {
		return errors.Wrap(err, "loss")
	}
	value, err := loss.Item()
	if err != nil {
		return err
	}

	if value < t.cfg.SkipThreshold*t.errorLast {
		if err := loss.Backward(); err != nil {
			return errors.Wrap(err, "backward")
		}
		return errors.Wrap(t.optimizer.Step(), "optimizer step")
	}
	klog.Warningf("Skip this batch %d! (Loss: %v)", b+1, value)
	return nil
}

// noGrad disables gradient tracking until the returned function runs.
func noGrad(m Model) func() {
	prev := m.SetGradEnabled(false)
	return func() { m.SetGradEnabled(prev) }
}

// Test evaluates every scale on the test data, appends one PSNR row to the
// result log and, unless running test-only, saves a checkpoint.
func (t *Trainer) Test() error {
	epoch := t.scheduler.LastEpoch() + 1
	t.ckp.WriteLog("\nEvaluation:", false)
	if err := t.ckp.AddLog(len(t.cfg.Scales)); err != nil {
		return errors.Wrap(err, "add result row")
	}
	t.model.Eval()

	timer := NewTimer()
	if err := t.evaluate(); err != nil {
		return errors.Wrapf(err, "evaluate epoch %d", epoch)
	}
	t.ckp.WriteLog(fmt.Sprintf("Total time: %.2fs\n", timer.Toc()), true)

	if t.cfg.TestOnly {
		return nil
	}
	_, bestRows, err := t.ckp.Log().Best()
	if err != nil {
		return err
	}
	state, err := t.snapshot()
	if err != nil {
		return err
	}
	return t.ckp.Save(state, epoch, bestRows[0]+1 == epoch)
}

func (t *Trainer) evaluate() error {
	defer noGrad(t.model)()

	results := t.ckp.Log()
	for idxScale, scale := range t.cfg.Scales {
		t.loaderTest.SetScale(idxScale)
		if r, ok := t.loaderTest.(Reseeder); ok {
			r.Reseed(0)
		}
		t.loaderTest.Reset()

		var psnrs []float64
		for idxImg := 0; ; idxImg++ {
			batch, err := t.loaderTest.Next()
			if err != nil {
				return errors.Wrapf(err, "x%d image %d", scale, idxImg+1)
			}
			if batch == nil {
				if idxImg == 0 {
					return errors.Errorf("x%d: test data has no images", scale)
				}
				break
			}

			var lr, hr *tensor.Tensor
			if batch.HR != nil {
				prepared := t.Prepare(batch.LR, batch.HR)
				lr, hr = prepared[0], prepared[1]
			} else {
				lr = t.Prepare(batch.LR)[0]
			}

			sr, err := t.model.Forward(lr, idxScale)
			if err != nil {
				return errors.Wrapf(err, "x%d image %d", scale, idxImg+1)
			}
			sr = Quantize(sr, t.cfg.RGBRange)

			if hr != nil {
				psnr, err := CalcPSNR(sr, hr, scale, t.cfg.RGBRange, t.loaderTest.Benchmark())
				if err != nil {
					return errors.Wrapf(err, "x%d image %d", scale, idxImg+1)
				}
				psnrs = append(psnrs, psnr)
			}

			if t.cfg.SaveResults {
				images := []*tensor.Tensor{sr, lr}
				if hr != nil {
					images = append(images, hr)
				}
				if err := t.ckp.SaveResults(batch.Filename, images, idxImg+1, scale); err != nil {
					return err
				}
			}
		}

		mean := 0.0
		if len(psnrs) > 0 {
			mean = stat.Mean(psnrs, nil)
		}
		if err := results.SetLast(idxScale, mean); err != nil {
			return err
		}
		best, bestRows, err := results.Best()
		if err != nil {
			return err
		}
		t.ckp.WriteLog(fmt.Sprintf("[%s x%d]\tPSNR: %.3f (Best: %.3f @epoch %d)",
			t.cfg.DataTest, scale, mean, best[idxScale], bestRows[idxScale]+1), false)
	}
	return nil
}

func (t *Trainer) snapshot() (*checkpoints.State, error) {
	optState, err := t.optimizer.GetState()
	if err != nil {
		return nil, errors.Wrap(err, "optimizer state")
	}
	return &checkpoints.State{
		SchedulerStep: t.scheduler.LastEpoch(),
		LearningRate:  t.scheduler.LR(),
		Dataset:       t.cfg.DataTest,
		Scales:        append([]int(nil), t.cfg.Scales...),
		Weights:       checkpoints.ExtractWeights(t.model.Parameters()),
		Optimizer:     optState,
		LossLog:       t.loss.Log(),
	}, nil
}

// Terminate reports whether the run is over. In test-only mode it runs one
// evaluation first and always reports true.
func (t *Trainer) Terminate() (bool, error) {
	if t.cfg.TestOnly {
		if err := t.Test(); err != nil {
			return true, err
		}
		return true, nil
	}
	return t.scheduler.LastEpoch()+1 >= t.cfg.Epochs, nil
}
