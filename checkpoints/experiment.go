package checkpoints

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/srtrain/tensor"
)

const (
	latestName  = "latest"
	bestName    = "model_best"
	logFileName = "log.txt"
	ledgerName  = "ledger.db"
)

// Options configures an experiment directory.
type Options struct {
	Root       string // parent of every experiment directory
	Save       string // name of a new experiment; empty picks a timestamp
	Load       string // name of an experiment to continue; empty starts fresh
	Reset      bool   // wipe the experiment directory first
	SaveModels bool   // keep a model file for every epoch
	RGBRange   float64
	Format     CheckpointFormat
	Ledger     bool
	Config     interface{} // recorded in config.txt
	Stdout     io.Writer
}

// Checkpoint owns an experiment directory: the run log, the PSNR result log,
// saved result images and persisted training state.
//
//	<root>/<name>/
//	  log.txt  config.txt  ledger.db
//	  model/latest.pb  model/model_best.pb  model/model_<epoch>.pb
//	  results/<file>_x<scale>_{SR,LR,HR}.png
type Checkpoint struct {
	opts    Options
	dir     string
	saver   *Saver
	log     *ResultLog
	resumed *State
	runID   string
	ledger  *Ledger

	logFile *os.File
	logBuf  *bufio.Writer
	stdout  io.Writer
}

// New prepares the experiment directory. When opts.Load names an existing
// experiment with saved state, that state is loaded and the run continues.
func New(opts Options) (*Checkpoint, error) {
	if opts.Root == "" {
		opts.Root = "experiment"
	}
	if opts.RGBRange <= 0 {
		opts.RGBRange = 255
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	ckp := &Checkpoint{
		opts:   opts,
		saver:  NewSaver(opts.Format),
		log:    &ResultLog{},
		stdout: opts.Stdout,
	}

	name := opts.Save
	if opts.Load != "" {
		name = opts.Load
	}
	if name == "" {
		name = time.Now().Format("2006-01-02-15:04:05")
	}
	ckp.dir = filepath.Join(opts.Root, name)

	if opts.Reset {
		if err := os.RemoveAll(ckp.dir); err != nil {
			return nil, errors.Wrapf(err, "reset %s", ckp.dir)
		}
	}

	if opts.Load != "" && !opts.Reset {
		state, err := ckp.saver.Load(ckp.modelPath(latestName))
		switch {
		case err == nil:
			rl, err := NewResultLog(state.ResultLog)
			if err != nil {
				return nil, errors.Wrap(err, "resumed result log")
			}
			ckp.log = rl
			ckp.resumed = state
			ckp.runID = state.RunID
		case os.IsNotExist(errors.Cause(err)):
			klog.Warningf("no saved state in %s, starting a fresh run", ckp.dir)
		default:
			return nil, err
		}
	}
	if ckp.runID == "" {
		ckp.runID = uuid.NewString()
	}

	for _, d := range []string{ckp.dir, filepath.Join(ckp.dir, "model"), filepath.Join(ckp.dir, "results")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, errors.Wrapf(err, "create %s", d)
		}
	}

	if err := ckp.openLog(); err != nil {
		return nil, err
	}
	if err := ckp.writeConfig(); err != nil {
		ckp.Close()
		return nil, err
	}

	if opts.Ledger {
		cfg, _ := json.Marshal(opts.Config)
		ledger, err := OpenLedger(filepath.Join(ckp.dir, ledgerName), ckp.runID, string(cfg))
		if err != nil {
			ckp.Close()
			return nil, err
		}
		ckp.ledger = ledger
	}

	if ckp.resumed != nil {
		klog.Infof("Continue from epoch %d (run %s)", ckp.log.Rows(), ckp.runID)
		if ckp.ledger != nil {
			if n, err := ckp.ledger.Epochs(); err != nil {
				klog.Warningf("ledger: %v", err)
			} else if n != ckp.log.Rows() {
				klog.Warningf("ledger records %d epochs, result log has %d", n, ckp.log.Rows())
			}
		}
	}
	return ckp, nil
}

func (c *Checkpoint) openLog() error {
	f, err := os.OpenFile(filepath.Join(c.dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "open run log")
	}
	c.logFile = f
	c.logBuf = bufio.NewWriter(f)
	return nil
}

func (c *Checkpoint) writeConfig() error {
	f, err := os.OpenFile(filepath.Join(c.dir, "config.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "open config.txt")
	}
	defer f.Close()

	fmt.Fprintln(f, time.Now().Format("2006-01-02-15:04:05"))
	fmt.Fprintf(f, "run_id: %s\n", c.runID)
	if c.opts.Config != nil {
		data, err := json.MarshalIndent(c.opts.Config, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode config")
		}
		f.Write(data)
		fmt.Fprintln(f)
	}
	_, err = fmt.Fprintln(f)
	return errors.Wrap(err, "write config.txt")
}

// Dir returns the experiment directory.
func (c *Checkpoint) Dir() string {
	return c.dir
}

// RunID identifies the run across resumes.
func (c *Checkpoint) RunID() string {
	return c.runID
}

// Resumed returns the state loaded at start-up, or nil for a fresh run.
func (c *Checkpoint) Resumed() *State {
	return c.resumed
}

// Ledger returns the run ledger, or nil when disabled.
func (c *Checkpoint) Ledger() *Ledger {
	return c.ledger
}

// WriteLog prints line and appends it to log.txt. refresh flushes the file.
func (c *Checkpoint) WriteLog(line string, refresh bool) {
	fmt.Fprintln(c.stdout, line)
	if c.logBuf == nil {
		return
	}
	if _, err := fmt.Fprintln(c.logBuf, line); err != nil {
		klog.Warningf("failed to write run log: %v", err)
		return
	}
	if refresh {
		if err := c.logBuf.Flush(); err != nil {
			klog.Warningf("failed to flush run log: %v", err)
		}
	}
}

// AddLog appends an all-zero evaluation row with cols columns.
func (c *Checkpoint) AddLog(cols int) error {
	return c.log.AddRow(cols)
}

// Log returns the PSNR result log.
func (c *Checkpoint) Log() *ResultLog {
	return c.log
}

// SaveResults writes [SR, LR, HR] images of an evaluation sample. When the
// sample has no filename the image index is used instead.
func (c *Checkpoint) SaveResults(filename string, images []*tensor.Tensor, idx, scale int) error {
	if filename == "" {
		filename = fmt.Sprintf("%04d", idx)
	}
	base := filepath.Join(c.dir, "results", fmt.Sprintf("%s_x%d_", filename, scale))
	postfix := []string{"SR", "LR", "HR"}
	for i, img := range images {
		if i >= len(postfix) {
			break
		}
		if err := WritePNG(base+postfix[i]+".png", img, c.opts.RGBRange); err != nil {
			return errors.Wrapf(err, "save %s result for %s", postfix[i], filename)
		}
	}
	return nil
}

// Save persists the full training state as the latest checkpoint, copies
// the weights to the best model when isBest, and keeps a per-epoch model
// when SaveModels is set.
func (c *Checkpoint) Save(state *State, epoch int, isBest bool) error {
	state.RunID = c.runID
	state.Epoch = epoch
	state.ResultLog = c.log.Data()
	state.Metadata = Metadata{
		Version:   "1.0.0",
		Framework: "srtrain",
		CreatedAt: time.Now(),
		Tags:      []string{fmt.Sprintf("epoch_%d", epoch)},
	}

	if err := c.saver.Save(state, c.modelPath(latestName)); err != nil {
		return errors.Wrapf(err, "save epoch %d", epoch)
	}

	weightsOnly := &State{
		RunID:    c.runID,
		Epoch:    epoch,
		Scales:   state.Scales,
		Weights:  state.Weights,
		Metadata: state.Metadata,
	}
	if isBest {
		weightsOnly.Metadata.Description = "best model"
		if err := c.saver.Save(weightsOnly, c.modelPath(bestName)); err != nil {
			return errors.Wrap(err, "save best model")
		}
	}
	if c.opts.SaveModels {
		if err := c.saver.Save(weightsOnly, c.modelPath(fmt.Sprintf("model_%d", epoch))); err != nil {
			return errors.Wrapf(err, "save model of epoch %d", epoch)
		}
	}

	if c.ledger != nil {
		c.record(state, epoch, isBest)
	}
	return nil
}

func (c *Checkpoint) record(state *State, epoch int, isBest bool) {
	if n := len(state.LossLog); n > 0 && len(state.LossLog[n-1]) > 0 {
		last := state.LossLog[n-1]
		if err := c.ledger.RecordEpoch(epoch, state.LearningRate, last[len(last)-1]); err != nil {
			klog.Warningf("ledger: %v", err)
		}
	}
	row := c.log.Last()
	for i, psnr := range row {
		if i >= len(state.Scales) {
			break
		}
		if err := c.ledger.RecordPSNR(epoch, state.Dataset, state.Scales[i], psnr, isBest && i == 0); err != nil {
			klog.Warningf("ledger: %v", err)
		}
	}
}

// LoadOptimizerState returns the optimizer state of the resumed run.
func (c *Checkpoint) LoadOptimizerState() (*OptimizerState, error) {
	if c.resumed == nil {
		return nil, errors.New("no resumed state")
	}
	if c.resumed.Optimizer == nil {
		return nil, errors.Errorf("checkpoint in %s has no optimizer state", c.dir)
	}
	return c.resumed.Optimizer, nil
}

// LoadModel restores params from the resumed state, or from the model file
// at path when path is not empty.
func (c *Checkpoint) LoadModel(params []*tensor.Parameter, path string) error {
	if path != "" {
		state, err := c.saver.Load(path)
		if err != nil {
			return err
		}
		return errors.Wrapf(LoadWeights(state.Weights, params), "load model %s", path)
	}
	if c.resumed == nil {
		return errors.New("no resumed state")
	}
	return errors.Wrap(LoadWeights(c.resumed.Weights, params), "load resumed model")
}

// Close flushes the run log and closes the ledger.
func (c *Checkpoint) Close() error {
	var firstErr error
	if c.logBuf != nil {
		if err := c.logBuf.Flush(); err != nil {
			firstErr = err
		}
	}
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.logFile, c.logBuf = nil, nil
	}
	if c.ledger != nil {
		if err := c.ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.ledger = nil
	}
	return firstErr
}

func (c *Checkpoint) modelPath(name string) string {
	return filepath.Join(c.dir, "model", name+"."+c.saver.Format().Extension())
}
