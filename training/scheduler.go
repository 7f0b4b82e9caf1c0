package training

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler defines a learning rate policy. Policies are pure functions of
// the epoch so that a resumed run can recompute any past rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the given zero-based epoch
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// MultiStepLRScheduler multiplies the rate by Gamma at every milestone epoch.
type MultiStepLRScheduler struct {
	Milestones []int // sorted
	Gamma      float64
}

// NewMultiStepLRScheduler creates a milestone scheduler
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	ms := append([]int(nil), milestones...)
	sort.Ints(ms)
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &MultiStepLRScheduler{Milestones: ms, Gamma: gamma}
}

func (s *MultiStepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	passed := sort.SearchInts(s.Milestones, epoch+1)
	return baseLR * math.Pow(s.Gamma, float64(passed))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// decaySpec is a parsed --decay_type value.
type decaySpec struct {
	kind       string
	milestones []int
}

func parseDecayType(s string) (decaySpec, error) {
	switch s {
	case "step", "exp", "cosine", "const":
		return decaySpec{kind: s}, nil
	}
	if strings.HasPrefix(s, "step_") {
		var ms []int
		for _, part := range strings.Split(s, "_")[1:] {
			m, err := strconv.Atoi(part)
			if err != nil || m <= 0 {
				return decaySpec{}, errors.Errorf("invalid milestone %q in decay type %q", part, s)
			}
			ms = append(ms, m)
		}
		return decaySpec{kind: "multistep", milestones: ms}, nil
	}
	return decaySpec{}, errors.Errorf("unknown decay type %q", s)
}

// LRSetter is the part of an optimizer a Scheduler drives.
type LRSetter interface {
	SetLR(lr float64)
}

// Scheduler applies an LRScheduler policy to an optimizer one epoch at a
// time. Its counter starts at -1 so the first Step selects epoch 0.
type Scheduler struct {
	policy    LRScheduler
	opt       LRSetter
	baseLR    float64
	lastEpoch int
}

// NewScheduler binds policy to opt and sets the base learning rate.
func NewScheduler(policy LRScheduler, opt LRSetter, baseLR float64) *Scheduler {
	opt.SetLR(baseLR)
	return &Scheduler{policy: policy, opt: opt, baseLR: baseLR, lastEpoch: -1}
}

// MakeScheduler builds the scheduler selected by cfg.DecayType.
func MakeScheduler(cfg Config, opt LRSetter) (*Scheduler, error) {
	spec, err := parseDecayType(cfg.DecayType)
	if err != nil {
		return nil, err
	}
	var policy LRScheduler
	switch spec.kind {
	case "step":
		policy = NewStepLRScheduler(cfg.LRDecay, cfg.Gamma)
	case "multistep":
		policy = NewMultiStepLRScheduler(spec.milestones, cfg.Gamma)
	case "exp":
		policy = NewExponentialLRScheduler(cfg.Gamma)
	case "cosine":
		policy = NewCosineAnnealingLRScheduler(cfg.Epochs, 0)
	default:
		policy = &NoOpScheduler{}
	}
	return NewScheduler(policy, opt, cfg.LR), nil
}

// Step advances to the next epoch and updates the optimizer's rate.
func (s *Scheduler) Step() {
	s.lastEpoch++
	s.opt.SetLR(s.LR())
}

// LastEpoch returns the zero-based epoch selected by the last Step, or -1.
func (s *Scheduler) LastEpoch() int {
	return s.lastEpoch
}

// LR returns the learning rate of the current epoch.
func (s *Scheduler) LR() float64 {
	epoch := s.lastEpoch
	if epoch < 0 {
		epoch = 0
	}
	return s.policy.GetLR(epoch, 0, s.baseLR)
}

// Replay fast-forwards a fresh scheduler by n steps.
func (s *Scheduler) Replay(n int) error {
	if n < 0 {
		return errors.Errorf("cannot replay %d scheduler steps", n)
	}
	if s.lastEpoch != -1 {
		return errors.Errorf("scheduler already at epoch %d", s.lastEpoch)
	}
	for i := 0; i < n; i++ {
		s.Step()
	}
	return nil
}

// Name returns the policy name.
func (s *Scheduler) Name() string {
	return s.policy.GetName()
}
