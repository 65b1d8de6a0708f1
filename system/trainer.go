// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package system

import (
	gocontext "context"
	"math/rand/v2"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/compiler"
	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/train"
	"github.com/gomlx/puddle/ml/train/metrics"
	"github.com/gomlx/puddle/ml/train/optimizers"
	"github.com/gomlx/puddle/samplers"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamBatchSize is the context parameter with the default batch size of a Trainer.
	ParamBatchSize = "batch_size"

	// DefaultBatchSize used if neither WithBatchSize nor ParamBatchSize are set.
	DefaultBatchSize = 32
)

// Trainer fits the dependent variables of a System to its equations: at each step it draws a batch of
// points from its sampler, and updates the weights of the networks with one step of its optimizer.
//
// It implements train.Trainer, and it's driven by a train.Loop, where progress bars, checkpoints or other
// hooks can be attached.
type Trainer struct {
	sys       *System
	batchSize int
	optimizer optimizers.Interface
	rng       *rand.Rand

	// weighted are the samplers given by WithSamplers or AddSampler, combined in sampler.
	weighted         []samplers.WeightedSampler
	explicitSamplers bool
	sampler          samplers.Sampler

	// training graph, built on the first step.
	training *compiler.CompiledGraph

	loop         *train.Loop
	trainMetrics []metrics.Interface
	started      bool

	// history of batch losses of the current Fit.
	history []float64
}

// TrainerOption for NewTrainer.
type TrainerOption func(t *Trainer)

// WithBatchSize sets the number of points sampled at each training step.
// The default is the context parameter ParamBatchSize, or DefaultBatchSize if not set.
func WithBatchSize(batchSize int) TrainerOption {
	return func(t *Trainer) {
		t.batchSize = batchSize
	}
}

// WithOptimizer sets the optimizer. The default is optimizers.FromContext, with the context of the system.
func WithOptimizer(optimizer optimizers.Interface) TrainerOption {
	return func(t *Trainer) {
		t.optimizer = optimizer
	}
}

// WithSamplers sets the samplers of the batches, combined by a samplers.CompositeSampler.
//
// If not set, the Trainer samples uniformly every independent variable of the system, with equal weights
// for all equations. If set to an empty list, no sampler is configured and training fails until one is
// added with AddSampler.
func WithSamplers(weighted ...samplers.WeightedSampler) TrainerOption {
	return func(t *Trainer) {
		t.weighted = slices.Clone(weighted)
		t.explicitSamplers = true
	}
}

// WithRand sets the random number generator used by the default sampler and by the composition of samplers.
// Samplers given with WithSamplers use their own.
func WithRand(rng *rand.Rand) TrainerOption {
	return func(t *Trainer) {
		t.rng = rng
	}
}

// NewTrainer creates a trainer for the system. The system must have at least one equation.
func NewTrainer(sys *System, opts ...TrainerOption) (*Trainer, error) {
	if sys == nil {
		return nil, errs.Configurationf("system.NewTrainer(): nil system")
	}
	t := &Trainer{
		sys:       sys,
		batchSize: context.GetParamOr(sys.ctx, ParamBatchSize, DefaultBatchSize),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.batchSize <= 0 {
		return nil, errs.Configurationf("system.NewTrainer(): batch size must be positive, got %d", t.batchSize)
	}
	if len(sys.equations) == 0 {
		return nil, errs.Configurationf("system.NewTrainer(): system %s has no equations to train", sys.name)
	}
	if err := t.refreshSampler(); err != nil {
		return nil, err
	}

	t.trainMetrics = []metrics.Interface{
		metrics.NewBatchLoss(),
		metrics.NewMovingAverageLoss(),
		metrics.NewStreamingMedian("Median Batch Loss", "~loss", metrics.LossMetricType, nil),
	}
	t.loop = train.NewLoop(t)
	t.loop.OnStep("system.Trainer.history", 0, func(_ *train.Loop, stepMetrics []*tensors.Tensor) error {
		t.history = append(t.history, stepMetrics[0].Scalar())
		return nil
	})
	return t, nil
}

// System being trained.
func (t *Trainer) System() *System { return t.sys }

// BatchSize is the number of points sampled at each step.
func (t *Trainer) BatchSize() int { return t.batchSize }

// Sampler currently used to draw the batches.
func (t *Trainer) Sampler() samplers.Sampler { return t.sampler }

// Loop driving the training. Use it to attach progress bars, checkpoints, or other hooks.
func (t *Trainer) Loop() *train.Loop { return t.loop }

// Interrupted reports whether the last Fit was stopped by the cancellation of its context.
func (t *Trainer) Interrupted() bool { return t.loop.Interrupted }

// AddSampler adds a sampler to the composition of samplers, with the given relative weight.
//
// If no samplers were configured, the default sampler is replaced: s becomes the only sampler.
func (t *Trainer) AddSampler(s samplers.Sampler, weight float64) error {
	previous, previousExplicit := t.weighted, t.explicitSamplers
	t.weighted = append(slices.Clone(t.weighted), samplers.WeightedSampler{Sampler: s, Weight: weight})
	t.explicitSamplers = true
	if err := t.refreshSampler(); err != nil {
		t.weighted, t.explicitSamplers = previous, previousExplicit
		return err
	}
	return nil
}

// refreshSampler rebuilds the sampler from the configured samplers.
func (t *Trainer) refreshSampler() error {
	var opts []samplers.Option
	if t.rng != nil {
		opts = append(opts, samplers.WithRand(t.rng))
	}
	var (
		sampler samplers.Sampler
		err     error
	)
	switch {
	case !t.explicitSamplers:
		sampler, err = samplers.NewSpaceSampler(t.sys.independents, t.sys.equations, opts...)
	case len(t.weighted) == 0:
		sampler = samplers.Placeholder()
	default:
		sampler, err = samplers.NewCompositeSampler(t.weighted, opts...)
	}
	if err != nil {
		return errors.WithMessagef(err, "configuring the sampler of the trainer of %s", t.sys.name)
	}
	if reg := sampler.Registry(); reg != nil && reg != t.sys.reg {
		return errs.Configurationf("sampler variables were declared in a different registry than the system %s", t.sys.name)
	}
	t.sampler = sampler
	return nil
}

// buildTrainingGraph compiles the system and adds the optimizer updates, the first time it's called.
func (t *Trainer) buildTrainingGraph() error {
	if t.training != nil {
		return nil
	}
	training, err := t.sys.compile()
	if err != nil {
		return err
	}
	ctx := t.sys.ctx
	err = exceptions.TryCatch[error](func() {
		optimizer := t.optimizer
		if optimizer == nil {
			optimizer = optimizers.FromContext(ctx)
		}
		optimizer.UpdateGraph(ctx, training.Graph(), training.BatchMeanLoss())
	})
	if err != nil {
		return errors.WithMessagef(err, "building the training graph of %s", t.sys.name)
	}
	if klog.V(1).Enabled() {
		klog.Infof("system %s: training graph with %s parameters in its context", t.sys.name,
			humanize.Comma(int64(ctx.NumParameters())))
	}
	t.training = training
	return nil
}

// checkSample verifies the sample has values for every independent variable and weights for every
// equation of the system.
func (t *Trainer) checkSample(sample *samplers.Sample) error {
	for _, v := range t.sys.independents {
		if _, found := sample.Values[v.ID()]; !found {
			return errs.MissingSamplef("sampler provided no values for the independent variable %s", v)
		}
	}
	for _, eq := range t.sys.equations {
		if _, found := sample.Weights[eq.ID()]; !found {
			return errs.MissingSamplef("sampler provided no weights for the equation %s", eq)
		}
	}
	return nil
}

// TrainStep draws a batch and runs one step of the optimizer. It returns the batch loss, its moving
// average and its running median.
//
// It implements train.Trainer.
func (t *Trainer) TrainStep() ([]*tensors.Tensor, error) {
	if err := t.buildTrainingGraph(); err != nil {
		return nil, err
	}
	sample, err := t.sampler.Sample(t.batchSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "sampling batch of %d points", t.batchSize)
	}
	if err = t.checkSample(sample); err != nil {
		return nil, err
	}
	params, err := t.training.Feeds(sample.Values, sample.Weights)
	if err != nil {
		return nil, err
	}
	results, err := t.sys.ctx.ExecRun(t.training.Graph(), params, t.training.BatchMeanLoss())
	if err != nil {
		return nil, errors.WithMessagef(err, "training step of %s", t.sys.name)
	}
	loss := results[0].Scalar()
	stepMetrics := make([]*tensors.Tensor, len(t.trainMetrics))
	for ii, metric := range t.trainMetrics {
		stepMetrics[ii] = tensors.FromScalarAndDimensions(metric.Update(loss))
	}
	return stepMetrics, nil
}

// TrainMetrics implements train.Trainer.
func (t *Trainer) TrainMetrics() []metrics.Interface { return t.trainMetrics }

// Fit trains for the given number of steps, and returns the batch loss of each step run.
//
// If runCtx is cancelled, training stops after the current step, and the losses so far are returned with
// no error: use Interrupted to tell it apart. A NaN or infinite loss stops training with an error.
//
// The first Fit continues from the global step of the context, so training restored from a checkpoint
// resumes its count.
func (t *Trainer) Fit(runCtx gocontext.Context, steps int) ([]float64, error) {
	if !t.started {
		t.loop.ReadGlobalStep(t.sys.ctx)
		t.started = true
	}
	t.history = make([]float64, 0, max(steps, 0))
	_, err := t.loop.RunSteps(runCtx, steps)
	losses := t.history
	t.history = nil
	if err != nil {
		return losses, err
	}
	if len(losses) > 0 {
		klog.V(1).Infof("system %s: trained %s steps (now at step %s), last batch loss %g", t.sys.name,
			humanize.Comma(int64(len(losses))), humanize.Comma(int64(t.loop.LoopStep)), losses[len(losses)-1])
	}
	return losses, nil
}

// OnPreBatch registers fn to be called before each training step, with the step number.
func (t *Trainer) OnPreBatch(name string, fn func(step int) error) {
	t.loop.OnBeforeStep(name, 0, func(loop *train.Loop) error {
		return fn(loop.LoopStep)
	})
}

// OnPostBatch registers fn to be called after each training step, with the step number and the batch loss.
func (t *Trainer) OnPostBatch(name string, fn func(step int, loss float64) error) {
	t.loop.OnStep(name, 0, func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
		return fn(loop.LoopStep, stepMetrics[0].Scalar())
	})
}
