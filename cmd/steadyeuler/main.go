// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// steadyeuler fits networks to the steady compressible Euler equations in 2D, for the flow around a vertical
// wall in the middle of the unit square, and plots the resulting fields.
//
//	go run ./cmd/steadyeuler -steps=20000 -plots=~/tmp/steadyeuler -set="learning_rate=0.003"
package main

import (
	gocontext "context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/context/checkpoints"
	"github.com/gomlx/puddle/ml/train"
	"github.com/gomlx/puddle/ml/train/commandline"
	"github.com/gomlx/puddle/ml/train/metrics"
	"github.com/gomlx/puddle/ml/train/optimizers"
	"github.com/gomlx/puddle/system"
	"github.com/gomlx/puddle/ui/plots"
	"github.com/gomlx/puddle/variables"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if -checkpoint is set.")
	flagSettingsFile   = flag.String("settings_file", "", "YAML file with context parameters, applied before -set.")
	flagPlots          = flag.String("plots", "", "Directory where to save the plots of the fields and losses. If empty, nothing is plotted.")
	flagProgressBar    = flag.Bool("progress", true, "Display a progress bar while training.")
)

const (
	paramNumSteps    = "train_steps"
	paramHiddenUnits = "hidden_units"
	paramSeed        = "seed"
	paramResolution  = "plot_resolution"
)

// createDefaultContext with the hyperparameters that can be set from the command line.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParam(optimizers.ParamOptimizer, "adam")
	ctx.SetParam(optimizers.ParamLearningRate, 0.001)
	ctx.SetParam(system.ParamBatchSize, 256)
	ctx.SetParam(paramNumSteps, 10_000)
	ctx.SetParam(paramHiddenUnits, 10)
	ctx.SetParam(paramSeed, 0)
	ctx.SetParam(paramResolution, 100)
	return ctx
}

// config of a run, taken from the flags.
type config struct {
	checkpointDir  string
	checkpointKeep int
	plotsDir       string
	progressBar    bool
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagSettingsFile != "" {
		must.M(commandline.LoadContextSettingsFile(ctx, *flagSettingsFile))
	}
	must.M(commandline.ParseContextSettings(ctx, *settings))
	fmt.Println(commandline.SprintContextSettings(ctx))

	runCtx, stop := signal.NotifyContext(gocontext.Background(), os.Interrupt)
	defer stop()
	err := run(runCtx, ctx, config{
		checkpointDir:  *flagCheckpoint,
		checkpointKeep: *flagCheckpointKeep,
		plotsDir:       *flagPlots,
		progressBar:    *flagProgressBar,
	})
	if err != nil {
		klog.Fatalf("steadyeuler failed: %+v", err)
	}
}

// run trains the flow with the hyperparameters in ctx, and plots the results.
func run(runCtx gocontext.Context, ctx *context.Context, cfg config) error {
	seed := uint64(context.GetParamOr(ctx, paramSeed, 0))
	if seed == 0 {
		seed = rand.Uint64()
	}
	ctx.SetRandomSeed(seed)
	rng := rand.New(rand.NewPCG(seed, seed+1))

	f := newFlow(context.GetParamOr(ctx, paramHiddenUnits, 10))
	weighted, err := f.samplers(rng)
	if err != nil {
		return err
	}

	// Checkpoints are loaded before the networks are created.
	var checkpoint *checkpoints.Handler
	if cfg.checkpointDir != "" {
		checkpoint, err = checkpoints.Build(ctx).Dir(cfg.checkpointDir).Keep(cfg.checkpointKeep).Done()
		if err != nil {
			return err
		}
	}

	sys, err := system.New(f.reg, system.WithContext(ctx))
	if err != nil {
		return err
	}
	trainer, err := system.NewTrainer(sys, system.WithRand(rng), system.WithSamplers(weighted...))
	if err != nil {
		return err
	}
	loop := trainer.Loop()
	if cfg.progressBar {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		train.PeriodicCallback(loop, time.Minute, true, "checkpointing", 100, checkpoint.OnStepFn)
	}
	recorder := plots.AttachRecorder(loop, 100)

	steps := context.GetParamOr(ctx, paramNumSteps, 10_000)
	losses, err := trainer.Fit(runCtx, steps)
	if err != nil {
		return err
	}
	if trainer.Interrupted() {
		klog.Warningf("training interrupted after %s of %s steps", humanize.Comma(int64(len(losses))),
			humanize.Comma(int64(steps)))
	}
	if len(losses) > 0 {
		klog.Infof("final batch loss: %g", losses[len(losses)-1])
	}
	if cfg.plotsDir == "" {
		return nil
	}
	return plotFlow(sys, f, recorder.Points(), cfg.plotsDir, context.GetParamOr(ctx, paramResolution, 100))
}

// plotFlow saves heat maps of the fields, and the loss curves, to dir.
func plotFlow(sys *system.System, f *flow, points plots.Points, dir string, resolution int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create plots directory %q", dir)
	}
	for _, field := range []*variables.Variable{f.u, f.v, f.rho, f.p} {
		fn, err := sys.Export(field)
		if err != nil {
			return err
		}
		p, err := plots.HeatMap(fn, 0, [2]float64{lower, upper}, [2]float64{lower, upper}, [2]int{resolution, resolution})
		if err != nil {
			return err
		}
		if err = plots.Save(p, filepath.Join(dir, field.Name()+".png")); err != nil {
			return err
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := plots.SavePoints(filepath.Join(dir, plots.TrainingPointsFileName), points); err != nil {
		return err
	}
	p, err := plots.LossCurves(points, metrics.LossMetricType)
	if err != nil {
		return err
	}
	return plots.Save(p, filepath.Join(dir, "losses.png"))
}
