// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// imgtrain trains an image classifier on a synthetic image classification problem.
//
// The training configuration comes from the defaults, overridden by the YAML file given with -config, and
// then by the -set settings. Distributed runs are configured by the launcher through the environment
// (RANK, WORLD_SIZE, LOCAL_RANK, MASTER_ADDR and MASTER_PORT), see package distributed.
//
// Example:
//
//	imgtrain -set="epochs=20;batch_size=64;precision=O1" -model=mlp -plots
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gomlx/imgtrain/pkg/ml/checkpoints"
	"github.com/gomlx/imgtrain/pkg/ml/data"
	"github.com/gomlx/imgtrain/pkg/ml/datasets"
	"github.com/gomlx/imgtrain/pkg/ml/determinism"
	"github.com/gomlx/imgtrain/pkg/ml/distributed"
	"github.com/gomlx/imgtrain/pkg/ml/models"
	"github.com/gomlx/imgtrain/pkg/ml/precision"
	"github.com/gomlx/imgtrain/pkg/ml/train"
	"github.com/gomlx/imgtrain/pkg/ml/train/metrics"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/gomlx/imgtrain/ui/commandline"
	"github.com/gomlx/imgtrain/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagConfig = flag.String("config", "", "YAML file with the training configuration. "+
		"Values not set in the file keep their defaults, and -set settings are applied on top.")

	// Model.
	flagModel  = flag.String("model", "linear", "Model to train, one of \"linear\" or \"mlp\".")
	flagHidden = flag.Int("hidden", models.DefaultHiddenUnits, "Number of hidden units of the \"mlp\" model.")

	// Synthetic data.
	flagNumTrain   = flag.Int("num_train", 2000, "Number of training examples.")
	flagNumVal     = flag.Int("num_val", 500, "Number of validation examples.")
	flagClasses    = flag.Int("classes", 10, "Number of classes.")
	flagHeight     = flag.Int("height", 8, "Height of the images.")
	flagWidth      = flag.Int("width", 8, "Width of the images.")
	flagChannels   = flag.Int("channels", 1, "Number of channels of the images.")
	flagSeparation = flag.Float64("separation", 1.0, "Standard deviation of the class centers.")
	flagNoise      = flag.Float64("noise", 1.5, "Standard deviation of the examples around their class center.")
	flagDataSeed   = flag.Uint64("data_seed", 7, "Seed of the synthetic problem.")
	flagNormalize  = flag.Bool("normalize", true, "Normalize images with the per-feature mean and stddev of the training data.")

	// Reporting.
	flagProgress         = flag.Bool("progress", true, "Display a progress bar.")
	flagPlots            = flag.Bool("plots", false, "Save metrics points and plots in the output directory.")
	flagCheckpointFormat = flag.String("checkpoint_format", checkpoints.BinGZIP.String(),
		"Encoding of the tensor values in checkpoints: \"gzip\" or \"uncompressed\".")
)

// detectCapability of the host for mixed precision.
var detectCapability = precision.DetectCapability

func main() {
	klog.InitFlags(nil)
	cfg := train.DefaultConfig()
	settings := commandline.CreateSettingsFlag(cfg, "set")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx, cfg, *settings); err != nil {
		klog.Errorf("imgtrain failed: %+v", err)
		cancel()
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func run(ctx context.Context, cfg train.Config, settings string) error {
	if *flagConfig != "" {
		if err := cfg.MergeFile(*flagConfig); err != nil {
			return err
		}
	}
	paramsSet, err := commandline.ParseSettings(&cfg, settings)
	if err != nil {
		return err
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	binFormat, ok := checkpoints.ParseBinFormat(*flagCheckpointFormat)
	if !ok {
		return errkind.Newf(errkind.Configuration, "invalid -checkpoint_format=%q", *flagCheckpointFormat)
	}
	// Mixed precision support is checked before joining the group.
	capability := detectCapability()
	if _, err = precision.New(precision.Level(cfg.Precision), capability); err != nil {
		return err
	}

	dctx, err := distributed.Init(ctx, distributed.Options{Mode: cfg.Distributed, Backend: cfg.Backend})
	if err != nil {
		return err
	}
	defer func() { _ = dctx.Close() }()
	if dctx.IsMain() && len(paramsSet) > 0 {
		fmt.Printf("Settings:\n%s\n", commandline.SprintSettings(cfg, paramsSet...))
	}

	det := determinism.New(cfg.Seed)
	trainSet, valSet, numFeatures, err := createDatasets(det)
	if err != nil {
		return err
	}
	m, err := models.ByName(*flagModel, models.Options{
		NumFeatures: numFeatures, NumClasses: *flagClasses, HiddenUnits: *flagHidden,
	}, det.Rand("model"))
	if err != nil {
		return err
	}
	bundle, err := train.NewBundle(cfg, m)
	if err != nil {
		return err
	}

	deps := train.Deps{
		Determinism: det,
		Dist:        dctx,
		TrainSet:    trainSet,
		ValSet:      valSet,
		Store:       checkpoints.New(dctx, checkpoints.WithBinFormat(binFormat)),
		Capability:  capability,
	}
	if dctx.IsMain() {
		sinks := metrics.MultiSink{metrics.LogSink{}}
		if *flagPlots && !cfg.Evaluate {
			plotSink, err := plots.NewSink(cfg.OutputDir)
			if err != nil {
				return err
			}
			sinks = append(sinks, plotSink)
		}
		deps.Sink = sinks
		defer closeSink(sinks)
	}
	loop, err := train.NewLoop(ctx, cfg, bundle, deps)
	if err != nil {
		return err
	}
	if *flagProgress && !cfg.Evaluate {
		commandline.AttachProgressBar(loop)
	}
	result, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	if dctx.IsMain() {
		commandline.ReportResult(os.Stdout, result)
	}
	return nil
}

// createDatasets creates the train and validation splits of the synthetic problem, normalized if requested.
func createDatasets(det *determinism.Context) (trainSet, valSet data.Dataset, numFeatures int, err error) {
	dsCfg := datasets.SyntheticConfig{
		NumExamples: *flagNumTrain,
		NumClasses:  *flagClasses,
		Height:      *flagHeight,
		Width:       *flagWidth,
		Channels:    *flagChannels,
		Separation:  *flagSeparation,
		Noise:       *flagNoise,
		Seed:        *flagDataSeed,
	}
	synthTrain, err := datasets.Synthetic(dsCfg)
	if err != nil {
		return
	}
	dsCfg.NumExamples = *flagNumVal
	dsCfg.Offset = uint64(*flagNumTrain)
	synthVal, err := datasets.Synthetic(dsCfg)
	if err != nil {
		return
	}
	trainSet, valSet, numFeatures = synthTrain, synthVal, synthTrain.NumFeatures()
	if !*flagNormalize {
		return
	}
	mean, stddev, err := data.Normalization(trainSet)
	if err != nil {
		err = errors.WithMessagef(err, "computing normalization of %q", trainSet.Name())
		return
	}
	normalize := data.Normalize(mean, stddev)
	trainSet = data.Map(trainSet, det, "normalize", normalize)
	valSet = data.Map(valSet, det, "normalize", normalize)
	return
}

func closeSink(sink metrics.Sink) {
	if closer, ok := sink.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			klog.Errorf("closing metrics: %+v", err)
		}
	}
}
