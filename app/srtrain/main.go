// Command srtrain trains and evaluates a multi-scale super-resolution model.
package main

import (
	"flag"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/srtrain/async"
	"github.com/tsawler/srtrain/checkpoints"
	"github.com/tsawler/srtrain/layers"
	"github.com/tsawler/srtrain/training"
	"github.com/tsawler/srtrain/vision/dataset"
)

func parseFlags() (training.Config, string, error) {
	cfg := training.DefaultConfig()
	scales := flag.String("scale", "4", "super resolution scales, e.g. 2+3+4")
	flag.StringVar(&cfg.DirData, "dir_data", cfg.DirData, "dataset directory")
	flag.StringVar(&cfg.DataTrain, "data_train", cfg.DataTrain, "training dataset name")
	flag.StringVar(&cfg.DataTest, "data_test", cfg.DataTest, "test dataset name")
	flag.IntVar(&cfg.PatchSize, "patch_size", cfg.PatchSize, "HR patch size")
	flag.Float64Var(&cfg.RGBRange, "rgb_range", cfg.RGBRange, "maximum pixel value")
	flag.IntVar(&cfg.NColors, "n_colors", cfg.NColors, "number of colour channels")
	flag.Float64Var(&cfg.Noise, "noise", cfg.Noise, "Gaussian noise sigma added to LR inputs")

	flag.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "input batch size for training")
	flag.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of epochs to train")
	flag.Float64Var(&cfg.LR, "lr", cfg.LR, "learning rate")
	flag.IntVar(&cfg.LRDecay, "lr_decay", cfg.LRDecay, "learning rate decay per N epochs")
	flag.StringVar(&cfg.DecayType, "decay_type", cfg.DecayType, "learning rate decay type")
	flag.Float64Var(&cfg.Gamma, "gamma", cfg.Gamma, "learning rate decay factor")
	flag.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "optimizer (SGD | ADAM | RMSprop)")
	flag.Float64Var(&cfg.Momentum, "momentum", cfg.Momentum, "SGD momentum")
	flag.Float64Var(&cfg.Beta1, "beta1", cfg.Beta1, "ADAM beta1")
	flag.Float64Var(&cfg.Beta2, "beta2", cfg.Beta2, "ADAM beta2")
	flag.Float64Var(&cfg.Epsilon, "epsilon", cfg.Epsilon, "ADAM epsilon for numerical stability")
	flag.Float64Var(&cfg.WeightDecay, "weight_decay", cfg.WeightDecay, "weight decay")
	flag.StringVar(&cfg.Loss, "loss", cfg.Loss, "loss function configuration")
	flag.Float64Var(&cfg.SkipThreshold, "skip_threshold", cfg.SkipThreshold, "skip batches with large errors")

	flag.BoolVar(&cfg.CPU, "cpu", cfg.CPU, "use the CPU only")
	flag.StringVar(&cfg.Precision, "precision", cfg.Precision, "floating point precision (single | half)")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	flag.IntVar(&cfg.PrintEvery, "print_every", cfg.PrintEvery, "batches between training status logs")
	flag.BoolVar(&cfg.TestOnly, "test_only", cfg.TestOnly, "evaluate without training")

	flag.StringVar(&cfg.Save, "save", cfg.Save, "experiment name to save")
	flag.StringVar(&cfg.Load, "load", cfg.Load, "experiment name to continue")
	flag.BoolVar(&cfg.Reset, "reset", cfg.Reset, "reset the experiment directory")
	flag.BoolVar(&cfg.SaveResults, "save_results", cfg.SaveResults, "save output images")
	flag.BoolVar(&cfg.SaveModels, "save_models", cfg.SaveModels, "save the model of every epoch")
	flag.StringVar(&cfg.CheckpointFormat, "checkpoint_format", cfg.CheckpointFormat, "checkpoint encoding (proto | json)")
	flag.BoolVar(&cfg.Ledger, "ledger", cfg.Ledger, "record runs in a SQLite ledger")
	preTrain := flag.String("pre_train", "", "model file to initialise the weights from")
	flag.Parse()

	var err error
	if cfg.Scales, err = training.ParseScales(*scales); err != nil {
		return cfg, "", err
	}
	return cfg, *preTrain, cfg.Validate()
}

func loaders(cfg training.Config) (*training.DataLoader, *training.DataLoader, error) {
	testOpts := dataset.Options{
		Root:      filepath.Join(cfg.DirData, cfg.DataTest),
		Scales:    cfg.Scales,
		RGBRange:  cfg.RGBRange,
		NColors:   cfg.NColors,
		Noise:     cfg.Noise,
		Seed:      cfg.Seed,
		CacheSize: 256,
	}
	switch {
	case dataset.IsBenchmark(cfg.DataTest):
		testOpts.Root = filepath.Join(cfg.DirData, "benchmark", cfg.DataTest)
		testOpts.Benchmark = true
	case cfg.DataTest == "Demo":
		testOpts.LROnly = true
	}
	testSet, err := dataset.NewSRFolder(testOpts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "test data")
	}
	loaderTest := training.NewDataLoader(testSet, 1, false, cfg.Seed)
	if cfg.TestOnly {
		return nil, loaderTest, nil
	}

	trainSet, err := dataset.NewSRFolder(dataset.Options{
		Root:      filepath.Join(cfg.DirData, cfg.DataTrain),
		Scales:    cfg.Scales,
		Train:     true,
		PatchSize: cfg.PatchSize,
		RGBRange:  cfg.RGBRange,
		NColors:   cfg.NColors,
		Noise:     cfg.Noise,
		Augment:   true,
		Seed:      cfg.Seed,
		CacheSize: 1024,
		Workers:   4,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "training data")
	}
	loaderTrain := training.NewDataLoader(trainSet, cfg.BatchSize, true, cfg.Seed)
	loaderTrain.SetScale(0)
	return loaderTrain, loaderTest, nil
}

func run(cfg training.Config, preTrain string) error {
	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return err
	}
	ckp, err := checkpoints.New(checkpoints.Options{
		Save:       cfg.Save,
		Load:       cfg.Load,
		Reset:      cfg.Reset,
		SaveModels: cfg.SaveModels,
		RGBRange:   cfg.RGBRange,
		Format:     format,
		Ledger:     cfg.Ledger,
		Config:     cfg,
	})
	if err != nil {
		return err
	}
	defer ckp.Close()

	loaderTrain, loaderTest, err := loaders(cfg)
	if err != nil {
		return err
	}

	model, err := layers.NewUpsampler(cfg.Scales, cfg.NColors)
	if err != nil {
		return err
	}
	ckp.WriteLog(model.String(), false)
	if preTrain != "" && ckp.Resumed() == nil {
		if err := ckp.LoadModel(model.Parameters(), preTrain); err != nil {
			return err
		}
		klog.Infof("loaded pre-trained model %s", preTrain)
	}

	loss, err := training.NewLoss(cfg.Loss)
	if err != nil {
		return err
	}

	var train training.DataSource
	var prefetch *async.AsyncDataLoader
	if loaderTrain != nil {
		if prefetch, err = async.NewAsyncDataLoader(loaderTrain, async.AsyncDataLoaderConfig{PrefetchDepth: 4}); err != nil {
			return err
		}
		defer prefetch.Stop()
		train = prefetch
	}
	trainer, err := training.NewTrainer(cfg, train, loaderTest, model, loss, ckp)
	if err != nil {
		return err
	}

	for {
		done, err := trainer.Terminate()
		if err != nil {
			return err
		}
		if done {
			break
		}
		if err := trainer.Train(); err != nil {
			return err
		}
		if err := trainer.Test(); err != nil {
			return err
		}
	}

	if prefetch != nil {
		klog.V(1).Infof("prefetched %d training batches", prefetch.Stats().BatchesProduced)
	}
	if ledger := ckp.Ledger(); ledger != nil && !cfg.TestOnly {
		psnr, epoch, err := ledger.BestPSNR(cfg.Scales[0])
		if err == nil {
			klog.Infof("run %s: best x%d PSNR %.3f at epoch %d", ckp.RunID(), cfg.Scales[0], psnr, epoch)
		}
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	cfg, preTrain, err := parseFlags()
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	if err := run(cfg, preTrain); err != nil {
		klog.Fatalf("%+v", err)
	}
}
