// Command classifier trains a head network on top of a pretrained feature extractor, or uses
// a saved checkpoint to classify a single image.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LILIBIUALREADY/computer-visual/classifier"
	"github.com/LILIBIUALREADY/computer-visual/nnet"
	"k8s.io/klog/v2"
)

func bindFlags(fs *flag.FlagSet, c *nnet.Config) {
	fs.IntVar(&c.TrainBatch, "batch-size", c.TrainBatch, "input batch size for training and validation")
	fs.IntVar(&c.TestBatch, "test-batch-size", c.TestBatch, "batch size for feature extraction")
	fs.IntVar(&c.MaxEpoch, "epoch", c.MaxEpoch, "number of epochs to train")
	fs.Float64Var(&c.Eta, "lr", c.Eta, "learning rate")
	fs.Float64Var(&c.Momentum, "momentum", c.Momentum, "SGD momentum")
	fs.Float64Var(&c.WeightDecay, "weight-decay", c.WeightDecay, "L2 weight decay")
	fs.StringVar(&c.Optimizer, "optimizer", c.Optimizer, "sgd, adadelta or adam: default depends on the phase")
	fs.Int64Var(&c.RandSeed, "seed", c.RandSeed, "random seed, <= 0 for time based")
	fs.IntVar(&c.LogEvery, "log-interval", c.LogEvery, "batches to wait before logging training status")
	fs.BoolVar(&c.SaveModel, "save-model", c.SaveModel, "save a checkpoint after each epoch, on by default: use -save-model=false to disable")
	fs.StringVar(&c.SaveDir, "save-directory", c.SaveDir, "checkpoint directory")
	fs.StringVar(&c.SavePrefix, "model-save-prefix", c.SavePrefix, "checkpoint name prefix, generated if empty")
	fs.StringVar(&c.Phase, "phase", c.Phase, "train, finetune or predict")
	fs.StringVar(&c.Model, "model", c.Model, "checkpoint to load")
	fs.StringVar(&c.Input, "input", c.Input, "image file to classify in predict phase")
	fs.IntVar(&c.Device, "gpu-no", c.Device, "compute device number")
	fs.StringVar(&c.DataDir, "data", c.DataDir, "image directory with train and optional valid subdirectories")
	fs.StringVar(&c.FeatureModel, "features", c.FeatureModel, "ONNX file with the pretrained feature extractor")
	fs.IntVar(&c.ImageSize, "image-size", c.ImageSize, "input images are scaled to this size")
	fs.IntVar(&c.Classes, "classes", c.Classes, "number of output classes")
	fs.Float64Var(&c.ValidSplit, "valid-split", c.ValidSplit, "fraction of training images used for validation if there is no valid directory")
	fs.IntVar(&c.MaxSamples, "max-samples", c.MaxSamples, "limit number of training samples per epoch")
	fs.IntVar(&c.StopAfter, "stop-after", c.StopAfter, "stop if the validation loss has not improved for this many epochs")
	fs.BoolVar(&c.CacheFeatures, "cache", c.CacheFeatures, "save extracted features in the data directory")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "directory for loss plots")
	fs.IntVar(&c.Threads, "threads", c.Threads, "number of worker threads, 0 for all cores")
	fs.BoolVar(&c.Profile, "profile", c.Profile, "print profiling info")
	fs.StringVar(&c.Monitor, "http", c.Monitor, "serve training progress on this address")
	fs.StringVar(&c.MonitorAuth, "http-auth", c.MonitorAuth, "user:pass for basic auth on the http monitor")
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()
	conf := nnet.DefaultConfig()
	bindFlags(flag.CommandLine, &conf)
	configFile := flag.String("config", "", "JSON config file, flags given on the command line take precedence")
	saveConfig := flag.String("save-config", "", "write the config to this file and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [opts]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configFile != "" {
		loaded, err := nnet.LoadConfig(*configFile)
		checkErr(err)
		conf, err = mergeConfig(flag.CommandLine, loaded)
		checkErr(err)
	}
	if *saveConfig != "" {
		checkErr(conf.Save(*saveConfig))
		klog.Infof("config saved to %s", *saveConfig)
		return
	}
	klog.V(1).Info(conf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, err := classifier.Run(ctx, conf)
	if err == context.Canceled {
		klog.Warning("interrupted")
		return
	}
	checkErr(err)
}

// flags explicitly set on the command line override the loaded values
func mergeConfig(set *flag.FlagSet, loaded nnet.Config) (nnet.Config, error) {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	bindFlags(fs, &loaded)
	var err error
	set.Visit(func(f *flag.Flag) {
		if err == nil && fs.Lookup(f.Name) != nil {
			err = fs.Set(f.Name, f.Value.String())
		}
	})
	return loaded, err
}

func checkErr(err error) {
	if err != nil {
		klog.Fatalf("%+v", err)
	}
}
