// Package classifier trains a small head network on the feature maps from a frozen pretrained
// extractor, and uses the trained head to classify single images.
package classifier

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/LILIBIUALREADY/computer-visual/features"
	"github.com/LILIBIUALREADY/computer-visual/img"
	"github.com/LILIBIUALREADY/computer-visual/nnet"
	"github.com/LILIBIUALREADY/computer-visual/num"
	"github.com/LILIBIUALREADY/computer-visual/stats"
	"github.com/LILIBIUALREADY/computer-visual/web"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Result of a run: the per epoch stats and losses for train and finetune, or the prediction.
type Result struct {
	RunID      string
	Stats      []nnet.Stats
	TrainLoss  []float64
	ValidLoss  []float64
	Prediction *Prediction
}

// Run executes the phase given in the config. Training stops early if ctx is cancelled, in which
// case the stats up to that point are returned along with the error.
func Run(ctx context.Context, conf nnet.Config) (*Result, error) {
	conf, err := conf.Validate()
	if err != nil {
		return nil, err
	}
	dev, err := num.NewDevice(conf.Device)
	if err != nil {
		return nil, err
	}
	threads := conf.Threads
	if threads < 1 {
		threads = num.DefaultThreads()
	}
	klog.Infof("%s threads=%d", dev.Name(), threads)
	q := dev.NewQueue(threads)
	q.Profiling(conf.Profile)
	defer q.Shutdown()
	rng := nnet.SetSeed(conf.RandSeed)

	ckpt, err := loadModel(conf.Model)
	if err != nil {
		return nil, err
	}
	if ckpt != nil && len(conf.Layers) == 0 {
		conf.Layers = ckpt.Layers
	}
	if conf.Phase == nnet.PhasePredict {
		p, err := runPredict(q, conf, ckpt, rng)
		if err != nil {
			return nil, err
		}
		p.Print(os.Stdout)
		return &Result{Prediction: p}, nil
	}
	return runTrain(ctx, q, conf, ckpt, rng)
}

// missing model file is not an error, the network keeps its initial weights
func loadModel(path string) (*nnet.Checkpoint, error) {
	if path == "" {
		return nil, nil
	}
	if !nnet.FileExists(path) {
		klog.Warningf("model %s not found: using initial weights", path)
		return nil, nil
	}
	c, err := nnet.LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	klog.Infof("loaded %s checkpoint from %s at epoch %d", c.Phase, path, c.Epoch)
	return c, nil
}

func runPredict(q num.Queue, conf nnet.Config, ckpt *nnet.Checkpoint, rng *rand.Rand) (*Prediction, error) {
	if conf.Input == "" {
		return nil, errors.New("predict: no input image given")
	}
	var classes []string
	if ckpt != nil && len(ckpt.Classes) > 0 {
		classes = ckpt.Classes
	} else if conf.DataDir != "" {
		var err error
		if classes, err = img.ReadClasses(filepath.Join(conf.DataDir, "train")); err != nil {
			klog.V(1).Infof("predict: no class names: %v", err)
		}
	}
	if len(classes) > 0 {
		conf.Classes = len(classes)
	}
	ext, err := features.Load(q, conf.FeatureModel, conf.ImageSize, 1)
	if err != nil {
		return nil, err
	}
	net, err := nnet.New(q, conf, 1, ext.OutShape())
	if err != nil {
		return nil, err
	}
	net.InitWeights(rng)
	if ckpt != nil {
		if err = net.Restore(ckpt); err != nil {
			return nil, err
		}
	}
	return Predict(net, ext, conf.Input, classes)
}

func runTrain(ctx context.Context, q num.Queue, conf nnet.Config, ckpt *nnet.Checkpoint, rng *rand.Rand) (*Result, error) {
	ext, err := features.Load(q, conf.FeatureModel, conf.ImageSize, conf.TestBatch)
	if err != nil {
		return nil, err
	}
	klog.V(1).Info(ext)
	trainData, validData, err := LoadData(ctx, q, conf, ext, rng)
	if err != nil {
		return nil, err
	}
	classes := trainData.Classes()
	if len(classes) != conf.Classes {
		klog.Warningf("found %d class folders, config has %d classes", len(classes), conf.Classes)
		conf.Classes = len(classes)
	}
	train, valid := datasets(q.Dev(), conf, trainData, validData, rng)
	defer train.Release()
	if valid != nil {
		defer valid.Release()
	}
	net, err := nnet.New(q, conf, train.BatchSize, ext.OutShape())
	if err != nil {
		return nil, err
	}
	klog.Info(net)
	net.InitWeights(rng)
	if ckpt != nil {
		if err = net.Restore(ckpt); err != nil {
			return nil, err
		}
	}
	opt, err := nnet.NewOptimizer(q, conf)
	if err != nil {
		return nil, err
	}
	klog.Infof("%s phase: optimizer=%s train samples=%d", conf.Phase, opt.Name(), train.Samples)
	base, err := nnet.NewTestBase().Init(q, conf, valid, ext.OutShape())
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: conf.SavePrefix}
	if res.RunID == "" {
		res.RunID = uuid.New().String()
	}
	if conf.SaveModel {
		if err = mkdir(conf.SaveDir); err != nil {
			return nil, err
		}
		net.Config.SavePrefix = res.RunID
		if err = net.Config.Save(filepath.Join(conf.SaveDir, fmt.Sprintf("%s_%s.json", conf.Phase, res.RunID))); err != nil {
			return nil, err
		}
		base.OnEpoch = append(base.OnEpoch, func(s nnet.Stats) error {
			path := nnet.CheckpointName(conf.SaveDir, conf.Phase, res.RunID, s.Epoch)
			return net.Checkpoint(conf.Phase, s.Epoch, classes).Save(path)
		})
	}
	if conf.LogDir != "" {
		if err = mkdir(conf.LogDir); err != nil {
			return nil, err
		}
		base.OnEpoch = append(base.OnEpoch, func(s nnet.Stats) error {
			return savePlot(conf, base, valid != nil, s.Epoch)
		})
	}
	if conf.Monitor != "" {
		m, err := web.NewMonitor(fmt.Sprintf("%s %s", conf.Phase, res.RunID), conf.MonitorAuth)
		if err != nil {
			return nil, err
		}
		if err = m.Start(conf.Monitor); err != nil {
			return nil, err
		}
		defer m.Close()
		base.OnEpoch = append(base.OnEpoch, m.OnEpoch)
	}

	err = nnet.Train(ctx, net, opt, train, nnet.NewTestLogger(base))
	res.Stats = base.Stats
	res.TrainLoss, res.ValidLoss = base.Losses()
	return res, err
}

// Training and validation sets both use the training batch size, TestBatch only applies to feature
// extraction. valid is nil if there is no validation data.
func datasets(dev num.Device, conf nnet.Config, trainData, validData nnet.Data, rng *rand.Rand) (train, valid *nnet.Dataset) {
	train = nnet.NewDataset(dev, trainData, conf.TrainBatch, conf.MaxSamples, rng)
	if validData != nil {
		valid = nnet.NewDataset(dev, validData, conf.TrainBatch, 0, rng)
	}
	return train, valid
}

// loss curves up to the current epoch
func savePlot(conf nnet.Config, base *nnet.TestBase, hasValid bool, epoch int) error {
	trainLoss, validLoss := base.Losses()
	lines := []stats.Line{{Name: "train", Values: trainLoss}}
	if hasValid {
		lines = append(lines, stats.Line{Name: "valid", Values: validLoss})
	}
	p, err := stats.LossPlot(conf.Phase+" loss", lines...)
	if err != nil {
		return err
	}
	return stats.SavePlot(p, filepath.Join(conf.LogDir, fmt.Sprintf("%s_epoch%d.png", conf.Phase, epoch)))
}
