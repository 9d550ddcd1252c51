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
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Folders reads the training images from DataDir/train and the validation images from
// DataDir/valid, or splits them off the training set if there is no valid directory.
func Folders(conf nnet.Config, rng *rand.Rand) (train, valid *img.Folder, err error) {
	if train, err = img.ReadFolder(filepath.Join(conf.DataDir, "train"), nil); err != nil {
		return nil, nil, err
	}
	validDir := filepath.Join(conf.DataDir, "valid")
	if nnet.FileExists(validDir) {
		valid, err = img.ReadFolder(validDir, train.Classes())
		return train, valid, err
	}
	train, valid = train.Split(conf.ValidSplit, rng)
	klog.Infof("split %d images into %d train and %d valid", train.Len()+valid.Len(), train.Len(), valid.Len())
	return train, valid, nil
}

// Features runs the extractor over each of the images in the folder. If cache is set then
// the features are loaded from this file if it exists, or saved to it if not. Extraction stops
// with ctx.Err() if the context is cancelled, in which case nothing is written to the cache.
func Features(ctx context.Context, q num.Queue, ext *features.Extractor, f *img.Folder, cache string) (nnet.Data, error) {
	if cache != "" && nnet.FileExists(cache) {
		d, err := nnet.LoadDataFile(cache)
		if err != nil {
			return nil, err
		}
		if d.Len() != f.Len() || !num.SameShape(d.Shape(), ext.OutShape()) {
			return nil, errors.Errorf("cached features in %s do not match the data, delete the file to rebuild", cache)
		}
		return d, nil
	}
	inShape := ext.InShape()
	if inShape[0] != inShape[1] {
		return nil, errors.Errorf("features: input shape %v is not square", inShape)
	}
	batch := ext.BatchSize()
	nIn, nOut := num.Prod(inShape), num.Prod(ext.OutShape())
	input := q.NewArray(num.Float32, append(append([]int{}, inShape...), batch)...)
	buf := make([]float32, nIn*batch)
	inputs := make([]float32, nOut*f.Len())
	labels := make([]int32, f.Len())
	index := make([]int, 0, batch)
	for start := 0; start < f.Len(); start += batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + batch
		if end > f.Len() {
			end = f.Len()
		}
		index = index[:0]
		for i := start; i < end; i++ {
			index = append(index, i)
		}
		if err := f.Input(index, inShape[0], buf); err != nil {
			return nil, err
		}
		q.Call(num.Write(input, buf))
		out := ext.Extract(input)
		copy(inputs[start*nOut:end*nOut], out.Floats()[:(end-start)*nOut])
		f.Label(index, labels[start:end])
		klog.V(1).Infof("extracted features for %d/%d images", end, f.Len())
	}
	d := nnet.NewData(f.Classes(), ext.OutShape(), labels, inputs)
	if cache != "" {
		if err := nnet.SaveDataFile(d, cache); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// cache file name for the features of the train or valid set
func cacheName(conf nnet.Config, name string) string {
	if !conf.CacheFeatures {
		return ""
	}
	base := fmt.Sprintf("features_%s_%d", name, conf.ImageSize)
	if !nnet.FileExists(filepath.Join(conf.DataDir, "valid")) {
		base += fmt.Sprintf("_split%g_seed%d", conf.ValidSplit, conf.RandSeed)
	}
	return filepath.Join(conf.DataDir, base+".dat")
}

// LoadData reads the images and converts them to feature maps.
func LoadData(ctx context.Context, q num.Queue, conf nnet.Config, ext *features.Extractor, rng *rand.Rand) (train, valid nnet.Data, err error) {
	trainDir, validDir, err := Folders(conf, rng)
	if err != nil {
		return nil, nil, err
	}
	if train, err = Features(ctx, q, ext, trainDir, cacheName(conf, "train")); err != nil {
		return nil, nil, err
	}
	if validDir.Len() > 0 {
		if valid, err = Features(ctx, q, ext, validDir, cacheName(conf, "valid")); err != nil {
			return nil, nil, err
		}
	}
	return train, valid, nil
}

func mkdir(dir string) error {
	return errors.Wrapf(os.MkdirAll(dir, 0755), "create %s", dir)
}
