package nnet

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/LILIBIUALREADY/computer-visual/num"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Checkpoint is a snapshot of the network parameters.
type Checkpoint struct {
	Phase   string
	Epoch   int
	Classes []string
	Layers  []LayerConfig
	Params  []ParamData
}

// ParamData holds the values of one parameter array
type ParamData struct {
	Name   string
	Dims   []int
	Values []float32
}

// CheckpointName returns the file name for the checkpoint saved after the given epoch.
func CheckpointName(dir, phase, prefix string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_epoch_%d.ckpt", phase, prefix, epoch))
}

// Checkpoint copies the current parameter values.
func (n *Network) Checkpoint(phase string, epoch int, classes []string) *Checkpoint {
	c := &Checkpoint{Phase: phase, Epoch: epoch, Classes: classes, Layers: n.Config.Layers}
	names := n.ParamNames()
	for i, p := range n.Params() {
		values := make([]float32, p.W.Size())
		n.queue.Call(num.Read(p.W, values))
		c.Params = append(c.Params, ParamData{Name: names[i], Dims: p.W.Dims(), Values: values})
	}
	n.queue.Finish()
	return c
}

// Restore parameter values from the checkpoint, the names and shapes must match the network.
func (n *Network) Restore(c *Checkpoint) error {
	params := n.Params()
	names := n.ParamNames()
	if len(c.Params) != len(params) {
		return errors.Errorf("checkpoint has %d parameters, network has %d", len(c.Params), len(params))
	}
	for i, p := range params {
		d := c.Params[i]
		if d.Name != names[i] || !num.SameShape(d.Dims, p.W.Dims()) || len(d.Values) != p.W.Size() {
			return errors.Errorf("checkpoint parameter %s %v does not match %s %v", d.Name, d.Dims, names[i], p.W.Dims())
		}
	}
	for i, p := range params {
		n.queue.Call(num.Write(p.W, c.Params[i].Values))
	}
	n.queue.Finish()
	return nil
}

// Save checkpoint in gob format, creating the directory if needed.
func (c *Checkpoint) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	if err = gob.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "encode checkpoint")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "save checkpoint")
	}
	klog.V(1).Infof("saved checkpoint to %s", path)
	return errors.Wrap(os.Rename(tmp, path), "save checkpoint")
}

// LoadCheckpoint reads a checkpoint saved with Save
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "load checkpoint")
	}
	defer f.Close()
	c := new(Checkpoint)
	if err = gob.NewDecoder(f).Decode(c); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	return c, nil
}
