package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Run phases
const (
	PhaseTrain    = "train"
	PhaseFinetune = "finetune"
	PhasePredict  = "predict"
)

// Training configuration settings
type Config struct {
	DataDir       string
	FeatureModel  string
	ImageSize     int
	Classes       int
	Eta           float64
	Momentum      float64
	Rho           float64
	WeightDecay   float64
	Optimizer     string
	TrainBatch    int
	TestBatch     int
	MaxEpoch      int
	MaxSamples    int
	ValidSplit    float64
	LogEvery      int
	StopAfter     int
	RandSeed      int64
	SaveModel     bool
	SaveDir       string
	SavePrefix    string
	LogDir        string
	Phase         string
	Model         string
	Input         string
	Device        int
	Threads       int
	CacheFeatures bool
	Profile       bool
	Monitor       string
	MonitorAuth   string
	Layers        []LayerConfig
}

// DefaultConfig returns the settings used when no config file or flags are given.
func DefaultConfig() Config {
	return Config{
		ImageSize:   112,
		Classes:     62,
		Eta:         0.001,
		Momentum:    0.9,
		Rho:         0.9,
		WeightDecay: 0.001,
		TrainBatch:  128,
		TestBatch:   64,
		MaxEpoch:    5000,
		ValidSplit:  0.2,
		LogEvery:    20,
		RandSeed:    1,
		SaveModel:   true,
		SaveDir:     "trained_models",
		LogDir:      filepath.Join("log", "loss"),
		Phase:       PhaseTrain,
	}
}

// Head layers used when the config does not list any: conv, prelu, linear and softmax.
func DefaultLayers(classes int) []LayerConfig {
	return Config{}.AddLayers(
		Conv{Nfeats: 512, Size: 3},
		Activation{Atype: "prelu"},
		Flatten{},
		Linear{Nout: classes},
		Activation{Atype: "softmax"},
	).Layers
}

// Load config from a JSON file, fields which are not set keep their default value.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return c, errors.Wrap(err, "load config")
	}
	defer f.Close()
	klog.Infof("loading config from %s", path)
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrapf(err, "decode config %s", path)
	}
	return c, nil
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save config to a JSON file
func (c Config) Save(path string) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path))
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "encode config")
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "save config")
	}
	return errors.Wrap(os.Rename(tmp, path), "save config")
}

// Check settings and normalise the phase name to lower case.
func (c Config) Validate() (Config, error) {
	c.Phase = strings.ToLower(strings.TrimSpace(c.Phase))
	switch c.Phase {
	case PhaseTrain, PhaseFinetune, PhasePredict:
	default:
		return c, errors.Errorf("invalid phase %q: should be train, finetune or predict", c.Phase)
	}
	if c.TrainBatch < 1 || c.TestBatch < 1 {
		return c, errors.New("batch size must be positive")
	}
	if c.ImageSize < 1 || c.Classes < 1 {
		return c, errors.New("image size and number of classes must be positive")
	}
	if c.ValidSplit < 0 || c.ValidSplit >= 1 {
		return c, errors.Errorf("valid split %g out of range", c.ValidSplit)
	}
	if _, err := optimizerName(c); err != nil {
		return c, err
	}
	return c, nil
}

// Optimizer to use for the current phase if not set explicitly.
func optimizerName(c Config) (string, error) {
	name := strings.ToLower(c.Optimizer)
	if name == "" {
		if c.Phase == PhaseFinetune {
			return "sgd", nil
		}
		return "adadelta", nil
	}
	switch name {
	case "sgd", "adadelta", "adam":
		return name, nil
	}
	return "", errors.Errorf("invalid optimizer %q", c.Optimizer)
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) String() string {
	str := []string{"== Config =="}
	for _, key := range c.Fields() {
		val := c.Get(key)
		if key == "MonitorAuth" && c.MonitorAuth != "" {
			val = "<set>"
		}
		str = append(str, fmt.Sprintf("%-14s: %v", key, val))
	}
	if c.Layers != nil {
		str = append(str, "== Layers ==")
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
	}
	return strings.Join(str, "\n")
}
