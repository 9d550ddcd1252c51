package img

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File extensions which are loaded from a class folder
var Extensions = []string{".jpg", ".jpeg", ".png", ".gif"}

// Item is a single labelled image file
type Item struct {
	Path  string
	Label int32
}

// Folder is a set of images stored with one sub directory per class.
type Folder struct {
	Dir   string
	Class []string
	Items []Item
}

// ReadClasses returns the sorted list of class sub directories under dir.
func ReadClasses(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read classes")
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("no class folders found in %s", dir)
	}
	sort.Strings(classes)
	return classes, nil
}

// ReadFolder scans dir for images. If classes is nil then they are read from the directory names,
// else each sub directory must be one of the given classes.
func ReadFolder(dir string, classes []string) (*Folder, error) {
	names, err := ReadClasses(dir)
	if err != nil {
		return nil, err
	}
	if classes == nil {
		classes = names
	}
	index := make(map[string]int32)
	for i, name := range classes {
		index[name] = int32(i)
	}
	f := &Folder{Dir: dir, Class: classes}
	for _, name := range names {
		label, ok := index[name]
		if !ok {
			return nil, errors.Errorf("%s: class %q is not in the training set", dir, name)
		}
		entries, err := os.ReadDir(filepath.Join(dir, name))
		if err != nil {
			return nil, errors.Wrap(err, "read folder")
		}
		for _, e := range entries {
			if !e.IsDir() && isImage(e.Name()) {
				f.Items = append(f.Items, Item{Path: filepath.Join(dir, name, e.Name()), Label: label})
			}
		}
	}
	if len(f.Items) == 0 {
		return nil, errors.Errorf("no images found in %s", dir)
	}
	klog.V(1).Infof("read %d images in %d classes from %s", len(f.Items), len(names), dir)
	return f, nil
}

func isImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Len function returns number of images
func (f *Folder) Len() int { return len(f.Items) }

// Classes returns the class names
func (f *Folder) Classes() []string { return f.Class }

// Label returns classification for given images
func (f *Folder) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = f.Items[ix].Label
	}
}

// Input loads the given images, scaled to size x size and normalised, into buf.
func (f *Folder) Input(index []int, size int, buf []float32) error {
	nfeat := 3 * size * size
	for i, ix := range index {
		m, err := Load(f.Items[ix].Path, size)
		if err != nil {
			return err
		}
		m.Normalise(ImageNetMean, ImageNetStd)
		copy(buf[i*nfeat:], m.Pix)
	}
	return nil
}

// Slice returns images from start to end
func (f *Folder) Slice(start, end int) *Folder {
	data := *f
	data.Items = append([]Item{}, f.Items[start:end]...)
	return &data
}

// Split shuffles the images and splits off the given fraction as a separate set.
func (f *Folder) Split(frac float64, rng *rand.Rand) (train, valid *Folder) {
	data := *f
	data.Items = append([]Item{}, f.Items...)
	rng.Shuffle(len(data.Items), func(i, j int) {
		data.Items[i], data.Items[j] = data.Items[j], data.Items[i]
	})
	n := int(frac * float64(len(data.Items)))
	if frac > 0 && n == 0 && len(data.Items) > 1 {
		n = 1
	}
	return data.Slice(n, len(data.Items)), data.Slice(0, n)
}
