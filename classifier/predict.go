package classifier

import (
	"fmt"
	"io"
	"strconv"

	"github.com/LILIBIUALREADY/computer-visual/features"
	"github.com/LILIBIUALREADY/computer-visual/img"
	"github.com/LILIBIUALREADY/computer-visual/nnet"
	"github.com/LILIBIUALREADY/computer-visual/num"
)

// Prediction is the network output for a single image.
type Prediction struct {
	Probs    []float32
	Sum      float32
	Max      float32
	Category int
	Class    string
}

// Predict classifies one image file. The network and extractor must have a batch size of 1.
func Predict(net *nnet.Network, ext *features.Extractor, path string, classes []string) (*Prediction, error) {
	q := net.Queue()
	size := ext.InShape()[0]
	m, err := img.Load(path, size)
	if err != nil {
		return nil, err
	}
	m.Normalise(img.ImageNetMean, img.ImageNetStd)
	input := q.NewArray(num.Float32, size, size, 3, 1)
	q.Call(num.Write(input, m.Pix))
	x := ext.Extract(input)

	category := q.NewArray(num.Int32, 1)
	yPred := net.Predict(x, category)
	p := &Prediction{Probs: make([]float32, yPred.Size())}
	cat := []int32{0}
	q.Call(num.Read(yPred, p.Probs), num.Read(category, cat)).Finish()
	p.Category = int(cat[0])
	p.Max = p.Probs[p.Category]
	for _, v := range p.Probs {
		p.Sum += v
	}
	if p.Category < len(classes) {
		p.Class = classes[p.Category]
	} else {
		p.Class = strconv.Itoa(p.Category)
	}
	return p, nil
}

// Print the prediction in a readable form
func (p *Prediction) Print(w io.Writer) {
	fmt.Fprintln(w, "output:")
	for i := 0; i < len(p.Probs); i += 8 {
		end := i + 8
		if end > len(p.Probs) {
			end = len(p.Probs)
		}
		fmt.Fprintf(w, "%4d: %.4f\n", i, p.Probs[i:end])
	}
	fmt.Fprintf(w, "sum: %.4f\n", p.Sum)
	fmt.Fprintf(w, "max: %.4f\n", p.Max)
	fmt.Fprintf(w, "category: %d (%s)\n", p.Category, p.Class)
}
