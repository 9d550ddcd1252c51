// Package img contains routines for loading and preprocessing sets of images.
package img

import (
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Per channel mean and standard deviation of the ImageNet training set, as expected by
// the pretrained feature extractor.
var (
	ImageNetMean = []float32{0.485, 0.456, 0.406}
	ImageNetStd  = []float32{0.229, 0.224, 0.225}
)

var RGBModel = color.ModelFunc(rgbModel)

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R, 0, 1), clampu(c.G, 0, 1), clampu(c.B, 0, 1), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff}
}

// RGBImage type stores the image data as float32 values in row major order with r, g and b color
// planes stored separately. This matches the width, height, channel array layout used by the num package.
type RGBImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewRGB(width, height int) *RGBImage {
	return &RGBImage{Pix: make([]float32, height*width*3), Height: height, Width: width}
}

func (m *RGBImage) ColorModel() color.Model {
	return RGBModel
}

func (m *RGBImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *RGBImage) RGBAt(x, y int) RGB {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return RGB{}
	}
	plane := m.Width * m.Height
	i := x + y*m.Width
	return RGB{R: m.Pix[i], G: m.Pix[i+plane], B: m.Pix[i+2*plane]}
}

func (m *RGBImage) At(x, y int) color.Color {
	return m.RGBAt(x, y)
}

func (m *RGBImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	rgb := rgbModel(c).(RGB)
	plane := m.Width * m.Height
	i := x + y*m.Width
	m.Pix[i] = rgb.R
	m.Pix[i+plane] = rgb.G
	m.Pix[i+2*plane] = rgb.B
}

// Pixels returns the data for one colour channel, or all of them if ch is out of range.
func (m *RGBImage) Pixels(ch int) []float32 {
	if ch >= 0 && ch <= 2 {
		return m.Pix[ch*m.Width*m.Height : (ch+1)*m.Width*m.Height]
	}
	return m.Pix
}

// Normalise each channel in place by subtracting the mean and dividing by the standard deviation.
func (m *RGBImage) Normalise(mean, std []float32) {
	for ch := 0; ch < 3; ch++ {
		pix := m.Pixels(ch)
		for i, val := range pix {
			pix[i] = (val - mean[ch]) / std[ch]
		}
	}
}

// Convert any image to RGB, resizing it to width x height using bilinear interpolation.
func Convert(src image.Image, width, height int) *RGBImage {
	b := src.Bounds()
	rgba, ok := src.(*image.RGBA)
	if !ok || b.Dx() != width || b.Dy() != height {
		rgba = image.NewRGBA(image.Rect(0, 0, width, height))
		draw.BiLinear.Scale(rgba, rgba.Bounds(), src, b, draw.Src, nil)
	}
	dst := NewRGB(width, height)
	plane := width * height
	origin := rgba.Rect.Min
	for y := 0; y < height; y++ {
		row := rgba.Pix[rgba.PixOffset(origin.X, origin.Y+y):]
		for x := 0; x < width; x++ {
			i := x + y*width
			dst.Pix[i] = float32(row[4*x]) / 255
			dst.Pix[i+plane] = float32(row[4*x+1]) / 255
			dst.Pix[i+2*plane] = float32(row[4*x+2]) / 255
		}
	}
	return dst
}

// Load an image file in any of the registered formats and scale it to size x size pixels.
func Load(path string, size int) (*RGBImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "load image")
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode image %s", path)
	}
	return Convert(src, size, size), nil
}

func clampu(x, x0, x1 float32) uint32 {
	if x < x0 {
		x = x0
	}
	if x > x1 {
		x = x1
	}
	return uint32(x * 0xffff)
}
