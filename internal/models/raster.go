package models

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Image represents a single-channel raster held in memory
type Image struct {
	// Data holds the pixel intensities, one matrix row per image row
	Data *mat.Dense

	// Name is the base filename the image was loaded from (may be empty)
	Name string
}

// NewImage wraps a dense matrix as an Image. Both dimensions must be positive.
func NewImage(data *mat.Dense, name string) (*Image, error) {
	if data == nil || data.IsEmpty() {
		return nil, fmt.Errorf("image %q has no pixels", name)
	}
	return &Image{Data: data, Name: name}, nil
}

// Height returns the number of rows in the image
func (img *Image) Height() int {
	r, _ := img.Data.Dims()
	return r
}

// Width returns the number of columns in the image
func (img *Image) Width() int {
	_, c := img.Data.Dims()
	return c
}

// Rect is a half-open pixel rectangle [Y0,Y1) x [X0,X1)
type Rect struct {
	Y0, X0 int
	Y1, X1 int
}

// Dy returns the height of the rectangle
func (r Rect) Dy() int { return r.Y1 - r.Y0 }

// Dx returns the width of the rectangle
func (r Rect) Dx() int { return r.X1 - r.X0 }

// Empty reports whether the rectangle contains no pixels
func (r Rect) Empty() bool { return r.Dy() <= 0 || r.Dx() <= 0 }

// Intersect returns the largest rectangle contained by both r and s
func (r Rect) Intersect(s Rect) Rect {
	out := Rect{
		Y0: max(r.Y0, s.Y0),
		X0: max(r.X0, s.X0),
		Y1: min(r.Y1, s.Y1),
		X1: min(r.X1, s.X1),
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d)x[%d,%d)", r.Y0, r.Y1, r.X0, r.X1)
}

// Mosaic is the full-resolution label mask assembled from tile predictions
type Mosaic struct {
	// Labels is the row-major label array of Height*Width entries
	Labels []int32

	// Height and Width are the dimensions of the mask in pixels
	Height, Width int
}

// NewMosaic allocates a zero-filled mask of the given size
func NewMosaic(height, width int) *Mosaic {
	return &Mosaic{
		Labels: make([]int32, height*width),
		Height: height,
		Width:  width,
	}
}

// At returns the label at row y, column x
func (m *Mosaic) At(y, x int) int32 {
	return m.Labels[y*m.Width+x]
}

// Set stores a label at row y, column x
func (m *Mosaic) Set(y, x int, label int32) {
	m.Labels[y*m.Width+x] = label
}

// Paste copies a row-major block of labels into the rectangle r.
// The block must hold exactly r.Dy()*r.Dx() entries.
func (m *Mosaic) Paste(r Rect, block []int32) error {
	if len(block) != r.Dy()*r.Dx() {
		return fmt.Errorf("block of %d labels does not fit %v", len(block), r)
	}
	if r.Y0 < 0 || r.X0 < 0 || r.Y1 > m.Height || r.X1 > m.Width {
		return fmt.Errorf("rectangle %v outside %dx%d mosaic", r, m.Height, m.Width)
	}
	w := r.Dx()
	for y := r.Y0; y < r.Y1; y++ {
		row := block[(y-r.Y0)*w : (y-r.Y0+1)*w]
		copy(m.Labels[y*m.Width+r.X0:y*m.Width+r.X1], row)
	}
	return nil
}

// Max returns the largest label in the mask
func (m *Mosaic) Max() int32 {
	var hi int32
	for i, v := range m.Labels {
		if i == 0 || v > hi {
			hi = v
		}
	}
	return hi
}
