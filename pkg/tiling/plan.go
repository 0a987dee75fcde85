// Package tiling cuts a normalized image into overlapping network-sized tiles,
// runs each one through a classifier and stitches the interior of every
// prediction back into a full-resolution label mosaic.
//
// Each tile is responsible for a square "zone of responsibility" (ZoR) of
// TileSize-2*Radius pixels. The network sees the ZoR plus Radius pixels of
// context on every side; that context comes from neighbouring image data where
// it exists and from reflect padding past the image edges. After inference at
// least Radius pixels are cropped from every side, so the unreliable border of
// each prediction never reaches the mosaic and adjacent ZoRs abut without seams.
package tiling

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/models"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/geometry"
)

// Radius is the context kept around every zone of responsibility
const Radius = geometry.SizeFactor

var (
	// ErrInvalidTileSize is returned for tile sizes that are not a positive multiple of Radius
	ErrInvalidTileSize = fmt.Errorf("tile size must be a positive multiple of %d", Radius)

	// ErrTileTooSmall is returned when a tile leaves no zone of responsibility after cropping
	ErrTileTooSmall = fmt.Errorf("tile size must be larger than %d", 2*Radius)

	errEmptyImage = errors.New("image has no pixels")
)

// ValidateTileSize checks that tileSize can be used for tiled inference
func ValidateTileSize(tileSize int) error {
	if tileSize <= 0 || tileSize%Radius != 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidTileSize, tileSize)
	}
	if tileSize <= 2*Radius {
		return fmt.Errorf("%w: got %d", ErrTileTooSmall, tileSize)
	}
	return nil
}

// Placement describes one tile of the grid
type Placement struct {
	// Index is the raster-order position of the tile
	Index int

	// ZoR is the region of the mosaic this tile writes, clipped to the image
	ZoR models.Rect

	// Context is the unclipped network input window, ZoR grown by Radius
	Context models.Rect

	// Source is Context clipped to the image: the real pixels the tile reads
	Source models.Rect

	// Pixels of Context that fell outside the image on each side
	PrePadY, PostPadY int
	PrePadX, PostPadX int
}

// Padded reports whether the tile needs reflect padding
func (p Placement) Padded() bool {
	return p.PrePadY > 0 || p.PostPadY > 0 || p.PrePadX > 0 || p.PostPadX > 0
}

// Crop returns how many rows/columns are discarded from each side of the
// tile's prediction: at least Radius, more when padding exceeded it.
func (p Placement) Crop() (top, bottom, left, right int) {
	return max(p.PrePadY, Radius), max(p.PostPadY, Radius), max(p.PrePadX, Radius), max(p.PostPadX, Radius)
}

// Plan lays a raster-order grid of tiles over an h x w image
func Plan(h, w, tileSize int) ([]Placement, error) {
	if err := ValidateTileSize(tileSize); err != nil {
		return nil, err
	}
	if h <= 0 || w <= 0 {
		return nil, errEmptyImage
	}

	zor := tileSize - 2*Radius
	bounds := models.Rect{Y1: h, X1: w}
	var plan []Placement
	for y := 0; y < h; y += zor {
		for x := 0; x < w; x += zor {
			ctx := models.Rect{
				Y0: y - Radius,
				X0: x - Radius,
				Y1: y + zor + Radius,
				X1: x + zor + Radius,
			}
			plan = append(plan, Placement{
				Index:    len(plan),
				ZoR:      models.Rect{Y0: y, X0: x, Y1: y + zor, X1: x + zor}.Intersect(bounds),
				Context:  ctx,
				Source:   ctx.Intersect(bounds),
				PrePadY:  max(0, -ctx.Y0),
				PostPadY: max(0, ctx.Y1-h),
				PrePadX:  max(0, -ctx.X0),
				PostPadX: max(0, ctx.X1-w),
			})
		}
	}
	return plan, nil
}

// Extract builds the network input for p: the source window of img, reflect
// padded out to the full context size when the window was clipped.
func Extract(img *mat.Dense, p Placement) *mat.Dense {
	s := p.Source
	window := img.Slice(s.Y0, s.Y1, s.X0, s.X1)
	if !p.Padded() {
		return mat.DenseCopyOf(window)
	}
	return geometry.ReflectPad(window, p.PrePadY, p.PostPadY, p.PrePadX, p.PostPadX)
}

// CropLabels trims a tileSize x tileSize row-major prediction down to p's ZoR
func CropLabels(labels []int32, tileSize int, p Placement) ([]int32, error) {
	if len(labels) != tileSize*tileSize {
		return nil, fmt.Errorf("prediction has %d labels, want %d", len(labels), tileSize*tileSize)
	}
	top, bottom, left, right := p.Crop()
	h, w := tileSize-top-bottom, tileSize-left-right
	if h != p.ZoR.Dy() || w != p.ZoR.Dx() {
		return nil, fmt.Errorf("tile %d: cropped prediction %dx%d does not match zone %v", p.Index, h, w, p.ZoR)
	}

	out := make([]int32, 0, h*w)
	for y := top; y < tileSize-bottom; y++ {
		out = append(out, labels[y*tileSize+left:y*tileSize+tileSize-right]...)
	}
	return out, nil
}
