// Package inference defines the contract between the tiling code and the
// segmentation network, and provides an ONNX Runtime backed implementation.
package inference

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Tile is a single-channel network input in row-major order
type Tile struct {
	Data   []float32
	Height int
	Width  int
}

// Logits holds per-pixel class scores in channel-last order:
// the score of class c at (y, x) is Data[(y*Width+x)*Classes+c].
type Logits struct {
	Data    []float32
	Height  int
	Width   int
	Classes int
}

// Classifier maps a tile to per-pixel class scores of the same height and width.
// Implementations must not keep references to tile.Data after returning.
type Classifier interface {
	Classify(ctx context.Context, tile Tile) (Logits, error)
}

// ClassifierFunc adapts an ordinary function to the Classifier interface
type ClassifierFunc func(ctx context.Context, tile Tile) (Logits, error)

// Classify calls f(ctx, tile)
func (f ClassifierFunc) Classify(ctx context.Context, tile Tile) (Logits, error) {
	return f(ctx, tile)
}

// Validate checks that the logits are consistent with the tile they were produced from
func (l Logits) Validate(tile Tile) error {
	if l.Height != tile.Height || l.Width != tile.Width {
		return fmt.Errorf("logits are %dx%d, tile is %dx%d", l.Height, l.Width, tile.Height, tile.Width)
	}
	if l.Classes < 1 {
		return fmt.Errorf("logits have %d classes", l.Classes)
	}
	if len(l.Data) != l.Height*l.Width*l.Classes {
		return fmt.Errorf("logits hold %d scores, want %d", len(l.Data), l.Height*l.Width*l.Classes)
	}
	return nil
}

// ArgMax reduces logits to one label per pixel, the index of the highest
// score. Ties resolve to the lowest class index.
func ArgMax(l Logits) []int32 {
	labels := make([]int32, l.Height*l.Width)
	scores := make([]float64, l.Classes)
	for p := range labels {
		px := l.Data[p*l.Classes : (p+1)*l.Classes]
		for c, v := range px {
			scores[c] = float64(v)
		}
		labels[p] = int32(floats.MaxIdx(scores))
	}
	return labels
}
