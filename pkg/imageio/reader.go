// Package imageio loads single-channel rasters for segmentation and writes
// label masks back to disk in the narrowest integer type that holds them.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"io"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
	"gonum.org/v1/gonum/mat"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/models"
)

// ErrEmptyImage is returned when a decoded image has no pixels
var ErrEmptyImage = errors.New("image has no pixels")

// Load reads and decodes the image at path
func Load(path string) (*models.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := Decode(file, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// Decode reads an image from r. Grayscale images keep their raw intensities;
// colour images are reduced to 16-bit luminance.
func Decode(r io.Reader, name string) (*models.Image, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, ErrEmptyImage
	}
	return models.NewImage(toMatrix(src), name)
}

// toMatrix copies pixel intensities into a dense matrix, one row per image row
func toMatrix(src image.Image) *mat.Dense {
	b := src.Bounds()
	width, height := b.Dx(), b.Dy()
	data := make([]float64, width*height)

	switch img := src.(type) {
	case *image.Gray:
		for y := 0; y < height; y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+width]
			for x, v := range row {
				data[y*width+x] = float64(v)
			}
		}
	case *image.Gray16:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				data[y*width+x] = float64(img.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				g := color.Gray16Model.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				data[y*width+x] = float64(g.Y)
			}
		}
	}
	return mat.NewDense(height, width, data)
}
