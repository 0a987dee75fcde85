package imageio

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/models"
)

// Normalize returns a z-score normalized copy of img. Mean and standard
// deviation are computed once over the whole image so every tile cut from it
// shares the same scale. A constant image normalizes to all zeros.
func Normalize(img *models.Image) *models.Image {
	rows, cols := img.Data.Dims()
	values := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		values = append(values, img.Data.RawRowView(i)...)
	}

	mean, std := stat.PopMeanStdDev(values, nil)
	if std == 0 {
		std = 1
	}

	out := mat.NewDense(rows, cols, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		return (v - mean) / std
	}, img.Data)
	return &models.Image{Data: out, Name: img.Name}
}
