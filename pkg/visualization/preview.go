package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/models"
)

// palette used for the first label values; larger labels are hashed to a colour
var palette = []color.RGBA{
	{0, 0, 0, 255},
	{230, 25, 75, 255},
	{60, 180, 75, 255},
	{255, 225, 25, 255},
	{0, 130, 200, 255},
	{245, 130, 48, 255},
	{145, 30, 180, 255},
	{70, 240, 240, 255},
}

// Previewer writes human-viewable renderings of pipeline stages to a directory
type Previewer struct {
	// dir is the root directory previews are written under
	dir string

	// sigma is the z-score range mapped onto the full gray scale
	sigma float64
}

// NewPreviewer creates a previewer rooted at dir
func NewPreviewer(dir string) *Previewer {
	return &Previewer{dir: dir, sigma: 3}
}

// LabelColor returns the preview colour for a label
func LabelColor(label int32) color.RGBA {
	if label >= 0 && int(label) < len(palette) {
		return palette[label]
	}
	h := uint32(label) * 2654435761
	return color.RGBA{R: uint8(h >> 24), G: uint8(h >> 16), B: uint8(h >> 8), A: 255}
}

// NormalizedImage renders a z-scored image, clamping values beyond +/- sigma
func (p *Previewer) NormalizedImage(img *models.Image) image.Image {
	height, width := img.Height(), img.Width()
	out := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := (img.Data.At(y, x) + p.sigma) / (2 * p.sigma)
			value := uint16(math.Max(0, math.Min(65535, v*65535)))
			out.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return out
}

// MaskImage renders a label mosaic with one colour per class
func (p *Previewer) MaskImage(m *models.Mosaic) image.Image {
	out := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			out.SetRGBA(x, y, LabelColor(m.At(y, x)))
		}
	}
	return out
}

// SaveNormalized writes a JPEG preview of the normalized input under stage/
func (p *Previewer) SaveNormalized(stage, name string, img *models.Image) (string, error) {
	path, err := p.path(stage, name, ".jpg")
	if err != nil {
		return "", err
	}
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return path, jpeg.Encode(file, p.NormalizedImage(img), &jpeg.Options{Quality: 90})
}

// SaveMask writes a PNG colour preview of the mask under stage/
func (p *Previewer) SaveMask(stage, name string, m *models.Mosaic) (string, error) {
	path, err := p.path(stage, name, ".png")
	if err != nil {
		return "", err
	}
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return path, png.Encode(file, p.MaskImage(m))
}

func (p *Previewer) path(stage, name, ext string) (string, error) {
	stageDir := filepath.Join(p.dir, stage)
	if err := os.MkdirAll(stageDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create preview directory: %w", err)
	}
	base := filepath.Base(name)
	base = base[:len(base)-len(filepath.Ext(base))]
	return filepath.Join(stageDir, base+ext), nil
}
