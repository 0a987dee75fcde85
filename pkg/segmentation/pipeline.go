package segmentation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/models"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/imageio"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/visualization"
)

// ErrNoImages is returned when the input directory holds no image with the configured extension
var ErrNoImages = errors.New("no images found")

// Params holds the batch parameters.
type Params struct {
	// InputDir is the folder scanned for images
	InputDir string

	// OutputDir receives one mask per input image, under the same base name
	OutputDir string

	// ImageExtension selects input files, with or without the leading dot
	ImageExtension string

	// SaveIntermediaryResults writes normalized-input and mask previews
	SaveIntermediaryResults bool

	// IntermediaryDir is where previews are written
	IntermediaryDir string
}

// MaskRunner produces a label mosaic for a normalized image.
// *tiling.Scheduler satisfies it.
type MaskRunner interface {
	Run(ctx context.Context, img *models.Image) (*models.Mosaic, error)
}

// Skipped records an input that could not be processed
type Skipped struct {
	Path   string
	Reason string
}

// Report summarises a batch run
type Report struct {
	Processed []string
	Skipped   []Skipped
	Elapsed   time.Duration
}

// Segmenter runs the load → normalize → tile → write pipeline over a folder
type Segmenter struct {
	params  *Params
	runner  MaskRunner
	log     *zap.Logger
	preview *visualization.Previewer
}

// NewSegmenter creates a new segmenter. The runner is typically a *tiling.Scheduler
// holding the classifier handle.
func NewSegmenter(params *Params, runner MaskRunner, logger *zap.Logger) *Segmenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Segmenter{
		params: params,
		runner: runner,
		log:    logger,
	}
	if params.SaveIntermediaryResults {
		s.preview = visualization.NewPreviewer(params.IntermediaryDir)
	}
	return s
}

// ListImages returns the paths of files in dir whose extension matches ext, in name order
func ListImages(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	want := "." + strings.TrimPrefix(ext, ".")
	files := lo.Filter(entries, func(e os.DirEntry, _ int) bool {
		return !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), want)
	})
	return lo.Map(files, func(e os.DirEntry, _ int) string {
		return filepath.Join(dir, e.Name())
	}), nil
}

// MaskName is the output file name for an input image. Masks are always TIFF,
// so other extensions are replaced with .tif.
func MaskName(name string) string {
	ext := filepath.Ext(name)
	switch strings.ToLower(ext) {
	case ".tif", ".tiff":
		return name
	}
	return strings.TrimSuffix(name, ext) + ".tif"
}

// Process segments every image in the input directory.
// Images that fail to load are skipped and reported; a failure in the
// classifier or while writing a mask stops the batch.
func (s *Segmenter) Process(ctx context.Context) (*Report, error) {
	start := time.Now()

	if err := os.MkdirAll(s.params.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	paths, err := ListImages(s.params.InputDir, s.params.ImageExtension)
	if err != nil {
		return nil, fmt.Errorf("failed to list input directory: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no *.%s files in %s", ErrNoImages, strings.TrimPrefix(s.params.ImageExtension, "."), s.params.InputDir)
	}

	s.log.Info("starting inference of file list", zap.Int("images", len(paths)))
	report := &Report{}
	for i, path := range paths {
		name := filepath.Base(path)
		s.log.Info(fmt.Sprintf("%d/%d : %s", i, len(paths), name))

		img, err := imageio.Load(path)
		if err != nil {
			s.log.Warn("skipping unreadable image", zap.String("path", path), zap.Error(err))
			report.Skipped = append(report.Skipped, Skipped{Path: path, Reason: err.Error()})
			continue
		}

		mask, err := s.Segment(ctx, img)
		if err != nil {
			return report, fmt.Errorf("segmenting %s: %w", name, err)
		}

		out := filepath.Join(s.params.OutputDir, MaskName(name))
		width, err := imageio.WriteMask(mask, out)
		if err != nil {
			return report, err
		}
		s.log.Debug("mask written", zap.String("path", out), zap.Stringer("dtype", width))

		if s.preview != nil {
			if _, err := s.preview.SaveMask("02_masks", name, mask); err != nil {
				s.log.Warn("failed to save mask preview", zap.String("image", name), zap.Error(err))
			}
		}
		report.Processed = append(report.Processed, out)
	}

	report.Elapsed = time.Since(start)
	s.log.Info("batch complete",
		zap.Int("processed", len(report.Processed)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}

// Segment normalizes a raw image with whole-image statistics and runs it through the tiler
func (s *Segmenter) Segment(ctx context.Context, img *models.Image) (*models.Mosaic, error) {
	s.log.Debug("loaded image",
		zap.String("image", img.Name),
		zap.Int("height", img.Height()),
		zap.Int("width", img.Width()))

	norm := imageio.Normalize(img)
	if s.preview != nil {
		if _, err := s.preview.SaveNormalized("01_normalized", img.Name, norm); err != nil {
			s.log.Warn("failed to save normalized preview", zap.String("image", img.Name), zap.Error(err))
		}
	}
	return s.runner.Run(ctx, norm)
}
