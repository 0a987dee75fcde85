package tiling

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/models"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/geometry"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/inference"
)

// Options configures a Scheduler
type Options struct {
	// TileSize is the network input edge length in pixels
	TileSize int

	// Workers is the number of tiles classified concurrently. Values above 1
	// require a classifier that is safe for concurrent use.
	Workers int

	// Logger receives per-image and per-tile diagnostics; nil disables logging
	Logger *zap.Logger
}

// Scheduler runs tiled inference over whole images
type Scheduler struct {
	classifier inference.Classifier
	tileSize   int
	workers    int
	log        *zap.Logger
}

// NewScheduler validates opts and returns a Scheduler that classifies tiles with c
func NewScheduler(c inference.Classifier, opts Options) (*Scheduler, error) {
	if c == nil {
		return nil, fmt.Errorf("classifier must not be nil")
	}
	if err := ValidateTileSize(opts.TileSize); err != nil {
		return nil, err
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		classifier: c,
		tileSize:   opts.TileSize,
		workers:    opts.Workers,
		log:        opts.Logger,
	}, nil
}

// TileSize returns the network input edge length
func (s *Scheduler) TileSize() int { return s.tileSize }

// ZoneSize returns the edge length of each tile's zone of responsibility
func (s *Scheduler) ZoneSize() int { return s.tileSize - 2*Radius }

// Run segments img and returns its label mosaic. Any classifier error aborts
// the whole image and no mosaic is returned.
func (s *Scheduler) Run(ctx context.Context, img *models.Image) (*models.Mosaic, error) {
	height, width := img.Height(), img.Width()
	plan, err := Plan(height, width, s.tileSize)
	if err != nil {
		return nil, err
	}

	if _, _, padY, padX := geometry.TargetSize(height, width, geometry.SizeFactor); padY > 0 || padX > 0 {
		s.log.Debug("image is not a multiple of the size factor, edges will be reflect padded",
			zap.String("image", img.Name),
			zap.Int("pad_bottom", padY),
			zap.Int("pad_right", padX))
	}
	s.log.Info("tiling image",
		zap.String("image", img.Name),
		zap.Int("height", height),
		zap.Int("width", width),
		zap.Int("tile_size", s.tileSize),
		zap.Int("zone_size", s.ZoneSize()),
		zap.Int("tiles", len(plan)),
		zap.Int("workers", s.workers))

	start := time.Now()
	mosaic := models.NewMosaic(height, width)

	if s.workers == 1 {
		for _, p := range plan {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := s.processTile(ctx, img.Data, p, mosaic); err != nil {
				return nil, err
			}
		}
	} else {
		// ZoRs are disjoint, so concurrent pastes never touch the same labels.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.workers)
		for _, p := range plan {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return s.processTile(gctx, img.Data, p, mosaic)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	s.log.Info("image segmented",
		zap.String("image", img.Name),
		zap.Duration("elapsed", time.Since(start)))
	return mosaic, nil
}

// processTile runs one placement end to end: extract, classify, crop, paste
func (s *Scheduler) processTile(ctx context.Context, data *mat.Dense, p Placement, mosaic *models.Mosaic) error {
	window := Extract(data, p)
	tile := toTile(window)

	logits, err := s.classifier.Classify(ctx, tile)
	if err != nil {
		return fmt.Errorf("classifying tile %d at %v: %w", p.Index, p.ZoR, err)
	}
	if err := logits.Validate(tile); err != nil {
		return fmt.Errorf("tile %d: %w", p.Index, err)
	}

	labels, err := CropLabels(inference.ArgMax(logits), s.tileSize, p)
	if err != nil {
		return err
	}
	if err := mosaic.Paste(p.ZoR, labels); err != nil {
		return fmt.Errorf("tile %d: %w", p.Index, err)
	}

	s.log.Debug("tile done",
		zap.Int("tile", p.Index),
		zap.Stringer("zone", p.ZoR),
		zap.Bool("padded", p.Padded()))
	return nil
}

// toTile narrows a dense window to the float32 layout the network consumes
func toTile(window *mat.Dense) inference.Tile {
	rows, cols := window.Dims()
	data := make([]float32, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for _, v := range window.RawRowView(i) {
			data = append(data, float32(v))
		}
	}
	return inference.Tile{Data: data, Height: rows, Width: cols}
}
