package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/models"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/cache"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/imageio"
)

// Segmenter turns a raw image into a label mosaic.
// *segmentation.Segmenter satisfies it.
type Segmenter interface {
	Segment(ctx context.Context, img *models.Image) (*models.Mosaic, error)
}

// MaskStore caches encoded masks. *cache.MaskCache satisfies it.
type MaskStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
}

// Options configures the HTTP handler
type Options struct {
	MaxUploadBytes int64
	ModelName      string

	// ModelID identifies the model's contents in cache keys; see cache.ModelFingerprint.
	// ModelName is used when it is empty.
	ModelID string

	TileSize       int
	NumClasses     int
	Version        string
}

// Handler serves segmentation requests
type Handler struct {
	seg   Segmenter
	store MaskStore
	opts  Options
	log   *zap.Logger
}

// NewHandler creates a handler. store may be nil to disable caching.
func NewHandler(seg Segmenter, store MaskStore, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{seg: seg, store: store, opts: opts, log: logger}
}

// Segment accepts a multipart "image" upload and responds with the TIFF label mask
func (h *Handler) Segment(c *gin.Context) {
	if h.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)
	}
	fileHeader, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image file"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open upload"})
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}

	ctx := c.Request.Context()
	modelID := h.opts.ModelID
	if modelID == "" {
		modelID = h.opts.ModelName
	}
	key := cache.Key(payload, modelID, h.opts.TileSize, h.opts.NumClasses)
	if h.store != nil {
		data, ok, err := h.store.Get(ctx, key)
		if err != nil {
			h.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		} else if ok {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "image/tiff", data)
			return
		}
	}

	img, err := imageio.Decode(bytes.NewReader(payload), fileHeader.Filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported or corrupt image"})
		return
	}

	start := time.Now()
	mask, err := h.seg.Segment(ctx, img)
	if err != nil {
		h.log.Error("segmentation failed", zap.String("filename", fileHeader.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "segmentation failed"})
		return
	}

	var buf bytes.Buffer
	width, err := imageio.EncodeMask(&buf, mask)
	if err != nil {
		h.log.Error("mask encoding failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mask encoding failed"})
		return
	}

	if h.store != nil {
		if err := h.store.Set(ctx, key, buf.Bytes()); err != nil {
			h.log.Warn("cache store failed", zap.String("key", key), zap.Error(err))
		}
	}

	h.log.Info("segmented upload",
		zap.String("filename", fileHeader.Filename),
		zap.Int("height", mask.Height),
		zap.Int("width", mask.Width),
		zap.Stringer("dtype", width),
		zap.Duration("cost", time.Since(start)))

	c.Header("X-Cache", "MISS")
	c.Header("X-Mask-Dtype", width.String())
	c.Data(http.StatusOK, "image/tiff", buf.Bytes())
}

// Health reports liveness
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": h.opts.Version,
	})
}

// Version reports the build and model settings
func (h *Handler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":     h.opts.Version,
		"model":       h.opts.ModelName,
		"tile_size":   h.opts.TileSize,
		"num_classes": h.opts.NumClasses,
	})
}
