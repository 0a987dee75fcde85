package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/logging"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/cache"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/config"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/segmentation"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/server"
)

func newServeCmd(a *app) *cobra.Command {
	var inf inferenceFlags
	var addr, redisAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve segmentation over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.setup(cmd, func(cfg *config.Config) {
				inf.apply(cmd, cfg)
				if cmd.Flags().Changed("addr") {
					cfg.Server.Addr = addr
				}
				if cmd.Flags().Changed("redis-addr") {
					cfg.Cache.RedisAddr = redisAddr
				}
			})
			if err != nil {
				return err
			}
			defer logging.Sync(a.log)
			cfg := a.cfg

			if cfg.Inference.ModelPath == "" {
				return fmt.Errorf("%w: a model is required", config.ErrInvalidConfig)
			}

			scheduler, classifier, err := a.newScheduler()
			if err != nil {
				return err
			}
			defer classifier.Close()

			// previews are a batch feature; the server only segments
			segmenter := segmentation.NewSegmenter(&segmentation.Params{}, scheduler, a.log)

			var store server.MaskStore
			var modelID string
			if cfg.Cache.RedisAddr != "" {
				modelID, err = cache.ModelFingerprint(cfg.Inference.ModelPath)
				if err != nil {
					return err
				}

				maskCache, err := cache.New(cache.Options{
					Addr:     cfg.Cache.RedisAddr,
					Password: cfg.Cache.Password,
					DB:       cfg.Cache.DB,
					TTL:      cfg.Cache.TTL,
				})
				if err != nil {
					return err
				}
				defer maskCache.Close()

				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				err = maskCache.Ping(ctx)
				cancel()
				if err != nil {
					a.log.Warn("redis unavailable, serving without cache",
						zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
				} else {
					a.log.Info("redis connected", zap.String("addr", cfg.Cache.RedisAddr))
					store = maskCache
				}
			}

			handler := server.NewHandler(segmenter, store, server.Options{
				MaxUploadBytes: cfg.Server.MaxUploadBytes,
				ModelName:      filepath.Base(cfg.Inference.ModelPath),
				ModelID:        modelID,
				TileSize:       cfg.Inference.TileSize,
				NumClasses:     cfg.Inference.NumClasses,
				Version:        Version,
			}, a.log)

			a.log.Info("server starting",
				zap.String("addr", cfg.Server.Addr),
				zap.String("mode", cfg.Server.Mode),
				zap.Int("tile_size", cfg.Inference.TileSize),
				zap.Bool("cache", store != nil))

			return server.NewRouter(handler, cfg.Server.Mode).Run(cfg.Server.Addr)
		},
	}

	inf.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address for the mask cache; empty disables it")
	return cmd
}
