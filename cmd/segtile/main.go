package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joechalfoun/semantic-segmentation-unet/internal/logging"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/config"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/inference"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/segmentation"
	"github.com/joechalfoun/semantic-segmentation-unet/pkg/tiling"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// app bundles what every subcommand needs once flags have been applied
type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "segtile",
		Short:         "Tiled semantic segmentation of large single-channel images",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "segtile.yaml", "YAML configuration file (defaults are used if it does not exist)")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.PersistentFlags().String("log-mode", "", "log format: release for JSON, anything else for console")

	root.AddCommand(newInferCmd(a), newServeCmd(a), newConfigCmd(a))
	return root
}

// setup loads the config file, applies flag overrides, validates and builds the logger
func (a *app) setup(cmd *cobra.Command, overrides func(*config.Config)) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if overrides != nil {
		overrides(cfg)
	}
	flags := cmd.Flags()
	if flags.Changed("verbose") {
		cfg.Output.Verbose, _ = flags.GetBool("verbose")
	}
	if flags.Changed("log-mode") {
		cfg.Log.Mode, _ = flags.GetString("log-mode")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Mode, cfg.Output.Verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.cfg = cfg
	a.log = logger
	return nil
}

// inferenceFlags registers the model/tiling flags shared by infer and serve
type inferenceFlags struct {
	model, ortLib, layout string
	classes, tileSize     int
	device, workers       int
}

func (f *inferenceFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.model, "model", "", "exported ONNX model to run")
	fl.StringVar(&f.ortLib, "ort-lib", "", "path to the onnxruntime shared library")
	fl.StringVar(&f.layout, "layout", "NHWC", "model tensor layout (NHWC or NCHW)")
	fl.IntVar(&f.classes, "number-classes", 2, "number of classes the model predicts")
	fl.IntVar(&f.tileSize, "tile-size", 256, "network input edge; must be a multiple of 32 larger than 64")
	fl.IntVar(&f.device, "device", -1, "CUDA device id, -1 for CPU")
	fl.IntVar(&f.workers, "workers", 1, "tiles classified concurrently")
}

func (f *inferenceFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("model") {
		cfg.Inference.ModelPath = f.model
	}
	if fl.Changed("ort-lib") {
		cfg.Inference.SharedLibraryPath = f.ortLib
	}
	if fl.Changed("layout") {
		cfg.Inference.Layout = f.layout
	}
	if fl.Changed("number-classes") {
		cfg.Inference.NumClasses = f.classes
	}
	if fl.Changed("tile-size") {
		cfg.Inference.TileSize = f.tileSize
	}
	if fl.Changed("device") {
		cfg.Inference.DeviceID = f.device
	}
	if fl.Changed("workers") {
		cfg.Inference.Workers = f.workers
	}
}

// newScheduler loads the model onto its device and wraps it in a tile scheduler
func (a *app) newScheduler() (*tiling.Scheduler, *inference.ONNXClassifier, error) {
	inf := a.cfg.Inference
	a.log.Info("creating model",
		zap.String("model", inf.ModelPath),
		zap.Int("device", inf.DeviceID),
		zap.Int("sessions", inf.Workers))

	classifier, err := inference.NewONNXClassifier(inference.ONNXOptions{
		ModelPath:         inf.ModelPath,
		SharedLibraryPath: inf.SharedLibraryPath,
		InputName:         inf.InputName,
		OutputName:        inf.OutputName,
		Layout:            inf.Layout,
		NumClasses:        inf.NumClasses,
		DeviceID:          inf.DeviceID,
		Sessions:          inf.Workers,
		IntraOpThreads:    inf.IntraOpThreads,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("loading model: %w", err)
	}

	scheduler, err := tiling.NewScheduler(classifier, tiling.Options{
		TileSize: inf.TileSize,
		Workers:  inf.Workers,
		Logger:   a.log,
	})
	if err != nil {
		classifier.Close()
		return nil, nil, err
	}
	return scheduler, classifier, nil
}

func newInferCmd(a *app) *cobra.Command {
	var inf inferenceFlags
	var input, output, ext, intermediaryDir string
	var saveIntermediary bool

	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Segment every image in a folder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.setup(cmd, func(cfg *config.Config) {
				inf.apply(cmd, cfg)
				fl := cmd.Flags()
				if fl.Changed("image-folder") {
					cfg.IO.InputDir = input
				}
				if fl.Changed("output-folder") {
					cfg.IO.OutputDir = output
				}
				if fl.Changed("image-format") {
					cfg.IO.ImageExtension = ext
				}
				if fl.Changed("save-intermediary") {
					cfg.Output.SaveIntermediaryResults = saveIntermediary
				}
				if fl.Changed("intermediary-dir") {
					cfg.Output.IntermediaryDir = intermediaryDir
				}
			})
			if err != nil {
				return err
			}
			defer logging.Sync(a.log)
			cfg := a.cfg

			if cfg.IO.InputDir == "" || cfg.IO.OutputDir == "" || cfg.Inference.ModelPath == "" {
				return fmt.Errorf("%w: model, image folder and output folder are required", config.ErrInvalidConfig)
			}

			a.log.Info("arguments",
				zap.Int("number_classes", cfg.Inference.NumClasses),
				zap.Int("device", cfg.Inference.DeviceID),
				zap.String("model", cfg.Inference.ModelPath),
				zap.String("image_folder", cfg.IO.InputDir),
				zap.String("output_folder", cfg.IO.OutputDir),
				zap.String("image_format", cfg.IO.ImageExtension),
				zap.Int("tile_size", cfg.Inference.TileSize),
				zap.Int("workers", cfg.Inference.Workers))

			scheduler, classifier, err := a.newScheduler()
			if err != nil {
				return err
			}
			defer classifier.Close()

			segmenter := segmentation.NewSegmenter(&segmentation.Params{
				InputDir:                cfg.IO.InputDir,
				OutputDir:               cfg.IO.OutputDir,
				ImageExtension:          cfg.IO.ImageExtension,
				SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
				IntermediaryDir:         cfg.Output.IntermediaryDir,
			}, scheduler, a.log)

			report, err := segmenter.Process(cmd.Context())
			if err != nil {
				a.log.Error("inference failed", zap.Error(err))
				return err
			}
			for _, s := range report.Skipped {
				a.log.Warn("skipped", zap.String("path", s.Path), zap.String("reason", s.Reason))
			}
			return nil
		},
	}

	inf.register(cmd)
	fl := cmd.Flags()
	fl.StringVar(&input, "image-folder", "", "folder containing the images to segment")
	fl.StringVar(&output, "output-folder", "", "folder the masks are written to; masks are always TIFF, named after the input with a .tif extension")
	fl.StringVar(&ext, "image-format", "tif", "extension of the input images, e.g. tif, png, jpg")
	fl.BoolVar(&saveIntermediary, "save-intermediary", false, "write normalized-input and mask previews")
	fl.StringVar(&intermediaryDir, "intermediary-dir", "intermediary_results", "folder for previews")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	})
	return cmd
}
