package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Tensor layouts accepted by ONNXClassifier
const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

// ONNXOptions configures the ONNX Runtime classifier
type ONNXOptions struct {
	// ModelPath is the exported .onnx segmentation model
	ModelPath string

	// SharedLibraryPath points at the onnxruntime shared library. When empty the
	// ONNXRUNTIME_SHARED_LIBRARY_PATH environment variable is used, if set.
	SharedLibraryPath string

	// InputName and OutputName are the tensor names in the model graph
	InputName  string
	OutputName string

	// Layout is LayoutNHWC ([1,H,W,1] in, [1,H,W,C] out) or LayoutNCHW ([1,1,H,W] in, [1,C,H,W] out)
	Layout string

	// NumClasses is the size of the class axis of the model output
	NumClasses int

	// DeviceID selects the CUDA device; negative values run on the CPU
	DeviceID int

	// Sessions is how many concurrent Classify calls can run; values below 1 mean 1
	Sessions int

	// IntraOpThreads limits the threads each session uses; 0 leaves the runtime default
	IntraOpThreads int
}

// ONNXClassifier runs a segmentation model through ONNX Runtime. It owns a
// fixed pool of sessions bound to one device and is safe for concurrent use.
type ONNXClassifier struct {
	opts     ONNXOptions
	sessions chan *ort.DynamicAdvancedSession
	all      []*ort.DynamicAdvancedSession
	once     sync.Once
}

var (
	envMu    sync.Mutex
	envUsers int
)

// acquireEnvironment initializes the process-wide ONNX Runtime environment on first use
func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envUsers == 0 {
		if libPath == "" {
			libPath = os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")
		}
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("initializing onnxruntime: %w", err)
		}
	}
	envUsers++
	return nil
}

func releaseEnvironment() {
	envMu.Lock()
	defer envMu.Unlock()
	envUsers--
	if envUsers == 0 {
		_ = ort.DestroyEnvironment()
	}
}

// NewONNXClassifier loads the model and creates its session pool
func NewONNXClassifier(opts ONNXOptions) (*ONNXClassifier, error) {
	if opts.ModelPath == "" {
		return nil, errors.New("model path must be provided")
	}
	if opts.InputName == "" || opts.OutputName == "" {
		return nil, errors.New("input and output names must be provided")
	}
	if opts.NumClasses < 1 {
		return nil, fmt.Errorf("invalid number of classes %d", opts.NumClasses)
	}
	switch opts.Layout {
	case "":
		opts.Layout = LayoutNHWC
	case LayoutNHWC, LayoutNCHW:
	default:
		return nil, fmt.Errorf("unsupported tensor layout %q", opts.Layout)
	}
	if opts.Sessions < 1 {
		opts.Sessions = 1
	}
	if _, err := os.Stat(opts.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	if err := acquireEnvironment(opts.SharedLibraryPath); err != nil {
		return nil, err
	}

	c := &ONNXClassifier{
		opts:     opts,
		sessions: make(chan *ort.DynamicAdvancedSession, opts.Sessions),
	}
	for i := 0; i < opts.Sessions; i++ {
		s, err := c.newSession()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("creating session %d: %w", i, err)
		}
		c.all = append(c.all, s)
		c.sessions <- s
	}
	return c, nil
}

func (c *ONNXClassifier) newSession() (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	if c.opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(c.opts.IntraOpThreads); err != nil {
			return nil, err
		}
	}

	if c.opts.DeviceID >= 0 {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := cudaOpts.Update(map[string]string{
			"device_id": strconv.Itoa(c.opts.DeviceID),
		}); err != nil {
			return nil, fmt.Errorf("selecting cuda device %d: %w", c.opts.DeviceID, err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, fmt.Errorf("enabling cuda device %d: %w", c.opts.DeviceID, err)
		}
	}

	return ort.NewDynamicAdvancedSession(
		c.opts.ModelPath,
		[]string{c.opts.InputName},
		[]string{c.opts.OutputName},
		options,
	)
}

// Classify runs one tile through the model. It blocks until a session is free
// or ctx is done.
func (c *ONNXClassifier) Classify(ctx context.Context, tile Tile) (Logits, error) {
	if len(tile.Data) != tile.Height*tile.Width {
		return Logits{}, fmt.Errorf("tile holds %d values, want %d", len(tile.Data), tile.Height*tile.Width)
	}

	var session *ort.DynamicAdvancedSession
	select {
	case session = <-c.sessions:
	case <-ctx.Done():
		return Logits{}, ctx.Err()
	}
	defer func() { c.sessions <- session }()

	h, w, k := int64(tile.Height), int64(tile.Width), int64(c.opts.NumClasses)
	inShape, outShape := ort.NewShape(1, h, w, 1), ort.NewShape(1, h, w, k)
	if c.opts.Layout == LayoutNCHW {
		inShape, outShape = ort.NewShape(1, 1, h, w), ort.NewShape(1, k, h, w)
	}

	input, err := ort.NewTensor(inShape, tile.Data)
	if err != nil {
		return Logits{}, fmt.Errorf("input tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return Logits{}, fmt.Errorf("output tensor: %w", err)
	}
	defer output.Destroy()

	if err := session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return Logits{}, fmt.Errorf("running model: %w", err)
	}

	logits := Logits{
		Height:  tile.Height,
		Width:   tile.Width,
		Classes: c.opts.NumClasses,
	}
	raw := output.GetData()
	if c.opts.Layout == LayoutNCHW {
		logits.Data = planarToInterleaved(raw, tile.Height*tile.Width, c.opts.NumClasses)
	} else {
		logits.Data = append([]float32(nil), raw...)
	}
	return logits, nil
}

// planarToInterleaved converts class-major scores into channel-last order
func planarToInterleaved(planar []float32, pixels, classes int) []float32 {
	out := make([]float32, pixels*classes)
	for c := 0; c < classes; c++ {
		plane := planar[c*pixels : (c+1)*pixels]
		for p, v := range plane {
			out[p*classes+c] = v
		}
	}
	return out
}

// Close destroys the sessions and releases the runtime environment.
// Calls to Classify must have returned before Close is called.
func (c *ONNXClassifier) Close() error {
	var errs []error
	c.once.Do(func() {
		for _, s := range c.all {
			if err := s.Destroy(); err != nil {
				errs = append(errs, err)
			}
		}
		c.all = nil
		releaseEnvironment()
	})
	return errors.Join(errs...)
}
