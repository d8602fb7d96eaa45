//go:build cgo
// +build cgo

package inference

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var runtimeMu sync.Mutex

// InitRuntime initializes the ONNX Runtime environment once per process. libraryPath may be
// empty to use the platform default shared library.
func InitRuntime(libraryPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}
	return nil
}

// BackboneOptions describes an exported image backbone.
type BackboneOptions struct {
	ModelPath   string
	InputName   string
	OutputName  string
	ImageSize   int
	FeatureSize int
}

// ONNXBackbone runs a headless, average-pooled CNN exported to ONNX.
type ONNXBackbone struct {
	session      *ort.AdvancedSession
	featureSize  int
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	mu           sync.Mutex
}

// NewONNXBackbone loads the backbone with input [1,size,size,3] and output [1,featureSize].
// InitRuntime must have been called.
func NewONNXBackbone(opts BackboneOptions) (*ONNXBackbone, error) {
	size := int64(opts.ImageSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, size, size, 3))
	if err != nil {
		return nil, fmt.Errorf("failed to create backbone input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(opts.FeatureSize)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create backbone output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create backbone session: %w", err)
	}
	return &ONNXBackbone{
		session:      session,
		featureSize:  opts.FeatureSize,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Extract runs one forward pass and returns a copy of the pooled features.
func (b *ONNXBackbone) Extract(ctx context.Context, pixels []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	in := b.inputTensor.GetData()
	if len(pixels) != len(in) {
		return nil, fmt.Errorf("backbone input has %d values, expected %d", len(pixels), len(in))
	}
	copy(in, pixels)
	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("backbone inference failed: %w", err)
	}
	out := b.outputTensor.GetData()
	if len(out) != b.featureSize {
		return nil, fmt.Errorf("%w: backbone returned %d values, expected %d", ErrUnexpectedOutput, len(out), b.featureSize)
	}
	features := make([]float32, b.featureSize)
	copy(features, out)
	return features, nil
}

// FeatureSize returns the length of the feature vector.
func (b *ONNXBackbone) FeatureSize() int {
	return b.featureSize
}

// Close destroys the session and tensors.
func (b *ONNXBackbone) Close() error {
	var err error
	if b.session != nil {
		err = b.session.Destroy()
		b.session = nil
	}
	if b.inputTensor != nil {
		_ = b.inputTensor.Destroy()
		b.inputTensor = nil
	}
	if b.outputTensor != nil {
		_ = b.outputTensor.Destroy()
		b.outputTensor = nil
	}
	return err
}

// SequenceModelOptions describes an exported CNN+LSTM caption model.
type SequenceModelOptions struct {
	ModelPath     string
	FeatureInput  string
	SequenceInput string
	OutputName    string
	FeatureSize   int
	MaxLength     int
	VocabSize     int
}

// ONNXSequenceModel runs the merge-architecture caption model: a feature input, a padded
// sequence input (float32, as exported from a Keras Input layer) and a softmax output.
type ONNXSequenceModel struct {
	session        *ort.AdvancedSession
	vocabSize      int
	featureTensor  *ort.Tensor[float32]
	sequenceTensor *ort.Tensor[float32]
	outputTensor   *ort.Tensor[float32]
	mu             sync.Mutex
}

// NewONNXSequenceModel loads the caption model. InitRuntime must have been called.
func NewONNXSequenceModel(opts SequenceModelOptions) (*ONNXSequenceModel, error) {
	featureTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(opts.FeatureSize)))
	if err != nil {
		return nil, fmt.Errorf("failed to create feature tensor: %w", err)
	}
	sequenceTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(opts.MaxLength)))
	if err != nil {
		featureTensor.Destroy()
		return nil, fmt.Errorf("failed to create sequence tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(opts.VocabSize)))
	if err != nil {
		featureTensor.Destroy()
		sequenceTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(
		opts.ModelPath,
		[]string{opts.FeatureInput, opts.SequenceInput},
		[]string{opts.OutputName},
		[]ort.ArbitraryTensor{featureTensor, sequenceTensor},
		[]ort.ArbitraryTensor{outputTensor},
		nil,
	)
	if err != nil {
		featureTensor.Destroy()
		sequenceTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create caption model session: %w", err)
	}
	return &ONNXSequenceModel{
		session:        session,
		vocabSize:      opts.VocabSize,
		featureTensor:  featureTensor,
		sequenceTensor: sequenceTensor,
		outputTensor:   outputTensor,
	}, nil
}

// Predict returns a copy of the next-word distribution.
func (m *ONNXSequenceModel) Predict(ctx context.Context, features []float32, ids []int64) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	feat := m.featureTensor.GetData()
	if len(features) != len(feat) {
		return nil, fmt.Errorf("%w: feature vector has %d values, caption model expects %d", ErrUnexpectedOutput, len(features), len(feat))
	}
	seq := m.sequenceTensor.GetData()
	if len(ids) != len(seq) {
		return nil, fmt.Errorf("sequence has %d ids, caption model expects %d", len(ids), len(seq))
	}
	copy(feat, features)
	for i, id := range ids {
		seq[i] = float32(id)
	}
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("caption model inference failed: %w", err)
	}
	out := m.outputTensor.GetData()
	probs := make([]float32, len(out))
	copy(probs, out)
	return probs, nil
}

// VocabSize returns the width of the output distribution.
func (m *ONNXSequenceModel) VocabSize() int {
	return m.vocabSize
}

// Close destroys the session and tensors.
func (m *ONNXSequenceModel) Close() error {
	var err error
	if m.session != nil {
		err = m.session.Destroy()
		m.session = nil
	}
	for _, t := range []*ort.Tensor[float32]{m.featureTensor, m.sequenceTensor, m.outputTensor} {
		if t != nil {
			_ = t.Destroy()
		}
	}
	m.featureTensor, m.sequenceTensor, m.outputTensor = nil, nil, nil
	return err
}
