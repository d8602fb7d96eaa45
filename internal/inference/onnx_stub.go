//go:build !cgo
// +build !cgo

package inference

import (
	"context"
	"errors"
)

var errNoCGO = errors.New("ONNX inference requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// InitRuntime returns an error when built without CGO.
func InitRuntime(_ string) error {
	return errNoCGO
}

// BackboneOptions describes an exported image backbone.
type BackboneOptions struct {
	ModelPath   string
	InputName   string
	OutputName  string
	ImageSize   int
	FeatureSize int
}

// ONNXBackbone stub type when built without CGO (see onnx.go for the real implementation).
type ONNXBackbone struct{}

// NewONNXBackbone returns an error when built without CGO.
func NewONNXBackbone(_ BackboneOptions) (*ONNXBackbone, error) {
	return nil, errNoCGO
}

func (b *ONNXBackbone) Extract(context.Context, []float32) ([]float32, error) { return nil, errNoCGO }
func (b *ONNXBackbone) FeatureSize() int                                      { return 0 }
func (b *ONNXBackbone) Close() error                                          { return nil }

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

// ONNXSequenceModel stub type when built without CGO.
type ONNXSequenceModel struct{}

// NewONNXSequenceModel returns an error when built without CGO.
func NewONNXSequenceModel(_ SequenceModelOptions) (*ONNXSequenceModel, error) {
	return nil, errNoCGO
}

func (m *ONNXSequenceModel) Predict(context.Context, []float32, []int64) ([]float32, error) {
	return nil, errNoCGO
}
func (m *ONNXSequenceModel) VocabSize() int { return 0 }
func (m *ONNXSequenceModel) Close() error   { return nil }
