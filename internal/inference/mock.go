package inference

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
)

// MockBackbone is a deterministic backbone for tests. The same pixels always produce the same
// features, and different images almost always produce different ones.
type MockBackbone struct {
	featureSize int
	calls       atomic.Int64
}

// NewMockBackbone returns a backbone producing vectors of featureSize values.
func NewMockBackbone(featureSize int) *MockBackbone {
	if featureSize <= 0 {
		featureSize = 2048
	}
	return &MockBackbone{featureSize: featureSize}
}

// Extract folds the pixels into featureSize buckets and squashes each bucket with sin.
func (b *MockBackbone) Extract(ctx context.Context, pixels []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.calls.Add(1)
	features := make([]float32, b.featureSize)
	for i, p := range pixels {
		j := i % b.featureSize
		features[j] += p * float32(1+i%7)
	}
	for i := range features {
		features[i] = float32(math.Sin(float64(features[i]) + float64(i)*0.01))
	}
	return features, nil
}

// Calls returns how many times Extract ran.
func (b *MockBackbone) Calls() int64 {
	return b.calls.Load()
}

// FeatureSize returns the feature vector length.
func (b *MockBackbone) FeatureSize() int {
	return b.featureSize
}

// Close is a no-op for MockBackbone.
func (b *MockBackbone) Close() error {
	return nil
}

// ScriptedModel is a sequence model for tests that emits Script[n] as the most likely id at
// step n, where n is the number of non-padding ids in the input minus one. Past the end of
// the script it keeps emitting the last scripted id.
type ScriptedModel struct {
	Script []int
	Size   int
	// Ties puts the same top probability on every id, to exercise argmax tie-breaking.
	Ties  bool
	calls atomic.Int64
}

// NewScriptedModel returns a model with a distribution of vocabSize entries.
func NewScriptedModel(vocabSize int, script ...int) *ScriptedModel {
	return &ScriptedModel{Script: script, Size: vocabSize}
}

// Predict returns a distribution peaking at the scripted id for the current step.
func (m *ScriptedModel) Predict(ctx context.Context, features []float32, ids []int64) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.calls.Add(1)
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: empty feature vector", ErrUnexpectedOutput)
	}
	probs := make([]float32, m.Size)
	if m.Ties {
		for i := range probs {
			probs[i] = 1 / float32(m.Size)
		}
		return probs, nil
	}
	if len(m.Script) == 0 || m.Size == 0 {
		return probs, nil
	}
	step := -1
	for _, id := range ids {
		if id != 0 {
			step++
		}
	}
	if step < 0 {
		step = 0
	}
	if step >= len(m.Script) {
		step = len(m.Script) - 1
	}
	next := m.Script[step]
	rest := float32(0.5) / float32(m.Size)
	for i := range probs {
		probs[i] = rest
	}
	if next >= 0 && next < m.Size {
		probs[next] = 0.5 + rest
	}
	return probs, nil
}

// Calls returns how many times Predict ran.
func (m *ScriptedModel) Calls() int64 {
	return m.calls.Load()
}

// VocabSize returns the distribution width.
func (m *ScriptedModel) VocabSize() int {
	return m.Size
}

// Close is a no-op for ScriptedModel.
func (m *ScriptedModel) Close() error {
	return nil
}
