// Package inference runs the two pretrained networks of the caption pipeline: the image
// backbone that produces a feature vector and the sequence model that predicts the next word.
package inference

import (
	"context"
	"errors"
)

// ErrUnexpectedOutput is returned when a network produces an output of the wrong shape.
var ErrUnexpectedOutput = errors.New("unexpected model output shape")

// Backbone maps a preprocessed NHWC image tensor to a fixed-length feature vector.
type Backbone interface {
	Extract(ctx context.Context, pixels []float32) ([]float32, error)
	FeatureSize() int
	Close() error
}

// SequenceModel returns the next-word probability distribution for an image feature vector
// and a padded id sequence.
type SequenceModel interface {
	Predict(ctx context.Context, features []float32, ids []int64) ([]float32, error)
	// VocabSize is the width of the returned distribution.
	VocabSize() int
	Close() error
}
