// Package vector provides a feature-vector index for finding visually similar images.
package vector

import (
	"context"
	"errors"
)

// ErrDimension is returned when a vector does not match the index dimension.
var ErrDimension = errors.New("vector dimension mismatch")

// ErrCorrupt is returned when a saved index file is truncated or malformed.
var ErrCorrupt = errors.New("corrupt vector index file")

// Index stores one L2-normalized vector per ID and answers nearest-neighbour queries by
// cosine similarity.
type Index interface {
	// Upsert stores vec under id, replacing any previous vector for id.
	Upsert(ctx context.Context, id string, vec []float32) error
	Get(id string) ([]float32, bool)
	Search(ctx context.Context, query []float32, k int, exclude ...string) ([]*Result, error)
	Remove(ctx context.Context, ids ...string) error
	Save(path string) error
	Load(path string) error
	Size() int
	Dimensions() int
	Close() error
}

// Result is a single similarity hit.
type Result struct {
	ID    string
	Score float64 // cosine similarity in [-1, 1]
}
