// Package storage defines the persistence interface for caption records.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/setsumei/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Storage defines caption record persistence operations.
type Storage interface {
	// CreateRecord inserts rec, replacing any record with the same ID.
	CreateRecord(ctx context.Context, rec *models.CaptionRecord) error
	GetRecord(ctx context.Context, id string) (*models.CaptionRecord, error)
	// GetRecordByDigest returns the most recent record for an image digest.
	GetRecordByDigest(ctx context.Context, digest string) (*models.CaptionRecord, error)
	GetRecords(ctx context.Context, ids []string) (map[string]*models.CaptionRecord, error)
	ListRecords(ctx context.Context, offset, limit int) ([]*models.CaptionRecord, error)
	DeleteRecord(ctx context.Context, id string) error

	CountRecords(ctx context.Context) (int64, error)

	Close() error
}
