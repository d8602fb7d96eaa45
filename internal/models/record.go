// Package models defines core data structures for caption records, history queries, and search results.
package models

import "time"

// CaptionRecord is one stored caption.
type CaptionRecord struct {
	ID     string `json:"id" db:"id"`
	Digest string `json:"digest" db:"digest"`
	// Source is "upload" for HTTP uploads, "watch" for drop-folder files, "cli" for local runs.
	Source      string                 `json:"source" db:"source"`
	Filename    string                 `json:"filename" db:"filename"`
	Path        string                 `json:"path,omitempty" db:"path"`
	ContentType string                 `json:"content_type" db:"content_type"`
	SniffedType string                 `json:"sniffed_type" db:"sniffed_type"`
	Caption     string                 `json:"caption" db:"caption"`
	Model       string                 `json:"model" db:"model"`
	Width       int                    `json:"width" db:"width"`
	Height      int                    `json:"height" db:"height"`
	DurationMS  int64                  `json:"duration_ms" db:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at" db:"updated_at"`
}

// Record sources.
const (
	SourceUpload = "upload"
	SourceWatch  = "watch"
	SourceCLI    = "cli"
)
