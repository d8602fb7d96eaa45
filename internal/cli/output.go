// Package cli provides output writers for the setsumei command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hyperjump/setsumei/internal/models"
	"github.com/hyperjump/setsumei/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json", case-insensitive. Empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(OutputText):
		return OutputText, nil
	case string(OutputJSON):
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

// CaptionResult is the outcome of captioning one local file.
type CaptionResult struct {
	Path       string `json:"path"`
	Caption    string `json:"caption,omitempty"`
	Model      string `json:"model,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Overlay    string `json:"overlay,omitempty"`
	Error      string `json:"error,omitempty"`
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteCaptionResults writes caption results in input order. In text mode a single
// successful result prints only the caption.
func WriteCaptionResults(w io.Writer, results []*CaptionResult, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, results)
	}
	if len(results) == 1 && results[0].Error == "" {
		fmt.Fprintln(w, results[0].Caption)
		if results[0].Overlay != "" {
			fmt.Fprintf(w, "overlay: %s\n", results[0].Overlay)
		}
		return nil
	}
	for _, r := range results {
		if r.Error != "" {
			fmt.Fprintf(w, "%s: error: %s\n", r.Path, r.Error)
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", r.Path, r.Caption)
		if r.Overlay != "" {
			fmt.Fprintf(w, "  overlay: %s\n", r.Overlay)
		}
	}
	return nil
}

type recordList struct {
	Records []*models.CaptionRecord `json:"records"`
	Total   int64                   `json:"total"`
}

// WriteRecords writes a page of caption history.
func WriteRecords(w io.Writer, recs []*models.CaptionRecord, total int64, format OutputFormat) error {
	if format == OutputJSON {
		if recs == nil {
			recs = []*models.CaptionRecord{}
		}
		return writeJSON(w, recordList{Records: recs, Total: total})
	}
	fmt.Fprintf(w, "%d of %d captions\n\n", len(recs), total)
	for _, rec := range recs {
		writeRecord(w, rec)
	}
	return nil
}

func writeRecord(w io.Writer, rec *models.CaptionRecord) {
	name := rec.Filename
	if rec.Path != "" {
		name = rec.Path
	}
	fmt.Fprintf(w, "%s  %s  [%s, %s]\n", rec.CreatedAt.Local().Format(time.DateTime), rec.ID, rec.Source, rec.Model)
	if name != "" {
		fmt.Fprintf(w, "  %s\n", utils.Truncate(name, 80))
	}
	fmt.Fprintf(w, "  %s\n", rec.Caption)
}

// WriteSearchResults writes history search results.
func WriteSearchResults(w io.Writer, resp *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, resp)
	}
	fmt.Fprintf(w, "Found %d captions in %dms\n", resp.Total, resp.QueryTime)
	if resp.Suggestion != "" {
		fmt.Fprintf(w, "Did you mean: %s\n", resp.Suggestion)
	}
	fmt.Fprintln(w)
	for _, hit := range resp.Hits {
		fmt.Fprintf(w, "%d. (%.4f) ", hit.Rank, hit.Score)
		writeRecord(w, hit.Record)
	}
	return nil
}

// WriteSimilar writes captions of visually similar images.
func WriteSimilar(w io.Writer, hits []*models.SimilarHit, format OutputFormat) error {
	if format == OutputJSON {
		if hits == nil {
			hits = []*models.SimilarHit{}
		}
		return writeJSON(w, map[string]interface{}{"hits": hits})
	}
	if len(hits) == 0 {
		fmt.Fprintln(w, "No similar images")
		return nil
	}
	for i, hit := range hits {
		fmt.Fprintf(w, "%d. (%.4f) ", i+1, hit.Score)
		writeRecord(w, hit.Record)
	}
	return nil
}
