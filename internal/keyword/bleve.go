package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	keywordanalyzer "github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/setsumei/internal/models"
)

const (
	fieldCaption  = "caption"
	fieldFilename = "filename"
	fieldModel    = "model"
	fieldSource   = "source"
)

// captionDoc is the indexed form of a caption record.
type captionDoc struct {
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	Model    string `json:"model"`
	Source   string `json:"source"`
}

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory to force a rebuild.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// NewMemoryBleveIndex returns an index that lives only in memory.
func NewMemoryBleveIndex() (*BleveIndex, error) {
	index, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer, no stemming.
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.IncludeTermVectors = true
	docMapping.AddFieldMappingsAt(fieldCaption, text)

	filename := bleve.NewTextFieldMapping()
	filename.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt(fieldFilename, filename)

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keywordanalyzer.Name
	docMapping.AddFieldMappingsAt(fieldModel, exact)
	docMapping.AddFieldMappingsAt(fieldSource, exact)

	im.AddDocumentMapping("caption", docMapping)
	im.DefaultType = "caption"
	im.DefaultMapping = docMapping
	return im
}

// Index indexes the caption of rec under rec.ID.
func (b *BleveIndex) Index(ctx context.Context, rec *models.CaptionRecord) error {
	return b.index.Index(rec.ID, captionDoc{
		Caption:  rec.Caption,
		Filename: rec.Filename,
		Model:    rec.Model,
		Source:   rec.Source,
	})
}

// Search runs a match query over caption text and returns up to limit hits plus the total
// number of matches.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, int, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	var q blevequery.Query
	if opts.Fuzzy {
		fuzziness := opts.Fuzziness
		if fuzziness <= 0 {
			fuzziness = 1
		}
		q = buildFuzzyQuery(query, fuzziness)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(fieldCaption)
		q = mq
	}
	if opts.Model != "" {
		tq := bleve.NewTermQuery(opts.Model)
		tq.SetField(fieldModel)
		q = bleve.NewConjunctionQuery(q, tq)
	}

	req := bleve.NewSearchRequestOptions(q, limit, opts.Offset, false)
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Highlight.AddField(fieldCaption)
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = &Result{ID: hit.ID, Score: hit.Score}
		if frags := hit.Fragments[fieldCaption]; len(frags) > 0 {
			out[i].Highlight = frags[0]
		}
	}
	return out, int(results.Total), nil
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery ORs one fuzzy caption query per term.
func buildFuzzyQuery(query string, fuzziness int) blevequery.Query {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(fieldCaption)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(fieldCaption)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// Delete removes a record from the index.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// DocCount returns the total number of indexed captions.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
