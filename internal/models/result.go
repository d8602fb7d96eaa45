package models

// SearchHit is one caption matching a history query.
type SearchHit struct {
	Record     *CaptionRecord    `json:"record"`
	Score      float64           `json:"score"`
	Highlights map[string]string `json:"highlights,omitempty"`
	Rank       int               `json:"rank"`
}

// SearchResponse is the response for a history search.
type SearchResponse struct {
	Hits      []*SearchHit `json:"hits"`
	Total     int          `json:"total"`
	QueryTime int64        `json:"query_time_ms"`
	Query     string       `json:"query"`
	// Suggestion is a corrected query when some terms are not in the index.
	Suggestion string `json:"suggestion,omitempty"`
}

// SimilarHit is a stored caption whose image features are close to a reference image.
type SimilarHit struct {
	Record *CaptionRecord `json:"record"`
	// Score is the cosine similarity of the L2-normalized feature vectors.
	Score float64 `json:"score"`
}
