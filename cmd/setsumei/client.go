package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/setsumei/internal/models"
)

// apiClient talks to a running setsumei server, so CLI commands do not fight the server for
// the Bleve and SQLite locks.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// do sends a request and decodes the JSON response into out when the status is want.
// Other statuses become errors carrying the server's detail message.
func (c *apiClient) do(method, path string, body interface{}, want int, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(b, &e) == nil && e.Detail != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Detail)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type recordPage struct {
	Records []*models.CaptionRecord `json:"records"`
	Total   int64                   `json:"total"`
}

func (c *apiClient) listCaptions(offset, limit int) (*recordPage, error) {
	var page recordPage
	q := url.Values{"offset": {strconv.Itoa(offset)}, "limit": {strconv.Itoa(limit)}}
	if err := c.do(http.MethodGet, "/api/v1/captions?"+q.Encode(), nil, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *apiClient) getCaption(id string) (*models.CaptionRecord, error) {
	var rec models.CaptionRecord
	if err := c.do(http.MethodGet, "/api/v1/captions/"+url.PathEscape(id), nil, http.StatusOK, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *apiClient) getCaptionByDigest(digest string) (*models.CaptionRecord, error) {
	var rec models.CaptionRecord
	if err := c.do(http.MethodGet, "/api/v1/captions/digest/"+url.PathEscape(digest), nil, http.StatusOK, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *apiClient) similarCaptions(id string, k int) ([]*models.SimilarHit, error) {
	var out struct {
		Hits []*models.SimilarHit `json:"hits"`
	}
	path := "/api/v1/captions/" + url.PathEscape(id) + "/similar?k=" + strconv.Itoa(k)
	if err := c.do(http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

func (c *apiClient) deleteCaption(id string) error {
	return c.do(http.MethodDelete, "/api/v1/captions/"+url.PathEscape(id), nil, http.StatusOK, nil)
}

func (c *apiClient) searchCaptions(q *models.HistoryQuery) (*models.SearchResponse, error) {
	v := url.Values{"q": {q.Query}}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Fuzzy {
		v.Set("fuzzy", "true")
	}
	if q.Model != "" {
		v.Set("model", q.Model)
	}
	var resp models.SearchResponse
	if err := c.do(http.MethodGet, "/api/v1/captions/search?"+v.Encode(), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) status() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(http.MethodGet, "/api/v1/status", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *apiClient) watchList() ([]string, error) {
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := c.do(http.MethodGet, "/api/v1/watch/directories", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Directories, nil
}

func (c *apiClient) watchAdd(path string, syncExisting bool) error {
	body := map[string]interface{}{"path": path, "sync": syncExisting}
	return c.do(http.MethodPost, "/api/v1/watch/directories", body, http.StatusCreated, nil)
}

func (c *apiClient) watchRemove(path string) error {
	return c.do(http.MethodDelete, "/api/v1/watch/directories?path="+url.QueryEscape(path), nil, http.StatusOK, nil)
}
