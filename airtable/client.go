package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Record is one raw source row: a field bag keyed by field name or field id.
type Record struct {
	ID          string                 `json:"id"`
	CreatedTime string                 `json:"createdTime"`
	Fields      map[string]interface{} `json:"fields"`
}

// RecordUpdate is one row of a batch PATCH.
type RecordUpdate struct {
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// ListPage is one page of a view listing. An empty Offset means the view
// is exhausted.
type ListPage struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset"`
}

// batchUpdateLimit is the source API's hard cap on rows per PATCH call.
const batchUpdateLimit = 10

type Client struct {
	baseURL string
	apiKey  string
	baseID  string
	tableID string
	http    *http.Client
	limiter <-chan time.Time
}

func NewClient(apiKey, baseID, tableID string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("AIRTABLE_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.airtable.com"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("airtable api key is empty")
	}
	if strings.TrimSpace(baseID) == "" || strings.TrimSpace(tableID) == "" {
		return nil, errors.New("airtable base/table id is empty")
	}

	// The public API allows 5 requests per second per base.
	ratePerSec := int64(5)
	if v := strings.TrimSpace(os.Getenv("AIRTABLE_RATE_LIMIT_PER_SEC")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ratePerSec = n
		}
	}
	interval := time.Second / time.Duration(ratePerSec)

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		baseID:  baseID,
		tableID: tableID,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: time.Tick(interval),
	}, nil
}

// ListView fetches one page of a named view. Pass the previous page's
// Offset to continue; an empty offset starts from the beginning.
func (c *Client) ListView(ctx context.Context, view string, offset string) (ListPage, error) {
	params := url.Values{}
	params.Set("view", view)
	params.Set("pageSize", "100")
	if offset != "" {
		params.Set("offset", offset)
	}

	endpoint := fmt.Sprintf("%s/v0/%s/%s?%s", c.baseURL, c.baseID, c.tableID, params.Encode())
	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ListPage{}, err
	}

	var page ListPage
	if err := json.Unmarshal(body, &page); err != nil {
		return ListPage{}, err
	}
	return page, nil
}

// UpdateRecords PATCHes field values onto existing rows, chunked to the
// API's batch limit. A failed chunk fails the whole call.
func (c *Client) UpdateRecords(ctx context.Context, updates []RecordUpdate) error {
	endpoint := fmt.Sprintf("%s/v0/%s/%s", c.baseURL, c.baseID, c.tableID)
	for start := 0; start < len(updates); start += batchUpdateLimit {
		end := start + batchUpdateLimit
		if end > len(updates) {
			end = len(updates)
		}
		payload, err := json.Marshal(map[string]interface{}{"records": updates[start:end]})
		if err != nil {
			return err
		}
		if _, err := c.do(ctx, http.MethodPatch, endpoint, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	<-c.limiter

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("airtable api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
