// Package remote implements the docstore contract against the sync
// service's REST API. The agent runs with this in front of whichever
// store the sync service owns.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ndolo/messenger/internal/docstore"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type createRequest struct {
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) Create(ctx context.Context, col, id string, data any) (*docstore.Document, error) {
	raw, err := docstore.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("remote.Create: %w", err)
	}
	var doc docstore.Document
	err = c.do(ctx, http.MethodPost, c.collectionURL(col)+"/documents",
		createRequest{ID: id, Data: raw}, &doc)
	if err != nil {
		return nil, fmt.Errorf("remote.Create: %w", err)
	}
	return &doc, nil
}

func (c *Client) Get(ctx context.Context, col, id string) (*docstore.Document, error) {
	var doc docstore.Document
	err := c.do(ctx, http.MethodGet, c.documentURL(col, id), nil, &doc)
	if err != nil {
		return nil, wrap("remote.Get", err)
	}
	return &doc, nil
}

func (c *Client) Update(ctx context.Context, col, id string, patch map[string]any) (*docstore.Document, error) {
	var doc docstore.Document
	err := c.do(ctx, http.MethodPatch, c.documentURL(col, id), patch, &doc)
	if err != nil {
		return nil, wrap("remote.Update", err)
	}
	return &doc, nil
}

func (c *Client) Delete(ctx context.Context, col, id string) error {
	if err := c.do(ctx, http.MethodDelete, c.documentURL(col, id), nil, nil); err != nil {
		return wrap("remote.Delete", err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, col string, q docstore.Query) (*docstore.List, error) {
	var list docstore.List
	err := c.do(ctx, http.MethodPost, c.collectionURL(col)+"/query", q, &list)
	if err != nil {
		return nil, wrap("remote.List", err)
	}
	return &list, nil
}

func (c *Client) collectionURL(col string) string {
	return c.baseURL + "/v1/collections/" + url.PathEscape(col)
}

func (c *Client) documentURL(col, id string) string {
	return c.collectionURL(col) + "/documents/" + url.PathEscape(id)
}

// wrap keeps docstore.ErrNotFound recognisable through errors.Is while
// adding the operation name for everything else.
func wrap(op string, err error) error {
	if err == docstore.ErrNotFound {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return docstore.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %d %s", method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
