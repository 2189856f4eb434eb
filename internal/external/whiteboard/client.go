// Package whiteboard is a minimal HTTP client for the spacedeck-backed
// whiteboard service (§6 "Whiteboard service"). No SDK for it exists in the
// corpus; this is a thin net/http wrapper, not a generated client.
package whiteboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateSpace provisions a whiteboard space for roomID and returns its URL.
func (c *Client) CreateSpace(ctx context.Context, roomID string) (spaceURL string, err error) {
	body, err := json.Marshal(map[string]string{"name": roomID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/spaces", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whiteboard: create space: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("whiteboard: create space: status %d", resp.StatusCode)
	}

	var out struct {
		EditURL string `json:"edit_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.EditURL, nil
}

// ExportPDF returns the signed URL for a rendered PDF of the given space.
func (c *Client) ExportPDF(ctx context.Context, spaceID string) (pdfURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/spaces/"+spaceID+"/pdf", nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whiteboard: export pdf: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whiteboard: export pdf: status %d", resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}
