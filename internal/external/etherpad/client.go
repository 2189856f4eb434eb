// Package etherpad is a minimal HTTP client for the collaborative-document
// backing service (§6 "Collaborative-document service"). No Go SDK for
// Etherpad's HTTP API exists anywhere in the corpus, so this is a
// deliberately thin net/http wrapper rather than a generated client.
package etherpad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CreateGroupPad creates a new group and a pad within it on every call,
// returning the pad's group id and pad id. roomID is not sent to Etherpad.
func (c *Client) CreateGroupPad(ctx context.Context, roomID string) (groupID, padID string, err error) {
	var group struct {
		GroupID string `json:"groupID"`
	}
	if err := c.call(ctx, "createGroup", nil, &group); err != nil {
		return "", "", fmt.Errorf("etherpad: create group: %w", err)
	}

	var pad struct {
		PadID string `json:"padID"`
	}
	if err := c.call(ctx, "createGroupPad", url.Values{"groupID": {group.GroupID}}, &pad); err != nil {
		return "", "", fmt.Errorf("etherpad: create group pad: %w", err)
	}
	return group.GroupID, pad.PadID, nil
}

// CreateSession mints a session token for authorID in groupID.
func (c *Client) CreateSession(ctx context.Context, groupID, authorID string, validUntil time.Time) (sessionID string, err error) {
	var out struct {
		SessionID string `json:"sessionID"`
	}
	args := url.Values{
		"groupID":   {groupID},
		"authorID":  {authorID},
		"validUntil": {fmt.Sprintf("%d", validUntil.Unix())},
	}
	if err := c.call(ctx, "createSession", args, &out); err != nil {
		return "", fmt.Errorf("etherpad: create session: %w", err)
	}
	return out.SessionID, nil
}

// ExportPDF returns the rendered PDF bytes for padID.
func (c *Client) ExportPDF(ctx context.Context, padID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/p/"+padID+"/export/pdf", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("etherpad: export pdf: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("etherpad: export pdf: status %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) call(ctx context.Context, method string, args url.Values, out any) error {
	if args == nil {
		args = url.Values{}
	}
	args.Set("apikey", c.apiKey)

	u := fmt.Sprintf("%s/api/1/%s?%s", c.baseURL, method, args.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if envelope.Code != 0 {
		return fmt.Errorf("etherpad api error: %s", envelope.Message)
	}
	if out != nil && envelope.Data != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}
