// Package objectstore is a minimal signed-URL HTTP client for the asset
// store (§6 "Object store"). No SDK for a generic signing-key object store
// appears in the corpus; this is a thin net/http wrapper, not a generated
// client, matching the same justification as internal/external/etherpad.
package objectstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

type Client struct {
	baseURL    string
	signingKey string
	httpClient *http.Client
}

func New(baseURL, signingKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		signingKey: signingKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// PutAsset uploads data under key and returns a signed, time-limited URL
// clients can fetch it from.
func (c *Client) PutAsset(ctx context.Context, key string, data []byte) (signedURL string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/"+key, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Signature", c.sign(key))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("objectstore: put asset: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("objectstore: put asset: status %d", resp.StatusCode)
	}
	return c.SignedURL(key, time.Now().Add(time.Hour)), nil
}

// SignedURL returns a time-limited, HMAC-signed download URL for key.
func (c *Client) SignedURL(key string, expires time.Time) string {
	exp := expires.Unix()
	sig := c.sign(fmt.Sprintf("%s:%d", key, exp))
	return fmt.Sprintf("%s/%s?expires=%d&sig=%s", c.baseURL, key, exp, sig)
}

func (c *Client) sign(data string) string {
	mac := hmac.New(sha256.New, []byte(c.signingKey))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
