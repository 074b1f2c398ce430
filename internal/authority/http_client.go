package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/fieldops/sitesync/internal/errors"
)

// Client is the device-side Authority implementation over HTTP. Network
// failures and server 5xx responses surface as transient errors, which the
// engine retries with backoff; a 409 is the divergence signal and is returned
// as a rejection, not an error.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the authority at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchLatest implements Authority.
func (c *Client) FetchLatest(ctx context.Context, docID string) (*Snapshot, error) {
	endpoint := fmt.Sprintf("%s/v1/documents/%s/latest", c.baseURL, url.PathEscape(docID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "authority unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var snap Snapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "malformed authority response", err)
		}
		return &snap, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("document %s not found", docID))
	case resp.StatusCode >= 500:
		return nil, apperrors.New(apperrors.ErrSyncTransient, fmt.Sprintf("authority returned %d", resp.StatusCode))
	default:
		return nil, apperrors.New(apperrors.ErrInternal, fmt.Sprintf("unexpected authority status %d", resp.StatusCode))
	}
}

// ApplyMutation implements Authority.
func (c *Client) ApplyMutation(ctx context.Context, docID string, mreq MutationRequest) (*ApplyResult, error) {
	body, err := json.Marshal(mreq)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/documents/%s/mutations", c.baseURL, url.PathEscape(docID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "authority unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusConflict:
		var result ApplyResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncTransient, "malformed authority response", err)
		}
		return &result, nil
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.New(apperrors.ErrMutationInvalid, string(msg))
	case resp.StatusCode >= 500:
		return nil, apperrors.New(apperrors.ErrSyncTransient, fmt.Sprintf("authority returned %d", resp.StatusCode))
	default:
		return nil, apperrors.New(apperrors.ErrInternal, fmt.Sprintf("unexpected authority status %d", resp.StatusCode))
	}
}
