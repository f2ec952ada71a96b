package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/peerledger/txsync/internal/model"
	"github.com/peerledger/txsync/internal/service"
)

// Client talks to the transaction log API from an endpoint process. Failures
// surface as the service's typed errors; the caller decides whether to
// retry.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient builds a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Append persists one transaction to the durable log.
func (c *Client) Append(ctx context.Context, tx model.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/transactions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", service.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", service.ErrInvalidID, readError(resp.Body))
	default:
		return fmt.Errorf("%w: status %d: %s",
			service.ErrStoreUnavailable, resp.StatusCode, readError(resp.Body))
	}
}

// Health probes the log API liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", service.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", service.ErrStoreUnavailable, resp.StatusCode)
	}
	return nil
}

func readError(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 1024))
	return string(data)
}
