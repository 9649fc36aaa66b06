package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tatchi/internal/vrferr"
)

// maxRelayBody caps relay response bodies.
const maxRelayBody = 64 << 10

// HTTPError is a non-2xx relay response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap classifies every HTTPError as a relay failure.
func (e *HTTPError) Unwrap() error { return vrferr.ErrRelayHTTP }

// HTTPConfig configures HTTPRelayClient.
type HTTPConfig struct {
	BaseURL         string
	ApplyLockPath   string
	RemoveLockPath  string
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	ExtraHeaders    map[string]string
}

// HTTPRelayClient talks JSON to the relay.
type HTTPRelayClient struct {
	baseURL    string
	applyPath  string
	removePath string
	headers    map[string]string
	client     *http.Client
}

// NewHTTPRelayClient builds a client with pooled connections.
func NewHTTPRelayClient(cfg HTTPConfig) (*HTTPRelayClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("escrow: relay base url is required: %w", vrferr.ErrInvalidInput)
	}
	if cfg.ApplyLockPath == "" {
		cfg.ApplyLockPath = PathApplyServerLock
	}
	if cfg.RemoveLockPath == "" {
		cfg.RemoveLockPath = PathRemoveServerLock
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	return &HTTPRelayClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		applyPath:  cfg.ApplyLockPath,
		removePath: cfg.RemoveLockPath,
		headers:    cfg.ExtraHeaders,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.MaxIdleConns,
				MaxIdleConnsPerHost: cfg.MaxIdleConns,
				IdleConnTimeout:     cfg.IdleConnTimeout,
			},
		},
	}, nil
}

// ApplyServerLock posts kek_c to the apply-lock endpoint.
func (c *HTTPRelayClient) ApplyServerLock(ctx context.Context, kekC string) (*ApplyLockResponse, error) {
	var resp ApplyLockResponse
	if err := c.post(ctx, c.applyPath, ApplyLockRequest{KekCB64u: kekC}, &resp); err != nil {
		return nil, err
	}
	if resp.KekCSB64u == "" {
		return nil, fmt.Errorf("escrow: apply lock: missing kek_cs_b64u: %w", vrferr.ErrRelayHTTP)
	}
	return &resp, nil
}

// RemoveServerLock posts kek_cs' to the remove-lock endpoint.
func (c *HTTPRelayClient) RemoveServerLock(ctx context.Context, kekCS, keyID string) (*RemoveLockResponse, error) {
	var resp RemoveLockResponse
	if err := c.post(ctx, c.removePath, RemoveLockRequest{KekCSB64u: kekCS, KeyID: keyID}, &resp); err != nil {
		return nil, err
	}
	if resp.KekCB64u == "" {
		return nil, fmt.Errorf("escrow: remove lock: missing kek_c_b64u: %w", vrferr.ErrRelayHTTP)
	}
	return &resp, nil
}

// Close releases idle connections.
func (c *HTTPRelayClient) Close() {
	c.client.CloseIdleConnections()
}

func (c *HTTPRelayClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("escrow: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("escrow: build request: %w: %v", vrferr.ErrRelayHTTP, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("escrow: POST %s: %w: %v", path, vrferr.ErrRelayHTTP, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBody))
	if err != nil {
		return fmt.Errorf("escrow: read response: %w: %v", vrferr.ErrRelayHTTP, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		var e ErrorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("escrow: POST %s: %w", path, &HTTPError{StatusCode: resp.StatusCode, Message: msg})
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("escrow: decode response: %w: %v", vrferr.ErrRelayHTTP, err)
	}
	return nil
}
