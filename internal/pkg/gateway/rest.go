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

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
)

const maxReadRetries = 3

// restClient is a minimal JSON client for providers without an official Go
// SDK. Reads are retried with exponential backoff; writes are sent once.
type restClient struct {
	provider   string
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed: status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

func newRESTClient(provider, baseURL, secretKey string) *restClient {
	return &restClient{
		provider:  provider,
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *restClient) get(ctx context.Context, path string, out interface{}) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		), maxReadRetries),
		ctx,
	)
	return backoff.Retry(func() error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrRemoteNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (c *restClient) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *restClient) put(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *restClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrRemoteNotFound, "%s %s", c.provider, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Provider: c.provider, StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s response", c.provider)
	}
	return nil
}
