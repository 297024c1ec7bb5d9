package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// ============================================================
// HTTP helpers for GET, POST, PATCH
// ============================================================

const (
	preferRepresentation = "return=representation"
	preferIgnoreDupes    = "resolution=ignore-duplicates,return=representation"
)

// doRequest executes an authenticated request to Supabase PostgREST.
func (c *Client) doRequest(ctx context.Context, method, path string, payload any, prefer string) ([]byte, int, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)

	var body io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		c.logger.Error("supabase: failed to create request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, 0, err
	}

	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.serviceRoleKey))
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(respBody)),
		)
		return nil, resp.StatusCode, &statusError{code: resp.StatusCode, body: string(respBody)}
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return respBody, resp.StatusCode, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	body, status, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if status == http.StatusNotFound || status == http.StatusNoContent {
		return nil, nil // no data
	}
	return body, err
}

func (c *Client) doPost(ctx context.Context, path string, data map[string]any, prefer string) ([]byte, error) {
	body, _, err := c.doRequest(ctx, http.MethodPost, path, data, prefer)
	return body, err
}

// doPatch updates every row matched by the filters in path and returns the
// updated rows. An empty array means no row matched.
func (c *Client) doPatch(ctx context.Context, path string, data map[string]any) ([]byte, error) {
	body, _, err := c.doRequest(ctx, http.MethodPatch, path, data, preferRepresentation)
	return body, err
}

// decodeRows unmarshals a PostgREST array, treating an empty body as no rows.
func decodeRows[T any](body []byte) ([]T, error) {
	rows := make([]T, 0)
	if len(bytes.TrimSpace(body)) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
