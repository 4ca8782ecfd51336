package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTP is the Remote implementation over net/http.
type HTTP struct {
	APIKey   string
	DeviceID string
	HTTP     *http.Client
}

// NewHTTP creates an HTTP remote. A zero timeout uses 30s.
func NewHTTP(apiKey, deviceID string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: timeout},
	}
}

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// Do sends body as JSON and returns the response for 2xx answers. Failures
// are always *Rejection.
func (c *HTTP) Do(ctx context.Context, method, url string, body any) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		slog.Debug("http: unreachable", "method", method, "url", url, "err", err)
		return nil, &Rejection{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Rejection{Method: method, URL: url, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		rej := &Rejection{Status: resp.StatusCode, Method: method, URL: url, Body: respBody, Err: statusErr(resp.StatusCode)}
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			if rej.Err != nil {
				rej.Err = fmt.Errorf("%w: %s", rej.Err, apiErr.Message)
			} else {
				rej.Err = &apiErr
			}
		}
		return nil, rej
	}
	return &Response{Status: resp.StatusCode, Body: respBody}, nil
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits {baseURL}/healthz to verify the server is reachable.
func (c *HTTP) HealthCheck(ctx context.Context, baseURL string) (*HealthResponse, error) {
	resp, err := c.Do(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	var h HealthResponse
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &h); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return &h, nil
}
