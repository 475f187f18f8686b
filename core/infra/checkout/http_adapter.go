package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPAdapter talks to the storage-bridge REST service that fronts the
// provider's check-out/check-in API.
type HTTPAdapter struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAdapter constructs an adapter for the given bridge base URL.
func NewHTTPAdapter(baseURL string) *HTTPAdapter {
	return &HTTPAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

func (a *HTTPAdapter) Checkout(ctx context.Context, fc FileContext) error {
	return a.post(ctx, "/api/v1/files/checkout", fc)
}

func (a *HTTPAdapter) Checkin(ctx context.Context, fc FileContext) error {
	return a.post(ctx, "/api/v1/files/checkin", fc)
}

func (a *HTTPAdapter) post(ctx context.Context, path string, fc FileContext) error {
	body, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode file context: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return &AdapterError{Code: CodeUnavailable, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var ae AdapterError
	if err := json.Unmarshal(data, &ae); err == nil && ae.Code != "" {
		return &ae
	}
	return &AdapterError{
		Code:    CodeUnavailable,
		Message: fmt.Sprintf("bridge returned status %d", resp.StatusCode),
	}
}
