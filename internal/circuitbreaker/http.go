package circuitbreaker

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient wraps an http.Client with a breaker. 5xx responses count as
// breaker failures but are still returned to the caller; 4xx do not trip it.
type HTTPClient struct {
	client *http.Client
	b      *Breaker
}

// NewHTTPClient creates a breaker-guarded client for one remote service.
func NewHTTPClient(client *http.Client, name string, settings Settings, logger *zap.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		client: client,
		b:      New(name, "http", settings.Merge(HTTPDefaults), logger),
	}
}

// Breaker exposes the underlying breaker for health reporting.
func (h *HTTPClient) Breaker() *Breaker { return h.b }

func (h *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := h.b.Do(req.Context(), func() error {
		var err error
		resp, err = h.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &statusError{code: resp.StatusCode}
		}
		return nil
	})
	var se *statusError
	if errors.As(err, &se) {
		return resp, nil
	}
	return resp, err
}

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }
