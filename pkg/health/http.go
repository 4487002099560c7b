package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes HTTP-speaking data sources, such as a warehouse's
// status endpoint or a REST connector. Any status inside the expected
// range reads as reachable.
type HTTPChecker struct {
	URL    string
	Method string

	// Headers are sent on every probe; credential material lands here.
	Headers map[string]string

	ExpectedStatusMin int
	ExpectedStatusMax int

	Client *http.Client
}

// NewHTTPChecker probes url with GET, accepting 200-399.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		Method:            http.MethodGet,
		Headers:           make(map[string]string),
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client:            &http.Client{Timeout: 10 * time.Second},
	}
}

// Check issues one request and scores the response status.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return resultAt(start, false, fmt.Sprintf("failed to create request: %v", err))
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return resultAt(start, false, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !ok {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}
	return resultAt(start, ok, message)
}

func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithMethod overrides the probe method.
func (h *HTTPChecker) WithMethod(method string) *HTTPChecker {
	h.Method = method
	return h
}

// WithHeader adds a header to every probe.
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange overrides the accepted status window.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}

// WithTimeout overrides the client timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
