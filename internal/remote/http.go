package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/study-sync/internal/model"
	"github.com/sells-group/study-sync/internal/resilience"
)

// HTTPOption configures the HTTP document store.
type HTTPOption func(*HTTPStore)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) HTTPOption {
	return func(s *HTTPStore) { s.baseURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(s *HTTPStore) { s.http = hc }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) HTTPOption {
	return func(s *HTTPStore) { s.retry = cfg }
}

// WithBreaker installs a circuit breaker around all requests.
func WithBreaker(cb *resilience.CircuitBreaker) HTTPOption {
	return func(s *HTTPStore) { s.breaker = cb }
}

// HTTPStore talks to the hosted document collection API.
type HTTPStore struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewHTTPStore creates a DocumentStore over the collection HTTP API.
func NewHTTPStore(baseURL, apiKey string, opts ...HTTPOption) *HTTPStore {
	s := &HTTPStore{
		baseURL: baseURL,
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPStore) Close() error { return nil }

// Put upserts a document under /collections/{dataType}/{key}.
func (s *HTTPStore) Put(ctx context.Context, doc model.Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return eris.Wrap(err, "remote: marshal document")
	}

	reqURL := fmt.Sprintf("%s/collections/%s/%s",
		s.baseURL, url.PathEscape(string(doc.DataType)), url.PathEscape(doc.Key))

	_, err = s.do(ctx, http.MethodPut, reqURL, body)
	return eris.Wrapf(err, "remote: put %s/%s", doc.DataType, doc.Key)
}

// List fetches every document of one data type from /collections/{dataType}.
func (s *HTTPStore) List(ctx context.Context, dataType model.DataType) ([]model.Document, error) {
	reqURL := fmt.Sprintf("%s/collections/%s", s.baseURL, url.PathEscape(string(dataType)))

	body, err := s.do(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "remote: list %s", dataType)
	}

	var resp struct {
		Documents []model.Document `json:"documents"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrapf(err, "remote: unmarshal %s listing", dataType)
	}
	return resp.Documents, nil
}

// do executes one request with retries on transient failures. When a breaker
// is installed, open-circuit rejections short-circuit before any network call.
func (s *HTTPStore) do(ctx context.Context, method, reqURL string, body []byte) ([]byte, error) {
	return resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]byte, error) {
		if s.breaker != nil {
			if err := s.breaker.Allow(); err != nil {
				return nil, err
			}
		}
		respBody, err := s.doOnce(ctx, method, reqURL, body)
		if s.breaker != nil {
			s.breaker.Record(err)
		}
		return respBody, err
	})
}

func (s *HTTPStore) doOnce(ctx context.Context, method, reqURL string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, eris.Wrap(readErr, "read response body")
	}

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("status %d: %s", resp.StatusCode, string(respBody)),
			resp.StatusCode,
		)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, eris.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
