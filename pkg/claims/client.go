// Package claims is a client for the external claim-submission API.
package claims

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultTimeout = 30 * time.Second

// Client submits claims to the external endpoint.
type Client interface {
	SubmitClaim(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
}

// Metadata carries provenance attached to a submission.
type Metadata struct {
	SourceEmailID        string  `json:"source_email_id,omitempty"`
	SourceFilename       string  `json:"source_filename,omitempty"`
	ExtractionConfidence float64 `json:"extraction_confidence"`
}

// SubmitRequest is the request body for POST /claims.
type SubmitRequest struct {
	EventDate     string   `json:"event_date"`            // ISO date
	SubmittedAt   string   `json:"submission_timestamp"`  // ISO datetime
	Amount        float64  `json:"claim_amount"`
	InvoiceNumber string   `json:"invoice_number,omitempty"`
	PolicyNumber  string   `json:"policy_number"`
	Metadata      Metadata `json:"metadata"`
}

// SubmitResponse is the success response from POST /claims.
type SubmitResponse struct {
	ClaimReference string `json:"claim_reference"`
}

// APIError is a non-2xx response from the claims endpoint. RetryAfter is
// populated from the Retry-After header on 429 responses.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("claims: status %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the error is a 429.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Fatal reports whether the error is a validation/auth rejection that will
// never succeed on retry.
func (e *APIError) Fatal() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && !e.RateLimited()
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a claims API client authenticating with a bearer token.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SubmitClaim(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "claims: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/claims", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "claims: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "claims: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "claims: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
		}
		if apiErr.RateLimited() {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, apiErr
	}

	var result SubmitResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "claims: unmarshal response")
	}
	if result.ClaimReference == "" {
		return nil, eris.New("claims: response missing claim reference")
	}

	return &result, nil
}

// errorMessage extracts the server's error message, falling back to the raw
// body.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return string(body)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
