package flex

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"ibkr-flex-ledger/internal/domain"
)

// Default configuration values.
const (
	DefaultBaseURL        = "https://ndcdyn.interactivebrokers.com/AccountManagement/FlexWebService"
	DefaultAPIVersion     = "3"
	DefaultRequestTimeout = 30 * time.Second

	userAgent = "ibkr-flex-ledger/1.0 (Go/net.http)"
)

// Client performs the Flex SendRequest -> GetStatement dance and returns
// payload bytes. It never parses business content. The client owns one
// pooled HTTP transport with an explicit Close lifecycle.
type Client struct {
	token      string
	baseURL    string
	apiVersion string
	client     *http.Client
	strategy   RetryStrategy
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithBaseURL overrides the Flex Web Service endpoint.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithRequestTimeout sets the per-request HTTP timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithRetryStrategy replaces the poll retry tuning.
func WithRetryStrategy(s RetryStrategy) ClientOption {
	return func(c *Client) {
		c.strategy = s
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithClock overrides the timeline clock.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// WithSleep overrides the cancellation-aware retry wait primitive so tests
// can pin the schedule without real waiting.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleep = sleep
	}
}

// NewClient creates a Flex Web Service client.
func NewClient(token string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("flex token must not be blank")
	}

	c := &Client{
		token:      strings.TrimSpace(token),
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		client: &http.Client{
			Timeout:   DefaultRequestTimeout,
			Transport: &http.Transport{MaxIdleConnsPerHost: 4},
		},
		strategy: DefaultRetryStrategy(),
		now:      time.Now,
		sleep:    sleepWithContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.strategy.Attempts < 1 {
		return nil, errors.New("retry attempts must be >= 1")
	}
	if c.strategy.JitterMax < c.strategy.JitterMin {
		return nil, errors.New("jitter max multiplier must be >= jitter min multiplier")
	}
	return c, nil
}

// Close releases pooled connections. The client must not be used afterwards.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// FetchResult carries the upstream reference code, the immutable payload
// bytes and the adapter's portion of the stage timeline.
type FetchResult struct {
	ReferenceCode string
	Payload       []byte
	Timeline      []domain.StageEvent
}

// sendRequestResponse is the request-phase XML envelope.
type sendRequestResponse struct {
	XMLName       xml.Name `xml:"FlexStatementResponse"`
	Status        string   `xml:"Status"`
	ReferenceCode string   `xml:"ReferenceCode"`
	URL           string   `xml:"Url"`
	ErrorCode     string   `xml:"ErrorCode"`
	ErrorMessage  string   `xml:"ErrorMessage"`
}

// pollErrorResponse is the poll-phase error envelope.
type pollErrorResponse struct {
	Status       string `xml:"Status"`
	ErrorCode    string `xml:"ErrorCode"`
	ErrorMessage string `xml:"ErrorMessage"`
}

// FetchReport drives request then poll/download and returns payload bytes.
func (c *Client) FetchReport(ctx context.Context, queryID string) (*FetchResult, error) {
	normalizedQueryID := strings.TrimSpace(queryID)
	if normalizedQueryID == "" {
		return nil, errors.New("query id must not be blank")
	}

	var timeline []domain.StageEvent

	requestStarted := c.now()
	referenceCode, statementURL, err := c.sendRequest(ctx, normalizedQueryID)
	if err != nil {
		timeline = append(timeline, domain.NewStageEvent("request", "failed", requestStarted, c.now(), nil))
		return &FetchResult{Timeline: timeline}, err
	}
	timeline = append(timeline, domain.NewStageEvent("request", "success", requestStarted, c.now(), map[string]any{
		"reference_code": referenceCode,
	}))

	pollStarted := c.now()
	payload, pollEvents, pollAttempt, err := c.pollStatement(ctx, statementURL, referenceCode)
	timeline = append(timeline, pollEvents...)
	if err != nil {
		timeline = append(timeline, domain.NewStageEvent("poll", "failed", pollStarted, c.now(), nil))
		return &FetchResult{ReferenceCode: referenceCode, Timeline: timeline}, err
	}
	timeline = append(timeline, domain.NewStageEvent("poll", "success", pollStarted, c.now(), map[string]any{
		"poll_attempts": pollAttempt,
	}))
	timeline = append(timeline, domain.NewStageEvent("download", "success", pollStarted, c.now(), map[string]any{
		"payload_bytes": len(payload),
	}))

	return &FetchResult{
		ReferenceCode: referenceCode,
		Payload:       payload,
		Timeline:      timeline,
	}, nil
}

// sendRequest performs the request phase and returns the reference code and
// statement URL.
func (c *Client) sendRequest(ctx context.Context, queryID string) (string, string, error) {
	params := url.Values{}
	params.Set("t", c.token)
	params.Set("q", queryID)
	params.Set("v", c.apiVersion)

	payload, err := c.httpGet(ctx, c.baseURL+"/SendRequest", params)
	if err != nil {
		return "", "", err
	}

	var response sendRequestResponse
	if err := xml.Unmarshal(payload, &response); err != nil {
		return "", "", &RequestError{Code: "UNKNOWN", Message: "send request response is not valid XML"}
	}

	if !strings.EqualFold(strings.TrimSpace(response.Status), "Success") {
		code := strings.TrimSpace(response.ErrorCode)
		if code == "" {
			code = "UNKNOWN"
		}
		message := strings.TrimSpace(response.ErrorMessage)
		if message == "" {
			message = DefaultMessage(code, "request rejected by upstream")
		}
		if IsTokenCode(code) {
			return "", "", &TokenError{Code: code, Message: message}
		}
		return "", "", &RequestError{Code: code, Message: message}
	}

	referenceCode := strings.TrimSpace(response.ReferenceCode)
	if referenceCode == "" {
		return "", "", &RequestError{Code: "UNKNOWN", Message: "response missing ReferenceCode"}
	}

	statementURL := strings.TrimSpace(response.URL)
	if statementURL == "" {
		statementURL = c.baseURL + "/GetStatement"
	}
	return referenceCode, statementURL, nil
}

// pollStatement polls GetStatement until the statement payload is available
// or the attempt budget is exhausted. Retry waits are cancellation-aware.
func (c *Client) pollStatement(ctx context.Context, statementURL, referenceCode string) ([]byte, []domain.StageEvent, int, error) {
	params := url.Values{}
	params.Set("q", referenceCode)
	params.Set("t", c.token)
	params.Set("v", c.apiVersion)

	var events []domain.StageEvent
	var pendingFloor time.Duration

	for attempt := 0; attempt < c.strategy.Attempts; attempt++ {
		wait := c.strategy.WaitFor(attempt, pendingFloor)
		pendingFloor = 0
		if wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return nil, events, attempt, err
			}
		}

		payload, err := c.httpGet(ctx, statementURL, params)
		if err != nil {
			return nil, events, attempt + 1, err
		}

		rootName, isXML := xmlRootName(payload)
		if !isXML {
			if len(bytes.TrimSpace(payload)) == 0 {
				continue
			}
			// CSV-format Flex queries deliver non-XML bodies; pass through.
			return payload, events, attempt + 1, nil
		}

		if rootName == "FlexQueryResponse" || rootName == "FlexStatements" {
			return payload, events, attempt + 1, nil
		}

		code, message := extractPollError(payload)
		if IsTokenCode(code) {
			return nil, events, attempt + 1, &TokenError{Code: code, Message: message}
		}
		if !IsRetryablePollCode(code) {
			return nil, events, attempt + 1, &StatementError{Code: code, Message: message}
		}

		pendingFloor = RetryFloor(code)
		at := c.now()
		events = append(events, domain.NewStageEvent("poll", "retrying", at, at, map[string]any{
			"poll_attempt":        attempt + 1,
			"error_code":          code,
			"error_message":       message,
			"retry_after_seconds": int(pendingFloor / time.Second),
		}))
	}

	return nil, events, c.strategy.Attempts, ErrPollTimeout
}

// httpGet executes one GET against the Flex endpoint and returns body bytes.
func (c *Client) httpGet(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if isTimeout(err) {
			return nil, &TimeoutError{Cause: err}
		}
		return nil, &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &TransportError{Cause: fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)}
	}
	return body, nil
}

// xmlRootName returns the root element name of a payload when it parses as
// XML.
func xmlRootName(payload []byte) (string, bool) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	for {
		token, err := decoder.Token()
		if err != nil {
			return "", false
		}
		if start, ok := token.(xml.StartElement); ok {
			return start.Name.Local, true
		}
	}
}

// extractPollError pulls the normalized error code and message out of a poll
// error envelope.
func extractPollError(payload []byte) (string, string) {
	var response pollErrorResponse
	if err := xml.Unmarshal(payload, &response); err != nil {
		return "UNKNOWN", "unexpected upstream response"
	}
	code := strings.TrimSpace(response.ErrorCode)
	if code == "" {
		code = "UNKNOWN"
	}
	message := strings.TrimSpace(response.ErrorMessage)
	if message == "" {
		message = DefaultMessage(code, "unexpected upstream response")
	}
	return code, message
}

// sleepWithContext waits for d or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
