package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"

	"github.com/roach88/readsync/internal/engine"
	"github.com/roach88/readsync/internal/ir"
)

// Request headers sent with every call.
const (
	HeaderOwner          = "X-Readsync-Owner"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderRecordVersion  = "X-Readsync-Record-Version"
)

// DefaultRetryMax bounds in-call retries. Longer outages are covered by
// the sync queue, not by retrying here.
const DefaultRetryMax = 2

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Client is the REST client for the remote API. It implements
// engine.Handlers and the activity collaborator.
type Client struct {
	base   *url.URL
	token  string
	http   *retryablehttp.Client
	logger *slog.Logger
}

var _ engine.Handlers = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithRetryMax sets how many times a failed call is retried in place.
func WithRetryMax(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.HTTPClient.Timeout = d }
}

// WithHTTPClient replaces the underlying client, e.g. an httptest server's.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api base url %q must be absolute", baseURL)
	}

	rc := retryablehttp.NewClient()
	rc.Logger = log.New(io.Discard, "", 0)
	rc.RetryMax = DefaultRetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	// Hand the last response back so non-2xx becomes a StatusError.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{base: base, http: rc, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AddFavorite implements engine.Handlers.
func (c *Client) AddFavorite(ctx context.Context, op ir.AddFavorite) error {
	body := map[string]string{"item_id": op.ItemID}
	if op.Label != "" {
		body["label"] = op.Label
	}
	_, err := c.do(ctx, http.MethodPost, op, body, "favorites", string(op.Kind))
	return err
}

// RemoveFavorite implements engine.Handlers.
func (c *Client) RemoveFavorite(ctx context.Context, op ir.RemoveFavorite) error {
	_, err := c.do(ctx, http.MethodDelete, op, nil, "favorites", string(op.Kind), op.ItemID)
	return err
}

// UpdateDailyProgress implements engine.Handlers.
func (c *Client) UpdateDailyProgress(ctx context.Context, op ir.UpdateDailyProgress) error {
	body := map[string]any{"date": op.Date, "metric": op.Metric, "value": op.Value}
	_, err := c.do(ctx, http.MethodPut, op, body, "progress", "daily")
	return err
}

// TrackActivity implements engine.Handlers. Live and replayed reports take
// this same path, so the server recalculates streaks either way.
func (c *Client) TrackActivity(ctx context.Context, op ir.TrackActivity) error {
	switch op.Activity {
	case ir.ActivityReading:
		return c.reportRead(ctx, op)
	case ir.ActivityListening:
		_, err := c.reportListened(ctx, op)
		return err
	default:
		return fmt.Errorf("%w: activity %q", ir.ErrMalformedPayload, op.Activity)
	}
}

// ReportUnitsRead reports count newly read units.
func (c *Client) ReportUnitsRead(ctx context.Context, owner string, count int) error {
	if count <= 0 {
		return nil
	}
	return c.reportRead(ctx, ir.TrackActivity{Owner: owner, Activity: ir.ActivityReading, Amount: count})
}

// ReportMinutesListened reports listening time and returns the challenges
// and goals it completed.
func (c *Client) ReportMinutesListened(ctx context.Context, owner string, minutes int) ([]ir.CompletionResult, error) {
	if minutes <= 0 {
		return nil, nil
	}
	return c.reportListened(ctx, ir.TrackActivity{Owner: owner, Activity: ir.ActivityListening, Amount: minutes})
}

func (c *Client) reportRead(ctx context.Context, op ir.TrackActivity) error {
	_, err := c.do(ctx, http.MethodPost, op, map[string]int{"count": op.Amount}, "activity", "read")
	return err
}

func (c *Client) reportListened(ctx context.Context, op ir.TrackActivity) ([]ir.CompletionResult, error) {
	body, err := c.do(ctx, http.MethodPost, op, map[string]int{"minutes": op.Amount}, "activity", "listen")
	if err != nil {
		return nil, err
	}
	return parseCompletions(body), nil
}

// parseCompletions picks the "completions" array out of a response body.
// Anything else in the body is ignored.
func parseCompletions(body []byte) []ir.CompletionResult {
	var out []ir.CompletionResult
	gjson.GetBytes(body, "completions").ForEach(func(_, v gjson.Result) bool {
		out = append(out, ir.CompletionResult{
			ChallengeID: v.Get("challenge_id").String(),
			Title:       v.Get("title").String(),
			Completed:   v.Get("completed").Bool(),
			Progress:    int(v.Get("progress").Int()),
			Target:      int(v.Get("target").Int()),
		})
		return true
	})
	return out
}

// do sends one call and returns the response body. Non-2xx is a
// *StatusError.
func (c *Client) do(ctx context.Context, method string, op ir.Operation, payload any, path ...string) ([]byte, error) {
	u := c.base.JoinPath(path...)

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", op.Type(), err)
		}
		body = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op.Type(), err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "readsync/"+ir.AgentVersion)
	req.Header.Set(HeaderRecordVersion, ir.RecordVersion)
	req.Header.Set(HeaderOwner, op.OwnerID())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	key, err := idempotencyKey(ctx, op)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderIdempotencyKey, key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op.Type(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Method: method,
			URL:    u.Redacted(),
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(gjson.GetBytes(data, "error").String()),
		}
	}
	c.logger.Debug("remote call", "method", method, "url", u.Redacted(), "status", resp.StatusCode)
	return data, nil
}

// idempotencyKey prefers the queue item id the operation is delivered
// under; direct calls fall back to the operation's content key.
func idempotencyKey(ctx context.Context, op ir.Operation) (string, error) {
	if id, ok := engine.DeliveryID(ctx); ok {
		return id, nil
	}
	return ir.OperationKey(op)
}
