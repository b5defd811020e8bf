package mailchimp

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/foxzi/listsync/internal/errs"
	"github.com/foxzi/listsync/internal/metrics"
)

// apiError is the problem document returned by the Marketing API
type apiError struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

type client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// baseURLFor derives the API root from the data center suffix of the key
func baseURLFor(apiKey string) (string, error) {
	_, dc, ok := strings.Cut(apiKey, "-")
	if !ok || dc == "" {
		return "", fmt.Errorf("api key has no data center suffix")
	}
	return "https://" + dc + ".api.mailchimp.com/3.0", nil
}

// subscriberHash is the member id used by the API: md5 of the lowercased email
func subscriberHash(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

func (c *client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.do(ctx, op, http.MethodGet, path, query, nil, out)
}

func (c *client) post(ctx context.Context, op, path string, body, out any) error {
	return c.do(ctx, op, http.MethodPost, path, nil, body, out)
}

func (c *client) put(ctx context.Context, op, path string, body, out any) error {
	return c.do(ctx, op, http.MethodPut, path, nil, body, out)
}

func (c *client) patch(ctx context.Context, op, path string, body, out any) error {
	return c.do(ctx, op, http.MethodPatch, path, nil, body, out)
}

func (c *client) delete(ctx context.Context, op, path string) error {
	return c.do(ctx, op, http.MethodDelete, path, nil, nil, nil)
}

// do sends a JSON request, retrying 429 and 5xx responses with exponential
// backoff, and maps failures onto the errs taxonomy
func (c *client) do(ctx context.Context, op, method, path string, query url.Values, reqBody, out any) error {
	start := time.Now()
	err := c.doWithRetry(ctx, op, method, path, query, reqBody, out)
	metrics.ObserveProviderCall(Slug, op, err, time.Since(start))
	return err
}

func (c *client) doWithRetry(ctx context.Context, op, method, path string, query url.Values, reqBody, out any) error {
	var payload []byte
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return errs.Wrap(errs.InvalidInput, "mailchimp."+op, fmt.Errorf("failed to encode request: %w", err))
		}
		payload = data
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	attempts := c.maxRetries + 1
	sleep := c.backoff

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying mailchimp request",
				"op", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff", sleep,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return errs.Wrap(errs.ProviderUnavailable, "mailchimp."+op, ctx.Err())
			case <-time.After(sleep):
			}
			sleep *= 2
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return errs.Wrap(errs.ProviderUnavailable, "mailchimp."+op, err)
			}
		}

		retry, err := c.send(ctx, op, method, endpoint, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}

	return lastErr
}

// send performs one attempt and reports whether a failure may be retried
func (c *client) send(ctx context.Context, op, method, endpoint string, payload []byte, out any) (bool, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return false, errs.Wrap(errs.InvalidInput, "mailchimp."+op, fmt.Errorf("failed to create request: %w", err))
	}
	req.SetBasicAuth("listsync", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		retry := !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		return retry, &errs.Error{
			Kind:     errs.ProviderUnavailable,
			Op:       "mailchimp." + op,
			Provider: Slug,
			Err:      fmt.Errorf("request failed: %w", err),
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, &errs.Error{
			Kind:     errs.ProviderUnavailable,
			Op:       "mailchimp." + op,
			Provider: Slug,
			Err:      fmt.Errorf("failed to read response: %w", err),
		}
	}

	if resp.StatusCode >= 400 {
		retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retry, statusError(op, resp.StatusCode, data)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &errs.Error{
			Kind:     errs.ProviderError,
			Op:       "mailchimp." + op,
			Provider: Slug,
			Err:      fmt.Errorf("failed to decode response: %w", err),
		}
	}
	return false, nil
}

func statusError(op string, status int, body []byte) *errs.Error {
	var problem apiError
	_ = json.Unmarshal(body, &problem)

	msg := problem.Detail
	if msg == "" {
		msg = problem.Title
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	kind := errs.ProviderError
	switch status {
	case http.StatusNotFound:
		kind = errs.NotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = errs.ProviderUnavailable
	}

	return &errs.Error{
		Kind:     kind,
		Op:       "mailchimp." + op,
		Provider: Slug,
		Message:  fmt.Sprintf("HTTP %d: %s", status, msg),
	}
}
