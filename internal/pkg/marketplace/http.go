package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"siteagent/config"
	"siteagent/internal/pkg/model"
)

const pageSize = 100

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	base   *url.URL
	token  string
	hc     *http.Client
	logger *slog.Logger
}

// NewHTTPClient builds a client for the API rooted at cfg.URL.
func NewHTTPClient(cfg config.Marketplace, logger *slog.Logger) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("marketplace url: %w", err)
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{base: u, token: cfg.Token, hc: &http.Client{Timeout: timeout}, logger: logger}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base.JoinPath(path)
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, URL: u.Redacted(), Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// list walks page-numbered listings until a short page.
func list[T any](ctx context.Context, c *HTTPClient, path string, query url.Values) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(page))
		q.Set("page_size", strconv.Itoa(pageSize))

		var items []T
		if err := c.do(ctx, http.MethodGet, path, q, nil, &items); err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < pageSize {
			return all, nil
		}
	}
}

func (c *HTTPClient) ListOrders(ctx context.Context, offeringIDs []string) ([]model.Order, error) {
	q := url.Values{"state": {string(model.OrderPending), string(model.OrderExecuting)}}
	for _, id := range offeringIDs {
		q.Add("offering_uuid", id)
	}
	return list[model.Order](ctx, c, "marketplace-orders", q)
}

func (c *HTTPClient) ListResources(ctx context.Context, offeringID string) ([]model.MarketplaceResource, error) {
	return list[model.MarketplaceResource](ctx, c, "marketplace-resources", url.Values{"offering_uuid": {offeringID}})
}

func (c *HTTPClient) SubmitUsageReport(ctx context.Context, r UsageReport) error {
	return c.do(ctx, http.MethodPost, "marketplace-component-usages/set_usage", nil, r, nil)
}

func (c *HTTPClient) SetOrderState(ctx context.Context, orderID string, state model.OrderState, message string) error {
	in := map[string]string{"state": string(state)}
	if message != "" {
		in["error_message"] = message
	}
	return c.do(ctx, http.MethodPost, "marketplace-orders/"+url.PathEscape(orderID)+"/set_state", nil, in, nil)
}

func (c *HTTPClient) SetBackendID(ctx context.Context, resourceID, backendID string) error {
	in := map[string]string{"backend_id": backendID}
	return c.do(ctx, http.MethodPost, "marketplace-resources/"+url.PathEscape(resourceID)+"/set_backend_id", nil, in, nil)
}
