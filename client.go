package mermaidetl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/xerrors"
)

// Record is one raw observation as decoded from the API. Numbers are kept as
// json.Number so the coercion layer sees them without float rounding.
type Record map[string]any

// Page is one page of an API listing.
type Page struct {
	Records []Record
	// Next is the token (absolute URL) of the following page, empty on the last page.
	Next  string
	Count int
}

type pageBody struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

// Client talks to the MERMAID REST API.
type Client struct {
	http   *resty.Client
	retry  RetryPolicy
	hooks  clientHooks
	tracer tracer
}

type clientHooks struct {
	onRetry func(endpoint string)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	// Token is sent as a bearer credential when non-empty.
	Token   string
	Timeout time.Duration
	Retry   RetryPolicy
	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
}

// NewClient builds an API client.
func NewClient(cfg ClientConfig) *Client {
	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		rc = resty.New()
	}

	rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "mermaidetl")
	if cfg.Timeout > 0 {
		rc.SetTimeout(cfg.Timeout)
	}
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}

	return &Client{http: rc, retry: cfg.Retry, tracer: newTracer()}
}

// FetchPage fetches one page. When pageToken is empty the endpoint (relative
// to the base URL) is requested with params; otherwise pageToken, the URL the
// previous page returned as next, is requested as is.
//
// Transport errors, timeouts, 429 and 5xx responses are retried according to
// the client's RetryPolicy and reported as *TransientFetchError once the
// budget is spent. Any other non-2xx response is a *FetchError.
func (c *Client) FetchPage(ctx context.Context, endpoint string, params url.Values, pageToken string) (*Page, error) {
	ctx, span := c.tracer.Start(ctx, "mermaidetl.FetchPage")
	defer span.End()

	target := endpoint
	if pageToken != "" {
		target = pageToken
	}
	span.SetAttributes(attribute.String("mermaid.url", target))

	l := log.Ctx(ctx)

	var page *Page
	attempts, err := c.retry.Do(ctx, func(ctx context.Context) error {
		p, err := c.get(ctx, target, params, pageToken == "")
		if err != nil {
			return err
		}
		page = p
		return nil
	}, func(err error, wait time.Duration) {
		l.Warn().Err(err).Str("url", target).Dur("wait", wait).Msg("retrying page fetch")
		if c.hooks.onRetry != nil {
			c.hooks.onRetry(endpoint)
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")

		var fe *FetchError
		if xerrors.As(err, &fe) {
			return nil, fe
		}
		if ctx.Err() != nil {
			return nil, xerrors.Errorf("fetch %s: %w", target, ctx.Err())
		}
		return nil, &TransientFetchError{URL: target, Attempts: attempts, Err: err}
	}

	return page, nil
}

func (c *Client) get(ctx context.Context, target string, params url.Values, withParams bool) (*Page, error) {
	req := c.http.R().SetContext(ctx)
	if withParams && len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}

	res, err := req.Get(target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, permanent(ctx.Err())
		}
		return nil, &retryableError{url: target, err: err}
	}

	status := res.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return nil, &retryableError{url: target, statusCode: status}
	case status < 200 || status >= 300:
		return nil, permanent(&FetchError{URL: res.Request.URL, StatusCode: status, Body: truncate(res.String(), 512)})
	}

	page, err := decodePage(res.Body())
	if err != nil {
		return nil, permanent(&FetchError{URL: res.Request.URL, StatusCode: status, Err: err})
	}

	return page, nil
}

// decodePage accepts both paginated envelopes and bare JSON arrays.
func decodePage(body []byte) (*Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &Page{}, nil
	}

	var raw []json.RawMessage
	page := &Page{}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, xerrors.Errorf("failed to decode list: %w", err)
		}
		page.Count = len(raw)
	} else {
		var pb pageBody
		if err := json.Unmarshal(trimmed, &pb); err != nil {
			return nil, xerrors.Errorf("failed to decode page: %w", err)
		}
		raw = pb.Results
		page.Count = pb.Count
		if pb.Next != nil {
			page.Next = *pb.Next
		}
	}

	page.Records = make([]Record, 0, len(raw))
	for i, r := range raw {
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, xerrors.Errorf("failed to decode result %d: %w", i, err)
		}
		page.Records = append(page.Records, rec)
	}

	return page, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
