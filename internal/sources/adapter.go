package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"chainledger/internal/models"
)

// Activity is the per-address answer of HasActivity.
type Activity struct {
	HasAny  bool
	Balance decimal.Decimal
}

// TxOptions bounds a transaction pull to a wall-clock window (unix seconds).
type TxOptions struct {
	FromTs int64
	ToTs   int64
}

// Adapter is the uniform contract over heterogeneous explorer APIs. An adapter
// may return UnsupportedError from Transactions (e.g. metadata-only subgraphs).
type Adapter interface {
	Name() string
	Chain() models.Chain
	Balances(ctx context.Context, addresses []string) (map[string]decimal.Decimal, error)
	HasActivity(ctx context.Context, addresses []string) (map[string]Activity, error)
	Transactions(ctx context.Context, addresses []string, opts TxOptions) (latestBlock uint64, txs []models.RawTransaction, err error)
}

// HTTPClientConfig mirrors the rpc.* config keys.
type HTTPClientConfig struct {
	Timeout         time.Duration
	PoolSizePerHost int
}

// NewHTTPClient builds the per-provider session. One client per provider with a
// bounded connection pool; no global mutation of http.DefaultClient.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PoolSizePerHost <= 0 {
		cfg.PoolSizePerHost = 10
	}
	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.PoolSizePerHost * 2,
			MaxIdleConnsPerHost: cfg.PoolSizePerHost,
			MaxConnsPerHost:     cfg.PoolSizePerHost,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// getJSON performs a GET and decodes into out, classifying failures into the
// adapter error taxonomy.
func getJSON(ctx context.Context, client *http.Client, provider, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &BadResponseError{Provider: provider, Err: err}
	}
	return doJSON(client, provider, req, out)
}

func doJSON(client *http.Client, provider string, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return &NetworkError{Provider: provider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{Provider: provider, RetryAfterSecs: parseRetryAfter(resp)}
	}
	if resp.StatusCode >= 500 {
		return &NetworkError{Provider: provider, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return &BadResponseError{Provider: provider, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &NetworkError{Provider: provider, Err: err}
	}

	// Some providers answer 200 with {"Response":"Error","Message":"...limit..."}.
	var probe struct {
		Response string `json:"Response"`
		Message  string `json:"Message"`
	}
	if json.Unmarshal(body, &probe) == nil && probe.Response == "Error" {
		if looksRateLimited(probe.Message) {
			return &RateLimitedError{Provider: provider, RetryAfterSecs: defaultRetryAfterSecs}
		}
		return &BadResponseError{Provider: provider, Err: errors.New(probe.Message)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &BadResponseError{Provider: provider, Err: err}
	}
	return nil
}

const defaultRetryAfterSecs = 5

func parseRetryAfter(resp *http.Response) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return secs
		}
	}
	return defaultRetryAfterSecs
}
